package main

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/quickbite/delivery-microservices/common/idempotency"
)

const opReleaseCourier = "RELEASE_COURIER"

// Service covers the courier-facing operations outside the assignment
// engine: self-reported status and location, and releasing couriers when
// their order terminates.
type Service struct {
	store  CourierStore
	idem   eventClaimer
	logger *zap.Logger
}

func NewService(store CourierStore, idem eventClaimer, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		idem:   idem,
		logger: logger,
	}
}

// GetCourier loads one courier.
func (s *Service) GetCourier(ctx context.Context, id string) (*Courier, error) {
	return s.store.Get(ctx, id)
}

// UpdateStatus records a courier-reported availability change. BUSY is owned
// by the assignment engine and cannot be set or left by hand while an order
// is attached.
func (s *Service) UpdateStatus(ctx context.Context, courierID string, status CourierStatus) (*Courier, error) {
	if !ValidStatus(status) || status == StatusBusy {
		return nil, ErrInvalidStatus
	}

	var updated *Courier
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		courier, err := s.store.GetForUpdateTx(ctx, tx, courierID)
		if err != nil {
			return err
		}
		if courier.Status == StatusBusy {
			return ErrInvalidStatus
		}

		courier.Status = status
		if err := s.store.UpdateTx(ctx, tx, courier); err != nil {
			return err
		}
		updated = courier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateLocation records the courier app's latest position fix.
func (s *Service) UpdateLocation(ctx context.Context, courierID string, lat, lon float64) (*Courier, error) {
	var updated *Courier
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		courier, err := s.store.GetForUpdateTx(ctx, tx, courierID)
		if err != nil {
			return err
		}

		courier.Latitude = &lat
		courier.Longitude = &lon
		if err := s.store.UpdateTx(ctx, tx, courier); err != nil {
			return err
		}
		updated = courier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReleaseForOrder frees the courier bound to a finished order
// (order.delivered or order.cancelled). A cancel that happened before any
// assignment simply finds no courier, which is fine.
func (s *Service) ReleaseForOrder(ctx context.Context, orderID string) error {
	if err := s.idem.Claim(ctx, idempotency.Key(opReleaseCourier, orderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		courier, err := s.store.FindByAssignedOrderTx(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, ErrCourierNotFound) {
				return nil
			}
			return err
		}

		courier.Status = StatusAvailable
		courier.AssignedOrderID = ""
		if err := s.store.UpdateTx(ctx, tx, courier); err != nil {
			return err
		}

		s.logger.Info("courier released",
			zap.String("courier_id", courier.ID),
			zap.String("order_id", orderID),
		)
		return nil
	})
}
