package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

const aggregateProduct = "PRODUCT"

// Idempotency operations for the store-side subscribers.
const (
	opReserveStock = "RESERVE_STOCK"
	opRestoreStock = "RESTORE_STOCK"
)

type outboxStore interface {
	AppendTx(ctx context.Context, tx *sql.Tx, evt outbox.Event) error
	Append(ctx context.Context, evt outbox.Event) error
}

type eventClaimer interface {
	Claim(ctx context.Context, key string) error
}

type productCache interface {
	Get(ctx context.Context, id string) (*Product, error)
	Set(ctx context.Context, p *Product) error
	Invalidate(ctx context.Context, id string) error
}

// Service owns the product catalog and acts as the stock participant of the
// order saga.
type Service struct {
	store   ProductStore
	outbox  outboxStore
	idem    eventClaimer
	cache   productCache
	logger  *zap.Logger
	metrics *metrics.StoreMetrics
}

func NewService(store ProductStore, ob outboxStore, idem eventClaimer, cache productCache, logger *zap.Logger, m *metrics.StoreMetrics) *Service {
	return &Service{
		store:   store,
		outbox:  ob,
		idem:    idem,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

// HandleStockReservationRequested is the saga participant for
// order.stock_reservation.requested. All-or-nothing: either every item is
// deducted in one transaction together with the order.stock_reserved reply,
// or nothing is deducted and order.stock_reservation_failed goes out in its
// own transaction.
//
// The idempotency claim commits before the business transaction. If the
// process dies between the two, the redelivered event is dropped and the
// order eventually cancels through the saga timeout path; accepted as the
// cost of keeping exactly-one reply.
func (s *Service) HandleStockReservationRequested(ctx context.Context, evt broker.StockReservationRequested) error {
	if err := s.idem.Claim(ctx, idempotency.Key(opReserveStock, evt.OrderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.logger.Info("reservation request already processed", zap.String("order_id", evt.OrderID))
			return nil
		}
		return err
	}

	record, err := s.store.GetStore(ctx, evt.StoreID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return s.rejectReservation(ctx, evt, fmt.Sprintf("store %s not found", evt.StoreID))
		}
		return err
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		ids := make([]string, 0, len(evt.Items))
		for _, item := range evt.Items {
			ids = append(ids, item.ProductID)
		}

		products, err := s.store.LockProductsTx(ctx, tx, ids)
		if err != nil {
			return err
		}

		// Validate everything before touching any row.
		for _, item := range evt.Items {
			p, ok := products[item.ProductID]
			if !ok {
				return fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
			}
			if p.StoreID != evt.StoreID {
				return fmt.Errorf("%w: %s", ErrWrongStore, item.ProductID)
			}
			if !p.IsAvailable {
				return fmt.Errorf("%w: %s", ErrUnavailable, item.ProductID)
			}
			if p.Stock < item.Quantity {
				return fmt.Errorf("%w: %s (have %d, want %d)", ErrInsufficientStock, item.ProductID, p.Stock, item.Quantity)
			}
		}

		for _, item := range evt.Items {
			p, err := s.store.AdjustStockTx(ctx, tx, item.ProductID, -item.Quantity)
			if err != nil {
				return err
			}
			if err := s.appendProductEvent(ctx, tx, broker.ProductUpdatedEvent, p); err != nil {
				return err
			}
		}

		reserved, err := outbox.NewEvent("ORDER", evt.OrderID, broker.StockReservedEvent, broker.StockReserved{
			OrderID:         evt.OrderID,
			StoreID:         evt.StoreID,
			UserID:          evt.UserID,
			PickupAddress:   &record.Address,
			ShippingAddress: evt.ShippingAddress,
		})
		if err != nil {
			return err
		}
		return s.outbox.AppendTx(ctx, tx, reserved)
	})
	if err != nil {
		if isReservationRejection(err) {
			return s.rejectReservation(ctx, evt, err.Error())
		}
		return err
	}

	s.metrics.ReservationsCommitted.Inc()
	s.invalidateItems(ctx, evt.Items)
	s.logger.Info("stock reserved",
		zap.String("order_id", evt.OrderID),
		zap.Int("items", len(evt.Items)),
	)
	return nil
}

// rejectReservation publishes the compensating reply in its own committed
// transaction; the business transaction already rolled back.
func (s *Service) rejectReservation(ctx context.Context, evt broker.StockReservationRequested, reason string) error {
	failed, err := outbox.NewEvent("ORDER", evt.OrderID, broker.StockReservationFailedEvent, broker.StockReservationFailed{
		OrderID: evt.OrderID,
		UserID:  evt.UserID,
		Reason:  reason,
	})
	if err != nil {
		return err
	}
	if err := s.outbox.Append(ctx, failed); err != nil {
		return err
	}

	s.metrics.ReservationsRejected.Inc()
	s.logger.Info("stock reservation rejected",
		zap.String("order_id", evt.OrderID),
		zap.String("reason", reason),
	)
	return nil
}

func isReservationRejection(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrWrongStore) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrInsufficientStock)
}

// HandleOrderCancelled restores stock for cancellations that happened after
// the reservation was committed. The order service only populates items when
// the cancelled order had deducted stock (PREPARING, ON_THE_WAY), and the
// old-status gate keeps a replayed pre-reservation cancel from inflating
// inventory.
func (s *Service) HandleOrderCancelled(ctx context.Context, evt broker.OrderCancelled) error {
	if evt.OldStatus != "PREPARING" && evt.OldStatus != "ON_THE_WAY" {
		return nil
	}
	if len(evt.Items) == 0 {
		return nil
	}

	if err := s.idem.Claim(ctx, idempotency.Key(opRestoreStock, evt.OrderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			s.logger.Info("stock already restored", zap.String("order_id", evt.OrderID))
			return nil
		}
		return err
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		ids := make([]string, 0, len(evt.Items))
		for _, item := range evt.Items {
			ids = append(ids, item.ProductID)
		}
		products, err := s.store.LockProductsTx(ctx, tx, ids)
		if err != nil {
			return err
		}

		for _, item := range evt.Items {
			if _, ok := products[item.ProductID]; !ok {
				// Product deleted since the order was placed; nothing to
				// restore into.
				s.logger.Warn("skipping restore for deleted product",
					zap.String("order_id", evt.OrderID),
					zap.String("product_id", item.ProductID),
				)
				continue
			}
			p, err := s.store.AdjustStockTx(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if err := s.appendProductEvent(ctx, tx, broker.ProductUpdatedEvent, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.StockRestored.Inc()
	s.invalidateItems(ctx, evt.Items)
	s.logger.Info("stock restored",
		zap.String("order_id", evt.OrderID),
		zap.Int("items", len(evt.Items)),
	)
	return nil
}

// CreateProduct adds a product to the caller's store and broadcasts
// product.created for the snapshot consumers.
func (s *Service) CreateProduct(ctx context.Context, ownerID, storeID string, req NewProduct) (*Product, error) {
	record, err := s.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	p := &Product{
		ID:          uuid.New().String(),
		StoreID:     storeID,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
		IsAvailable: req.IsAvailable,
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateProductTx(ctx, tx, p); err != nil {
			return err
		}
		return s.appendProductEvent(ctx, tx, broker.ProductCreatedEvent, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct patches the given fields and broadcasts product.updated.
func (s *Service) UpdateProduct(ctx context.Context, ownerID, productID string, update ProductUpdate) (*Product, error) {
	var updated *Product
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		products, err := s.store.LockProductsTx(ctx, tx, []string{productID})
		if err != nil {
			return err
		}
		p, ok := products[productID]
		if !ok {
			return ErrProductNotFound
		}

		record, err := s.store.GetStore(ctx, p.StoreID)
		if err != nil {
			return err
		}
		if record.OwnerID != ownerID {
			return ErrForbidden
		}

		if update.Name != nil {
			p.Name = *update.Name
		}
		if update.Description != nil {
			p.Description = *update.Description
		}
		if update.Price != nil {
			p.Price = *update.Price
		}
		if update.Stock != nil {
			p.Stock = *update.Stock
		}
		if update.IsAvailable != nil {
			p.IsAvailable = *update.IsAvailable
		}

		if err := s.store.UpdateProductTx(ctx, tx, p); err != nil {
			return err
		}
		updated = p
		return s.appendProductEvent(ctx, tx, broker.ProductUpdatedEvent, p)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, productID)
	return updated, nil
}

// DeleteProduct removes the product and broadcasts product.deleted so the
// snapshot projections drop it.
func (s *Service) DeleteProduct(ctx context.Context, ownerID, productID string) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		products, err := s.store.LockProductsTx(ctx, tx, []string{productID})
		if err != nil {
			return err
		}
		p, ok := products[productID]
		if !ok {
			return ErrProductNotFound
		}

		record, err := s.store.GetStore(ctx, p.StoreID)
		if err != nil {
			return err
		}
		if record.OwnerID != ownerID {
			return ErrForbidden
		}

		if err := s.store.DeleteProductTx(ctx, tx, productID); err != nil {
			return err
		}
		return s.appendProductEvent(ctx, tx, broker.ProductDeletedEvent, p)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, productID)
	return nil
}

// GetProduct reads through the cache.
func (s *Service) GetProduct(ctx context.Context, id string) (*Product, error) {
	if s.cache != nil {
		if p, err := s.cache.Get(ctx, id); err != nil {
			s.logger.Warn("cache read failed", zap.String("product_id", id), zap.Error(err))
		} else if p != nil {
			return p, nil
		}
	}

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.Warn("cache write failed", zap.String("product_id", id), zap.Error(err))
		}
	}
	return p, nil
}

// ListStoreProducts returns the store's catalog straight from Postgres.
func (s *Service) ListStoreProducts(ctx context.Context, storeID string) ([]*Product, error) {
	return s.store.ListByStore(ctx, storeID)
}

func (s *Service) appendProductEvent(ctx context.Context, tx *sql.Tx, eventType string, p *Product) error {
	evt, err := outbox.NewEvent(aggregateProduct, p.ID, eventType, productChanged(p))
	if err != nil {
		return err
	}
	return s.outbox.AppendTx(ctx, tx, evt)
}

func (s *Service) invalidate(ctx context.Context, productID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("cache invalidation failed", zap.String("product_id", productID), zap.Error(err))
	}
}

func (s *Service) invalidateItems(ctx context.Context, items []broker.OrderItemRef) {
	for _, item := range items {
		s.invalidate(ctx, item.ProductID)
	}
}
