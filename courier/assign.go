package main

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

const opAssignCourier = "ASSIGN_COURIER"

// Assignment failure reasons carried in courier.assignment.failed.
// "exist" means exist as candidates: the engine only ever looks at active
// AVAILABLE couriers, so a fleet that is fully BUSY or inactive reads the
// same as an empty one.
const (
	reasonNoCouriers = "no couriers exist"
	reasonNoLocation = "no couriers with location"
	reasonAllClaimed = "all candidates were claimed"
)

type outboxStore interface {
	AppendTx(ctx context.Context, tx *sql.Tx, evt outbox.Event) error
	Append(ctx context.Context, evt outbox.Event) error
}

type eventClaimer interface {
	Claim(ctx context.Context, key string) error
}

// Engine assigns the nearest available courier to a preparing order. Many
// engines may run concurrently against the same fleet; the per-courier row
// lock guarantees each courier is won by at most one order.
type Engine struct {
	store   CourierStore
	outbox  outboxStore
	idem    eventClaimer
	logger  *zap.Logger
	metrics *metrics.CourierMetrics
}

func NewEngine(store CourierStore, ob outboxStore, idem eventClaimer, logger *zap.Logger, m *metrics.CourierMetrics) *Engine {
	return &Engine{
		store:   store,
		outbox:  ob,
		idem:    idem,
		logger:  logger,
		metrics: m,
	}
}

// HandleOrderPreparing runs the assignment for one order.preparing event.
// Candidates are the active AVAILABLE couriers with a known location, ranked
// by distance to pickup when pickup coordinates exist. Each candidate is
// attempted atomically; losing a candidate to a concurrent assignment just
// moves on to the next one.
func (e *Engine) HandleOrderPreparing(ctx context.Context, evt broker.OrderPreparing) error {
	if err := e.idem.Claim(ctx, idempotency.Key(opAssignCourier, evt.OrderID)); err != nil {
		if errors.Is(err, idempotency.ErrAlreadyProcessed) {
			e.logger.Info("assignment already processed", zap.String("order_id", evt.OrderID))
			return nil
		}
		return err
	}

	available, err := e.store.ListAvailable(ctx)
	if err != nil {
		return err
	}
	if len(available) == 0 {
		return e.failAssignment(ctx, evt, reasonNoCouriers)
	}

	candidates := make([]*Courier, 0, len(available))
	for _, c := range available {
		if c.HasLocation() {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return e.failAssignment(ctx, evt, reasonNoLocation)
	}

	if evt.PickupAddress.HasCoordinates() {
		rankByDistance(candidates, *evt.PickupAddress.Latitude, *evt.PickupAddress.Longitude)
	}

	for _, candidate := range candidates {
		won, err := e.atomicAssign(ctx, candidate.ID, evt)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				e.metrics.CandidatesSkipped.Inc()
				continue
			}
			// Unexpected failure on one candidate must not sink the whole
			// assignment.
			e.logger.Error("assignment attempt failed",
				zap.String("order_id", evt.OrderID),
				zap.String("courier_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		if !won {
			e.metrics.CandidatesSkipped.Inc()
			continue
		}

		e.metrics.AssignmentsSucceeded.Inc()
		e.logger.Info("courier assigned",
			zap.String("order_id", evt.OrderID),
			zap.String("courier_id", candidate.ID),
		)
		return nil
	}

	return e.failAssignment(ctx, evt, reasonAllClaimed)
}

// atomicAssign re-reads the courier under a row lock and claims them if they
// are still an active AVAILABLE courier. The courier.assigned reply commits
// in the same transaction as the status flip.
func (e *Engine) atomicAssign(ctx context.Context, courierID string, evt broker.OrderPreparing) (bool, error) {
	won := false
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		courier, err := e.store.GetForUpdateTx(ctx, tx, courierID)
		if err != nil {
			if errors.Is(err, ErrCourierNotFound) {
				return nil
			}
			return err
		}
		if courier.Status != StatusAvailable || !courier.IsActive {
			return nil
		}

		courier.Status = StatusBusy
		courier.AssignedOrderID = evt.OrderID
		if err := e.store.UpdateTx(ctx, tx, courier); err != nil {
			return err
		}

		assigned, err := outbox.NewEvent("COURIER", courier.ID, broker.CourierAssignedEvent, broker.CourierAssigned{
			OrderID:         evt.OrderID,
			CourierID:       courier.ID,
			StoreID:         evt.StoreID,
			UserID:          evt.UserID,
			PickupAddress:   evt.PickupAddress,
			ShippingAddress: evt.ShippingAddress,
		})
		if err != nil {
			return err
		}
		if err := e.outbox.AppendTx(ctx, tx, assigned); err != nil {
			return err
		}

		won = true
		return nil
	})
	return won, err
}

// failAssignment publishes the compensating reply in its own committed
// transaction.
func (e *Engine) failAssignment(ctx context.Context, evt broker.OrderPreparing, reason string) error {
	failed, err := outbox.NewEvent("ORDER", evt.OrderID, broker.CourierAssignmentFailedEvent, broker.CourierAssignmentFailed{
		OrderID: evt.OrderID,
		UserID:  evt.UserID,
		StoreID: evt.StoreID,
		Reason:  reason,
	})
	if err != nil {
		return err
	}
	if err := e.outbox.Append(ctx, failed); err != nil {
		return err
	}

	e.metrics.AssignmentsFailed.Inc()
	e.logger.Info("courier assignment failed",
		zap.String("order_id", evt.OrderID),
		zap.String("reason", reason),
	)
	return nil
}

// rankByDistance sorts candidates in place by great-circle distance to the
// pickup point. Distance is only a ranking key, never persisted.
func rankByDistance(candidates []*Courier, lat, lon float64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		di := haversineKm(lat, lon, *candidates[i].Latitude, *candidates[i].Longitude)
		dj := haversineKm(lat, lon, *candidates[j].Latitude, *candidates[j].Longitude)
		return di < dj
	})
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in
// kilometres.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
