package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

const aggregateOrder = "ORDER"

// Order-side idempotency operations for saga reply handlers.
const (
	opStockReserved           = "STOCK_RESERVED"
	opStockReservationFailed  = "STOCK_RESERVATION_FAILED"
	opCourierAssigned         = "COURIER_ASSIGNED"
	opCourierAssignmentFailed = "COURIER_ASSIGNMENT_FAILED"
)

type outboxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, evt outbox.Event) error
}

type eventClaimer interface {
	Claim(ctx context.Context, key string) error
}

// Service owns the order state machine and originates the saga. Every
// state-changing path writes the order mutation and its outbox row in one
// local transaction.
type Service struct {
	store     OrdersStore
	snapshots SnapshotStore
	outbox    outboxAppender
	idem      eventClaimer
	logger    *slog.Logger
	metrics   *metrics.OrderMetrics
}

func NewService(store OrdersStore, snapshots SnapshotStore, ob outboxAppender, idem eventClaimer, logger *slog.Logger, m *metrics.OrderMetrics) *Service {
	return &Service{
		store:     store,
		snapshots: snapshots,
		outbox:    ob,
		idem:      idem,
		logger:    logger,
		metrics:   m,
	}
}

// CreateOrder validates the requested items against the local product
// snapshot, prices the order from snapshot prices, and persists it in
// PENDING together with an order.created outbox row.
func (s *Service) CreateOrder(ctx context.Context, caller Caller, storeID string, items []NewOrderItem, shipping *broker.Address) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrUnknownProduct)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}

	snaps, err := s.snapshots.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load product snapshots: %w", err)
	}

	order := &Order{
		ID:              uuid.New().String(),
		CustomerID:      caller.ID,
		StoreID:         storeID,
		Status:          StatusPending,
		ShippingAddress: shipping,
		Version:         1,
	}

	total := decimal.Zero
	for _, item := range items {
		snap, ok := snaps[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, item.ProductID)
		}
		if snap.StoreID != storeID {
			return nil, fmt.Errorf("%w: %s", ErrWrongStore, item.ProductID)
		}
		if !snap.IsAvailable {
			return nil, fmt.Errorf("%w: %s", ErrProductUnavailable, item.ProductID)
		}

		order.Items = append(order.Items, OrderItem{
			ProductID:   item.ProductID,
			ProductName: snap.Name,
			Quantity:    item.Quantity,
			UnitPrice:   snap.Price,
		})
		total = total.Add(snap.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	order.TotalPrice = total

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateTx(ctx, tx, order); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, order.ID, broker.OrderCreatedEvent, broker.OrderCreated{
			OrderID:         order.ID,
			UserID:          order.CustomerID,
			StoreID:         order.StoreID,
			TotalPrice:      order.TotalPrice,
			Items:           order.ItemRefs(),
			ShippingAddress: order.ShippingAddress,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.Info("order created",
		slog.String("order_id", order.ID),
		slog.String("store_id", order.StoreID),
		slog.String("total_price", order.TotalPrice.String()),
	)

	return order, nil
}

// AcceptOrder moves PENDING → RESERVING_STOCK and asks the store service to
// reserve stock. Only the owner of the order's store may accept.
func (s *Service) AcceptOrder(ctx context.Context, orderID string, caller Caller) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if caller.Role != RoleOwner || caller.StoreID != order.StoreID {
			return ErrForbidden
		}
		if order.Status != StatusPending {
			return ErrInvalidState
		}

		if err := order.transition(StatusReservingStock); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		s.metrics.OrdersAccepted.Inc()

		// pickupAddress stays null here; the store service fills it from its
		// own record in the reply.
		return s.appendEvent(ctx, tx, order.ID, broker.StockReservationRequestedEvent, broker.StockReservationRequested{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			UserID:          order.CustomerID,
			Items:           order.ItemRefs(),
			ShippingAddress: order.ShippingAddress,
			PickupAddress:   nil,
		})
	})
}

// CancelOrder applies the per-state authorisation rules: the customer may
// cancel a PENDING order, only the store owner may cancel a PREPARING one,
// every other state rejects cancellation.
func (s *Service) CancelOrder(ctx context.Context, orderID string, caller Caller) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, orderID)
		if err != nil {
			return err
		}

		switch order.Status {
		case StatusPending:
			if caller.ID != order.CustomerID {
				return ErrForbidden
			}
		case StatusPreparing:
			if caller.Role != RoleOwner || caller.StoreID != order.StoreID {
				return ErrForbidden
			}
		default:
			return ErrInvalidState
		}

		oldStatus := order.Status
		if err := order.transition(StatusCancelled); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, order.ID, broker.OrderCancelledEvent, cancelledEvent(order, oldStatus))
	})
	if err != nil {
		return err
	}

	s.metrics.OrdersCancelled.Inc()
	return nil
}

// PickupOrder moves PREPARING → ON_THE_WAY; only the assigned courier may
// pick up.
func (s *Service) PickupOrder(ctx context.Context, orderID string, caller Caller) error {
	return s.courierTransition(ctx, orderID, caller, StatusPreparing, StatusOnTheWay, broker.OrderOnTheWayEvent)
}

// DeliverOrder moves ON_THE_WAY → DELIVERED; only the assigned courier may
// deliver.
func (s *Service) DeliverOrder(ctx context.Context, orderID string, caller Caller) error {
	err := s.courierTransition(ctx, orderID, caller, StatusOnTheWay, StatusDelivered, broker.OrderDeliveredEvent)
	if err != nil {
		return err
	}
	s.metrics.OrdersDelivered.Inc()
	return nil
}

func (s *Service) courierTransition(ctx context.Context, orderID string, caller Caller, from, to OrderStatus, eventType string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.CourierID == "" || caller.ID != order.CourierID {
			return ErrForbidden
		}
		if order.Status != from {
			return ErrInvalidState
		}

		if err := order.transition(to); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, order.ID, eventType, broker.OrderStatusChanged{
			OrderID:   order.ID,
			UserID:    order.CustomerID,
			StoreID:   order.StoreID,
			CourierID: order.CourierID,
			Status:    string(to),
		})
	})
}

// GetOrder loads one order with its items.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// HandleStockReserved is the saga reply handler for order.stock_reserved:
// RESERVING_STOCK → PREPARING, snapshotting the pickup address, and fanning
// out order.preparing for the courier service. Late or duplicate replies are
// dropped by the status gate.
func (s *Service) HandleStockReserved(ctx context.Context, evt broker.StockReserved) error {
	claimed, err := s.claim(ctx, opStockReserved, evt.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, evt.OrderID)
		if err != nil {
			return err
		}
		if order.Status != StatusReservingStock {
			s.dropLate(evt.OrderID, broker.StockReservedEvent, order.Status)
			return nil
		}

		order.PickupAddress = evt.PickupAddress
		if err := order.transition(StatusPreparing); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, order.ID, broker.OrderPreparingEvent, broker.OrderPreparing{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			UserID:          order.CustomerID,
			PickupAddress:   order.PickupAddress,
			ShippingAddress: order.ShippingAddress,
		})
	})
}

// HandleStockReservationFailed compensates a failed reservation:
// RESERVING_STOCK → CANCELLED with an empty items list, since no stock was
// deducted.
func (s *Service) HandleStockReservationFailed(ctx context.Context, evt broker.StockReservationFailed) error {
	claimed, err := s.claim(ctx, opStockReservationFailed, evt.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, evt.OrderID)
		if err != nil {
			return err
		}
		if order.Status != StatusReservingStock {
			s.dropLate(evt.OrderID, broker.StockReservationFailedEvent, order.Status)
			return nil
		}

		oldStatus := order.Status
		if err := order.transition(StatusCancelled); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, order.ID, broker.OrderCancelledEvent, cancelledEvent(order, oldStatus))
	})
	if err != nil {
		return err
	}

	s.metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled: stock reservation failed",
		slog.String("order_id", evt.OrderID),
		slog.String("reason", evt.Reason),
	)
	return nil
}

// HandleCourierAssigned records the assignment on a PREPARING order and fans
// out order.assigned for notifications. A failure to build the notification
// event never aborts the assignment commit.
func (s *Service) HandleCourierAssigned(ctx context.Context, evt broker.CourierAssigned) error {
	claimed, err := s.claim(ctx, opCourierAssigned, evt.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, evt.OrderID)
		if err != nil {
			return err
		}
		if order.Status != StatusPreparing {
			s.dropLate(evt.OrderID, broker.CourierAssignedEvent, order.Status)
			return nil
		}
		if order.CourierID == evt.CourierID {
			// duplicate reply, already applied
			return nil
		}
		if order.CourierID != "" {
			// Should never happen: the courier service's locking guarantees
			// one assignment per order. Log-only anomaly.
			s.logger.Error("conflicting courier assignment dropped",
				slog.String("order_id", order.ID),
				slog.String("assigned_courier", order.CourierID),
				slog.String("incoming_courier", evt.CourierID),
			)
			return nil
		}

		order.CourierID = evt.CourierID
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		// Notification fan-out is non-critical: log and keep the commit.
		notifyErr := s.appendEvent(ctx, tx, order.ID, broker.OrderAssignedEvent, broker.OrderAssigned{
			OrderID:         order.ID,
			CourierID:       order.CourierID,
			StoreID:         order.StoreID,
			UserID:          order.CustomerID,
			PickupAddress:   order.PickupAddress,
			ShippingAddress: order.ShippingAddress,
		})
		if notifyErr != nil {
			s.logger.Error("failed to emit order.assigned, keeping assignment",
				slog.String("order_id", order.ID),
				slog.Any("error", notifyErr),
			)
		}
		return nil
	})
}

// HandleCourierAssignmentFailed compensates an unassignable order:
// PREPARING → CANCELLED with the full items list so the store restores
// stock.
func (s *Service) HandleCourierAssignmentFailed(ctx context.Context, evt broker.CourierAssignmentFailed) error {
	claimed, err := s.claim(ctx, opCourierAssignmentFailed, evt.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := s.store.GetForUpdateTx(ctx, tx, evt.OrderID)
		if err != nil {
			return err
		}
		if order.Status != StatusPreparing {
			s.dropLate(evt.OrderID, broker.CourierAssignmentFailedEvent, order.Status)
			return nil
		}

		oldStatus := order.Status
		if err := order.transition(StatusCancelled); err != nil {
			return err
		}
		if err := s.store.UpdateTx(ctx, tx, order); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, order.ID, broker.OrderCancelledEvent, cancelledEvent(order, oldStatus))
	})
	if err != nil {
		return err
	}

	s.metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled: courier assignment failed",
		slog.String("order_id", evt.OrderID),
		slog.String("reason", evt.Reason),
	)
	return nil
}

// claim inserts the handler's idempotency key; false means this event was
// already processed and the caller should ack without side effects. An
// infrastructure failure is returned so the broker redelivers.
func (s *Service) claim(ctx context.Context, operation, orderID string) (bool, error) {
	err := s.idem.Claim(ctx, idempotency.Key(operation, orderID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, idempotency.ErrAlreadyProcessed) {
		s.logger.Info("event already processed",
			slog.String("operation", operation),
			slog.String("order_id", orderID),
		)
		return false, nil
	}
	return false, err
}

func (s *Service) dropLate(orderID, eventType string, status OrderStatus) {
	s.logger.Info("dropping late or duplicate reply",
		slog.String("order_id", orderID),
		slog.String("event", eventType),
		slog.String("status", string(status)),
	)
}

func (s *Service) appendEvent(ctx context.Context, tx *sql.Tx, orderID, eventType string, payload any) error {
	evt, err := outbox.NewEvent(aggregateOrder, orderID, eventType, payload)
	if err != nil {
		return err
	}
	return s.outbox.AppendTx(ctx, tx, evt)
}

// cancelledEvent builds the order.cancelled contract. Items are populated
// only when stock was actually deducted (PREPARING, ON_THE_WAY); otherwise
// the store must not restore anything.
func cancelledEvent(order *Order, oldStatus OrderStatus) broker.OrderCancelled {
	items := []broker.OrderItemRef{}
	if oldStatus == StatusPreparing || oldStatus == StatusOnTheWay {
		items = order.ItemRefs()
	}
	return broker.OrderCancelled{
		OrderID:   order.ID,
		UserID:    order.CustomerID,
		StoreID:   order.StoreID,
		OldStatus: string(oldStatus),
		Items:     items,
	}
}
