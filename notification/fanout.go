package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/metrics"
)

// PushChannel is one recipient's live duplex connection. The transport behind
// it (WebSocket, SSE, whatever the edge speaks) is not this service's
// concern.
type PushChannel interface {
	Send(ctx context.Context, n *Notification) error
}

// Registry tracks which recipients currently hold a live push channel. One
// channel per recipient; a newer connection replaces the older one.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]PushChannel

	store   NotificationStore
	logger  *slog.Logger
	metrics *metrics.NotificationMetrics
}

func NewRegistry(store NotificationStore, logger *slog.Logger, m *metrics.NotificationMetrics) *Registry {
	return &Registry{
		channels: make(map[string]PushChannel),
		store:    store,
		logger:   logger,
		metrics:  m,
	}
}

// Connect registers a recipient's channel and flushes their backlog, oldest
// first. A send failure stops the flush; the remaining rows stay undelivered
// for the next connect.
func (r *Registry) Connect(ctx context.Context, recipientID string, ch PushChannel) error {
	r.mu.Lock()
	r.channels[recipientID] = ch
	r.mu.Unlock()

	pending, err := r.store.ListUndelivered(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("failed to list undelivered notifications: %w", err)
	}

	for _, n := range pending {
		if err := ch.Send(ctx, n); err != nil {
			r.logger.Warn("flush interrupted",
				slog.String("recipient_id", recipientID),
				slog.Any("error", err),
			)
			return nil
		}
		now := time.Now().UTC()
		if err := r.store.MarkDelivered(ctx, n.ID, now); err != nil {
			return fmt.Errorf("failed to mark notification delivered: %w", err)
		}
		n.DeliveredAt = &now
		r.metrics.Flushed.Inc()
	}

	return nil
}

// Disconnect drops the recipient's channel. Only the exact channel that was
// registered is removed, so a stale disconnect cannot evict a replacement.
func (r *Registry) Disconnect(recipientID string, ch PushChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[recipientID] == ch {
		delete(r.channels, recipientID)
	}
}

func (r *Registry) channel(recipientID string) (PushChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[recipientID]
	return ch, ok
}

// Fanout turns saga events into per-recipient notification rows and pushes
// them to whoever is connected. Rows are persisted before any push attempt;
// an offline recipient just accumulates backlog.
//
// Unlike the saga subscribers, the fan-out claims no idempotency keys: a
// broker redelivery can duplicate a row, which at worst repeats a message to
// the recipient. Nothing downstream reads notification rows back.
type Fanout struct {
	store    NotificationStore
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.NotificationMetrics
}

func NewFanout(store NotificationStore, registry *Registry, logger *slog.Logger, m *metrics.NotificationMetrics) *Fanout {
	return &Fanout{
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

func (f *Fanout) HandleOrderCreated(ctx context.Context, evt broker.OrderCreated) error {
	return f.deliver(ctx,
		&Notification{
			RecipientType: RecipientCustomer,
			RecipientID:   evt.UserID,
			EventType:     broker.OrderCreatedEvent,
			Message:       "Your order was placed and is waiting for the store to accept it.",
			OrderID:       evt.OrderID,
			StoreID:       evt.StoreID,
		},
		&Notification{
			RecipientType: RecipientStore,
			RecipientID:   evt.StoreID,
			EventType:     broker.OrderCreatedEvent,
			Message:       fmt.Sprintf("New order %s received.", evt.OrderID),
			OrderID:       evt.OrderID,
			StoreID:       evt.StoreID,
		},
	)
}

func (f *Fanout) HandleOrderPreparing(ctx context.Context, evt broker.OrderPreparing) error {
	return f.deliver(ctx, &Notification{
		RecipientType: RecipientCustomer,
		RecipientID:   evt.UserID,
		EventType:     broker.OrderPreparingEvent,
		Message:       "The store accepted your order and is preparing it.",
		OrderID:       evt.OrderID,
		StoreID:       evt.StoreID,
	})
}

func (f *Fanout) HandleOrderAssigned(ctx context.Context, evt broker.OrderAssigned) error {
	return f.deliver(ctx, &Notification{
		RecipientType: RecipientCustomer,
		RecipientID:   evt.UserID,
		EventType:     broker.OrderAssignedEvent,
		Message:       "A courier was assigned to your order.",
		OrderID:       evt.OrderID,
		CourierID:     evt.CourierID,
		StoreID:       evt.StoreID,
	})
}

func (f *Fanout) HandleCourierAssigned(ctx context.Context, evt broker.CourierAssigned) error {
	message := "You have a new delivery."
	if evt.PickupAddress != nil && evt.PickupAddress.Line != "" {
		message = fmt.Sprintf("You have a new delivery. Pickup at %s.", evt.PickupAddress.Line)
	}

	return f.deliver(ctx, &Notification{
		RecipientType: RecipientCourier,
		RecipientID:   evt.CourierID,
		EventType:     broker.CourierAssignedEvent,
		Message:       message,
		OrderID:       evt.OrderID,
		CourierID:     evt.CourierID,
		StoreID:       evt.StoreID,
	})
}

func (f *Fanout) HandleOrderOnTheWay(ctx context.Context, evt broker.OrderStatusChanged) error {
	return f.deliver(ctx, &Notification{
		RecipientType: RecipientCustomer,
		RecipientID:   evt.UserID,
		EventType:     broker.OrderOnTheWayEvent,
		Message:       "Your order is on the way.",
		OrderID:       evt.OrderID,
		CourierID:     evt.CourierID,
		StoreID:       evt.StoreID,
	})
}

func (f *Fanout) HandleOrderDelivered(ctx context.Context, evt broker.OrderStatusChanged) error {
	return f.deliver(ctx,
		&Notification{
			RecipientType: RecipientCustomer,
			RecipientID:   evt.UserID,
			EventType:     broker.OrderDeliveredEvent,
			Message:       "Your order was delivered. Enjoy!",
			OrderID:       evt.OrderID,
			CourierID:     evt.CourierID,
			StoreID:       evt.StoreID,
		},
		&Notification{
			RecipientType: RecipientStore,
			RecipientID:   evt.StoreID,
			EventType:     broker.OrderDeliveredEvent,
			Message:       fmt.Sprintf("Order %s was delivered.", evt.OrderID),
			OrderID:       evt.OrderID,
			CourierID:     evt.CourierID,
			StoreID:       evt.StoreID,
		},
	)
}

func (f *Fanout) HandleOrderCancelled(ctx context.Context, evt broker.OrderCancelled) error {
	notifications := []*Notification{
		{
			RecipientType: RecipientCustomer,
			RecipientID:   evt.UserID,
			EventType:     broker.OrderCancelledEvent,
			Message:       "Your order was cancelled.",
			OrderID:       evt.OrderID,
			StoreID:       evt.StoreID,
		},
	}
	// The store only cares once it has started preparing.
	if evt.OldStatus == "PREPARING" || evt.OldStatus == "ON_THE_WAY" {
		notifications = append(notifications, &Notification{
			RecipientType: RecipientStore,
			RecipientID:   evt.StoreID,
			EventType:     broker.OrderCancelledEvent,
			Message:       fmt.Sprintf("Order %s was cancelled.", evt.OrderID),
			OrderID:       evt.OrderID,
			StoreID:       evt.StoreID,
		})
	}
	return f.deliver(ctx, notifications...)
}

// deliver persists each row, then best-effort pushes it. Push failures are
// not errors: the row simply stays undelivered until the recipient
// reconnects.
func (f *Fanout) deliver(ctx context.Context, notifications ...*Notification) error {
	for _, n := range notifications {
		if err := f.store.Insert(ctx, n); err != nil {
			return fmt.Errorf("failed to persist notification: %w", err)
		}
		f.metrics.Created.Inc()

		ch, ok := f.registry.channel(n.RecipientID)
		if !ok {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			f.logger.Warn("push failed, leaving notification undelivered",
				slog.String("recipient_id", n.RecipientID),
				slog.Any("error", err),
			)
			continue
		}

		now := time.Now().UTC()
		if err := f.store.MarkDelivered(ctx, n.ID, now); err != nil {
			return fmt.Errorf("failed to mark notification delivered: %w", err)
		}
		n.DeliveredAt = &now
		f.metrics.Pushed.Inc()
	}
	return nil
}
