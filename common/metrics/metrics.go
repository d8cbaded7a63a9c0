package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConsumerMetrics covers broker message processing for one service.
type ConsumerMetrics struct {
	MessagesTotal   *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
}

// OutboxMetrics covers the outbox publisher loop.
type OutboxMetrics struct {
	Published prometheus.Counter
	Failed    prometheus.Counter
}

// OrderMetrics are the order service's business counters.
type OrderMetrics struct {
	OrdersCreated   prometheus.Counter
	OrdersAccepted  prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersDelivered prometheus.Counter
}

// StoreMetrics are the store service's business counters.
type StoreMetrics struct {
	ReservationsCommitted prometheus.Counter
	ReservationsRejected  prometheus.Counter
	StockRestored         prometheus.Counter
}

// CourierMetrics are the courier service's business counters.
type CourierMetrics struct {
	AssignmentsSucceeded prometheus.Counter
	AssignmentsFailed    prometheus.Counter
	CandidatesSkipped    prometheus.Counter
}

// NotificationMetrics are the notification service's business counters.
type NotificationMetrics struct {
	Created prometheus.Counter
	Pushed  prometheus.Counter
	Flushed prometheus.Counter
}

// NewConsumerMetrics creates consumer metrics for a service.
func NewConsumerMetrics(serviceName string) *ConsumerMetrics {
	return &ConsumerMetrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_consumer_messages_total",
				Help: "Total broker messages processed, by routing key and outcome",
			},
			[]string{"routing_key", "outcome"},
		),
		ProcessDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_consumer_process_duration_seconds",
				Help:    "Broker message processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		),
	}
}

// NewOutboxMetrics creates outbox publisher metrics for a service.
func NewOutboxMetrics(serviceName string) *OutboxMetrics {
	return &OutboxMetrics{
		Published: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_published_total",
				Help: "Outbox rows published to the broker",
			},
		),
		Failed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_publish_failures_total",
				Help: "Outbox rows whose publish failed and will be retried",
			},
		),
	}
}

// NewOrderMetrics creates the order service's business metrics.
func NewOrderMetrics(serviceName string) *OrderMetrics {
	return &OrderMetrics{
		OrdersCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_created_total",
				Help: "Total orders created",
			},
		),
		OrdersAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_accepted_total",
				Help: "Total orders accepted by store owners",
			},
		),
		OrdersCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_cancelled_total",
				Help: "Total orders cancelled (any path)",
			},
		),
		OrdersDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_delivered_total",
				Help: "Total orders delivered",
			},
		),
	}
}

// NewStoreMetrics creates the store service's business metrics.
func NewStoreMetrics(serviceName string) *StoreMetrics {
	return &StoreMetrics{
		ReservationsCommitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_reservations_committed_total",
				Help: "Stock reservations committed",
			},
		),
		ReservationsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_reservations_rejected_total",
				Help: "Stock reservations rejected (insufficient stock, unavailable, wrong store)",
			},
		),
		StockRestored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_stock_restores_total",
				Help: "Stock restorations applied after cancellation",
			},
		),
	}
}

// NewCourierMetrics creates the courier service's business metrics.
func NewCourierMetrics(serviceName string) *CourierMetrics {
	return &CourierMetrics{
		AssignmentsSucceeded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_assignments_succeeded_total",
				Help: "Orders assigned to a courier",
			},
		),
		AssignmentsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_assignments_failed_total",
				Help: "Orders for which no courier could be assigned",
			},
		),
		CandidatesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_assignment_candidates_skipped_total",
				Help: "Candidate couriers lost to a concurrent assignment",
			},
		),
	}
}

// NewNotificationMetrics creates the notification service's business metrics.
func NewNotificationMetrics(serviceName string) *NotificationMetrics {
	return &NotificationMetrics{
		Created: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notifications_created_total",
				Help: "Notification rows persisted",
			},
		),
		Pushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notifications_pushed_total",
				Help: "Notifications delivered over a live push channel",
			},
		),
		Flushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notifications_flushed_total",
				Help: "Undelivered notifications flushed on recipient connect",
			},
		),
	}
}

// RecordMessage records one processed broker message.
func (m *ConsumerMetrics) RecordMessage(routingKey, outcome string, duration time.Duration) {
	m.MessagesTotal.WithLabelValues(routingKey, outcome).Inc()
	m.ProcessDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
}
