package outbox

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/metrics"
)

const (
	// DefaultPublishInterval is the fixed delay between publisher ticks.
	DefaultPublishInterval = 2 * time.Second
	// FetchBatchSize bounds how many rows one tick drains.
	FetchBatchSize = 50
	// CleanupBatchSize bounds each retention delete.
	CleanupBatchSize = 1000
	// DefaultRetention keeps processed rows around for debugging before the
	// daily cleanup removes them.
	DefaultRetention = 48 * time.Hour
)

// publisherStore is the slice of Store the publisher needs; tests supply a
// fake.
type publisherStore interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id string) error
}

// amqpPublisher is satisfied by *amqp.Channel.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher periodically drains unprocessed outbox rows to the broker.
// One row's failure never aborts the batch: the row stays unprocessed and is
// retried on the next tick, so delivery is at-least-once.
type Publisher struct {
	store    publisherStore
	ch       amqpPublisher
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.OutboxMetrics
}

func NewPublisher(store *Store, ch *amqp.Channel, logger *slog.Logger, m *metrics.OutboxMetrics) *Publisher {
	return &Publisher{
		store:    store,
		ch:       ch,
		logger:   logger,
		interval: DefaultPublishInterval,
		metrics:  m,
	}
}

// Run drains the outbox on a fixed delay until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishPending(ctx); err != nil {
				p.logger.Error("outbox publish tick failed", slog.Any("error", err))
			}
		}
	}
}

// PublishPending ships one batch of unprocessed rows. The exchange is derived
// from the routing key prefix and the payload bytes are published verbatim.
func (p *Publisher) PublishPending(ctx context.Context) error {
	events, err := p.store.FetchUnprocessed(ctx, FetchBatchSize)
	if err != nil {
		return err
	}

	for _, evt := range events {
		exchange := broker.ExchangeForRoutingKey(evt.Type)

		err := p.ch.PublishWithContext(
			ctx,
			exchange,
			evt.Type,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				Headers:      broker.InjectTraceContext(ctx),
				Body:         evt.Payload,
				DeliveryMode: amqp.Persistent,
			},
		)
		if err != nil {
			// Soft failure: leave the row unprocessed for the next tick.
			p.logger.Error("failed to publish outbox event",
				slog.String("event_id", evt.ID),
				slog.String("type", evt.Type),
				slog.Any("error", err),
			)
			if p.metrics != nil {
				p.metrics.Failed.Inc()
			}
			continue
		}

		if err := p.store.MarkProcessed(ctx, evt.ID); err != nil {
			// The event was published but not marked; it will be published
			// again. At-least-once holds either way.
			p.logger.Error("failed to mark outbox event processed",
				slog.String("event_id", evt.ID),
				slog.Any("error", err),
			)
			continue
		}

		if p.metrics != nil {
			p.metrics.Published.Inc()
		}
	}

	return nil
}

// Cleaner deletes processed rows past the retention horizon, once daily, in
// bounded batches.
type Cleaner struct {
	store     *Store
	logger    *slog.Logger
	retention time.Duration
}

func NewCleaner(store *Store, logger *slog.Logger, retention time.Duration) *Cleaner {
	if retention < 24*time.Hour {
		retention = DefaultRetention
	}
	return &Cleaner{store: store, logger: logger, retention: retention}
}

// Run performs one cleanup immediately and then once per day.
func (c *Cleaner) Run(ctx context.Context) {
	c.cleanup(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.retention)

	var total int64
	for {
		deleted, err := c.store.DeleteProcessedBefore(ctx, cutoff, CleanupBatchSize)
		if err != nil {
			c.logger.Error("outbox cleanup failed", slog.Any("error", err))
			return
		}
		total += deleted
		if deleted < CleanupBatchSize {
			break
		}
	}

	if total > 0 {
		c.logger.Info("outbox cleanup done", slog.Int64("deleted", total))
	}
}
