package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/metrics"
)

// Queue names. Each queue is bound to its owning exchange with the routing
// keys it cares about and dead-letters into <queue>.dlq.
const (
	stockRepliesQueue     = "orders.stock_replies"
	courierRepliesQueue   = "orders.courier_replies"
	productSnapshotsQueue = "orders.product_snapshots"
)

type consumer struct {
	service *Service
	logger  *slog.Logger
	metrics *metrics.ConsumerMetrics
}

func NewConsumer(service *Service, logger *slog.Logger, m *metrics.ConsumerMetrics) *consumer {
	return &consumer{
		service: service,
		logger:  logger,
		metrics: m,
	}
}

// Listen declares the order service's queues and consumes them until the
// process exits. Messages are acked only after the handler commits; handler
// errors go through HandleRetry and end up in the DLQ after MaxRetryCount.
func (c *consumer) Listen(ch *amqp.Channel) error {
	queues := []struct {
		name        string
		exchange    string
		routingKeys []string
	}{
		{stockRepliesQueue, broker.OrderEventsExchange, []string{
			broker.StockReservedEvent,
			broker.StockReservationFailedEvent,
		}},
		{courierRepliesQueue, broker.CourierEventsExchange, []string{
			broker.CourierAssignedEvent,
			broker.CourierAssignmentFailedEvent,
		}},
		{productSnapshotsQueue, broker.StoreEventsExchange, []string{
			broker.ProductCreatedEvent,
			broker.ProductUpdatedEvent,
			broker.ProductDeletedEvent,
		}},
	}

	for _, q := range queues {
		queue, err := broker.DeclareConsumerQueue(ch, q.name, q.exchange, q.routingKeys)
		if err != nil {
			return err
		}

		msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
		if err != nil {
			return err
		}

		c.logger.Info("consumer started", slog.String("queue", q.name))
		go c.consume(ch, msgs)
	}

	var forever chan struct{}
	<-forever
	return nil
}

func (c *consumer) consume(ch *amqp.Channel, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
		tracer := otel.Tracer("orders")
		ctx, span := tracer.Start(ctx, "AMQP - consume - "+d.RoutingKey)

		start := time.Now()
		err := c.dispatch(ctx, &d)
		if err != nil {
			c.logger.Error("failed to process message",
				slog.String("routing_key", d.RoutingKey),
				slog.Any("error", err),
			)
			// HandleRetry settles the delivery itself; a direct nack here
			// would settle the tag a second time and kill the channel.
			if retryErr := broker.HandleRetry(ch, &d); retryErr != nil {
				c.logger.Error("error handling retry", slog.Any("error", retryErr))
				d.Nack(false, false)
			}
			c.metrics.RecordMessage(d.RoutingKey, "error", time.Since(start))
			span.End()
			continue
		}

		d.Ack(false)
		c.metrics.RecordMessage(d.RoutingKey, "ok", time.Since(start))
		span.End()
	}
}

func (c *consumer) dispatch(ctx context.Context, d *amqp.Delivery) error {
	switch d.RoutingKey {
	case broker.StockReservedEvent:
		var evt broker.StockReserved
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.HandleStockReserved(ctx, evt)

	case broker.StockReservationFailedEvent:
		var evt broker.StockReservationFailed
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.HandleStockReservationFailed(ctx, evt)

	case broker.CourierAssignedEvent:
		var evt broker.CourierAssigned
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.HandleCourierAssigned(ctx, evt)

	case broker.CourierAssignmentFailedEvent:
		var evt broker.CourierAssignmentFailed
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.HandleCourierAssignmentFailed(ctx, evt)

	case broker.ProductCreatedEvent, broker.ProductUpdatedEvent:
		var evt broker.ProductChanged
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.snapshots.Upsert(ctx, ProductSnapshot{
			ProductID:   evt.ProductID,
			StoreID:     evt.StoreID,
			Name:        evt.Name,
			Price:       evt.Price,
			Stock:       evt.Stock,
			IsAvailable: evt.IsAvailable,
		})

	case broker.ProductDeletedEvent:
		var evt broker.ProductChanged
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.snapshots.Delete(ctx, evt.ProductID)

	default:
		// Unknown key on a bound queue: ack and move on, nothing to retry.
		c.logger.Warn("unhandled routing key", slog.String("routing_key", d.RoutingKey))
		return nil
	}
}
