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

const (
	orderEventsQueue   = "notification.order_events"
	courierEventsQueue = "notification.courier_events"
)

type consumer struct {
	fanout  *Fanout
	logger  *slog.Logger
	metrics *metrics.ConsumerMetrics
}

func NewConsumer(fanout *Fanout, logger *slog.Logger, m *metrics.ConsumerMetrics) *consumer {
	return &consumer{
		fanout:  fanout,
		logger:  logger,
		metrics: m,
	}
}

// Listen subscribes to every order and courier event worth surfacing to a
// person. Saga-internal traffic (reservation requests, failure replies) stays
// unbound; the customer hears about those outcomes through order.cancelled.
func (c *consumer) Listen(ch *amqp.Channel) error {
	queues := []struct {
		name        string
		exchange    string
		routingKeys []string
	}{
		{orderEventsQueue, broker.OrderEventsExchange, []string{
			broker.OrderCreatedEvent,
			broker.OrderPreparingEvent,
			broker.OrderAssignedEvent,
			broker.OrderOnTheWayEvent,
			broker.OrderDeliveredEvent,
			broker.OrderCancelledEvent,
		}},
		{courierEventsQueue, broker.CourierEventsExchange, []string{
			broker.CourierAssignedEvent,
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
		tracer := otel.Tracer("notification")
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
	case broker.OrderCreatedEvent:
		var evt broker.OrderCreated
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderCreated(ctx, evt)

	case broker.OrderPreparingEvent:
		var evt broker.OrderPreparing
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderPreparing(ctx, evt)

	case broker.OrderAssignedEvent:
		var evt broker.OrderAssigned
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderAssigned(ctx, evt)

	case broker.CourierAssignedEvent:
		var evt broker.CourierAssigned
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleCourierAssigned(ctx, evt)

	case broker.OrderOnTheWayEvent:
		var evt broker.OrderStatusChanged
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderOnTheWay(ctx, evt)

	case broker.OrderDeliveredEvent:
		var evt broker.OrderStatusChanged
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderDelivered(ctx, evt)

	case broker.OrderCancelledEvent:
		var evt broker.OrderCancelled
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.fanout.HandleOrderCancelled(ctx, evt)

	default:
		c.logger.Warn("unhandled routing key", slog.String("routing_key", d.RoutingKey))
		return nil
	}
}
