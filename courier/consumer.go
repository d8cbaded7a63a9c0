package main

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/metrics"
)

const (
	assignmentsQueue    = "courier.assignments"
	orderTerminalsQueue = "courier.order_terminals"
)

type consumer struct {
	engine  *Engine
	service *Service
	logger  *zap.Logger
	metrics *metrics.ConsumerMetrics
}

func NewConsumer(engine *Engine, service *Service, logger *zap.Logger, m *metrics.ConsumerMetrics) *consumer {
	return &consumer{
		engine:  engine,
		service: service,
		logger:  logger,
		metrics: m,
	}
}

// Listen consumes the assignment requests (order.preparing) and the terminal
// events that free a busy courier.
func (c *consumer) Listen(ch *amqp.Channel) error {
	queues := []struct {
		name        string
		routingKeys []string
	}{
		{assignmentsQueue, []string{broker.OrderPreparingEvent}},
		{orderTerminalsQueue, []string{broker.OrderDeliveredEvent, broker.OrderCancelledEvent}},
	}

	for _, q := range queues {
		queue, err := broker.DeclareConsumerQueue(ch, q.name, broker.OrderEventsExchange, q.routingKeys)
		if err != nil {
			return err
		}

		msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
		if err != nil {
			return err
		}

		c.logger.Info("consumer started", zap.String("queue", q.name))
		go c.consume(ch, msgs)
	}

	var forever chan struct{}
	<-forever
	return nil
}

func (c *consumer) consume(ch *amqp.Channel, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
		tracer := otel.Tracer("courier")
		ctx, span := tracer.Start(ctx, "AMQP - consume - "+d.RoutingKey)

		start := time.Now()
		err := c.dispatch(ctx, &d)
		if err != nil {
			c.logger.Error("failed to process message",
				zap.String("routing_key", d.RoutingKey),
				zap.Error(err),
			)
			// HandleRetry settles the delivery itself; a direct nack here
			// would settle the tag a second time and kill the channel.
			if retryErr := broker.HandleRetry(ch, &d); retryErr != nil {
				c.logger.Error("error handling retry", zap.Error(retryErr))
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
	case broker.OrderPreparingEvent:
		var evt broker.OrderPreparing
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.engine.HandleOrderPreparing(ctx, evt)

	case broker.OrderDeliveredEvent:
		var evt broker.OrderStatusChanged
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.ReleaseForOrder(ctx, evt.OrderID)

	case broker.OrderCancelledEvent:
		var evt broker.OrderCancelled
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			return err
		}
		return c.service.ReleaseForOrder(ctx, evt.OrderID)

	default:
		c.logger.Warn("unhandled routing key", zap.String("routing_key", d.RoutingKey))
		return nil
	}
}
