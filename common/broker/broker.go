package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges. All event traffic is topic-routed; the DLX is direct so a failed
// message lands in the DLQ bound to its own routing key.
const (
	OrderEventsExchange   = "order_events_exchange"
	StoreEventsExchange   = "store_events_exchange"
	CourierEventsExchange = "courier_events_exchange"
	DLX                   = "dlx"
)

// Routing keys. Shared constants so publishers and consumers cannot drift.
const (
	OrderCreatedEvent              = "order.created"
	OrderPreparingEvent            = "order.preparing"
	StockReservationRequestedEvent = "order.stock_reservation.requested"
	StockReservedEvent             = "order.stock_reserved"
	StockReservationFailedEvent    = "order.stock_reservation_failed"
	OrderAssignedEvent             = "order.assigned"
	OrderOnTheWayEvent             = "order.on_the_way"
	OrderDeliveredEvent            = "order.delivered"
	OrderCancelledEvent            = "order.cancelled"
	CourierAssignedEvent           = "courier.assigned"
	CourierAssignmentFailedEvent   = "courier.assignment.failed"
	ProductCreatedEvent            = "product.created"
	ProductUpdatedEvent            = "product.updated"
	ProductDeletedEvent            = "product.deleted"
)

// MaxRetryCount bounds redelivery before a message is dead-lettered.
const MaxRetryCount = 3

// ExchangeForRoutingKey maps a routing key to the exchange that owns it:
// courier.* to the courier exchange, product.* to the store exchange,
// everything else (order.*) to the order exchange. The outbox publisher
// routes rows with this.
func ExchangeForRoutingKey(key string) string {
	switch {
	case strings.HasPrefix(key, "courier."):
		return CourierEventsExchange
	case strings.HasPrefix(key, "product."):
		return StoreEventsExchange
	default:
		return OrderEventsExchange
	}
}

// Connect dials RabbitMQ, opens a channel and declares the shared topology
// (topic exchanges + DLX). Returns the channel and a close function that
// shuts the channel before the connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

func declareTopology(ch *amqp.Channel) error {
	for _, exchange := range []string{OrderEventsExchange, StoreEventsExchange, CourierEventsExchange} {
		err := ch.ExchangeDeclare(
			exchange,
			"topic",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s: %w", exchange, err)
		}
	}

	// Dead-lettered messages keep their original routing key, which the
	// per-queue DLQ binds on.
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX: %w", err)
	}

	return nil
}

// DeclareConsumerQueue declares a durable, DLX-backed queue and binds it to
// the given exchange for every routing key. Each consumer concern owns one
// queue; its DLQ is "<queue>.dlq".
func DeclareConsumerQueue(ch *amqp.Channel, queue, exchange string, routingKeys []string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DLX,
		},
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return amqp.Queue{}, fmt.Errorf("failed to bind %s to %s (%s): %w", queue, exchange, key, err)
		}
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(dlq, key, DLX, false, nil); err != nil {
			return amqp.Queue{}, fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
		}
	}

	return q, nil
}

// retryPublisher is satisfied by *amqp.Channel.
type retryPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// HandleRetry settles a failed delivery exactly once. Below MaxRetryCount it
// republishes a copy with an incremented x-retry-count header (backing off
// linearly) and acks the original; at the limit it nacks without requeue so
// the queue's DLX routes the message to its DLQ. A delivery tag must never be
// settled twice — the broker closes the channel on a double settle — so a
// non-nil error means the delivery is still unsettled and the caller must
// nack it.
func HandleRetry(ch retryPublisher, d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		log.Printf("max retries reached, dead-lettering (routing key %s)", d.RoutingKey)
		return d.Nack(false, false)
	}

	log.Printf("retrying message, retry count: %d", retryCount)

	time.Sleep(time.Second * time.Duration(retryCount))

	err := ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return err
	}
	return d.Ack(false)
}
