package main

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrNotificationNotFound = errors.New("notification not found")

// RecipientType says which side of the marketplace a notification targets.
type RecipientType string

const (
	RecipientCustomer RecipientType = "CUSTOMER"
	RecipientCourier  RecipientType = "COURIER"
	RecipientStore    RecipientType = "STORE"
)

// Notification is one message for one recipient. Order, courier and store ids
// are denormalised so clients never need a second lookup to render it.
// DeliveredAt stays nil until the row went out over a live push channel.
type Notification struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	RecipientType RecipientType      `bson:"recipientType"`
	RecipientID   string             `bson:"recipientId"`
	EventType     string             `bson:"eventType"`
	Message       string             `bson:"message"`
	OrderID       string             `bson:"orderId,omitempty"`
	CourierID     string             `bson:"courierId,omitempty"`
	StoreID       string             `bson:"storeId,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt"`
	DeliveredAt   *time.Time         `bson:"deliveredAt,omitempty"`
}

// NotificationStore persists notifications and tracks delivery state.
type NotificationStore interface {
	Insert(ctx context.Context, n *Notification) error
	MarkDelivered(ctx context.Context, id primitive.ObjectID, at time.Time) error
	ListUndelivered(ctx context.Context, recipientID string) ([]*Notification, error)
}
