package main

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type store struct {
	collection *mongo.Collection
}

func NewStore(client *mongo.Client) *store {
	collection := client.Database("notifications").Collection("notifications")
	return &store{
		collection: collection,
	}
}

func (s *store) Insert(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	result, err := s.collection.InsertOne(ctx, n)
	if err != nil {
		return err
	}
	n.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (s *store) MarkDelivered(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"deliveredAt": at}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ListUndelivered returns the recipient's pending notifications, oldest
// first, so a reconnect replays them in the order they happened.
func (s *store) ListUndelivered(ctx context.Context, recipientID string) ([]*Notification, error) {
	filter := bson.M{
		"recipientId": recipientID,
		"deliveredAt": bson.M{"$exists": false},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var notifications []*Notification
	for cursor.Next(ctx) {
		var n Notification
		if err := cursor.Decode(&n); err != nil {
			return nil, err
		}
		notifications = append(notifications, &n)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}
