package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ProductCache is a cache-aside layer over the product reads. Writers
// invalidate after commit; a stale window up to the TTL is acceptable since
// reservations always check Postgres under lock.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(addr string, ttl time.Duration) (*ProductCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &ProductCache{client: client, ttl: ttl}, nil
}

func (c *ProductCache) Close() error {
	return c.client.Close()
}

// cachedProduct is the wire shape; decimal price travels as a string.
type cachedProduct struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"storeId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Stock       int32     `json:"stock"`
	IsAvailable bool      `json:"isAvailable"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Get returns (nil, nil) on a cache miss.
func (c *ProductCache) Get(ctx context.Context, id string) (*Product, error) {
	data, err := c.client.Get(ctx, productKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var cached cachedProduct
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached product: %w", err)
	}

	price, err := decimal.NewFromString(cached.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid cached price for product %s: %w", id, err)
	}
	return &Product{
		ID:          cached.ID,
		StoreID:     cached.StoreID,
		Name:        cached.Name,
		Description: cached.Description,
		Price:       price,
		Stock:       cached.Stock,
		IsAvailable: cached.IsAvailable,
		Version:     cached.Version,
		CreatedAt:   cached.CreatedAt,
		UpdatedAt:   cached.UpdatedAt,
	}, nil
}

func (c *ProductCache) Set(ctx context.Context, p *Product) error {
	data, err := json.Marshal(cachedProduct{
		ID:          p.ID,
		StoreID:     p.StoreID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price.String(),
		Stock:       p.Stock,
		IsAvailable: p.IsAvailable,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	if err := c.client.Set(ctx, productKey(p.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *ProductCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, productKey(id)).Err()
}

func productKey(id string) string {
	return "product:" + id
}
