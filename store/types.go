package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrStoreNotFound     = errors.New("store not found")
	ErrForbidden         = errors.New("caller does not own this store")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrWrongStore        = errors.New("product belongs to a different store")
	ErrUnavailable       = errors.New("product is not available")
	ErrVersionConflict   = errors.New("product was modified concurrently")
)

// Product is the store service's source of truth; the order service only
// sees the snapshot projection fed by product.* events.
type Product struct {
	ID          string
	StoreID     string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int32
	IsAvailable bool
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StoreRecord is one registered store. The address doubles as the pickup
// address handed to the courier saga.
type StoreRecord struct {
	ID      string
	OwnerID string
	Name    string
	Address broker.Address
}

// NewProduct is the creation request shape.
type NewProduct struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int32
	IsAvailable bool
}

// ProductUpdate carries the mutable fields; nil pointers leave the column
// untouched.
type ProductUpdate struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
	Stock       *int32
	IsAvailable *bool
}

// ProductStore is the persistence port for products and stores.
type ProductStore interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListByStore(ctx context.Context, storeID string) ([]*Product, error)
	CreateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error
	UpdateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error
	DeleteProductTx(ctx context.Context, tx *sql.Tx, id string) error
	// LockProductsTx locks the rows in deterministic id order so concurrent
	// reservations touching the same products cannot deadlock.
	LockProductsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]*Product, error)
	AdjustStockTx(ctx context.Context, tx *sql.Tx, productID string, delta int32) (*Product, error)
	GetStore(ctx context.Context, id string) (*StoreRecord, error)
}
