package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
)

// OrderStatus is the order's lifecycle state. Transitions are confined to
// the state machine in state.go.
type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusReservingStock OrderStatus = "RESERVING_STOCK"
	StatusPreparing      OrderStatus = "PREPARING"
	StatusOnTheWay       OrderStatus = "ON_THE_WAY"
	StatusDelivered      OrderStatus = "DELIVERED"
	StatusCancelled      OrderStatus = "CANCELLED"
)

// Caller roles as extracted from the (external) identity token.
const (
	RoleCustomer = "CUSTOMER"
	RoleOwner    = "STORE_OWNER"
	RoleCourier  = "COURIER"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidState       = errors.New("operation not allowed in current order state")
	ErrForbidden          = errors.New("caller is not allowed to perform this operation")
	ErrUnknownProduct     = errors.New("product not found in store")
	ErrWrongStore         = errors.New("product belongs to a different store")
	ErrProductUnavailable = errors.New("product is not available")
	ErrVersionConflict    = errors.New("order was modified concurrently")
)

// Caller is the authenticated principal; token validation happens at the
// external identity layer, the REST mapper just hands the claims through.
type Caller struct {
	ID      string
	Role    string
	StoreID string
}

// Order is the aggregate root. CourierID and PickupAddress stay empty/nil
// until the saga fills them; Version increments on every mutation.
type Order struct {
	ID              string
	CustomerID      string
	StoreID         string
	CourierID       string
	TotalPrice      decimal.Decimal
	Status          OrderStatus
	ShippingAddress *broker.Address
	PickupAddress   *broker.Address
	Items           []OrderItem
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is owned by its Order and referenced by id only from outside.
type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int32
	UnitPrice   decimal.Decimal
}

// NewOrderItem is the creation request shape (quantities against snapshot
// products).
type NewOrderItem struct {
	ProductID string
	Quantity  int32
}

// ItemRefs converts the order's items to the saga payload shape.
func (o *Order) ItemRefs() []broker.OrderItemRef {
	refs := make([]broker.OrderItemRef, 0, len(o.Items))
	for _, item := range o.Items {
		refs = append(refs, broker.OrderItemRef{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return refs
}

// ProductSnapshot is the order service's eventually-consistent projection of
// the store service's products, used only to price and validate orders at
// creation time.
type ProductSnapshot struct {
	ProductID   string
	StoreID     string
	Name        string
	Price       decimal.Decimal
	Stock       int32
	IsAvailable bool
	UpdatedAt   time.Time
}

// OrdersStore is the persistence port for orders.
type OrdersStore interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	CreateTx(ctx context.Context, tx *sql.Tx, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Order, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, order *Order) error
}

// SnapshotStore is the persistence port for the product projection.
type SnapshotStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]ProductSnapshot, error)
	Upsert(ctx context.Context, snap ProductSnapshot) error
	Delete(ctx context.Context, productID string) error
}
