package broker

import "github.com/shopspring/decimal"

// Event contracts. Flat DTOs carried as JSON on the wire; the routing key is
// the event type. Field names are part of the cross-service contract and
// must not change. Consumers tolerate unknown fields (encoding/json ignores
// them), which is what allows the schema to grow.

// Address is a structured postal address with optional coordinates. Missing
// coordinates disable proximity ranking but never exclude a courier.
type Address struct {
	Line      string   `json:"line"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (a *Address) HasCoordinates() bool {
	return a != nil && a.Latitude != nil && a.Longitude != nil
}

// OrderItemRef identifies a product and quantity inside saga payloads.
type OrderItemRef struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

// OrderCreated is published when a customer places an order (status PENDING).
type OrderCreated struct {
	OrderID         string          `json:"orderId"`
	UserID          string          `json:"userId"`
	StoreID         string          `json:"storeId"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Items           []OrderItemRef  `json:"items"`
	ShippingAddress *Address        `json:"shippingAddress"`
}

// StockReservationRequested starts the reservation leg of the saga. The
// pickup address is intentionally null; the store service fills it from its
// own record in the reply.
type StockReservationRequested struct {
	OrderID         string         `json:"orderId"`
	StoreID         string         `json:"storeId"`
	UserID          string         `json:"userId"`
	Items           []OrderItemRef `json:"items"`
	ShippingAddress *Address       `json:"shippingAddress"`
	PickupAddress   *Address       `json:"pickupAddress"`
}

// StockReserved is the store's success reply; pickupAddress is the store's
// own address snapshotted at reservation time.
type StockReserved struct {
	OrderID         string   `json:"orderId"`
	StoreID         string   `json:"storeId"`
	UserID          string   `json:"userId"`
	PickupAddress   *Address `json:"pickupAddress"`
	ShippingAddress *Address `json:"shippingAddress"`
}

// StockReservationFailed is the store's compensating reply.
type StockReservationFailed struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

// OrderPreparing asks the courier service to find a courier.
type OrderPreparing struct {
	OrderID         string   `json:"orderId"`
	StoreID         string   `json:"storeId"`
	UserID          string   `json:"userId"`
	PickupAddress   *Address `json:"pickupAddress"`
	ShippingAddress *Address `json:"shippingAddress"`
}

// CourierAssigned is the courier service's success reply.
type CourierAssigned struct {
	OrderID         string   `json:"orderId"`
	CourierID       string   `json:"courierId"`
	StoreID         string   `json:"storeId"`
	UserID          string   `json:"userId"`
	PickupAddress   *Address `json:"pickupAddress"`
	ShippingAddress *Address `json:"shippingAddress"`
}

// CourierAssignmentFailed is published when every candidate was exhausted.
type CourierAssignmentFailed struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	StoreID string `json:"storeId"`
	Reason  string `json:"reason"`
}

// OrderAssigned fans the accepted assignment out to notifications.
type OrderAssigned struct {
	OrderID         string   `json:"orderId"`
	CourierID       string   `json:"courierId"`
	StoreID         string   `json:"storeId"`
	UserID          string   `json:"userId"`
	PickupAddress   *Address `json:"pickupAddress"`
	ShippingAddress *Address `json:"shippingAddress"`
}

// OrderStatusChanged carries pickup/delivery transitions
// (order.on_the_way, order.delivered).
type OrderStatusChanged struct {
	OrderID   string `json:"orderId"`
	UserID    string `json:"userId"`
	StoreID   string `json:"storeId"`
	CourierID string `json:"courierId"`
	Status    string `json:"status"`
}

// OrderCancelled compensates the saga. oldStatus keys the store's restore
// decision: stock is given back only for PREPARING and ON_THE_WAY, and items
// is populated only then.
type OrderCancelled struct {
	OrderID   string         `json:"orderId"`
	UserID    string         `json:"userId"`
	StoreID   string         `json:"storeId"`
	OldStatus string         `json:"oldStatus"`
	Items     []OrderItemRef `json:"items"`
}

// ProductChanged carries product.created / product.updated / product.deleted
// for the order service's snapshot projection.
type ProductChanged struct {
	ProductID   string          `json:"productId"`
	StoreID     string          `json:"storeId"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Stock       int32           `json:"stock"`
	IsAvailable bool            `json:"isAvailable"`
}
