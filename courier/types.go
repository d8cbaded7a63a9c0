package main

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CourierStatus is the courier's availability state. Only AVAILABLE couriers
// are assignment candidates.
type CourierStatus string

const (
	StatusAvailable CourierStatus = "AVAILABLE"
	StatusBusy      CourierStatus = "BUSY"
	StatusOffline   CourierStatus = "OFFLINE"
	StatusOnBreak   CourierStatus = "ON_BREAK"
)

var (
	ErrCourierNotFound = errors.New("courier not found")
	ErrVersionConflict = errors.New("courier was modified concurrently")
	ErrInvalidStatus   = errors.New("unknown courier status")
)

// Courier is one delivery rider. Location is optional until the courier app
// reports a fix; AssignedOrderID is set while the courier is BUSY on an
// order.
type Courier struct {
	ID              string
	Name            string
	Status          CourierStatus
	IsActive        bool
	Latitude        *float64
	Longitude       *float64
	AssignedOrderID string
	Version         int64
	UpdatedAt       time.Time
}

// HasLocation reports whether the courier can be distance-ranked.
func (c *Courier) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// ValidStatus reports whether s is one of the known states.
func ValidStatus(s CourierStatus) bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline, StatusOnBreak:
		return true
	}
	return false
}

// CourierStore is the persistence port for couriers.
type CourierStore interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Get(ctx context.Context, id string) (*Courier, error)
	ListAvailable(ctx context.Context) ([]*Courier, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Courier, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, c *Courier) error
	// FindByAssignedOrderTx locks the courier currently bound to the order,
	// or returns ErrCourierNotFound when nobody is.
	FindByAssignedOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (*Courier, error)
}
