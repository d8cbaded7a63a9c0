package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func busyCourier(id, orderID string) *Courier {
	return &Courier{
		ID:              id,
		Name:            "Courier " + id,
		Status:          StatusBusy,
		IsActive:        true,
		AssignedOrderID: orderID,
		Version:         3,
	}
}

func TestUpdateStatus(t *testing.T) {
	store := newFakeCourierStore(availableCourier("k1", 52.5, 13.4))
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	courier, err := svc.UpdateStatus(context.Background(), "k1", StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, courier.Status)
	assert.Equal(t, StatusOffline, store.current["k1"].Status)
}

func TestUpdateStatusRules(t *testing.T) {
	store := newFakeCourierStore(
		availableCourier("k1", 52.5, 13.4),
		busyCourier("k2", "o9"),
	)
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	tests := []struct {
		name      string
		courierID string
		status    CourierStatus
		wantErr   error
	}{
		{"unknown status", "k1", CourierStatus("NAPPING"), ErrInvalidStatus},
		{"busy is engine-owned", "k1", StatusBusy, ErrInvalidStatus},
		{"busy courier cannot self-change", "k2", StatusOffline, ErrInvalidStatus},
		{"unknown courier", "missing", StatusOffline, ErrCourierNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateStatus(context.Background(), tt.courierID, tt.status)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, StatusBusy, store.current["k2"].Status)
	assert.Equal(t, "o9", store.current["k2"].AssignedOrderID)
}

func TestUpdateLocation(t *testing.T) {
	store := newFakeCourierStore(availableCourier("k1", 52.5, 13.4))
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	courier, err := svc.UpdateLocation(context.Background(), "k1", 48.1374, 11.5755)
	require.NoError(t, err)
	require.NotNil(t, courier.Latitude)
	assert.InDelta(t, 48.1374, *courier.Latitude, 1e-9)
	assert.InDelta(t, 11.5755, *store.current["k1"].Longitude, 1e-9)
}

func TestReleaseForOrder(t *testing.T) {
	store := newFakeCourierStore(busyCourier("k1", "o1"))
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	require.NoError(t, svc.ReleaseForOrder(context.Background(), "o1"))

	released := store.current["k1"]
	assert.Equal(t, StatusAvailable, released.Status)
	assert.Empty(t, released.AssignedOrderID)
}

func TestReleaseForOrderWithoutAssignment(t *testing.T) {
	// Order cancelled before a courier was ever assigned.
	store := newFakeCourierStore(availableCourier("k1", 52.5, 13.4))
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	require.NoError(t, svc.ReleaseForOrder(context.Background(), "o1"))
	assert.Equal(t, StatusAvailable, store.current["k1"].Status)
}

func TestReleaseForOrderIsIdempotent(t *testing.T) {
	store := newFakeCourierStore(busyCourier("k1", "o1"))
	svc := NewService(store, newFakeClaimer(), zap.NewNop())

	require.NoError(t, svc.ReleaseForOrder(context.Background(), "o1"))

	// The delivered and cancelled routes can both race to release; the second
	// claim must be a no-op even if the courier picked up new work.
	store.current["k1"].Status = StatusBusy
	store.current["k1"].AssignedOrderID = "o1"
	require.NoError(t, svc.ReleaseForOrder(context.Background(), "o1"))
	assert.Equal(t, StatusBusy, store.current["k1"].Status)
}

func TestReleaseForOrderClaimErrorIsRetried(t *testing.T) {
	store := newFakeCourierStore(busyCourier("k1", "o1"))
	claimer := newFakeClaimer()
	claimer.err = errors.New("connection refused")
	svc := NewService(store, claimer, zap.NewNop())

	err := svc.ReleaseForOrder(context.Background(), "o1")
	require.Error(t, err)
	assert.Equal(t, StatusBusy, store.current["k1"].Status)
}
