package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

// Registered once; prometheus panics on duplicate collector registration.
var testOrderMetrics = metrics.NewOrderMetrics("orders_unit")

type fakeOrdersStore struct {
	orders    map[string]*Order
	updateErr error
}

func newFakeOrdersStore(orders ...*Order) *fakeOrdersStore {
	f := &fakeOrdersStore{orders: make(map[string]*Order)}
	for _, o := range orders {
		f.orders[o.ID] = cloneOrder(o)
	}
	return f
}

func (f *fakeOrdersStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func (f *fakeOrdersStore) CreateTx(ctx context.Context, tx *sql.Tx, order *Order) error {
	f.orders[order.ID] = cloneOrder(order)
	return nil
}

func (f *fakeOrdersStore) Get(ctx context.Context, id string) (*Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (f *fakeOrdersStore) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Order, error) {
	return f.Get(ctx, id)
}

func (f *fakeOrdersStore) UpdateTx(ctx context.Context, tx *sql.Tx, order *Order) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return ErrVersionConflict
	}
	order.Version++
	f.orders[order.ID] = cloneOrder(order)
	return nil
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

type fakeSnapshots struct {
	snaps    map[string]ProductSnapshot
	upserted []ProductSnapshot
	deleted  []string
}

func (f *fakeSnapshots) GetByIDs(ctx context.Context, ids []string) (map[string]ProductSnapshot, error) {
	out := make(map[string]ProductSnapshot)
	for _, id := range ids {
		if snap, ok := f.snaps[id]; ok {
			out[id] = snap
		}
	}
	return out, nil
}

func (f *fakeSnapshots) Upsert(ctx context.Context, snap ProductSnapshot) error {
	f.upserted = append(f.upserted, snap)
	return nil
}

func (f *fakeSnapshots) Delete(ctx context.Context, productID string) error {
	f.deleted = append(f.deleted, productID)
	return nil
}

type fakeOutbox struct {
	events []outbox.Event
	err    error
}

func (f *fakeOutbox) AppendTx(ctx context.Context, tx *sql.Tx, evt outbox.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeOutbox) lastEvent(t *testing.T) outbox.Event {
	t.Helper()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

type fakeClaimer struct {
	claimed map[string]bool
	err     error
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{claimed: make(map[string]bool)}
}

func (f *fakeClaimer) Claim(ctx context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	if f.claimed[key] {
		return idempotency.ErrAlreadyProcessed
	}
	f.claimed[key] = true
	return nil
}

type serviceFixture struct {
	svc    *Service
	store  *fakeOrdersStore
	snaps  *fakeSnapshots
	outbox *fakeOutbox
	idem   *fakeClaimer
}

func newFixture(orders ...*Order) *serviceFixture {
	store := newFakeOrdersStore(orders...)
	snaps := &fakeSnapshots{snaps: map[string]ProductSnapshot{
		"p1": {ProductID: "p1", StoreID: "s1", Name: "Margherita", Price: decimal.NewFromFloat(8.50), IsAvailable: true},
		"p2": {ProductID: "p2", StoreID: "s1", Name: "Cola", Price: decimal.NewFromFloat(2.00), IsAvailable: true},
	}}
	ob := &fakeOutbox{}
	idem := newFakeClaimer()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, snaps, ob, idem, log, testOrderMetrics)
	return &serviceFixture{svc: svc, store: store, snaps: snaps, outbox: ob, idem: idem}
}

func preparingOrder() *Order {
	shipping := &broker.Address{Line: "Musterstr. 1"}
	pickup := &broker.Address{Line: "Marktplatz 5"}
	return &Order{
		ID:              "o1",
		CustomerID:      "c1",
		StoreID:         "s1",
		Status:          StatusPreparing,
		ShippingAddress: shipping,
		PickupAddress:   pickup,
		Items:           []OrderItem{{ProductID: "p1", ProductName: "Margherita", Quantity: 2, UnitPrice: decimal.NewFromFloat(8.50)}},
		Version:         3,
	}
}

func TestCreateOrder(t *testing.T) {
	fx := newFixture()
	caller := Caller{ID: "c1", Role: RoleCustomer}

	order, err := fx.svc.CreateOrder(context.Background(), caller, "s1", []NewOrderItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	}, &broker.Address{Line: "Musterstr. 1"})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "c1", order.CustomerID)
	assert.True(t, decimal.NewFromFloat(19.00).Equal(order.TotalPrice), "got %s", order.TotalPrice)
	assert.Equal(t, "Margherita", order.Items[0].ProductName)
	assert.Equal(t, int64(1), order.Version)

	evt := fx.outbox.lastEvent(t)
	assert.Equal(t, broker.OrderCreatedEvent, evt.Type)
	assert.Equal(t, order.ID, evt.AggregateID)

	var payload broker.OrderCreated
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, order.ID, payload.OrderID)
	assert.Len(t, payload.Items, 2)
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name    string
		storeID string
		items   []NewOrderItem
		wantErr error
	}{
		{"no items", "s1", nil, ErrUnknownProduct},
		{"unknown product", "s1", []NewOrderItem{{ProductID: "ghost", Quantity: 1}}, ErrUnknownProduct},
		{"wrong store", "s2", []NewOrderItem{{ProductID: "p1", Quantity: 1}}, ErrWrongStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			_, err := fx.svc.CreateOrder(context.Background(), Caller{ID: "c1", Role: RoleCustomer}, tt.storeID, tt.items, nil)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, fx.outbox.events, "no event on rejected order")
		})
	}
}

func TestCreateOrderUnavailableProduct(t *testing.T) {
	fx := newFixture()
	fx.snaps.snaps["p1"] = ProductSnapshot{ProductID: "p1", StoreID: "s1", Name: "Margherita", Price: decimal.NewFromFloat(8.50), IsAvailable: false}

	_, err := fx.svc.CreateOrder(context.Background(), Caller{ID: "c1", Role: RoleCustomer}, "s1", []NewOrderItem{{ProductID: "p1", Quantity: 1}}, nil)
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestAcceptOrder(t *testing.T) {
	pending := &Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: StatusPending, Version: 1,
		Items: []OrderItem{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromFloat(8.50)}}}
	fx := newFixture(pending)

	err := fx.svc.AcceptOrder(context.Background(), "o1", Caller{ID: "owner1", Role: RoleOwner, StoreID: "s1"})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusReservingStock, stored.Status)
	assert.Equal(t, int64(2), stored.Version)

	evt := fx.outbox.lastEvent(t)
	assert.Equal(t, broker.StockReservationRequestedEvent, evt.Type)

	var payload broker.StockReservationRequested
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "s1", payload.StoreID)
	assert.Nil(t, payload.PickupAddress)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, int32(2), payload.Items[0].Quantity)
}

func TestAcceptOrderAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		status  OrderStatus
		caller  Caller
		wantErr error
	}{
		{"customer cannot accept", StatusPending, Caller{ID: "c1", Role: RoleCustomer}, ErrForbidden},
		{"other store's owner", StatusPending, Caller{ID: "owner2", Role: RoleOwner, StoreID: "s2"}, ErrForbidden},
		{"already accepted", StatusReservingStock, Caller{ID: "owner1", Role: RoleOwner, StoreID: "s1"}, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(&Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: tt.status, Version: 1})
			err := fx.svc.AcceptOrder(context.Background(), "o1", tt.caller)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, fx.outbox.events)
		})
	}
}

func TestCancelOrderPendingByCustomer(t *testing.T) {
	fx := newFixture(&Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: StatusPending, Version: 1,
		Items: []OrderItem{{ProductID: "p1", Quantity: 1}}})

	err := fx.svc.CancelOrder(context.Background(), "o1", Caller{ID: "c1", Role: RoleCustomer})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusCancelled, stored.Status)

	var payload broker.OrderCancelled
	require.NoError(t, json.Unmarshal(fx.outbox.lastEvent(t).Payload, &payload))
	assert.Equal(t, string(StatusPending), payload.OldStatus)
	assert.Empty(t, payload.Items, "no stock was reserved, nothing to restore")
}

func TestCancelOrderPreparingByOwner(t *testing.T) {
	fx := newFixture(preparingOrder())

	err := fx.svc.CancelOrder(context.Background(), "o1", Caller{ID: "owner1", Role: RoleOwner, StoreID: "s1"})
	require.NoError(t, err)

	var payload broker.OrderCancelled
	require.NoError(t, json.Unmarshal(fx.outbox.lastEvent(t).Payload, &payload))
	assert.Equal(t, string(StatusPreparing), payload.OldStatus)
	require.Len(t, payload.Items, 1, "reserved stock must be restored")
	assert.Equal(t, "p1", payload.Items[0].ProductID)
}

func TestCancelOrderRules(t *testing.T) {
	tests := []struct {
		name    string
		status  OrderStatus
		caller  Caller
		wantErr error
	}{
		{"customer cannot cancel preparing", StatusPreparing, Caller{ID: "c1", Role: RoleCustomer}, ErrForbidden},
		{"owner cannot cancel pending of other customer", StatusPending, Caller{ID: "owner1", Role: RoleOwner, StoreID: "s1"}, ErrForbidden},
		{"nobody cancels on the way", StatusOnTheWay, Caller{ID: "c1", Role: RoleCustomer}, ErrInvalidState},
		{"nobody cancels delivered", StatusDelivered, Caller{ID: "c1", Role: RoleCustomer}, ErrInvalidState},
		{"reserving stock is in flight", StatusReservingStock, Caller{ID: "c1", Role: RoleCustomer}, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(&Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: tt.status, Version: 1})
			err := fx.svc.CancelOrder(context.Background(), "o1", tt.caller)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPickupAndDeliver(t *testing.T) {
	order := preparingOrder()
	order.CourierID = "k1"
	fx := newFixture(order)
	courier := Caller{ID: "k1", Role: RoleCourier}

	require.NoError(t, fx.svc.PickupOrder(context.Background(), "o1", courier))
	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusOnTheWay, stored.Status)
	assert.Equal(t, broker.OrderOnTheWayEvent, fx.outbox.lastEvent(t).Type)

	require.NoError(t, fx.svc.DeliverOrder(context.Background(), "o1", courier))
	stored, _ = fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, broker.OrderDeliveredEvent, fx.outbox.lastEvent(t).Type)
}

func TestPickupOnlyByAssignedCourier(t *testing.T) {
	order := preparingOrder()
	order.CourierID = "k1"
	fx := newFixture(order)

	err := fx.svc.PickupOrder(context.Background(), "o1", Caller{ID: "k2", Role: RoleCourier})
	assert.ErrorIs(t, err, ErrForbidden)

	unassigned := preparingOrder()
	unassigned.ID = "o2"
	unassigned.CourierID = ""
	fx = newFixture(unassigned)
	err = fx.svc.PickupOrder(context.Background(), "o2", Caller{ID: "k1", Role: RoleCourier})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHandleStockReserved(t *testing.T) {
	fx := newFixture(&Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: StatusReservingStock, Version: 2,
		ShippingAddress: &broker.Address{Line: "Musterstr. 1"}})
	pickup := &broker.Address{Line: "Marktplatz 5"}

	err := fx.svc.HandleStockReserved(context.Background(), broker.StockReserved{
		OrderID: "o1", StoreID: "s1", UserID: "c1", PickupAddress: pickup,
	})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusPreparing, stored.Status)
	require.NotNil(t, stored.PickupAddress)
	assert.Equal(t, "Marktplatz 5", stored.PickupAddress.Line)

	evt := fx.outbox.lastEvent(t)
	assert.Equal(t, broker.OrderPreparingEvent, evt.Type)

	// Redelivery of the same reply is claimed away without touching state.
	eventCount := len(fx.outbox.events)
	require.NoError(t, fx.svc.HandleStockReserved(context.Background(), broker.StockReserved{OrderID: "o1"}))
	assert.Len(t, fx.outbox.events, eventCount)
}

func TestHandleStockReservedLateReply(t *testing.T) {
	fx := newFixture(preparingOrder())

	err := fx.svc.HandleStockReserved(context.Background(), broker.StockReserved{OrderID: "o1"})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusPreparing, stored.Status)
	assert.Empty(t, fx.outbox.events, "late reply must not emit anything")
}

func TestHandleStockReservationFailed(t *testing.T) {
	fx := newFixture(&Order{ID: "o1", CustomerID: "c1", StoreID: "s1", Status: StatusReservingStock, Version: 2,
		Items: []OrderItem{{ProductID: "p1", Quantity: 1}}})

	err := fx.svc.HandleStockReservationFailed(context.Background(), broker.StockReservationFailed{
		OrderID: "o1", UserID: "c1", Reason: "insufficient stock for p1",
	})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusCancelled, stored.Status)

	var payload broker.OrderCancelled
	require.NoError(t, json.Unmarshal(fx.outbox.lastEvent(t).Payload, &payload))
	assert.Equal(t, string(StatusReservingStock), payload.OldStatus)
	assert.Empty(t, payload.Items, "nothing was deducted, nothing to restore")
}

func TestHandleCourierAssigned(t *testing.T) {
	order := preparingOrder()
	order.CourierID = ""
	fx := newFixture(order)

	err := fx.svc.HandleCourierAssigned(context.Background(), broker.CourierAssigned{
		OrderID: "o1", CourierID: "k1", StoreID: "s1", UserID: "c1",
	})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, "k1", stored.CourierID)
	assert.Equal(t, StatusPreparing, stored.Status, "assignment does not advance the state machine")

	evt := fx.outbox.lastEvent(t)
	assert.Equal(t, broker.OrderAssignedEvent, evt.Type)
}

func TestHandleCourierAssignedConflict(t *testing.T) {
	order := preparingOrder()
	order.CourierID = "k1"
	fx := newFixture(order)

	err := fx.svc.HandleCourierAssigned(context.Background(), broker.CourierAssigned{
		OrderID: "o1", CourierID: "k2",
	})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, "k1", stored.CourierID, "first assignment wins")
	assert.Empty(t, fx.outbox.events)
}

func TestHandleCourierAssignmentFailed(t *testing.T) {
	fx := newFixture(preparingOrder())

	err := fx.svc.HandleCourierAssignmentFailed(context.Background(), broker.CourierAssignmentFailed{
		OrderID: "o1", UserID: "c1", Reason: "no couriers with location",
	})
	require.NoError(t, err)

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Equal(t, StatusCancelled, stored.Status)

	var payload broker.OrderCancelled
	require.NoError(t, json.Unmarshal(fx.outbox.lastEvent(t).Payload, &payload))
	assert.Equal(t, string(StatusPreparing), payload.OldStatus)
	require.Len(t, payload.Items, 1, "stock was reserved, restore it")
}

func TestClaimInfrastructureErrorIsReturned(t *testing.T) {
	fx := newFixture(preparingOrder())
	fx.idem.err = errors.New("connection refused")

	err := fx.svc.HandleCourierAssigned(context.Background(), broker.CourierAssigned{OrderID: "o1", CourierID: "k1"})
	assert.Error(t, err, "broker must redeliver when the claim cannot be recorded")

	stored, _ := fx.store.Get(context.Background(), "o1")
	assert.Empty(t, stored.CourierID)
}
