package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

// Registered once; prometheus panics on duplicate collector registration.
var testStoreMetrics = metrics.NewStoreMetrics("store_unit")

type fakeProductStore struct {
	products map[string]*Product
	stores   map[string]*StoreRecord
	locked   []string
}

func (f *fakeProductStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// Snapshot so a failed transaction leaves the fake untouched.
	backup := make(map[string]*Product, len(f.products))
	for id, p := range f.products {
		c := *p
		backup[id] = &c
	}
	if err := fn(nil); err != nil {
		f.products = backup
		return err
	}
	return nil
}

func (f *fakeProductStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	c := *p
	return &c, nil
}

func (f *fakeProductStore) ListByStore(ctx context.Context, storeID string) ([]*Product, error) {
	var out []*Product
	for _, p := range f.products {
		if p.StoreID == storeID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeProductStore) CreateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error {
	p.Version = 1
	c := *p
	f.products[p.ID] = &c
	return nil
}

func (f *fakeProductStore) UpdateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error {
	stored, ok := f.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	if stored.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	c := *p
	f.products[p.ID] = &c
	return nil
}

func (f *fakeProductStore) DeleteProductTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, ok := f.products[id]; !ok {
		return ErrProductNotFound
	}
	delete(f.products, id)
	return nil
}

func (f *fakeProductStore) LockProductsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]*Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	f.locked = append(f.locked, sorted...)

	out := make(map[string]*Product)
	for _, id := range sorted {
		if p, ok := f.products[id]; ok {
			c := *p
			out[id] = &c
		}
	}
	return out, nil
}

func (f *fakeProductStore) AdjustStockTx(ctx context.Context, tx *sql.Tx, productID string, delta int32) (*Product, error) {
	p, ok := f.products[productID]
	if !ok || p.Stock+delta < 0 {
		return nil, ErrInsufficientStock
	}
	p.Stock += delta
	p.Version++
	c := *p
	return &c, nil
}

func (f *fakeProductStore) GetStore(ctx context.Context, id string) (*StoreRecord, error) {
	record, ok := f.stores[id]
	if !ok {
		return nil, ErrStoreNotFound
	}
	c := *record
	return &c, nil
}

type recordingOutbox struct {
	inTx      []outbox.Event
	committed []outbox.Event
}

func (r *recordingOutbox) AppendTx(ctx context.Context, tx *sql.Tx, evt outbox.Event) error {
	r.inTx = append(r.inTx, evt)
	return nil
}

func (r *recordingOutbox) Append(ctx context.Context, evt outbox.Event) error {
	r.committed = append(r.committed, evt)
	return nil
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

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Get(ctx context.Context, id string) (*Product, error) { return nil, nil }
func (f *fakeCache) Set(ctx context.Context, p *Product) error            { return nil }
func (f *fakeCache) Invalidate(ctx context.Context, id string) error {
	f.invalidated = append(f.invalidated, id)
	return nil
}

type storeFixture struct {
	svc    *Service
	store  *fakeProductStore
	outbox *recordingOutbox
	idem   *fakeClaimer
	cache  *fakeCache
}

func newFixture() *storeFixture {
	lat, lon := 52.520, 13.405
	store := &fakeProductStore{
		products: map[string]*Product{
			"p1": {ID: "p1", StoreID: "s1", Name: "Margherita", Price: decimal.NewFromFloat(8.50), Stock: 10, IsAvailable: true, Version: 1},
			"p2": {ID: "p2", StoreID: "s1", Name: "Cola", Price: decimal.NewFromFloat(2.00), Stock: 5, IsAvailable: true, Version: 1},
			"px": {ID: "px", StoreID: "s2", Name: "Sushi", Price: decimal.NewFromFloat(12.00), Stock: 3, IsAvailable: true, Version: 1},
		},
		stores: map[string]*StoreRecord{
			"s1": {ID: "s1", OwnerID: "owner1", Name: "Pizza Palace",
				Address: broker.Address{Line: "Marktplatz 5", Latitude: &lat, Longitude: &lon}},
			"s2": {ID: "s2", OwnerID: "owner2", Name: "Sushi Corner", Address: broker.Address{Line: "Hafenstr. 2"}},
		},
	}
	ob := &recordingOutbox{}
	idem := newFakeClaimer()
	cache := &fakeCache{}
	svc := NewService(store, ob, idem, cache, zap.NewNop(), testStoreMetrics)
	return &storeFixture{svc: svc, store: store, outbox: ob, idem: idem, cache: cache}
}

func reservationRequest(items ...broker.OrderItemRef) broker.StockReservationRequested {
	return broker.StockReservationRequested{
		OrderID:         "o1",
		StoreID:         "s1",
		UserID:          "c1",
		Items:           items,
		ShippingAddress: &broker.Address{Line: "Musterstr. 1"},
	}
}

func TestHandleStockReservationRequested(t *testing.T) {
	fx := newFixture()

	err := fx.svc.HandleStockReservationRequested(context.Background(), reservationRequest(
		broker.OrderItemRef{ProductID: "p1", Quantity: 3},
		broker.OrderItemRef{ProductID: "p2", Quantity: 5},
	))
	require.NoError(t, err)

	assert.Equal(t, int32(7), fx.store.products["p1"].Stock)
	assert.Equal(t, int32(0), fx.store.products["p2"].Stock)

	// Two product.updated broadcasts plus the saga reply, all in the same tx.
	require.Len(t, fx.outbox.inTx, 3)
	assert.Equal(t, broker.ProductUpdatedEvent, fx.outbox.inTx[0].Type)
	assert.Equal(t, broker.ProductUpdatedEvent, fx.outbox.inTx[1].Type)

	reply := fx.outbox.inTx[2]
	assert.Equal(t, broker.StockReservedEvent, reply.Type)

	var payload broker.StockReserved
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "o1", payload.OrderID)
	require.NotNil(t, payload.PickupAddress)
	assert.Equal(t, "Marktplatz 5", payload.PickupAddress.Line)
	require.NotNil(t, payload.PickupAddress.Latitude)
	require.NotNil(t, payload.ShippingAddress)
	assert.Equal(t, "Musterstr. 1", payload.ShippingAddress.Line)

	assert.Empty(t, fx.outbox.committed, "no failure reply on success")
	assert.ElementsMatch(t, []string{"p1", "p2"}, fx.cache.invalidated)
}

func TestHandleStockReservationRequestedRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fx *storeFixture)
		items []broker.OrderItemRef
	}{
		{"insufficient stock", nil, []broker.OrderItemRef{{ProductID: "p1", Quantity: 11}}},
		{"unknown product", nil, []broker.OrderItemRef{{ProductID: "ghost", Quantity: 1}}},
		{"wrong store", nil, []broker.OrderItemRef{{ProductID: "px", Quantity: 1}}},
		{"unavailable product", func(fx *storeFixture) {
			fx.store.products["p1"].IsAvailable = false
		}, []broker.OrderItemRef{{ProductID: "p1", Quantity: 1}}},
		{"partial failure rolls everything back", nil, []broker.OrderItemRef{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 6},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			if tt.setup != nil {
				tt.setup(fx)
			}

			err := fx.svc.HandleStockReservationRequested(context.Background(), reservationRequest(tt.items...))
			require.NoError(t, err, "rejection is a handled outcome, not a processing error")

			assert.Equal(t, int32(10), fx.store.products["p1"].Stock, "no stock may be deducted")
			assert.Equal(t, int32(5), fx.store.products["p2"].Stock)

			require.Len(t, fx.outbox.committed, 1)
			reply := fx.outbox.committed[0]
			assert.Equal(t, broker.StockReservationFailedEvent, reply.Type)

			var payload broker.StockReservationFailed
			require.NoError(t, json.Unmarshal(reply.Payload, &payload))
			assert.Equal(t, "o1", payload.OrderID)
			assert.NotEmpty(t, payload.Reason)
		})
	}
}

func TestHandleStockReservationRequestedUnknownStore(t *testing.T) {
	fx := newFixture()
	evt := reservationRequest(broker.OrderItemRef{ProductID: "p1", Quantity: 1})
	evt.StoreID = "ghost"

	err := fx.svc.HandleStockReservationRequested(context.Background(), evt)
	require.NoError(t, err)

	require.Len(t, fx.outbox.committed, 1)
	assert.Equal(t, broker.StockReservationFailedEvent, fx.outbox.committed[0].Type)
}

func TestHandleStockReservationRequestedDuplicate(t *testing.T) {
	fx := newFixture()
	evt := reservationRequest(broker.OrderItemRef{ProductID: "p1", Quantity: 3})

	require.NoError(t, fx.svc.HandleStockReservationRequested(context.Background(), evt))
	require.NoError(t, fx.svc.HandleStockReservationRequested(context.Background(), evt))

	assert.Equal(t, int32(7), fx.store.products["p1"].Stock, "redelivery must not deduct twice")
	assert.Len(t, fx.outbox.inTx, 2, "one product.updated and one reply")
}

func TestReservationLocksInSortedOrder(t *testing.T) {
	fx := newFixture()

	err := fx.svc.HandleStockReservationRequested(context.Background(), reservationRequest(
		broker.OrderItemRef{ProductID: "p2", Quantity: 1},
		broker.OrderItemRef{ProductID: "p1", Quantity: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, fx.store.locked, "lock order must not follow request order")
}

func TestHandleOrderCancelledRestoresStock(t *testing.T) {
	fx := newFixture()

	err := fx.svc.HandleOrderCancelled(context.Background(), broker.OrderCancelled{
		OrderID:   "o1",
		StoreID:   "s1",
		OldStatus: "PREPARING",
		Items:     []broker.OrderItemRef{{ProductID: "p1", Quantity: 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(13), fx.store.products["p1"].Stock)
	require.Len(t, fx.outbox.inTx, 1)
	assert.Equal(t, broker.ProductUpdatedEvent, fx.outbox.inTx[0].Type)

	// Redelivery is claimed away.
	require.NoError(t, fx.svc.HandleOrderCancelled(context.Background(), broker.OrderCancelled{
		OrderID:   "o1",
		OldStatus: "PREPARING",
		Items:     []broker.OrderItemRef{{ProductID: "p1", Quantity: 3}},
	}))
	assert.Equal(t, int32(13), fx.store.products["p1"].Stock)
}

func TestHandleOrderCancelledGates(t *testing.T) {
	tests := []struct {
		name string
		evt  broker.OrderCancelled
	}{
		{"pending cancel never reserved", broker.OrderCancelled{
			OrderID: "o1", OldStatus: "PENDING",
			Items: []broker.OrderItemRef{{ProductID: "p1", Quantity: 3}},
		}},
		{"reserving stock cancel", broker.OrderCancelled{
			OrderID: "o1", OldStatus: "RESERVING_STOCK",
			Items: []broker.OrderItemRef{{ProductID: "p1", Quantity: 3}},
		}},
		{"no items", broker.OrderCancelled{OrderID: "o1", OldStatus: "PREPARING"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			require.NoError(t, fx.svc.HandleOrderCancelled(context.Background(), tt.evt))
			assert.Equal(t, int32(10), fx.store.products["p1"].Stock)
			assert.Empty(t, fx.outbox.inTx)
		})
	}
}

func TestHandleOrderCancelledSkipsDeletedProduct(t *testing.T) {
	fx := newFixture()

	err := fx.svc.HandleOrderCancelled(context.Background(), broker.OrderCancelled{
		OrderID:   "o1",
		OldStatus: "ON_THE_WAY",
		Items: []broker.OrderItemRef{
			{ProductID: "ghost", Quantity: 2},
			{ProductID: "p1", Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(11), fx.store.products["p1"].Stock, "surviving products still restore")
}

func TestCreateProduct(t *testing.T) {
	fx := newFixture()

	p, err := fx.svc.CreateProduct(context.Background(), "owner1", "s1", NewProduct{
		Name: "Calzone", Price: decimal.NewFromFloat(9.00), Stock: 4, IsAvailable: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(1), p.Version)

	evt := fx.outbox.inTx[len(fx.outbox.inTx)-1]
	assert.Equal(t, broker.ProductCreatedEvent, evt.Type)

	var payload broker.ProductChanged
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, p.ID, payload.ProductID)
	assert.Equal(t, int32(4), payload.Stock)
}

func TestCreateProductForbidden(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.CreateProduct(context.Background(), "owner2", "s1", NewProduct{Name: "Calzone"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, fx.outbox.inTx)
}

func TestUpdateProduct(t *testing.T) {
	fx := newFixture()
	newStock := int32(20)

	p, err := fx.svc.UpdateProduct(context.Background(), "owner1", "p1", ProductUpdate{Stock: &newStock})
	require.NoError(t, err)
	assert.Equal(t, int32(20), p.Stock)
	assert.Equal(t, "Margherita", p.Name, "unset fields stay untouched")
	assert.Equal(t, int64(2), p.Version)

	evt := fx.outbox.inTx[len(fx.outbox.inTx)-1]
	assert.Equal(t, broker.ProductUpdatedEvent, evt.Type)
	assert.Equal(t, []string{"p1"}, fx.cache.invalidated)
}

func TestUpdateProductForbidden(t *testing.T) {
	fx := newFixture()
	name := "Hacked"

	_, err := fx.svc.UpdateProduct(context.Background(), "owner2", "p1", ProductUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, "Margherita", fx.store.products["p1"].Name)
}

func TestDeleteProduct(t *testing.T) {
	fx := newFixture()

	require.NoError(t, fx.svc.DeleteProduct(context.Background(), "owner1", "p1"))
	assert.NotContains(t, fx.store.products, "p1")

	evt := fx.outbox.inTx[len(fx.outbox.inTx)-1]
	assert.Equal(t, broker.ProductDeletedEvent, evt.Type)
	assert.Equal(t, []string{"p1"}, fx.cache.invalidated)
}

func TestClaimInfrastructureErrorIsRetried(t *testing.T) {
	fx := newFixture()
	fx.idem.err = errors.New("connection refused")

	err := fx.svc.HandleStockReservationRequested(context.Background(),
		reservationRequest(broker.OrderItemRef{ProductID: "p1", Quantity: 1}))
	assert.Error(t, err)
	assert.Equal(t, int32(10), fx.store.products["p1"].Stock)
}
