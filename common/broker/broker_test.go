package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeForRoutingKey(t *testing.T) {
	tests := []struct {
		key      string
		exchange string
	}{
		{OrderCreatedEvent, OrderEventsExchange},
		{OrderPreparingEvent, OrderEventsExchange},
		{StockReservationRequestedEvent, OrderEventsExchange},
		{StockReservedEvent, OrderEventsExchange},
		{OrderCancelledEvent, OrderEventsExchange},
		{CourierAssignedEvent, CourierEventsExchange},
		{CourierAssignmentFailedEvent, CourierEventsExchange},
		{ProductCreatedEvent, StoreEventsExchange},
		{ProductUpdatedEvent, StoreEventsExchange},
		{ProductDeletedEvent, StoreEventsExchange},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.exchange, ExchangeForRoutingKey(tt.key))
		})
	}
}

// The wire field names below are cross-service contract; renaming a Go field
// tag breaks consumers written against the published schema.
func TestContractFieldNames(t *testing.T) {
	tests := []struct {
		name   string
		event  any
		fields []string
	}{
		{
			name: "stock reservation requested",
			event: StockReservationRequested{
				Items: []OrderItemRef{{ProductID: "p1", Quantity: 2}},
			},
			fields: []string{"orderId", "storeId", "userId", "items", "shippingAddress", "pickupAddress"},
		},
		{
			name:   "stock reserved",
			event:  StockReserved{},
			fields: []string{"orderId", "storeId", "userId", "pickupAddress", "shippingAddress"},
		},
		{
			name:   "stock reservation failed",
			event:  StockReservationFailed{},
			fields: []string{"orderId", "userId", "reason"},
		},
		{
			name:   "order cancelled",
			event:  OrderCancelled{},
			fields: []string{"orderId", "userId", "storeId", "oldStatus", "items"},
		},
		{
			name:   "courier assigned",
			event:  CourierAssigned{},
			fields: []string{"orderId", "courierId", "storeId", "userId"},
		},
		{
			name:   "courier assignment failed",
			event:  CourierAssignmentFailed{},
			fields: []string{"orderId", "userId", "storeId", "reason"},
		},
		{
			name:   "order assigned",
			event:  OrderAssigned{},
			fields: []string{"orderId", "courierId", "storeId", "userId", "pickupAddress", "shippingAddress"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.event)
			require.NoError(t, err)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(raw, &decoded))

			for _, field := range tt.fields {
				assert.Contains(t, decoded, field)
			}
		})
	}
}

func TestItemRefFieldNames(t *testing.T) {
	raw, err := json.Marshal(OrderItemRef{ProductID: "p1", Quantity: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"productId":"p1","quantity":3}`, string(raw))
}

func TestConsumersTolerateUnknownFields(t *testing.T) {
	payload := `{"orderId":"o1","userId":"u1","reason":"Insufficient stock","futureField":{"nested":true}}`

	var evt StockReservationFailed
	require.NoError(t, json.Unmarshal([]byte(payload), &evt))
	assert.Equal(t, "o1", evt.OrderID)
	assert.Equal(t, "Insufficient stock", evt.Reason)
}

func TestAddressHasCoordinates(t *testing.T) {
	lat, lng := 52.52, 13.405

	assert.False(t, (&Address{Line: "x"}).HasCoordinates())
	assert.False(t, (&Address{Latitude: &lat}).HasCoordinates())
	assert.False(t, (*Address)(nil).HasCoordinates())
	assert.True(t, (&Address{Latitude: &lat, Longitude: &lng}).HasCoordinates())
}
