package discovery_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickbite/delivery-microservices/common/discovery"
	"github.com/quickbite/delivery-microservices/common/discovery/inmem"
)

func TestRegisterAndDeregister(t *testing.T) {
	ctx := context.Background()
	registry := inmem.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registration, err := discovery.RegisterService(ctx, registry, "orders-1", "orders", "localhost:8080", logger)
	require.NoError(t, err)

	addrs, err := registry.Discover(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:8080"}, addrs)

	require.NoError(t, registration.Deregister(ctx))

	_, err = registry.Discover(ctx, "orders")
	assert.Error(t, err)
}

func TestGenerateInstanceIDIsPerInstance(t *testing.T) {
	a := discovery.GenerateInstanceID("orders")
	b := discovery.GenerateInstanceID("orders")
	assert.Contains(t, a, "orders-")
	assert.NotEqual(t, a, b)
}
