package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry abstracts the service registry so services can run against consul
// in production and the in-memory registry in tests.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID returns a unique registry id for one service instance,
// e.g. "orders-123456789".
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
