package discovery

import (
	"context"
	"log/slog"
	"time"
)

// ServiceRegistration couples a consul registration with the TTL heartbeat
// that keeps it alive.
type ServiceRegistration struct {
	registry    Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stopChan    chan struct{}
}

// RegisterService registers the instance and starts the 1s heartbeat loop.
// Callers must Deregister on shutdown.
func RegisterService(ctx context.Context, registry Registry, instanceID, serviceName, addr string, logger *slog.Logger) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
	go sr.heartbeat()
	return sr, nil
}

func (sr *ServiceRegistration) heartbeat() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				sr.logger.Error("health check failed",
					slog.String("service", sr.serviceName),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Deregister stops the heartbeat and removes the instance from the registry.
func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
