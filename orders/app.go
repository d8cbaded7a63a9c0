package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/discovery"
	"github.com/quickbite/delivery-microservices/common/discovery/consul"
	"github.com/quickbite/delivery-microservices/common/idempotency"
	"github.com/quickbite/delivery-microservices/common/logger"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/outbox"
)

type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	ConsulAddr  string
	AMQPUser    string
	AMQPPass    string
	AMQPHost    string
	AMQPPort    string
	PostgresDSN string
}

type App struct {
	config        Config
	logger        *slog.Logger
	registry      discovery.Registry
	registration  *discovery.ServiceRegistration
	channel       *amqp.Channel
	closeRabbitMQ func() error
	db            *sql.DB
	httpServer    *http.Server
	cancelWorkers context.CancelFunc
}

func NewApp(config Config, db *sql.DB) (*App, error) {
	log := logger.NewLogger(config.ServiceName)

	registry, err := createRegistry(config.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to rabbitmq",
		slog.String("host", config.AMQPHost),
		slog.String("port", config.AMQPPort),
	)
	ch, closeBroker, err := broker.Connect(config.AMQPUser, config.AMQPPass, config.AMQPHost, config.AMQPPort)
	if err != nil {
		return nil, err
	}
	log.Info("rabbitmq connected successfully")

	return &App{
		config:        config,
		logger:        log,
		registry:      registry,
		channel:       ch,
		closeRabbitMQ: closeBroker,
		db:            db,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.registry != nil {
		registration, err := discovery.RegisterService(ctx, a.registry, a.config.InstanceID, a.config.ServiceName, a.config.HTTPAddr, a.logger)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	orderStore := NewPostgresStore(a.db)
	snapshotStore := NewPostgresSnapshotStore(a.db)
	outboxStore := outbox.NewStore(a.db)
	idemStore := idempotency.NewStore(a.db)

	orderMetrics := metrics.NewOrderMetrics(a.config.ServiceName)
	consumerMetrics := metrics.NewConsumerMetrics(a.config.ServiceName)
	outboxMetrics := metrics.NewOutboxMetrics(a.config.ServiceName)

	svc := NewService(orderStore, snapshotStore, outboxStore, idemStore, a.logger, orderMetrics)

	// Background workers share a context cancelled in Shutdown.
	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancelWorkers = cancel

	publisher := outbox.NewPublisher(outboxStore, a.channel, a.logger, outboxMetrics)
	go publisher.Run(workerCtx)

	cleaner := outbox.NewCleaner(outboxStore, a.logger, outbox.DefaultRetention)
	go cleaner.Run(workerCtx)

	keyCleaner := idempotency.NewCleaner(idemStore, a.logger, idempotency.DefaultRetention)
	go keyCleaner.Run(workerCtx)

	consumer := NewConsumer(svc, a.logger, consumerMetrics)
	go func() {
		if err := consumer.Listen(a.channel); err != nil {
			a.logger.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	mux := http.NewServeMux()
	NewHTTPHandler(svc, a.logger).RegisterRoutes(mux)
	a.httpServer = &http.Server{
		Addr:    a.config.HTTPAddr,
		Handler: mux,
	}

	a.logger.Info("starting http server", slog.String("addr", a.config.HTTPAddr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down http server", slog.Any("error", err))
		}
	}

	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}

	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			a.logger.Error("error closing rabbitmq", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}
