package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/quickbite/delivery-microservices/common/broker"
	"github.com/quickbite/delivery-microservices/common/config"
	"github.com/quickbite/delivery-microservices/common/discovery"
	"github.com/quickbite/delivery-microservices/common/discovery/consul"
	"github.com/quickbite/delivery-microservices/common/logger"
	"github.com/quickbite/delivery-microservices/common/metrics"
	"github.com/quickbite/delivery-microservices/common/tracing"
)

var (
	serviceName = "notification"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:8083")
	consulAddr  = config.GetEnv("CONSUL_ADDR", "localhost:8500")
	amqpUser    = config.GetEnv("AMQP_USER", "guest")
	amqpPass    = config.GetEnv("AMQP_PASS", "guest")
	amqpHost    = config.GetEnv("AMQP_HOST", "localhost")
	amqpPort    = config.GetEnv("AMQP_PORT", "5672")
	mongoURI    = config.GetEnv("MONGO_URI", "mongodb://localhost:27017")
)

func main() {
	log := logger.NewLogger(serviceName)

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	ctx := context.Background()

	registry, err := consul.NewRegistry(consulAddr)
	if err != nil {
		log.Error("failed to connect to consul", slog.Any("error", err))
		os.Exit(1)
	}
	instanceID := discovery.GenerateInstanceID(serviceName)
	registration, err := discovery.RegisterService(ctx, registry, instanceID, serviceName, httpAddr, log)
	if err != nil {
		log.Error("failed to register service", slog.Any("error", err))
		os.Exit(1)
	}
	defer registration.Deregister(ctx)

	mongoClient, err := connectToMongoDB(mongoURI)
	if err != nil {
		log.Error("failed to connect to mongodb", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Error("failed to disconnect from mongodb", slog.Any("error", err))
		}
	}()

	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		log.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBroker()

	notificationMetrics := metrics.NewNotificationMetrics(serviceName)
	consumerMetrics := metrics.NewConsumerMetrics(serviceName)

	store := NewStore(mongoClient)
	pushRegistry := NewRegistry(store, log, notificationMetrics)
	fanout := NewFanout(store, pushRegistry, log, notificationMetrics)

	consumer := NewConsumer(fanout, log, consumerMetrics)
	go func() {
		if err := consumer.Listen(ch); err != nil {
			log.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	// The push transport terminates at the edge; this process only serves its
	// metrics over HTTP.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info("starting http server", slog.String("addr", httpAddr))
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		log.Error("failed to serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func connectToMongoDB(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}
