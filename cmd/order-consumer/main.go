// Command order-consumer processes new-order events from Kafka, skipping
// redelivered events with the Redis dedup guard.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/config"
	"github.com/overtonx/ordersvc/consumer"
	"github.com/overtonx/ordersvc/dedup"
	"github.com/overtonx/ordersvc/internal/app"
	"github.com/overtonx/ordersvc/metrics"
)

func main() {
	cfg, err := config.Load("order-consumer", os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateConsumer(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := app.NewRedis(cfg.Redis)
	defer rdb.Close()

	guard := dedup.NewGuard(rdb,
		dedup.WithTTL(cfg.Dedup.TTL),
		dedup.WithKeyPrefix(cfg.Dedup.KeyPrefix),
	)
	handler := consumer.NewHandler(guard, consumer.NewLogProcessor(logger, 0),
		consumer.WithHandlerLogger(logger),
		consumer.WithHandlerMetrics(metrics.NewOTelCollector()),
	)

	kc, err := consumer.NewKafkaConsumer(consumer.Config{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	}, handler, logger)
	if err != nil {
		logger.Fatal("Failed to create consumer", zap.Error(err))
	}

	logger.Info("Consumer starting",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)
	if err := kc.Run(ctx); err != nil {
		logger.Fatal("Consumer stopped with error", zap.Error(err))
	}
	logger.Info("Consumer stopped gracefully.")
}
