// Command ordersvc runs the outbox relay: the dispatcher sweep that publishes
// pending new-order events and the backlog report.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/config"
	"github.com/overtonx/ordersvc/internal/app"
	"github.com/overtonx/ordersvc/outbox"
)

func main() {
	cfg, err := config.Load("ordersvc", os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise service", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close clients", zap.Error(err))
		}
	}()

	runner := outbox.NewRunner(logger, a.Workers()...)
	go runner.Start(ctx)

	logger.Info("Outbox relay started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int("batch_size", cfg.Outbox.BatchSize),
		zap.Duration("interval", cfg.Outbox.DispatchInterval),
	)

	<-ctx.Done()

	logger.Info("Shutdown signal received. Stopping workers...")
	runner.Stop()
	logger.Info("Workers stopped gracefully.")
}
