// Example creates a sample order every few seconds through the order service
// while the outbox relay runs in the same process.
package main

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/config"
	"github.com/overtonx/ordersvc/internal/app"
	"github.com/overtonx/ordersvc/order"
	"github.com/overtonx/ordersvc/outbox"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("example", os.Args[1:], os.LookupEnv)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "root:password@tcp(localhost:3306)/orders?parseTime=true"
	}
	cfg.Database.EnsureSchema = true
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise service", zap.Error(err))
	}
	defer a.Close()

	runner := outbox.NewRunner(logger, a.Workers()...)
	go runner.Start(ctx)

	// Give the workers a moment to start up before creating orders.
	time.Sleep(1 * time.Second)
	logger.Info("Relay started, creating sample orders...")
	go createSampleOrders(ctx, a.Orders, logger)

	<-ctx.Done()

	logger.Info("Shutdown signal received. Stopping workers...")
	runner.Stop()
	logger.Info("Workers stopped gracefully.")
}

func createSampleOrders(ctx context.Context, svc *order.Service, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			userID := rand.Int64N(100) + 1
			created, err := svc.Create(ctx, order.CreateParams{
				UserID:     userID,
				Items:      []order.Item{{"sku": "sku-1", "qty": 2}, {"sku": "sku-7", "qty": 1}},
				TotalPrice: decimal.RequireFromString("59.90"),
			})
			if err != nil {
				logger.Error("Failed to create order", zap.Error(err))
				continue
			}

			// The second read is served from the cache.
			if _, err := svc.Get(ctx, created.ID, userID); err != nil {
				logger.Error("Failed to read order back", zap.Error(err))
				continue
			}

			logger.Info("Successfully created a sample order",
				zap.String("order_id", created.ID.String()),
				zap.Int64("user_id", userID),
			)
		}
	}
}
