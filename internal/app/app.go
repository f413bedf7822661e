// Package app assembles the service components from configuration. It is
// shared by the binaries under cmd/ and the example.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/cache"
	"github.com/overtonx/ordersvc/config"
	"github.com/overtonx/ordersvc/metrics"
	"github.com/overtonx/ordersvc/order"
	"github.com/overtonx/ordersvc/outbox"
	"github.com/overtonx/ordersvc/storage/sqlstore"
)

const maxRetryBackoff = 30 * time.Second

// App holds the long-lived clients of the order service.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   metrics.Collector
	DB        *sql.DB
	Store     *sqlstore.SQLStore
	Tx        *manager.Manager
	Redis     redis.UniversalClient
	Publisher *outbox.KafkaPublisher
	Carrier   *outbox.Carrier
	Orders    *order.Service
}

// New connects to the database and prepares the remaining clients. Redis and
// Kafka connect lazily, so an unavailable cache or broker does not fail
// startup.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewOTelCollector(),
	}

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Store = sqlstore.NewSQLStore(db, sqlstore.Dialect(cfg.Database.Driver), logger,
		sqlstore.WithQueryTimeout(cfg.Database.QueryTimeout),
	)

	if cfg.Database.EnsureSchema {
		schemaCtx, cancel := context.WithTimeout(ctx, cfg.Database.QueryTimeout)
		err := a.Store.EnsureTables(schemaCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Tables 'orders' and 'outbox_events' are ready")
	}

	a.Tx = manager.Must(trmsql.NewDefaultFactory(db))
	a.Redis = NewRedis(cfg.Redis)

	a.Publisher, err = NewPublisher(cfg.Kafka, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Carrier, err = outbox.NewCarrier(a.Store, a.Tx,
		outbox.WithLogger(logger),
		outbox.WithMetrics(a.Metrics),
		outbox.WithPublisher(a.Publisher),
		outbox.WithEventTypes(order.EventTypeNewOrder),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Orders, err = NewOrderService(cfg, a.Store, a.Tx, a.Redis, a.Publisher, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Workers returns the dispatcher and backlog workers for a Runner. A sweep
// that outlives DispatchTimeout is cancelled and its row locks released.
func (a *App) Workers() []outbox.Worker {
	o := a.Config.Outbox
	return []outbox.Worker{
		outbox.NewDispatchWorker(a.Carrier, o.DispatchInterval, o.BatchSize,
			outbox.WithImmediateStart(),
			outbox.WithRunTimeout(o.DispatchTimeout),
		),
		outbox.NewBacklogWorker(a.Carrier, o.BacklogInterval, outbox.WithBacklogAge(o.BacklogThreshold)),
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func OpenDB(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func NewRedis(cfg config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewPublisher(cfg config.Kafka, logger *zap.Logger, collector metrics.Collector) (*outbox.KafkaPublisher, error) {
	props := kafka.ConfigMap{"bootstrap.servers": cfg.Brokers}
	if cfg.ClientID != "" {
		props["client.id"] = cfg.ClientID
	}
	return outbox.NewKafkaPublisher(logger,
		outbox.WithKafkaProducerProps(props),
		outbox.WithKafkaTopic(cfg.Topic),
		outbox.WithKafkaRetries(cfg.PublishRetries),
		outbox.WithKafkaBackoff(outbox.ExponentialBackoff{Base: cfg.RetryBackoff, Max: maxRetryBackoff}),
		outbox.WithKafkaPublishTimeout(cfg.PublishTimeout),
		outbox.WithKafkaMetrics(collector),
	)
}

func NewOrderService(
	cfg *config.Config,
	store *sqlstore.SQLStore,
	tx outbox.TxManager,
	client redis.UniversalClient,
	publisher outbox.Publisher,
	logger *zap.Logger,
	collector metrics.Collector,
) (*order.Service, error) {
	opts := []order.Option{
		order.WithPublisher(publisher),
		order.WithPublishTimeout(cfg.Outbox.ImmediatePublishTimeout),
		order.WithLogger(logger),
		order.WithMetrics(collector),
	}
	if cfg.Cache.Enabled {
		codec, err := cache.CodecByName(cfg.Cache.Codec)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			order.WithCache(cache.NewRedisCache(client,
				cache.WithKeyPrefix(cfg.Redis.KeyPrefix),
				cache.WithOpTimeout(cfg.Redis.OpTimeout),
			)),
			order.WithCacheCodec(codec),
			order.WithCacheTTL(cfg.Cache.TTL),
		)
	}
	return order.NewService(store, store, tx, opts...)
}

