package app

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/config"
	"github.com/overtonx/ordersvc/metrics"
	"github.com/overtonx/ordersvc/outbox"
	"github.com/overtonx/ordersvc/storage"
	"github.com/overtonx/ordersvc/storage/memstore"
	"github.com/overtonx/ordersvc/storage/sqlstore"
)

func TestNewPublisher(t *testing.T) {
	cfg := config.Default().Kafka

	p, err := NewPublisher(cfg, zap.NewNop(), metrics.NewNopCollector())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	cfg.PublishRetries = 0
	_, err = NewPublisher(cfg, zap.NewNop(), metrics.NewNopCollector())
	assert.Error(t, err)
}

func TestNewOrderService(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := sqlstore.NewSQLStore(db, sqlstore.DialectMySQL, nil)
	tx := memstore.New()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addrs = []string{mr.Addr()}
	client := NewRedis(cfg.Redis)
	defer client.Close()

	svc, err := NewOrderService(cfg, store, tx, client, outbox.NewNopPublisher(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)

	cfg.Cache.Codec = "xml"
	_, err = NewOrderService(cfg, store, tx, client, outbox.NewNopPublisher(), nil, nil)
	assert.Error(t, err)

	cfg.Cache.Enabled = false
	_, err = NewOrderService(cfg, store, tx, client, outbox.NewNopPublisher(), nil, nil)
	assert.NoError(t, err)
}

func TestWorkers(t *testing.T) {
	store := memstore.New()
	carrier, err := outbox.NewCarrier(store, store)
	require.NoError(t, err)

	a := &App{Config: config.Default(), Carrier: carrier}
	workers := a.Workers()

	require.Len(t, workers, 2)
	assert.Equal(t, "outbox_dispatcher", workers[0].Name())
	assert.Equal(t, "outbox_backlog", workers[1].Name())
}

func TestWorkers_DispatchRunsUnderTimeout(t *testing.T) {
	deadlines := make(chan time.Duration, 1)
	store := new(storage.MockStore)
	store.On("FetchPending", mock.Anything, 100, []string(nil)).
		Run(func(args mock.Arguments) {
			if deadline, ok := args.Get(0).(context.Context).Deadline(); ok {
				deadlines <- time.Until(deadline)
			}
		}).
		Return([]storage.EventRecord(nil), nil)

	carrier, err := outbox.NewCarrier(store, memstore.New())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Outbox.DispatchInterval = time.Hour
	cfg.Outbox.DispatchTimeout = 3 * time.Second
	a := &App{Config: cfg, Carrier: carrier}

	dispatcher := a.Workers()[0]
	go dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	select {
	case remaining := <-deadlines:
		assert.LessOrEqual(t, remaining, 3*time.Second)
		assert.Greater(t, remaining, time.Second)
	case <-time.After(time.Second):
		t.Fatal("dispatch sweep ran without a deadline")
	}
}
