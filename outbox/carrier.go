package outbox

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/metrics"
	"github.com/overtonx/ordersvc/storage"
)

// Carrier holds the shared dependencies for the outbox services.
// It acts as a dependency injection container for the dispatcher and the backlog report.
type Carrier struct {
	store      storage.Store
	tx         TxManager
	publisher  Publisher
	metrics    metrics.Collector
	logger     *zap.Logger
	eventTypes []string
	now        func() time.Time
}

// NewCarrier creates a new Carrier with the given options.
// An empty event type list makes every event type eligible for dispatch.
func NewCarrier(store storage.Store, tx TxManager, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if tx == nil {
		return nil, errors.New("transaction manager is required")
	}

	c := &Carrier{
		store:   store,
		tx:      tx,
		logger:  zap.NewNop(),
		metrics: metrics.NewNopCollector(),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}
	c.metrics = metrics.OrDefault(c.metrics)
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c, nil
}
