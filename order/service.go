package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/cache"
	"github.com/overtonx/ordersvc/metrics"
	"github.com/overtonx/ordersvc/outbox"
	"github.com/overtonx/ordersvc/storage"
)

const defaultPublishTimeout = 2 * time.Second

// Service is the order core: creation through the outbox, cache-aside reads and
// write-through updates.
type Service struct {
	orders         storage.OrderStore
	events         storage.Store
	tx             outbox.TxManager
	publisher      outbox.Publisher
	cache          *orderCache
	logger         *zap.Logger
	metrics        metrics.Collector
	publishTimeout time.Duration
	now            func() time.Time
	newID          func() uuid.UUID
}

type Option func(*Service)

func WithPublisher(p outbox.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithCache enables the cache-aside read path and write-through writes.
func WithCache(c cache.Cache) Option {
	return func(s *Service) {
		s.cache.cache = c
	}
}

func WithCacheCodec(codec cache.Codec) Option {
	return func(s *Service) {
		s.cache.codec = codec
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.cache.ttl = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(collector metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = collector
	}
}

// WithPublishTimeout bounds the immediate publish and the mark that follows it.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.publishTimeout = timeout
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

func NewService(orders storage.OrderStore, events storage.Store, tx outbox.TxManager, opts ...Option) (*Service, error) {
	if orders == nil || events == nil {
		return nil, errors.New("order and outbox stores are required")
	}
	if tx == nil {
		return nil, errors.New("transaction manager is required")
	}

	s := &Service{
		orders:         orders,
		events:         events,
		tx:             tx,
		cache:          &orderCache{codec: cache.JSON{}, ttl: defaultCacheTTL},
		logger:         zap.NewNop(),
		metrics:        metrics.NewNopCollector(),
		publishTimeout: defaultPublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.metrics = metrics.OrDefault(s.metrics)
	if s.publisher == nil {
		s.publisher = outbox.NewNopPublisher()
	}
	if s.cache.codec == nil {
		s.cache.codec = cache.JSON{}
	}
	s.cache.logger = s.logger
	s.cache.metrics = s.metrics

	return s, nil
}

// Create validates the input, writes the order and its new-order event in one
// transaction, caches the order and tries to publish the event right away.
// A failed publish leaves the event pending for the dispatcher and is not
// reported to the caller.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Order, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:         s.newID(),
		UserID:     params.UserID,
		Items:      params.Items,
		TotalPrice: params.TotalPrice,
		Status:     StatusCreated,
		CreatedAt:  s.now(),
	}
	rec, err := toRecord(o)
	if err != nil {
		return nil, err
	}

	eventID := s.newID().String()
	event, err := outbox.NewOutboxEvent(eventID, EventTypeNewOrder, NewOrderEvent{
		Event:   EventTypeNewOrder,
		OrderID: o.ID.String(),
		UserID:  o.UserID,
		EventID: eventID,
	})
	if err != nil {
		return nil, err
	}
	event.CreatedAt = o.CreatedAt

	var saved outbox.EventRecord
	err = s.tx.Do(ctx, func(ctx context.Context) error {
		if err := s.orders.CreateOrder(ctx, rec); err != nil {
			return err
		}
		stored, err := outbox.SaveEvent(ctx, s.events, event)
		if err != nil {
			return err
		}
		saved = stored
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.IncrementCounter("orders.created", nil)
	s.logger.Info("Order created",
		zap.String("order_id", o.ID.String()),
		zap.Int64("user_id", o.UserID),
		zap.String("event_id", eventID),
	)

	s.cache.store(ctx, o)
	s.publishNow(ctx, saved)

	return o, nil
}

func (s *Service) publishNow(ctx context.Context, event outbox.EventRecord) {
	fields := []zap.Field{zap.String("event_id", event.ID), zap.String("event_type", event.EventType)}

	if s.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.IncrementCounter("orders.immediate_publish_failed", nil)
		s.logger.Warn("Immediate publish failed, event will be retried by the dispatcher", append(fields, zap.Error(err))...)
		return
	}

	err := s.tx.Do(ctx, func(ctx context.Context) error {
		_, err := s.events.MarkProcessed(ctx, event.ID, s.now())
		return err
	})
	if err != nil {
		s.logger.Warn("Failed to mark published event processed, the dispatcher will publish it again", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("Event published", fields...)
}

// Get returns the order if it exists and belongs to userID. The cache is tried
// first; a corrupt entry is dropped and the store is read instead.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID, userID int64) (*Order, error) {
	lookup := s.cache.lookup(ctx, orderID)
	switch lookup.Result {
	case LookupFound:
		if lookup.Order.UserID != userID {
			return nil, ErrNotFound
		}
		return lookup.Order, nil
	case LookupCorrupt:
		s.cache.invalidate(ctx, orderID)
	}

	rec, err := s.orders.GetOrder(ctx, orderID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	o, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}

	s.cache.store(ctx, o)
	return o, nil
}

// UpdateStatus sets the status of an order owned by the caller. Any status may
// follow any other.
func (s *Service) UpdateStatus(ctx context.Context, params UpdateStatusParams) (*Order, error) {
	status, err := ParseStatus(string(params.Status))
	if err != nil {
		return nil, err
	}

	var updated *storage.OrderRecord
	err = s.tx.Do(ctx, func(ctx context.Context) error {
		existing, err := s.orders.GetOrder(ctx, params.OrderID.String())
		if err != nil {
			return err
		}
		if existing.UserID != params.UserID {
			return ErrNotFound
		}
		updated, err = s.orders.UpdateOrderStatus(ctx, params.OrderID.String(), string(status))
		return err
	})
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	o, err := fromRecord(updated)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order status updated",
		zap.String("order_id", o.ID.String()),
		zap.String("status", string(o.Status)),
	)
	s.cache.store(ctx, o)
	return o, nil
}

// ListByUser returns the user's orders, newest first. It always reads the store.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]Order, error) {
	recs, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]Order, 0, len(recs))
	for i := range recs {
		o, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func toRecord(o *Order) (*storage.OrderRecord, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return &storage.OrderRecord{
		ID:         o.ID.String(),
		UserID:     o.UserID,
		Items:      items,
		TotalPrice: o.TotalPrice,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}, nil
}

func fromRecord(rec *storage.OrderRecord) (*Order, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("order %q has invalid id: %w", rec.ID, err)
	}
	var items []Item
	if err := json.Unmarshal(rec.Items, &items); err != nil {
		return nil, fmt.Errorf("order %s has invalid items: %w", rec.ID, err)
	}
	return &Order{
		ID:         id,
		UserID:     rec.UserID,
		Items:      items,
		TotalPrice: rec.TotalPrice,
		Status:     Status(rec.Status),
		CreatedAt:  rec.CreatedAt,
	}, nil
}
