package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/cache"
	"github.com/overtonx/ordersvc/metrics"
)

const defaultCacheTTL = 5 * time.Minute

// LookupResult tells the reader which branch to take after a cache lookup.
type LookupResult int

const (
	LookupMiss LookupResult = iota
	LookupFound
	LookupCorrupt
)

func (r LookupResult) String() string {
	switch r {
	case LookupFound:
		return "found"
	case LookupCorrupt:
		return "corrupt"
	default:
		return "miss"
	}
}

// Lookup is the outcome of reading one order from the cache.
// Order is set only for LookupFound.
type Lookup struct {
	Result LookupResult
	Order  *Order
}

// snapshot is the cached form of an order. The total is kept as a string so
// both codecs round-trip it exactly.
type snapshot struct {
	ID         string    `json:"id" msgpack:"id"`
	UserID     int64     `json:"user_id" msgpack:"user_id"`
	Items      []Item    `json:"items" msgpack:"items"`
	TotalPrice string    `json:"total_price" msgpack:"total_price"`
	Status     string    `json:"status" msgpack:"status"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
}

func toSnapshot(o *Order) snapshot {
	return snapshot{
		ID:         o.ID.String(),
		UserID:     o.UserID,
		Items:      o.Items,
		TotalPrice: o.TotalPrice.String(),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

func (s snapshot) toOrder() (*Order, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	total, err := decimal.NewFromString(s.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("total_price: %w", err)
	}
	status, err := ParseStatus(s.Status)
	if err != nil {
		return nil, err
	}
	if s.UserID <= 0 || len(s.Items) == 0 {
		return nil, fmt.Errorf("incomplete snapshot")
	}
	return &Order{
		ID:         id,
		UserID:     s.UserID,
		Items:      s.Items,
		TotalPrice: total,
		Status:     status,
		CreatedAt:  s.CreatedAt,
	}, nil
}

// CacheKey returns the cache key of an order.
func CacheKey(id uuid.UUID) string {
	return "order:" + id.String()
}

// orderCache maps orders to cache entries. Cache failures are logged and
// reported as misses; they never reach the caller.
type orderCache struct {
	cache   cache.Cache
	codec   cache.Codec
	ttl     time.Duration
	logger  *zap.Logger
	metrics metrics.Collector
}

func (c *orderCache) enabled() bool {
	return c.cache != nil
}

func (c *orderCache) lookup(ctx context.Context, id uuid.UUID) Lookup {
	if !c.enabled() {
		return Lookup{Result: LookupMiss}
	}

	data, found, err := c.cache.Get(ctx, CacheKey(id))
	if err != nil {
		c.logger.Warn("Order cache read failed", zap.String("order_id", id.String()), zap.Error(err))
		c.metrics.IncrementCounter("order_cache.error", nil)
		return Lookup{Result: LookupMiss}
	}
	if !found {
		c.metrics.IncrementCounter("order_cache.miss", nil)
		return Lookup{Result: LookupMiss}
	}

	var snap snapshot
	if err := c.codec.Decode(data, &snap); err != nil {
		return c.corrupt(id, err)
	}
	o, err := snap.toOrder()
	if err != nil {
		return c.corrupt(id, err)
	}
	if o.ID != id {
		return c.corrupt(id, fmt.Errorf("entry holds order %s", o.ID))
	}

	c.metrics.IncrementCounter("order_cache.hit", nil)
	return Lookup{Result: LookupFound, Order: o}
}

func (c *orderCache) corrupt(id uuid.UUID, err error) Lookup {
	c.logger.Warn("Corrupt order cache entry", zap.String("order_id", id.String()), zap.Error(err))
	c.metrics.IncrementCounter("order_cache.corrupt", nil)
	return Lookup{Result: LookupCorrupt}
}

func (c *orderCache) store(ctx context.Context, o *Order) {
	if !c.enabled() {
		return
	}
	data, err := c.codec.Encode(toSnapshot(o))
	if err != nil {
		c.logger.Warn("Order cache encode failed", zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, CacheKey(o.ID), data, c.ttl); err != nil {
		c.logger.Warn("Order cache write failed", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
}

func (c *orderCache) invalidate(ctx context.Context, id uuid.UUID) {
	if !c.enabled() {
		return
	}
	if err := c.cache.Delete(ctx, CacheKey(id)); err != nil {
		c.logger.Warn("Order cache delete failed", zap.String("order_id", id.String()), zap.Error(err))
	}
}
