// Package dedup collapses duplicate deliveries of the same event into a no-op.
//
// The guard writes a marker with Redis SET NX and a TTL. The first caller for
// a given event identifier creates the marker and gets true; every later caller
// within the TTL gets false and must treat the delivery as already handled.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultKeyPrefix = "dedup:"
)

// Guard is the consumer-side dedup marker store.
type Guard struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		g.ttl = ttl
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(g *Guard) {
		g.prefix = prefix
	}
}

func NewGuard(client redis.Cmdable, opts ...Option) *Guard {
	g := &Guard{
		client: client,
		ttl:    DefaultTTL,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldProcess reports whether this call is the first observation of eventID.
func (g *Guard) ShouldProcess(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	created, err := g.client.SetNX(ctx, g.prefix+eventID, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup marker for %s: %w", eventID, err)
	}
	return created, nil
}

// Release removes the marker so a redelivery of eventID is processed again.
// It is used when the business effect failed after ShouldProcess returned true.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, g.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("release dedup marker for %s: %w", eventID, err)
	}
	return nil
}
