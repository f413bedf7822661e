// Package cache provides the key/value side channel used for read-through and
// write-through caching. The cache is never the source of truth.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values with a per-key TTL.
type Cache interface {
	// Get reports found=false on a miss; err is reserved for transport failures.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
