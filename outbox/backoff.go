package outbox

import (
	"context"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// BackoffStrategy returns how long to wait after the given failed attempt (1-based).
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff waits Base, 2*Base, 4*Base... capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoffStrategy() BackoffStrategy {
	return ExponentialBackoff{Base: defaultBackoffBase, Max: defaultBackoffMax}
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// FixedBackoff always waits the same amount.
type FixedBackoff time.Duration

func (b FixedBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
