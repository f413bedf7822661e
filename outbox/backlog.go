package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReportBacklog counts pending events older than the configured age and
// records the count as a gauge. Rows that old mean the immediate publish failed
// and the dispatcher has not caught up.
func (c *Carrier) ReportBacklog(ctx context.Context, opts ...BacklogOption) (int64, error) {
	options := &backlogOptions{
		age:    defaultBacklogAge,
		warnAt: defaultBacklogWarnAt,
	}
	for _, opt := range opts {
		opt(options)
	}

	threshold := c.now().Add(-options.age)
	count, err := c.store.CountPendingOlderThan(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}

	c.metrics.RecordGauge("outbox.backlog", float64(count), nil)
	if count > 0 && count >= options.warnAt {
		c.logger.Warn("Outbox backlog detected",
			zap.Int64("count", count),
			zap.Duration("older_than", options.age),
		)
	}
	return count, nil
}
