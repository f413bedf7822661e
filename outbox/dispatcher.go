package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dispatch republishes up to batchSize pending events, oldest first, and marks
// them processed. The batch runs in one transaction: rows locked by another
// dispatcher are skipped, and a failed publish rolls the whole batch back so
// no row is marked without a successful publish. It returns the number of rows
// marked processed.
func (c *Carrier) Dispatch(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordDuration("dispatcher.duration", time.Since(start), nil)
	}()

	var processed int
	err := c.tx.Do(ctx, func(ctx context.Context) error {
		processed = 0

		events, err := c.store.FetchPending(ctx, batchSize, c.eventTypes)
		if err != nil {
			return fmt.Errorf("failed to fetch pending events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		c.metrics.RecordGauge("dispatcher.batch_size", float64(len(events)), nil)

		for _, rec := range events {
			if err := ctx.Err(); err != nil {
				return err
			}

			tags := map[string]string{"event_type": rec.EventType}
			if err := c.publisher.Publish(ctx, recordFromStorage(rec)); err != nil {
				c.metrics.IncrementCounter("dispatcher.publish_failed", tags)
				return fmt.Errorf("failed to publish event %s: %w", rec.ID, err)
			}

			marked, err := c.store.MarkProcessed(ctx, rec.ID, c.now())
			if err != nil {
				return fmt.Errorf("failed to mark event %s processed: %w", rec.ID, err)
			}
			if !marked {
				c.logger.Debug("Event already processed", zap.String("event_id", rec.ID))
				continue
			}
			c.metrics.IncrementCounter("dispatcher.published", tags)
			processed++
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Dispatch batch rolled back", zap.Error(err))
		return 0, err
	}

	if processed > 0 {
		c.logger.Info("Dispatched pending events", zap.Int("count", processed))
	} else {
		c.logger.Debug("No pending events to dispatch")
	}
	return processed, nil
}
