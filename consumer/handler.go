// Package consumer processes new-order events delivered by the broker.
//
// Delivery is at least once. The handler validates each payload, drops
// malformed ones, and lets only the first delivery of an event through to the
// processor by consulting the dedup guard.
package consumer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/metrics"
	"github.com/overtonx/ordersvc/order"
)

// Deduper is satisfied by *dedup.Guard.
type Deduper interface {
	ShouldProcess(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// Processor applies the business effect of a new order.
type Processor interface {
	Process(ctx context.Context, event order.NewOrderEvent) error
}

type ProcessorFunc func(ctx context.Context, event order.NewOrderEvent) error

func (f ProcessorFunc) Process(ctx context.Context, event order.NewOrderEvent) error {
	return f(ctx, event)
}

// LogProcessor records the order and optionally simulates work.
type LogProcessor struct {
	logger *zap.Logger
	work   time.Duration
}

func NewLogProcessor(logger *zap.Logger, work time.Duration) *LogProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProcessor{logger: logger, work: work}
}

func (p *LogProcessor) Process(ctx context.Context, event order.NewOrderEvent) error {
	if p.work > 0 {
		t := time.NewTimer(p.work)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	fields := []zap.Field{
		zap.String("order_id", event.OrderID),
		zap.Int64("user_id", event.UserID),
		zap.String("event_id", event.EventID),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	p.logger.Info("Processed new order", fields...)
	return nil
}

// Handler is the dedup boundary in front of a Processor.
type Handler struct {
	guard     Deduper
	processor Processor
	logger    *zap.Logger
	metrics   metrics.Collector
}

type HandlerOption func(*Handler)

func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithHandlerMetrics(collector metrics.Collector) HandlerOption {
	return func(h *Handler) {
		h.metrics = collector
	}
}

func NewHandler(guard Deduper, processor Processor, opts ...HandlerOption) *Handler {
	h := &Handler{
		guard:     guard,
		processor: processor,
		logger:    zap.NewNop(),
		metrics:   metrics.NewNopCollector(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.metrics = metrics.OrDefault(h.metrics)
	return h
}

// Handle returns nil when the message can be acknowledged: it was processed,
// was a duplicate, or was malformed. A non-nil error asks for redelivery.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	event, err := order.ParseNewOrderEvent(payload)
	if err != nil {
		h.metrics.IncrementCounter("consumer.malformed", nil)
		h.logger.Warn("Dropping malformed message", zap.Error(err), zap.Int("size", len(payload)))
		return nil
	}

	key := event.DedupKey()
	fields := []zap.Field{zap.String("event_id", key), zap.String("order_id", event.OrderID)}

	first, err := h.guard.ShouldProcess(ctx, key)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		h.metrics.IncrementCounter("consumer.duplicate", nil)
		h.logger.Info("Duplicate delivery skipped", fields...)
		return nil
	}

	if err := h.processor.Process(ctx, event); err != nil {
		h.metrics.IncrementCounter("consumer.failed", nil)
		if rerr := h.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
			h.logger.Error("Failed to release dedup marker", append(fields, zap.Error(rerr))...)
		}
		return fmt.Errorf("process order %s: %w", event.OrderID, err)
	}

	h.metrics.IncrementCounter("consumer.processed", nil)
	return nil
}
