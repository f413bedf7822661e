package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is a long-running background task supervised by a Runner.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// BaseWorker is a generic, ticker-based worker implementation.
// It runs a given function at a specified interval and handles graceful shutdown.
type BaseWorker struct {
	name           string
	interval       time.Duration
	runTimeout     time.Duration
	runImmediately bool
	logger         *zap.Logger
	workFunc       func(ctx context.Context) error

	wg       sync.WaitGroup
	mu       sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
	stopped  bool
}

// NewBaseWorker creates a new generic worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the worker's execution loop.
// It blocks until the worker is stopped via the context or a call to Stop().
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		w.logger.Warn("Worker already started or stopped", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	if w.runImmediately {
		w.executeWorkFunc(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping", zap.String("name", w.name))
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping", zap.String("name", w.name))
			return
		case <-ticker.C:
			w.executeWorkFunc(ctx)
		}
	}
}

// executeWorkFunc runs the worker's function, ensuring that Stop() will wait for it to complete.
// Runs are registered under mu so none begins once Stop has started waiting.
func (w *BaseWorker) executeWorkFunc(ctx context.Context) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop gracefully shuts down the worker.
// It waits for any in-progress work to complete and is safe to call multiple times.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		w.stopped = true
		w.mu.Unlock()
		if !started {
			return
		}

		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}

// NewDispatchWorker returns a worker that calls Dispatch every interval.
func NewDispatchWorker(c *Carrier, interval time.Duration, batchSize int, opts ...WorkerOption) *BaseWorker {
	return NewBaseWorker("outbox_dispatcher", interval, c.logger, func(ctx context.Context) error {
		_, err := c.Dispatch(ctx, batchSize)
		return err
	}, opts...)
}

// NewBacklogWorker returns a worker that calls ReportBacklog every interval.
func NewBacklogWorker(c *Carrier, interval time.Duration, backlogOpts ...BacklogOption) *BaseWorker {
	return NewBaseWorker("outbox_backlog", interval, c.logger, func(ctx context.Context) error {
		_, err := c.ReportBacklog(ctx, backlogOpts...)
		return err
	})
}
