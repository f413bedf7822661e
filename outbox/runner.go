package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner manages the lifecycle of a collection of workers.
// It is responsible for starting and stopping them gracefully.
type Runner struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewRunner creates a new runner to manage the given workers.
func NewRunner(logger *zap.Logger, workers ...Worker) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start runs all the workers and blocks until the context is cancelled or Stop() is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("Runner already started")
		return
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info("Starting runner with workers", zap.Int("worker_count", len(r.workers)))

	for _, w := range r.workers {
		r.wg.Add(1)
		go func(worker Worker) {
			defer r.wg.Done()
			r.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			r.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		r.logger.Info("Context cancelled, stopping runner")
		r.Stop()
	case <-r.stopChan:
		r.logger.Info("Stop signal received, stopping runner")
	}

	r.wg.Wait()
	r.logger.Info("All workers have been stopped. Runner shutdown complete.")

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
}

// Stop gracefully shuts down the runner and all its workers.
// It is safe to call Stop multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if !r.started {
			r.logger.Warn("Attempted to stop a runner that was not started")
			return
		}
		r.logger.Info("Stopping runner...")
		close(r.stopChan)

		for _, worker := range r.workers {
			worker.Stop()
		}
	})
}

// IsStarted returns true if the runner is currently running.
func (r *Runner) IsStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}
