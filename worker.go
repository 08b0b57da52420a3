package pricewatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BaseWorker runs a function on a fixed interval until it is stopped.
type BaseWorker struct {
	name       string
	interval   time.Duration
	logger     *zap.Logger
	metrics    MetricsCollector
	runOnStart bool
	workFunc   func(ctx context.Context) error

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

type WorkerOption func(*BaseWorker)

// WithWorkerMetrics records run duration and failures of the work function.
func WithWorkerMetrics(metrics MetricsCollector) WorkerOption {
	return func(w *BaseWorker) {
		w.metrics = metrics
	}
}

// WithRunOnStart runs the work function once before the first tick.
func WithRunOnStart() WorkerOption {
	return func(w *BaseWorker) {
		w.runOnStart = true
	}
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
		metrics:  NewNopMetricsCollector(),
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	if w.runOnStart {
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
			// Stop may race with the tick.
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.executeWorkFunc(ctx)
		}
	}
}

func (w *BaseWorker) executeWorkFunc(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx.Err() != nil {
		return
	}

	tags := map[string]string{"worker": w.name}
	start := time.Now()
	err := w.workFunc(ctx)
	w.metrics.RecordDuration("worker.run_duration", time.Since(start), tags)
	if err != nil {
		w.metrics.IncrementCounter("worker.run_failed", tags)
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop waits for an in-flight run to finish. It is safe to call more than once.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

func (w *BaseWorker) Name() string {
	return w.name
}
