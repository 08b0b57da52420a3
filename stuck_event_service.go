package pricewatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

const stuckEventError = "event recovered from stuck state"

// StuckEventService releases outbox rows left in processing for too long,
// e.g. after the relay crashed between claiming and publishing them.
type StuckEventService struct {
	store     storage.OutboxStore
	txManager TxManager
	logger    *zap.Logger
	metrics   MetricsCollector
	opts      stuckEventServiceOptions
}

// NewStuckEventService creates a new StuckEventService.
func NewStuckEventService(
	store storage.OutboxStore,
	txManager TxManager,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...StuckEventServiceOption,
) *StuckEventService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := stuckEventServiceOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		stuckTimeout:    defaultStuckEventTimeout,
		backoffStrategy: DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &StuckEventService{
		store:     store,
		txManager: txManager,
		logger:    logger,
		metrics:   metrics,
		opts:      o,
	}
}

// RecoverStuckEvents puts stuck rows back into retry, or into error when they
// already used all their attempts.
func (s *StuckEventService) RecoverStuckEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("stuck_events.recovery.duration", time.Since(start), nil)
	}()

	recovered := 0
	err := s.txManager.Do(ctx, func(ctx context.Context) error {
		events, err := s.store.FetchStuckEvents(ctx, s.opts.batchSize, s.opts.stuckTimeout)
		if err != nil {
			return fmt.Errorf("failed to fetch stuck events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		var retryIDs []int64
		for _, event := range events {
			if event.AttemptCount+1 >= s.opts.maxAttempts {
				if err := s.store.MarkAsError(ctx, event.ID, stuckEventError); err != nil {
					return fmt.Errorf("failed to mark stuck event %d as error: %w", event.ID, err)
				}
				s.metrics.IncrementCounter("stuck_events.marked_as_error", nil)
				continue
			}
			retryIDs = append(retryIDs, event.ID)
		}

		if len(retryIDs) > 0 {
			nextAttemptAt := s.opts.backoffStrategy.CalculateNextAttempt(1)
			if err := s.store.ResetStuckEvents(ctx, retryIDs, nextAttemptAt); err != nil {
				return err
			}
			s.metrics.IncrementCounter("stuck_events.marked_as_retry", nil)
		}
		recovered = len(events)
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 {
		s.logger.Info("Stuck event recovery completed",
			zap.Int("recovered_count", recovered),
			zap.Duration("stuck_threshold", s.opts.stuckTimeout),
		)
		s.metrics.RecordGauge("stuck_events.recovered_batch_size", float64(recovered), nil)
	}
	return nil
}
