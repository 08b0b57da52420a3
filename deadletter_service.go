package pricewatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

// DeadLetterService moves notifications in the error state to the outbox
// dead-letter table.
type DeadLetterService struct {
	store     storage.OutboxStore
	txManager TxManager
	logger    *zap.Logger
	metrics   MetricsCollector
	opts      deadLetterServiceOptions
}

// NewDeadLetterService creates a new DeadLetterService.
func NewDeadLetterService(
	store storage.OutboxStore,
	txManager TxManager,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...DeadLetterServiceOption,
) *DeadLetterService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := deadLetterServiceOptions{
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &DeadLetterService{
		store:     store,
		txManager: txManager,
		logger:    logger,
		metrics:   metrics,
		opts:      o,
	}
}

// MoveToDeadLetters moves one batch of exhausted outbox rows to the dead-letter table.
func (s *DeadLetterService) MoveToDeadLetters(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("deadletter.duration", time.Since(start), nil)
	}()

	events, err := s.store.FetchEventsToMoveToDeadLetter(ctx, s.opts.batchSize, s.opts.maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to fetch events for dead-letter queue: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	s.logger.Info("Found notifications to move to dead-letter table", zap.Int("count", len(events)))
	s.metrics.RecordGauge("deadletter.batch_size", float64(len(events)), nil)

	movedCount := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Context cancelled during dead-letter processing", zap.Error(err))
			return err
		}

		err := s.txManager.Do(ctx, func(ctx context.Context) error {
			return s.store.MoveToDeadLetter(ctx, event)
		})
		if err != nil {
			s.logger.Error("Failed to move notification to dead-letter table",
				zap.Int64("event_id", event.ID),
				zap.Int64("alert_id", event.AlertID),
				zap.Error(err),
			)
			s.metrics.IncrementCounter("deadletter.move_failed", nil)
			continue
		}
		movedCount++
		s.metrics.IncrementCounter("deadletter.move_success", nil)
		s.logger.Warn("Notification dead-lettered",
			zap.Int64("event_id", event.ID),
			zap.Int64("alert_id", event.AlertID),
			zap.Int("attempts", event.AttemptCount),
			zap.String("last_error", event.LastError),
		)
	}

	s.logger.Info("Finished moving notifications to dead-letter table", zap.Int("moved_count", movedCount))
	return nil
}
