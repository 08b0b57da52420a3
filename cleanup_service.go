package pricewatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

// CleanupService deletes sent notifications and expired outbox dead letters.
type CleanupService struct {
	store   storage.OutboxStore
	logger  *zap.Logger
	metrics MetricsCollector
	opts    cleanupServiceOptions
}

// NewCleanupService creates a new CleanupService.
func NewCleanupService(
	store storage.OutboxStore,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...CleanupServiceOption,
) *CleanupService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := cleanupServiceOptions{
		sentRetention:       defaultSentEventsRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &CleanupService{
		store:   store,
		logger:  logger,
		metrics: metrics,
		opts:    o,
	}
}

// Cleanup never fails the worker; errors are logged and counted.
func (s *CleanupService) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	sentDeleted, err := s.store.DeleteSentEvents(ctx, s.opts.sentRetention)
	if err != nil {
		s.logger.Error("Failed to clean up sent notifications", zap.Error(err))
		s.metrics.IncrementCounter("cleanup.sent_events.failed", nil)
	} else if sentDeleted > 0 {
		s.logger.Info("Cleaned up sent notifications", zap.Int64("count", sentDeleted))
		s.metrics.RecordGauge("cleanup.sent_events.deleted", float64(sentDeleted), nil)
	}

	dlDeleted, err := s.store.DeleteDeadLetterEvents(ctx, s.opts.deadLetterRetention)
	if err != nil {
		s.logger.Error("Failed to clean up dead-letter notifications", zap.Error(err))
		s.metrics.IncrementCounter("cleanup.dead_letter.failed", nil)
	} else if dlDeleted > 0 {
		s.logger.Info("Cleaned up dead-letter notifications", zap.Int64("count", dlDeleted))
		s.metrics.RecordGauge("cleanup.dead_letter.deleted", float64(dlDeleted), nil)
	}

	s.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
