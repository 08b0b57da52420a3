package pricewatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

// EventProcessor publishes pending notification requests from the outbox.
type EventProcessor struct {
	store     storage.OutboxStore
	txManager TxManager
	publisher Publisher
	logger    *zap.Logger
	metrics   MetricsCollector
	opts      eventProcessorOptions
}

// NewEventProcessor creates a new EventProcessor.
func NewEventProcessor(
	store storage.OutboxStore,
	txManager TxManager,
	publisher Publisher,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...EventProcessorOption,
) *EventProcessor {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := eventProcessorOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		backoffStrategy: DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &EventProcessor{
		store:     store,
		txManager: txManager,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		opts:      o,
	}
}

// ProcessEvents claims one batch and publishes it event by event.
func (p *EventProcessor) ProcessEvents(ctx context.Context) error {
	start := time.Now()
	events, err := p.fetchAndMarkEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	p.metrics.RecordDuration("event_processor.fetch_duration", time.Since(start), nil)

	if len(events) == 0 {
		return nil
	}

	p.logger.Debug("Fetched notifications for publishing", zap.Int("count", len(events)))
	p.metrics.RecordGauge("event_processor.batch_size", float64(len(events)), nil)

	processed, failed := p.processBatch(ctx, events)

	p.logger.Info("Batch processing completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	p.metrics.RecordDuration("event_processor.duration", time.Since(start), nil)

	return nil
}

// fetchAndMarkEvents locks the batch and flips it to processing in one
// transaction so concurrent relays never claim the same rows.
func (p *EventProcessor) fetchAndMarkEvents(ctx context.Context) ([]storage.OutboxRecord, error) {
	var events []storage.OutboxRecord
	err := p.txManager.Do(ctx, func(ctx context.Context) error {
		var err error
		events, err = p.store.FetchNewEvents(ctx, p.opts.batchSize)
		if err != nil || len(events) == 0 {
			return err
		}

		eventIDs := make([]int64, len(events))
		for i, event := range events {
			eventIDs[i] = event.ID
		}
		if err := p.store.MarkAsProcessing(ctx, eventIDs); err != nil {
			return fmt.Errorf("failed to mark events as processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *EventProcessor) processBatch(ctx context.Context, events []storage.OutboxRecord) (processed, failed int) {
	for _, event := range events {
		if ctx.Err() != nil {
			// The remaining rows go back to retry instead of waiting for stuck recovery.
			p.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
			if err := p.rescheduleEvent(context.WithoutCancel(ctx), event, ctx.Err()); err != nil {
				p.logger.Error("Failed to reschedule event", zap.Int64("event_id", event.ID), zap.Error(err))
			}
			failed++
			continue
		}

		if err := p.processSingleEvent(ctx, event); err != nil {
			failed++
			p.logger.Error("Failed to process event",
				zap.Int64("event_id", event.ID),
				zap.Error(err))
		} else {
			processed++
		}
	}
	return
}

func (p *EventProcessor) processSingleEvent(ctx context.Context, event storage.OutboxRecord) error {
	eventFields := []zap.Field{
		zap.Int64("event_id", event.ID),
		zap.String("message_id", event.EventID),
		zap.Int64("alert_id", event.AlertID),
		zap.String("queue", event.Queue),
	}
	tags := map[string]string{"queue": event.Queue}

	if err := p.publisher.Publish(ctx, outboxEventFromRecord(event)); err != nil {
		p.metrics.IncrementCounter("event_processor.publish_failed", tags)
		p.logger.Error("Failed to publish notification", append(eventFields, zap.Error(err))...)
		return p.rescheduleEvent(ctx, event, err)
	}

	if err := p.store.MarkAsSent(ctx, event.ID); err != nil {
		// Published but still processing; stuck recovery republishes it and
		// the notifier sees a duplicate.
		p.metrics.IncrementCounter("event_processor.mark_sent_failed", tags)
		p.logger.Error("Failed to mark notification as sent", append(eventFields, zap.Error(err))...)
		return err
	}

	p.metrics.IncrementCounter("event_processor.publish_success", tags)
	p.logger.Debug("Notification published", eventFields...)
	return nil
}

func (p *EventProcessor) rescheduleEvent(ctx context.Context, event storage.OutboxRecord, processingError error) error {
	attempt := event.AttemptCount + 1
	if attempt >= p.opts.maxAttempts {
		p.logger.Error("Notification exceeded max attempts, parking it for the dead-letter table",
			zap.Int64("event_id", event.ID),
			zap.Int("attempts", attempt),
			zap.Error(processingError),
		)
		p.metrics.IncrementCounter("event_processor.max_attempts_reached", nil)
		return p.store.MarkAsError(ctx, event.ID, processingError.Error())
	}

	nextAttemptAt := p.opts.backoffStrategy.CalculateNextAttempt(attempt)
	p.logger.Info("Scheduling notification for retry",
		zap.Int64("event_id", event.ID),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", nextAttemptAt),
		zap.Error(processingError),
	)

	return p.store.UpdateForRetry(ctx, event.ID, nextAttemptAt, processingError.Error())
}
