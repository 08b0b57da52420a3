package pricewatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/internal/validation"
	"github.com/overtonx/pricewatch/storage"
)

// Archiver persists every valid price event. Invalid events and events that
// cannot be stored are rejected so the broker dead-letters them.
type Archiver struct {
	store     storage.PriceStore
	txManager TxManager
	validator *validation.Validator
	cache     PriceCache
	logger    *zap.Logger
	metrics   MetricsCollector
	now       func() time.Time
}

// NewArchiver creates an archiver writing validated prices to store.
func NewArchiver(store storage.PriceStore, txManager TxManager, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		store:     store,
		txManager: txManager,
		logger:    zap.NewNop(),
		metrics:   NewNopMetricsCollector(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.validator == nil {
		a.validator = validation.MustNewPriceEventValidator()
	}
	return a
}

// Handle implements bus.Handler. It returns Ack only after the archived row
// has been committed.
func (a *Archiver) Handle(ctx context.Context, msg bus.Message) bus.Decision {
	start := time.Now()
	defer func() {
		a.metrics.RecordDuration("archiver.handle_duration", time.Since(start), nil)
	}()

	event, err := DecodePriceEvent(a.validator, msg.Body)
	if err != nil {
		reason := rejectReason(err)
		a.logger.Warn("Rejecting price event",
			zap.String("message_id", msg.MessageID),
			zap.String("reason", reason),
			zap.ByteString("body", msg.Body),
			zap.Error(err),
		)
		a.metrics.IncrementCounter("archiver.rejected", map[string]string{"reason": reason})
		return bus.Reject
	}

	fields := []zap.Field{
		zap.String("message_id", msg.MessageID),
		zap.String("flight_id", event.FlightID),
		zap.String("price", event.Price.String()),
	}

	record := event.Archived(a.now())
	err = a.txManager.Do(ctx, func(ctx context.Context) error {
		return a.store.InsertPrice(ctx, &record)
	})
	if err != nil {
		a.logger.Error("Failed to archive price event", append(fields, zap.Error(err))...)
		a.metrics.IncrementCounter("archiver.rejected", map[string]string{"reason": "storage"})
		return bus.Reject
	}

	a.logger.Info("Price event archived", append(fields, zap.Int64("id", record.ID))...)
	a.metrics.IncrementCounter("archiver.archived", nil)

	if a.cache != nil {
		if err := a.cache.SetLatest(ctx, record); err != nil {
			a.logger.Warn("Failed to update latest price cache", append(fields, zap.Error(err))...)
			a.metrics.IncrementCounter("archiver.cache_failed", nil)
		}
	}

	return bus.Ack
}
