package pricewatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

// Carrier holds the dependencies shared by the notification outbox services
// and builds them on demand.
type Carrier struct {
	store     storage.Store
	txManager TxManager
	publisher Publisher
	metrics   MetricsCollector
	logger    *zap.Logger
}

// NewCarrier creates a Carrier. The publisher defaults to a NopPublisher,
// which leaves every event in the outbox marked as sent.
func NewCarrier(store storage.Store, txManager TxManager, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("carrier requires a store")
	}
	if txManager == nil {
		return nil, errors.New("carrier requires a transaction manager")
	}

	c := &Carrier{
		store:     store,
		txManager: txManager,
		logger:    zap.NewNop(),
		metrics:   NewNopMetricsCollector(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}

	return c, nil
}

// ProcessEvents publishes one batch of pending notifications.
func (c *Carrier) ProcessEvents(ctx context.Context, opts ...EventProcessorOption) error {
	return NewEventProcessor(c.store, c.txManager, c.publisher, c.logger, c.metrics, opts...).ProcessEvents(ctx)
}

// MoveToDeadLetters parks notifications that exhausted their attempts.
func (c *Carrier) MoveToDeadLetters(ctx context.Context, opts ...DeadLetterServiceOption) error {
	return NewDeadLetterService(c.store, c.txManager, c.logger, c.metrics, opts...).MoveToDeadLetters(ctx)
}

// RecoverStuckEvents releases notifications left in processing by a crashed relay.
func (c *Carrier) RecoverStuckEvents(ctx context.Context, opts ...StuckEventServiceOption) error {
	return NewStuckEventService(c.store, c.txManager, c.logger, c.metrics, opts...).RecoverStuckEvents(ctx)
}

// Cleanup deletes sent notifications and old dead letters.
func (c *Carrier) Cleanup(ctx context.Context, opts ...CleanupServiceOption) error {
	return NewCleanupService(c.store, c.logger, c.metrics, opts...).Cleanup(ctx)
}

// RelayIntervals configures how often each outbox worker runs.
type RelayIntervals struct {
	Publish    time.Duration
	DeadLetter time.Duration
	Stuck      time.Duration
	Cleanup    time.Duration
}

// DefaultRelayIntervals returns the intervals used when none are configured.
func DefaultRelayIntervals() RelayIntervals {
	return RelayIntervals{
		Publish:    500 * time.Millisecond,
		DeadLetter: time.Minute,
		Stuck:      time.Minute,
		Cleanup:    time.Hour,
	}
}

// RelayConfig collects the options of all outbox services.
type RelayConfig struct {
	Intervals  RelayIntervals
	Processor  []EventProcessorOption
	DeadLetter []DeadLetterServiceOption
	Stuck      []StuckEventServiceOption
	Cleanup    []CleanupServiceOption
}

// Workers returns the outbox relay workers ready to be run by a Dispatcher.
func (c *Carrier) Workers(cfg RelayConfig) []Worker {
	iv := cfg.Intervals
	def := DefaultRelayIntervals()
	if iv.Publish <= 0 {
		iv.Publish = def.Publish
	}
	if iv.DeadLetter <= 0 {
		iv.DeadLetter = def.DeadLetter
	}
	if iv.Stuck <= 0 {
		iv.Stuck = def.Stuck
	}
	if iv.Cleanup <= 0 {
		iv.Cleanup = def.Cleanup
	}

	withMetrics := WithWorkerMetrics(c.metrics)
	return []Worker{
		NewBaseWorker("outbox-publisher", iv.Publish, c.logger, func(ctx context.Context) error {
			return c.ProcessEvents(ctx, cfg.Processor...)
		}, withMetrics, WithRunOnStart()),
		NewBaseWorker("outbox-deadletter", iv.DeadLetter, c.logger, func(ctx context.Context) error {
			return c.MoveToDeadLetters(ctx, cfg.DeadLetter...)
		}, withMetrics),
		NewBaseWorker("outbox-stuck-recovery", iv.Stuck, c.logger, func(ctx context.Context) error {
			return c.RecoverStuckEvents(ctx, cfg.Stuck...)
		}, withMetrics, WithRunOnStart()),
		NewBaseWorker("outbox-cleanup", iv.Cleanup, c.logger, func(ctx context.Context) error {
			return c.Cleanup(ctx, cfg.Cleanup...)
		}, withMetrics),
	}
}
