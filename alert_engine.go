package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/internal/validation"
	"github.com/overtonx/pricewatch/storage"
)

// AlertEngine fires active alerts whose desired price is met by a price event.
// Firing an alert and enqueuing its notification commit together.
type AlertEngine struct {
	store     storage.Store
	txManager TxManager
	validator *validation.Validator
	queue     string
	logger    *zap.Logger
	metrics   MetricsCollector
	now       func() time.Time
}

// NewAlertEngine creates an engine that fires alerts and queues their notifications.
func NewAlertEngine(store storage.Store, txManager TxManager, opts ...AlertEngineOption) *AlertEngine {
	e := &AlertEngine{
		store:     store,
		txManager: txManager,
		queue:     bus.DefaultNotificationQueue,
		logger:    zap.NewNop(),
		metrics:   NewNopMetricsCollector(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = validation.MustNewPriceEventValidator()
	}
	return e
}

// Handle implements bus.Handler. It always acks: a malformed event already
// reaches the dead-letter queue through the archiver, and a failed match is
// logged and dropped.
func (e *AlertEngine) Handle(ctx context.Context, msg bus.Message) bus.Decision {
	start := time.Now()
	defer func() {
		e.metrics.RecordDuration("alert_engine.handle_duration", time.Since(start), nil)
	}()

	event, err := DecodePriceEvent(e.validator, msg.Body)
	if err != nil {
		e.logger.Warn("Ignoring invalid price event",
			zap.String("message_id", msg.MessageID),
			zap.String("reason", rejectReason(err)),
			zap.Error(err),
		)
		e.metrics.IncrementCounter("alert_engine.invalid_event", nil)
		return bus.Ack
	}

	fired, err := e.Match(ctx, event)
	if err != nil {
		e.logger.Error("Alert matching failed, event dropped",
			zap.String("message_id", msg.MessageID),
			zap.String("flight_id", event.FlightID),
			zap.String("price", event.Price.String()),
			zap.Error(err),
		)
		e.metrics.IncrementCounter("alert_engine.match_failed", nil)
		return bus.Ack
	}

	if fired > 0 {
		e.logger.Info("Alerts fired",
			zap.String("flight_id", event.FlightID),
			zap.String("price", event.Price.String()),
			zap.Int("count", fired),
		)
	}
	return bus.Ack
}

// Match fires every active alert for the event's flight whose desired price
// is at or above the event price, in a single transaction. It returns how
// many alerts were fired; on error nothing is fired.
func (e *AlertEngine) Match(ctx context.Context, event PriceEvent) (int, error) {
	var fired int
	err := e.txManager.Do(ctx, func(ctx context.Context) error {
		fired = 0
		alerts, err := e.store.FindMatchingAlerts(ctx, event.FlightID, event.Price)
		if err != nil {
			return err
		}

		for _, alert := range alerts {
			err := e.fire(ctx, alert, event)
			if errors.Is(err, ErrAlertAlreadyFired) {
				e.logger.Debug("Alert fired concurrently, skipping", zap.Int64("alert_id", alert.ID))
				continue
			}
			if err != nil {
				return err
			}
			fired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.metrics.IncrementCounter("alert_engine.events_matched", nil)
	if fired > 0 {
		e.metrics.IncrementCounter("alert_engine.events_with_fired_alerts", nil)
		e.metrics.RecordGauge("alert_engine.fired_per_event", float64(fired), nil)
	}
	return fired, nil
}

func (e *AlertEngine) fire(ctx context.Context, alert storage.Alert, event PriceEvent) error {
	ok, err := e.store.MarkAlertFired(ctx, alert.ID, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlertAlreadyFired
	}

	req := NotificationRequest{
		Recipient:    alert.UserContact,
		FlightID:     event.FlightID,
		MatchedPrice: event.Price,
		AlertID:      alert.ID,
		Origin:       event.Origin,
		Destination:  event.Destination,
	}
	if err := SaveNotification(ctx, e.store, e.queue, alert.ID, req); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}
