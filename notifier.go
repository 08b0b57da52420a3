package pricewatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/bus"
)

// Notifier consumes notification requests one at a time and acks each only
// after its Sender finished.
type Notifier struct {
	sender     Sender
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    MetricsCollector
}

// NewNotifier creates a notifier delivering each request through sender.
func NewNotifier(sender Sender, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		sender:     sender,
		retryDelay: defaultNotifyRetryDelay,
		logger:     zap.NewNop(),
		metrics:    NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Handle implements bus.Handler. Undecodable requests are dropped; failed
// sends are requeued after the retry delay.
func (n *Notifier) Handle(ctx context.Context, msg bus.Message) bus.Decision {
	var req NotificationRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.Recipient == "" {
		if err == nil {
			err = errors.New("recipient is empty")
		}
		n.logger.Error("Dropping undecodable notification request",
			zap.String("message_id", msg.MessageID),
			zap.ByteString("body", msg.Body),
			zap.Error(err),
		)
		n.metrics.IncrementCounter("notifier.dropped", nil)
		return bus.Reject
	}

	fields := []zap.Field{
		zap.String("message_id", msg.MessageID),
		zap.String("recipient", req.Recipient),
		zap.String("flight_id", req.FlightID),
		zap.Bool("redelivered", msg.Redelivered),
	}

	start := time.Now()
	if err := n.sender.Send(ctx, req); err != nil {
		n.logger.Warn("Notification send failed, requeueing", append(fields, zap.Error(err))...)
		n.metrics.IncrementCounter("notifier.send_failed", nil)
		n.wait(ctx)
		return bus.Requeue
	}

	n.metrics.RecordDuration("notifier.send_duration", time.Since(start), nil)
	n.metrics.IncrementCounter("notifier.sent", nil)
	n.logger.Info("Notification sent", fields...)
	return bus.Ack
}

func (n *Notifier) wait(ctx context.Context) {
	if n.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(n.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// LogSender simulates an e-mail gateway: it waits for a fixed delay and logs
// the message it would have sent.
type LogSender struct {
	logger *zap.Logger
	delay  time.Duration
}

// NewLogSender returns a sender with the given delay; a negative delay means
// the default of two seconds.
func NewLogSender(logger *zap.Logger, delay time.Duration) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay < 0 {
		delay = defaultLogSenderDelay
	}
	return &LogSender{logger: logger, delay: delay}
}

func (s *LogSender) Send(ctx context.Context, req NotificationRequest) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("Price alert e-mail sent",
		zap.String("to", req.Recipient),
		zap.String("flight_id", req.FlightID),
		zap.String("route", req.Origin+"-"+req.Destination),
		zap.String("price", req.MatchedPrice.StringFixed(2)),
	)
	return nil
}
