package bus

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultRetryDelay = 5 * time.Second

// RetryPolicy is a fixed-delay retry loop that stops when its context is
// cancelled or, if MaxAttempts is positive, after that many attempts.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries forever every five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: defaultRetryDelay}
}

// Do runs fn until it succeeds.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, what string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", what, attempt, err)
		}
		logger.Warn("Attempt failed, retrying",
			zap.String("what", what),
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.delay()),
			zap.Error(err),
		)
		if err := p.Sleep(ctx); err != nil {
			return err
		}
	}
}

// Sleep waits one delay or until ctx is done.
func (p RetryPolicy) Sleep(ctx context.Context) error {
	timer := time.NewTimer(p.delay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dial connects to the broker under this policy.
func (p RetryPolicy) Dial(ctx context.Context, url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := p.Do(ctx, logger, "broker connection", func(context.Context) error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (p RetryPolicy) delay() time.Duration {
	if p.Delay <= 0 {
		return defaultRetryDelay
	}
	return p.Delay
}
