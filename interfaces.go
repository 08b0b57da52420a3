package pricewatch

import (
	"context"
	"time"

	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/storage"
)

// Worker is a long-running unit managed by the Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Publisher delivers a committed outbox event to its queue.
type Publisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
	Close() error
}

// Sender performs the side effect of a notification, e.g. sending an e-mail.
// It must return only after the side effect is complete.
type Sender interface {
	Send(ctx context.Context, req NotificationRequest) error
}

// TxManager runs fn in a transaction carried by the context passed to fn.
type TxManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// QueueClient is the broker surface used by publishers and dead-letter tooling.
type QueueClient interface {
	Publish(ctx context.Context, exchange, key string, msg bus.Message) error
	Get(ctx context.Context, queue string) (bus.Delivery, bool, error)
	Purge(ctx context.Context, queue string) (int, error)
	Depth(ctx context.Context, queue string) (int, error)
}

// PriceCache keeps the latest archived price per flight.
type PriceCache interface {
	SetLatest(ctx context.Context, price storage.ArchivedPrice) error
}

// BackoffStrategy computes when a failed outbox event may be retried.
type BackoffStrategy interface {
	CalculateNextAttempt(attempt int) time.Time
}
