package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and the transaction manager's Tr.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// PriceStore persists archived price observations.
type PriceStore interface {
	// InsertPrice stores one archived price and sets its ID.
	InsertPrice(ctx context.Context, price *ArchivedPrice) error
	// ListRecentPrices returns the newest archived prices first.
	ListRecentPrices(ctx context.Context, limit int) ([]ArchivedPrice, error)
}

// AlertStore reads and transitions price alerts.
type AlertStore interface {
	// CreateAlert stores a new active alert and sets its ID.
	CreateAlert(ctx context.Context, alert *Alert) error
	// FindMatchingAlerts locks and returns the active alerts for flightID whose
	// desired price is at or above price. Must run inside a transaction.
	FindMatchingAlerts(ctx context.Context, flightID string, price decimal.Decimal) ([]Alert, error)
	// MarkAlertFired moves an alert from active to fired. It reports false when
	// the alert was no longer active.
	MarkAlertFired(ctx context.Context, alertID int64, firedAt time.Time) (bool, error)
}

// OutboxStore holds notification requests between the matching transaction
// and their publication on the work queue.
type OutboxStore interface {
	// CreateOutboxEvent stores a new event in the ambient transaction.
	CreateOutboxEvent(ctx context.Context, event *OutboxRecord) error
	// FetchNewEvents locks new and due retry events for publishing.
	FetchNewEvents(ctx context.Context, batchSize int) ([]OutboxRecord, error)
	// FetchStuckEvents returns events left in processing for longer than stuckTimeout.
	FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]OutboxRecord, error)
	// FetchEventsToMoveToDeadLetter returns events in the error state that
	// used at least maxAttempts publication attempts.
	FetchEventsToMoveToDeadLetter(ctx context.Context, batchSize int, maxAttempts int) ([]OutboxRecord, error)
	// MarkAsProcessing claims events for the current relay run.
	MarkAsProcessing(ctx context.Context, eventIDs []int64) error
	// MarkAsSent records a confirmed publication.
	MarkAsSent(ctx context.Context, eventID int64) error
	// UpdateForRetry schedules another publication attempt.
	UpdateForRetry(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error
	// MarkAsError parks an event that exhausted its attempts.
	MarkAsError(ctx context.Context, eventID int64, lastError string) error
	// ResetStuckEvents puts stuck events back into the retry state.
	ResetStuckEvents(ctx context.Context, eventIDs []int64, nextAttemptAt time.Time) error
	// MoveToDeadLetter copies an event to the dead-letter table and deletes it.
	MoveToDeadLetter(ctx context.Context, event OutboxRecord) error
	// DeleteSentEvents removes sent events older than retention.
	DeleteSentEvents(ctx context.Context, retention time.Duration) (int64, error)
	// DeleteDeadLetterEvents removes dead letters older than retention.
	DeleteDeadLetterEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// Store is everything the pipeline needs from the relational database.
type Store interface {
	PriceStore
	AlertStore
	OutboxStore
	// EnsureTables creates the schema if it does not exist.
	EnsureTables(ctx context.Context) error
}
