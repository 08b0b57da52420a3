package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertPrice(ctx context.Context, price *ArchivedPrice) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockStore) ListRecentPrices(ctx context.Context, limit int) ([]ArchivedPrice, error) {
	args := m.Called(ctx, limit)
	records, _ := args.Get(0).([]ArchivedPrice)
	return records, args.Error(1)
}

func (m *MockStore) CreateAlert(ctx context.Context, alert *Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockStore) FindMatchingAlerts(ctx context.Context, flightID string, price decimal.Decimal) ([]Alert, error) {
	args := m.Called(ctx, flightID, price)
	records, _ := args.Get(0).([]Alert)
	return records, args.Error(1)
}

func (m *MockStore) MarkAlertFired(ctx context.Context, alertID int64, firedAt time.Time) (bool, error) {
	args := m.Called(ctx, alertID, firedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CreateOutboxEvent(ctx context.Context, event *OutboxRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) FetchNewEvents(ctx context.Context, batchSize int) ([]OutboxRecord, error) {
	args := m.Called(ctx, batchSize)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]OutboxRecord, error) {
	args := m.Called(ctx, batchSize, stuckTimeout)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockStore) FetchEventsToMoveToDeadLetter(ctx context.Context, batchSize int, maxAttempts int) ([]OutboxRecord, error) {
	args := m.Called(ctx, batchSize, maxAttempts)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockStore) MarkAsProcessing(ctx context.Context, eventIDs []int64) error {
	args := m.Called(ctx, eventIDs)
	return args.Error(0)
}

func (m *MockStore) MarkAsSent(ctx context.Context, eventID int64) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockStore) UpdateForRetry(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error {
	args := m.Called(ctx, eventID, nextAttemptAt, lastError)
	return args.Error(0)
}

func (m *MockStore) MarkAsError(ctx context.Context, eventID int64, lastError string) error {
	args := m.Called(ctx, eventID, lastError)
	return args.Error(0)
}

func (m *MockStore) ResetStuckEvents(ctx context.Context, eventIDs []int64, nextAttemptAt time.Time) error {
	args := m.Called(ctx, eventIDs, nextAttemptAt)
	return args.Error(0)
}

func (m *MockStore) MoveToDeadLetter(ctx context.Context, event OutboxRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) DeleteSentEvents(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteDeadLetterEvents(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
