package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

func newTestStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, zap.NewNop()), mock
}

func TestSQLStore_InsertPrice(t *testing.T) {
	store, mock := newTestStore(t)
	observed := time.Unix(1719800000, 0).UTC()

	mock.ExpectExec("INSERT INTO archived_prices").
		WithArgs("G31420", "GRU", "SDU", decimal.RequireFromString("1500.00"), observed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	price := &storage.ArchivedPrice{
		FlightID:    "G31420",
		Origin:      "GRU",
		Destination: "SDU",
		Price:       decimal.RequireFromString("1500.00"),
		ObservedAt:  observed,
	}
	require.NoError(t, store.InsertPrice(context.Background(), price))
	assert.Equal(t, int64(42), price.ID)
	assert.False(t, price.ReceivedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertPrice_Error(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO archived_prices").WillReturnError(errors.New("connection refused"))

	err := store.InsertPrice(context.Background(), &storage.ArchivedPrice{FlightID: "G31420"})
	require.Error(t, err)
	assert.Equal(t, "failed to insert archived price: connection refused", err.Error())
}

func TestSQLStore_ListRecentPrices(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "flight_id", "origin", "destination", "price", "observed_at", "received_at"}).
		AddRow(2, "G31420", "GRU", "SDU", "1500.00", now, now).
		AddRow(1, "AD4050", "VCP", "CNF", "820.50", now.Add(-time.Minute), now.Add(-time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM archived_prices ORDER BY received_at DESC").WithArgs(20).WillReturnRows(rows)

	prices, err := store.ListRecentPrices(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "G31420", prices[0].FlightID)
	assert.True(t, decimal.RequireFromString("820.5").Equal(prices[1].Price))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FindMatchingAlerts(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "user_contact", "flight_id", "origin", "destination", "desired_price", "status", "created_at"}).
		AddRow(7, "ana@example.com", "G31420", "GRU", "SDU", "1800.00", "active", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM alerts WHERE flight_id = \\? AND desired_price >= \\? AND status = \\? ORDER BY id FOR UPDATE").
		WithArgs("G31420", decimal.RequireFromString("1500"), "active").
		WillReturnRows(rows)

	alerts, err := store.FindMatchingAlerts(context.Background(), "G31420", decimal.RequireFromString("1500"))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(7), alerts[0].ID)
	assert.Equal(t, storage.AlertStatusActive, alerts[0].Status)
	assert.True(t, decimal.RequireFromString("1800").Equal(alerts[0].DesiredPrice))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MarkAlertFired(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "active alert transitions", affected: 1, want: true},
		{name: "already fired alert is untouched", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newTestStore(t)
			mock.ExpectExec("UPDATE alerts SET status = \\?, fired_at = \\? WHERE id = \\? AND status = \\?").
				WithArgs("fired", sqlmock.AnyArg(), int64(7), "active").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			fired, err := store.MarkAlertFired(context.Background(), 7, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.want, fired)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_CreateOutboxEvent_Duplicate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO notification_outbox").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.CreateOutboxEvent(context.Background(), &storage.OutboxRecord{EventID: "e-1", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrEventAlreadyExists)
}

func TestSQLStore_FetchNewEvents(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "event_id", "alert_id", "queue", "payload", "headers", "attempt_count", "last_error"}).
		AddRow(1, "e-1", 7, "notificacoes_queue", []byte(`{"recipient":"ana@example.com"}`), nil, 0, nil).
		AddRow(2, "e-2", 8, "notificacoes_queue", []byte(`{"recipient":"bia@example.com"}`), nil, 1, "broker down")
	mock.ExpectQuery("SELECT (.+) FROM notification_outbox WHERE status IN (.+) FOR UPDATE SKIP LOCKED").
		WithArgs(storage.StatusNew, storage.StatusRetry, sqlmock.AnyArg(), 10).
		WillReturnRows(rows)

	events, err := store.FetchNewEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "", events[0].LastError)
	assert.Equal(t, "broker down", events[1].LastError)
	assert.Equal(t, 1, events[1].AttemptCount)
}

func TestSQLStore_MarkAsProcessing(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE notification_outbox SET status = \\?, updated_at = CURRENT_TIMESTAMP\\(6\\) WHERE id IN \\(\\?,\\?\\)").
		WithArgs(storage.StatusProcessing, int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.MarkAsProcessing(context.Background(), []int64{1, 2}))
	require.NoError(t, store.MarkAsProcessing(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MoveToDeadLetter_RunsInAmbientTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, zap.NewNop())
	trManager := manager.Must(trmsql.NewDefaultFactory(db))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification_outbox_deadletters").
		WithArgs("broker down", int64(5)).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("DELETE FROM notification_outbox WHERE id = \\?").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = trManager.Do(context.Background(), func(ctx context.Context) error {
		return store.MoveToDeadLetter(ctx, storage.OutboxRecord{ID: 5, LastError: "broker down"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MoveToDeadLetter_RollsBackOnDeleteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, zap.NewNop())
	trManager := manager.Must(trmsql.NewDefaultFactory(db))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification_outbox_deadletters").
		WithArgs("unknown error", int64(5)).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("DELETE FROM notification_outbox").WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	err = trManager.Do(context.Background(), func(ctx context.Context) error {
		return store.MoveToDeadLetter(ctx, storage.OutboxRecord{ID: 5})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete from events table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeleteSentEvents(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM notification_outbox WHERE status = \\? AND updated_at < \\?").
		WithArgs(storage.StatusSent, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteSentEvents(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLStore_EnsureTables(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archived_prices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS alerts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS notification_outbox \\(").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS notification_outbox_deadletters").WillReturnError(errors.New("denied"))

	err := store.EnsureTables(context.Background())
	require.Error(t, err)
	assert.Equal(t, "failed to create notification_outbox_deadletters table: denied", err.Error())
}
