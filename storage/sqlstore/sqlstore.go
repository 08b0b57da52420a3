package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

const (
	tablePrices      = "archived_prices"
	tableAlerts      = "alerts"
	tableEvents      = "notification_outbox"
	tableDeadletters = "notification_outbox_deadletters"
)

// SQL queries
const (
	insertPriceQuery = `
		INSERT INTO %s (flight_id, origin, destination, price, observed_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	listRecentPricesQuery = `
		SELECT id, flight_id, origin, destination, price, observed_at, received_at
		FROM %s
		ORDER BY received_at DESC, id DESC
		LIMIT ?`

	insertAlertQuery = `
		INSERT INTO %s (user_contact, flight_id, origin, destination, desired_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	findMatchingAlertsQuery = `
		SELECT id, user_contact, flight_id, origin, destination, desired_price, status, created_at
		FROM %s
		WHERE flight_id = ? AND desired_price >= ? AND status = ?
		ORDER BY id
		FOR UPDATE`

	markAlertFiredQuery = `UPDATE %s SET status = ?, fired_at = ? WHERE id = ? AND status = ?`

	createQuery = `
		INSERT INTO %s (event_id, alert_id, queue, payload, headers, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	fetchNewQuery = `
		SELECT id, event_id, alert_id, queue, payload, headers, attempt_count, last_error
		FROM %s
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	fetchStuckQuery = `
		SELECT id, event_id, alert_id, queue, payload, headers, attempt_count, last_error
		FROM %s
		WHERE status = ? AND updated_at < ?
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	fetchDeadLetterQuery = `
		SELECT id, event_id, alert_id, queue, payload, headers, attempt_count, last_error
		FROM %s
		WHERE status = ? AND attempt_count >= ?
		ORDER BY id
		LIMIT ?`

	markAsSentQuery = `UPDATE %s SET status = ? WHERE id = ?`

	markAsProcessingQuery = `UPDATE %s SET status = ?, updated_at = CURRENT_TIMESTAMP(6) WHERE id IN (%s)`

	updateForRetryQuery = `
		UPDATE %s
		SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	markAsErrorQuery = `
		UPDATE %s
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ?`

	moveToDeadLetterQuery = `
		INSERT INTO %s (id, event_id, alert_id, queue, payload, headers, attempt_count, last_error, created_at)
		SELECT id, event_id, alert_id, queue, payload, headers, attempt_count, ?, created_at
		FROM %s
		WHERE id = ?`

	deleteFromEventsQuery = `DELETE FROM %s WHERE id = ?`

	resetStuckQuery = `UPDATE %s SET status = ?, next_attempt_at = ? WHERE id IN (%s)`

	deleteSentQuery = `DELETE FROM %s WHERE status = ? AND updated_at < ?`

	deleteDeadLetterQuery = `DELETE FROM %s WHERE created_at < ?`
)

var (
	ErrEventAlreadyExists = errors.New("event already exists")
)

// SQLStore is the MySQL implementation of storage.Store. Every query runs on
// the transaction carried by ctx when there is one, and on the pool otherwise.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	logger *zap.Logger
}

// NewSQLStore creates a MySQL store. Queries run in the transaction carried by ctx, if any.
func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		getter: trmsql.DefaultCtxGetter,
		logger: logger,
	}
}

func (s *SQLStore) conn(ctx context.Context) storage.DBTX {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) InsertPrice(ctx context.Context, price *storage.ArchivedPrice) error {
	if price.ReceivedAt.IsZero() {
		price.ReceivedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(insertPriceQuery, tablePrices)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		price.FlightID,
		price.Origin,
		price.Destination,
		price.Price,
		price.ObservedAt.UTC(),
		price.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert archived price: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read archived price id: %w", err)
	}
	price.ID = id
	return nil
}

func (s *SQLStore) ListRecentPrices(ctx context.Context, limit int) ([]storage.ArchivedPrice, error) {
	query := fmt.Sprintf(listRecentPricesQuery, tablePrices)
	rows, err := s.conn(ctx).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent prices: %w", err)
	}
	defer rows.Close()

	prices := make([]storage.ArchivedPrice, 0, limit)
	for rows.Next() {
		var p storage.ArchivedPrice
		if err := rows.Scan(&p.ID, &p.FlightID, &p.Origin, &p.Destination, &p.Price, &p.ObservedAt, &p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading price rows: %w", err)
	}
	return prices, nil
}

func (s *SQLStore) CreateAlert(ctx context.Context, alert *storage.Alert) error {
	if alert.Status == "" {
		alert.Status = storage.AlertStatusActive
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(insertAlertQuery, tableAlerts)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		alert.UserContact,
		alert.FlightID,
		alert.Origin,
		alert.Destination,
		alert.DesiredPrice,
		string(alert.Status),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read alert id: %w", err)
	}
	alert.ID = id
	return nil
}

// FindMatchingAlerts locks the active alerts on flightID whose desired price is at least price.
func (s *SQLStore) FindMatchingAlerts(ctx context.Context, flightID string, price decimal.Decimal) ([]storage.Alert, error) {
	query := fmt.Sprintf(findMatchingAlertsQuery, tableAlerts)
	rows, err := s.conn(ctx).QueryContext(ctx, query, flightID, price, string(storage.AlertStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query matching alerts: %w", err)
	}
	defer rows.Close()

	var alerts []storage.Alert
	for rows.Next() {
		var (
			a      storage.Alert
			status string
		)
		if err := rows.Scan(&a.ID, &a.UserContact, &a.FlightID, &a.Origin, &a.Destination, &a.DesiredPrice, &status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.Status = storage.AlertStatus(status)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading alert rows: %w", err)
	}
	return alerts, nil
}

// MarkAlertFired reports false when the alert was no longer active.
func (s *SQLStore) MarkAlertFired(ctx context.Context, alertID int64, firedAt time.Time) (bool, error) {
	query := fmt.Sprintf(markAlertFiredQuery, tableAlerts)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		string(storage.AlertStatusFired),
		firedAt.UTC(),
		alertID,
		string(storage.AlertStatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert %d as fired: %w", alertID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) CreateOutboxEvent(ctx context.Context, event *storage.OutboxRecord) error {
	query := fmt.Sprintf(createQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		event.EventID,
		event.AlertID,
		event.Queue,
		event.Payload,
		nullableJSON(event.Headers),
		storage.StatusNew,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Status = storage.StatusNew
	return nil
}

func (s *SQLStore) FetchNewEvents(ctx context.Context, batchSize int) ([]storage.OutboxRecord, error) {
	query := fmt.Sprintf(fetchNewQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, storage.StatusNew, storage.StatusRetry, time.Now().UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query new events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]storage.OutboxRecord, error) {
	stuckTime := time.Now().UTC().Add(-stuckTimeout)
	query := fmt.Sprintf(fetchStuckQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, storage.StatusProcessing, stuckTime, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) FetchEventsToMoveToDeadLetter(ctx context.Context, batchSize int, maxAttempts int) ([]storage.OutboxRecord, error) {
	query := fmt.Sprintf(fetchDeadLetterQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, storage.StatusError, maxAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for dead-letter: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) MarkAsSent(ctx context.Context, eventID int64) error {
	query := fmt.Sprintf(markAsSentQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusSent, eventID)
	return err
}

func (s *SQLStore) MarkAsProcessing(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(markAsProcessingQuery, tableEvents, placeholders(len(eventIDs)))

	args := make([]interface{}, 0, len(eventIDs)+1)
	args = append(args, storage.StatusProcessing)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := s.conn(ctx).ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) UpdateForRetry(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error {
	query := fmt.Sprintf(updateForRetryQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusRetry, nextAttemptAt.UTC(), lastError, eventID)
	return err
}

func (s *SQLStore) MarkAsError(ctx context.Context, eventID int64, lastError string) error {
	query := fmt.Sprintf(markAsErrorQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusError, lastError, eventID)
	return err
}

// MoveToDeadLetter copies the event and deletes the original. Callers run it
// inside a transaction so both statements commit together.
func (s *SQLStore) MoveToDeadLetter(ctx context.Context, event storage.OutboxRecord) error {
	lastError := event.LastError
	if lastError == "" {
		lastError = "unknown error"
	}

	conn := s.conn(ctx)
	insertQuery := fmt.Sprintf(moveToDeadLetterQuery, tableDeadletters, tableEvents)
	if _, err := conn.ExecContext(ctx, insertQuery, lastError, event.ID); err != nil {
		return fmt.Errorf("failed to insert into dead-letter table: %w", err)
	}

	deleteQuery := fmt.Sprintf(deleteFromEventsQuery, tableEvents)
	if _, err := conn.ExecContext(ctx, deleteQuery, event.ID); err != nil {
		return fmt.Errorf("failed to delete from events table: %w", err)
	}
	return nil
}

func (s *SQLStore) ResetStuckEvents(ctx context.Context, eventIDs []int64, nextAttemptAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(resetStuckQuery, tableEvents, placeholders(len(eventIDs)))

	args := make([]interface{}, 0, len(eventIDs)+2)
	args = append(args, storage.StatusRetry, nextAttemptAt.UTC())
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := s.conn(ctx).ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) DeleteSentEvents(ctx context.Context, retention time.Duration) (int64, error) {
	deleteTime := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deleteSentQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusSent, deleteTime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteDeadLetterEvents(ctx context.Context, retention time.Duration) (int64, error) {
	deleteTime := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deleteDeadLetterQuery, tableDeadletters)
	res, err := s.conn(ctx).ExecContext(ctx, query, deleteTime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) scanEvents(rows *sql.Rows) ([]storage.OutboxRecord, error) {
	var events []storage.OutboxRecord
	for rows.Next() {
		var (
			event     storage.OutboxRecord
			lastError sql.NullString
		)
		if err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.AlertID,
			&event.Queue,
			&event.Payload,
			&event.Headers,
			&event.AttemptCount,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.LastError = lastError.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

func placeholders(n int) string {
	return strings.Repeat("?,", n-1) + "?"
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
