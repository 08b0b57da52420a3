package sqlstore

import (
	"context"
	"fmt"
)

var schema = []struct {
	table string
	ddl   string
}{
	{tablePrices, `
		CREATE TABLE IF NOT EXISTS archived_prices (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			flight_id   VARCHAR(64)    NOT NULL,
			origin      VARCHAR(16)    NOT NULL,
			destination VARCHAR(16)    NOT NULL,
			price       DECIMAL(12, 2) NOT NULL,
			observed_at TIMESTAMP(6)   NOT NULL,
			received_at TIMESTAMP(6)   NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_flight_observed (flight_id, observed_at),
			INDEX idx_received_at (received_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`},
	{tableAlerts, `
		CREATE TABLE IF NOT EXISTS alerts (
			id            BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_contact  VARCHAR(255)   NOT NULL,
			flight_id     VARCHAR(64)    NOT NULL,
			origin        VARCHAR(16)    NOT NULL,
			destination   VARCHAR(16)    NOT NULL,
			desired_price DECIMAL(12, 2) NOT NULL,
			status        VARCHAR(16)    NOT NULL DEFAULT 'active' COMMENT 'active, fired',
			created_at    TIMESTAMP(6)   NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			fired_at      TIMESTAMP(6)   NULL,
			INDEX idx_flight_status_price (flight_id, status, desired_price)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`},
	{tableEvents, `
		CREATE TABLE IF NOT EXISTS notification_outbox (
			id              BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id        CHAR(36)     NOT NULL UNIQUE,
			alert_id        BIGINT       NOT NULL,
			queue           VARCHAR(255) NOT NULL,
			status          INT          NOT NULL DEFAULT 0 COMMENT '0 - new, 1 - sent, 2 - retry, 3 - error, 4 - processing',
			payload         JSON         NOT NULL,
			headers         JSON         NULL,
			attempt_count   INT          NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP    NULL,
			last_error      TEXT         NULL,
			created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			INDEX idx_status_next_attempt (status, next_attempt_at),
			INDEX idx_alert (alert_id),
			INDEX idx_created_at (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`},
	{tableDeadletters, `
		CREATE TABLE IF NOT EXISTS notification_outbox_deadletters (
			id            BIGINT PRIMARY KEY,
			event_id      CHAR(36)      NOT NULL UNIQUE,
			alert_id      BIGINT        NOT NULL,
			queue         VARCHAR(255)  NOT NULL,
			payload       JSON          NOT NULL,
			headers       JSON          NULL,
			attempt_count INT           NOT NULL,
			last_error    VARCHAR(2000) NULL,
			created_at    TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`},
}

// EnsureTables creates the tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	for _, t := range schema {
		if _, err := s.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.table, err)
		}
	}
	return nil
}
