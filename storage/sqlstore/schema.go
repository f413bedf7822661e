package sqlstore

import (
	"context"
	"fmt"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id          CHAR(36)       NOT NULL PRIMARY KEY,
		user_id     BIGINT         NOT NULL,
		items       JSON           NOT NULL,
		total_price DECIMAL(10, 2) NOT NULL,
		status      VARCHAR(16)    NOT NULL,
		created_at  TIMESTAMP(6)   NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_orders_user (user_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           CHAR(36)     NOT NULL PRIMARY KEY,
		event_type   VARCHAR(100) NOT NULL,
		payload      JSON         NOT NULL,
		created_at   TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		processed_at TIMESTAMP(6) NULL,
		INDEX idx_outbox_pending (processed_at, created_at),
		INDEX idx_outbox_event_type (event_type)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id          UUID           PRIMARY KEY,
		user_id     BIGINT         NOT NULL,
		items       JSONB          NOT NULL,
		total_price NUMERIC(10, 2) NOT NULL,
		status      VARCHAR(16)    NOT NULL,
		created_at  TIMESTAMPTZ    NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           UUID         PRIMARY KEY,
		event_type   VARCHAR(100) NOT NULL,
		payload      JSONB        NOT NULL,
		created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
		processed_at TIMESTAMPTZ  NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE processed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_type ON outbox_events (event_type)`,
}

// EnsureTables creates the orders and outbox tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	statements := mysqlSchema
	if s.dialect == DialectPostgres {
		statements = postgresSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
