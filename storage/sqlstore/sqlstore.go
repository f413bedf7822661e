package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/storage"
)

// Dialect selects placeholder style, DDL and driver error codes.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
)

const (
	tableEvents = "outbox_events"
	tableOrders = "orders"
)

const defaultQueryTimeout = 5 * time.Second

const (
	mysqlDuplicateEntry   = 1062
	postgresUniqueViolate = "23505"
)

// SQL queries. Placeholders are written as "?" and rebound for PostgreSQL.
const (
	createEventQuery = `
		INSERT INTO %s (id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`

	fetchPendingQuery = `
		SELECT id, event_type, payload, created_at
		FROM %s
		WHERE processed_at IS NULL%s
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	markProcessedQuery = `UPDATE %s SET processed_at = ? WHERE id = ? AND processed_at IS NULL`

	countPendingQuery = `SELECT COUNT(*) FROM %s WHERE processed_at IS NULL AND created_at < ?`

	createOrderQuery = `
		INSERT INTO %s (id, user_id, items, total_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	getOrderQuery = `
		SELECT id, user_id, items, total_price, status, created_at
		FROM %s
		WHERE id = ?`

	updateOrderStatusQuery = `UPDATE %s SET status = ? WHERE id = ?`

	listOrdersByUserQuery = `
		SELECT id, user_id, items, total_price, status, created_at
		FROM %s
		WHERE user_id = ?
		ORDER BY created_at DESC`
)

// SQLStore implements storage.Store and storage.OrderStore on database/sql.
// Statements join the transaction stored in the context by the transaction manager.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	getter       *trmsql.CtxGetter
	logger       *zap.Logger
	queryTimeout time.Duration
}

type Option func(*SQLStore)

// WithQueryTimeout bounds every statement, including reading its rows.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(s *SQLStore) {
		s.queryTimeout = timeout
	}
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger, opts ...Option) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{
		db:           db,
		dialect:      dialect,
		getter:       trmsql.DefaultCtxGetter,
		logger:       logger,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *SQLStore) query(format string, args ...any) string {
	return s.rebind(fmt.Sprintf(format, args...))
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateEvent(ctx context.Context, event *storage.EventRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.conn(ctx).ExecContext(ctx, s.query(createEventQuery, tableEvents),
		event.ID,
		event.EventType,
		string(event.Payload),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchPending(ctx context.Context, batchSize int, eventTypes []string) ([]storage.EventRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]any, 0, len(eventTypes)+1)
	typeFilter := ""
	if len(eventTypes) > 0 {
		typeFilter = " AND event_type IN (" + strings.Repeat("?,", len(eventTypes)-1) + "?)"
		for _, t := range eventTypes {
			args = append(args, t)
		}
	}
	args = append(args, batchSize)

	rows, err := s.conn(ctx).QueryContext(ctx, s.query(fetchPendingQuery, tableEvents, typeFilter), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []storage.EventRecord
	for rows.Next() {
		var event storage.EventRecord
		if err := rows.Scan(&event.ID, &event.EventType, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.conn(ctx).ExecContext(ctx, s.query(markProcessedQuery, tableEvents), processedAt.UTC(), eventID)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) CountPendingOlderThan(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64
	err := s.conn(ctx).QueryRowContext(ctx, s.query(countPendingQuery, tableEvents), before.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CreateOrder(ctx context.Context, order *storage.OrderRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.conn(ctx).ExecContext(ctx, s.query(createOrderQuery, tableOrders),
		order.ID,
		order.UserID,
		string(order.Items),
		order.TotalPrice,
		order.Status,
		order.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id string) (*storage.OrderRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.conn(ctx).QueryRowContext(ctx, s.query(getOrderQuery, tableOrders), id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (s *SQLStore) UpdateOrderStatus(ctx context.Context, id string, status string) (*storage.OrderRecord, error) {
	// MySQL reports zero affected rows when the value is unchanged, so existence
	// is decided by the read that follows.
	execCtx, cancel := s.withTimeout(ctx)
	_, err := s.conn(execCtx).ExecContext(execCtx, s.query(updateOrderStatusQuery, tableOrders), status, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	return s.GetOrder(ctx, id)
}

func (s *SQLStore) ListOrdersByUser(ctx context.Context, userID int64) ([]storage.OrderRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn(ctx).QueryContext(ctx, s.query(listOrdersByUserQuery, tableOrders), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []storage.OrderRecord
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading order rows: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*storage.OrderRecord, error) {
	var order storage.OrderRecord
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Items,
		&order.TotalPrice,
		&order.Status,
		&order.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &order, nil
}

// isDuplicate converts driver specific unique violations.
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolate
	}
	return false
}

var (
	_ storage.Store      = (*SQLStore)(nil)
	_ storage.OrderStore = (*SQLStore)(nil)
)
