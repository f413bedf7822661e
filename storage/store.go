package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEventAlreadyExists is returned when an outbox row with the same id is inserted twice.
	ErrEventAlreadyExists = errors.New("event already exists")
)

// Store defines the operations on the outbox table.
//
// Every method runs inside the transaction carried by ctx when there is one,
// and directly against the database otherwise.
type Store interface {
	// CreateEvent inserts a pending outbox row.
	CreateEvent(ctx context.Context, event *EventRecord) error
	// FetchPending selects up to batchSize pending rows, oldest first, locking them
	// and skipping rows already locked by another transaction.
	// An empty eventTypes slice matches every event type.
	FetchPending(ctx context.Context, batchSize int, eventTypes []string) ([]EventRecord, error)
	// MarkProcessed sets processed_at on a pending row. It reports false when the
	// row was already processed (or does not exist).
	MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error)
	// CountPendingOlderThan counts pending rows created before the given instant.
	CountPendingOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore defines the operations on the orders table.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *OrderRecord) error
	// GetOrder returns ErrNotFound when there is no such order.
	GetOrder(ctx context.Context, id string) (*OrderRecord, error)
	// UpdateOrderStatus returns the updated row, or ErrNotFound.
	UpdateOrderStatus(ctx context.Context, id string, status string) (*OrderRecord, error)
	// ListOrdersByUser returns the user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID int64) ([]OrderRecord, error)
}

// EventRecord is the persisted shape of an outbox row.
// A nil ProcessedAt means the row is still pending.
type EventRecord struct {
	ID          string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Pending reports whether the event has not been delivered yet.
func (r EventRecord) Pending() bool {
	return r.ProcessedAt == nil
}

// OrderRecord is the persisted shape of an order row. Items holds the JSON-encoded item list.
type OrderRecord struct {
	ID         string
	UserID     int64
	Items      []byte
	TotalPrice decimal.Decimal
	Status     string
	CreatedAt  time.Time
}
