package outbox

import (
	"time"

	"github.com/overtonx/ordersvc/storage"
)

// EventStatus is derived from processed_at; it is not persisted.
type EventStatus int

const (
	EventStatusPending EventStatus = iota
	EventStatusProcessed
)

func (s EventStatus) String() string {
	switch s {
	case EventStatusPending:
		return "pending"
	case EventStatusProcessed:
		return "processed"
	default:
		return "unknown"
	}
}

// Event is the user-facing representation of an outbox event before it is saved.
type Event struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// EventRecord is an outbox row as handed to a Publisher.
type EventRecord struct {
	ID          string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Status reports whether the record still awaits delivery.
func (r EventRecord) Status() EventStatus {
	if r.ProcessedAt == nil {
		return EventStatusPending
	}
	return EventStatusProcessed
}

func recordFromStorage(r storage.EventRecord) EventRecord {
	return EventRecord{
		ID:          r.ID,
		EventType:   r.EventType,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
	}
}
