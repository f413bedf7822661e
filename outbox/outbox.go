package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/overtonx/ordersvc/storage"
)

// ErrEventAlreadyExists is returned when trying to save an event with a duplicate id.
var ErrEventAlreadyExists = storage.ErrEventAlreadyExists

// TxManager runs fn inside a transaction carried by ctx.
// It is satisfied by the avito transaction manager and by memstore.Store.
type TxManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewOutboxEvent creates a new user-facing event to be saved.
func NewOutboxEvent(eventID, eventType string, payload interface{}) (Event, error) {
	event := Event{
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := validateOutboxEvent(event); err != nil {
		return Event{}, err
	}

	return event, nil
}

// SaveEvent appends the event to the outbox table. When ctx carries a
// transaction the row is written inside it, next to the business write.
// It returns the stored record.
func SaveEvent(ctx context.Context, store storage.Store, event Event) (EventRecord, error) {
	if err := validateOutboxEvent(event); err != nil {
		return EventRecord{}, fmt.Errorf("validation failed: %w", err)
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	record := storage.EventRecord{
		ID:        event.EventID,
		EventType: event.EventType,
		Payload:   payloadJSON,
		CreatedAt: createdAt,
	}
	if err := store.CreateEvent(ctx, &record); err != nil {
		if errors.Is(err, storage.ErrEventAlreadyExists) {
			return EventRecord{}, ErrEventAlreadyExists
		}
		return EventRecord{}, err
	}

	return recordFromStorage(record), nil
}

// validateOutboxEvent checks for required fields in an Event.
func validateOutboxEvent(event Event) error {
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	return nil
}
