package order

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventTypeNewOrder tags the outbox event written for every created order.
const EventTypeNewOrder = "new-order"

// NewOrderEvent is the payload of a new-order event, both in the outbox row
// and on the wire.
type NewOrderEvent struct {
	Event   string `json:"event"`
	OrderID string `json:"order_id"`
	UserID  int64  `json:"user_id"`
	EventID string `json:"event_id,omitempty"`
}

// ParseNewOrderEvent decodes and validates a new-order payload.
func ParseNewOrderEvent(data []byte) (NewOrderEvent, error) {
	var ev NewOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return NewOrderEvent{}, fmt.Errorf("decode new-order event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return NewOrderEvent{}, err
	}
	return ev, nil
}

func (e NewOrderEvent) Validate() error {
	if e.Event != EventTypeNewOrder {
		return fmt.Errorf("unexpected event %q", e.Event)
	}
	if _, err := uuid.Parse(e.OrderID); err != nil {
		return fmt.Errorf("invalid order_id: %w", err)
	}
	if e.UserID <= 0 {
		return errors.New("invalid user_id")
	}
	if e.EventID != "" {
		if _, err := uuid.Parse(e.EventID); err != nil {
			return fmt.Errorf("invalid event_id: %w", err)
		}
	}
	return nil
}

// DedupKey identifies the event for consumer-side dedup. Payloads without an
// event id fall back to the order id.
func (e NewOrderEvent) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.OrderID
}
