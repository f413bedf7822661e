package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/ordersvc/storage"
)

func TestNewOutboxEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventID   string
		eventType string
		payload   interface{}
		wantErr   string
	}{
		{name: "valid", eventID: "e-1", eventType: "new-order", payload: map[string]string{"order_id": "o-1"}},
		{name: "missing id", eventType: "new-order", payload: 1, wantErr: "event_id is required"},
		{name: "missing type", eventID: "e-1", payload: 1, wantErr: "event_type is required"},
		{name: "missing payload", eventID: "e-1", eventType: "new-order", wantErr: "payload is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NewOutboxEvent(tt.eventID, tt.eventType, tt.payload)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.eventID, event.EventID)
			assert.False(t, event.CreatedAt.IsZero())
		})
	}
}

func TestSaveEvent(t *testing.T) {
	ctx := context.Background()
	event, err := NewOutboxEvent("e-1", "new-order", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("CreateEvent", ctx, mock.MatchedBy(func(r *storage.EventRecord) bool {
			var payload map[string]string
			return r.ID == "e-1" &&
				r.EventType == "new-order" &&
				r.ProcessedAt == nil &&
				json.Unmarshal(r.Payload, &payload) == nil &&
				payload["order_id"] == "o-1"
		})).Return(nil).Once()

		rec, err := SaveEvent(ctx, store, event)
		require.NoError(t, err)
		assert.Equal(t, EventStatusPending, rec.Status())
		assert.JSONEq(t, `{"order_id":"o-1"}`, string(rec.Payload))
		store.AssertExpectations(t)
	})

	t.Run("duplicate", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("CreateEvent", ctx, mock.Anything).Return(storage.ErrEventAlreadyExists).Once()

		_, err := SaveEvent(ctx, store, event)
		assert.ErrorIs(t, err, ErrEventAlreadyExists)
	})

	t.Run("validation", func(t *testing.T) {
		store := new(storage.MockStore)
		_, err := SaveEvent(ctx, store, Event{EventType: "new-order", Payload: 1})
		assert.ErrorContains(t, err, "validation failed")
		store.AssertNotCalled(t, "CreateEvent", mock.Anything, mock.Anything)
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		store := new(storage.MockStore)
		_, err := SaveEvent(ctx, store, Event{EventID: "e", EventType: "t", Payload: make(chan int)})
		assert.ErrorContains(t, err, "failed to marshal payload")
	})
}

func TestEventStatus(t *testing.T) {
	assert.Equal(t, "pending", EventStatusPending.String())
	assert.Equal(t, "processed", EventStatusProcessed.String())
	assert.Equal(t, "unknown", EventStatus(9).String())

	now := t0
	assert.Equal(t, EventStatusProcessed, EventRecord{ProcessedAt: &now}.Status())
}
