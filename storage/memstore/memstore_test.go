package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/ordersvc/storage"
)

var base = time.Date(2025, 12, 17, 1, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, n int, eventType string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.CreateEvent(context.Background(), &storage.EventRecord{
			ID:        eventType + "-" + string(rune('a'+i)),
			EventType: eventType,
			Payload:   []byte(`{}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	err := s.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.CreateOrder(ctx, &storage.OrderRecord{ID: "o-1", UserID: 1}))
		require.NoError(t, s.CreateEvent(ctx, &storage.EventRecord{ID: "e-1", EventType: "new-order"}))

		_, err := s.GetOrder(ctx, "o-1")
		require.NoError(t, err, "transaction sees its own writes")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetOrder(context.Background(), "o-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, s.Events())
}

func TestStore_CommitPublishesWrites(t *testing.T) {
	s := New()
	err := s.Do(context.Background(), func(ctx context.Context) error {
		if err := s.CreateOrder(ctx, &storage.OrderRecord{ID: "o-1", UserID: 1}); err != nil {
			return err
		}
		return s.CreateEvent(ctx, &storage.EventRecord{ID: "e-1", EventType: "new-order"})
	})
	require.NoError(t, err)

	_, err = s.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	require.Len(t, s.Events(), 1)
	assert.True(t, s.Events()[0].Pending())
}

func TestStore_DuplicateEvent(t *testing.T) {
	s := New()
	seed(t, s, 1, "new-order")
	err := s.CreateEvent(context.Background(), &storage.EventRecord{ID: "new-order-a"})
	assert.ErrorIs(t, err, storage.ErrEventAlreadyExists)
}

func TestStore_FetchPendingSkipsLockedRows(t *testing.T) {
	s := New()
	seed(t, s, 4, "new-order")

	locked := make(chan struct{})
	done := make(chan struct{})
	var first []storage.EventRecord

	go func() {
		_ = s.Do(context.Background(), func(ctx context.Context) error {
			var err error
			first, err = s.FetchPending(ctx, 2, nil)
			close(locked)
			<-done
			return err
		})
	}()

	<-locked
	var second []storage.EventRecord
	err := s.Do(context.Background(), func(ctx context.Context) error {
		var err error
		second, err = s.FetchPending(ctx, 10, nil)
		return err
	})
	close(done)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, "new-order-a", first[0].ID)
	assert.Equal(t, "new-order-c", second[0].ID)
}

func TestStore_FetchPendingFiltersTypesAndOrders(t *testing.T) {
	s := New()
	seed(t, s, 2, "other")
	seed(t, s, 2, "new-order")

	events, err := s.FetchPending(context.Background(), 10, []string{"new-order"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "new-order", e.EventType)
	}
	assert.True(t, events[0].CreatedAt.Before(events[1].CreatedAt))
}

func TestStore_MarkProcessedOnce(t *testing.T) {
	s := New()
	seed(t, s, 1, "new-order")
	ctx := context.Background()

	ok, err := s.MarkProcessed(ctx, "new-order-a", base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkProcessed(ctx, "new-order-a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	events := s.Events()
	require.NotNil(t, events[0].ProcessedAt)
	assert.Equal(t, base, *events[0].ProcessedAt)

	count, err := s.CountPendingOlderThan(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_MarkProcessedRolledBack(t *testing.T) {
	s := New()
	seed(t, s, 1, "new-order")

	_ = s.Do(context.Background(), func(ctx context.Context) error {
		ok, err := s.MarkProcessed(ctx, "new-order-a", base)
		require.NoError(t, err)
		require.True(t, ok)
		return errors.New("publish failed")
	})

	assert.True(t, s.Events()[0].Pending())
}

func TestStore_MarkProcessedRespectsRowLocks(t *testing.T) {
	s := New()
	seed(t, s, 1, "new-order")

	err := s.Do(context.Background(), func(ctx context.Context) error {
		claimed, err := s.FetchPending(ctx, 10, nil)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Marker writes from outside the dispatching transaction.
		ok, err := s.MarkProcessed(context.Background(), "new-order-a", base)
		require.NoError(t, err)
		assert.False(t, ok)

		inner := s.Do(context.Background(), func(other context.Context) error {
			ok, err := s.MarkProcessed(other, "new-order-a", base)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, inner)

		ok, err = s.MarkProcessed(ctx, "new-order-a", base.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	events := s.Events()
	require.NotNil(t, events[0].ProcessedAt)
	assert.Equal(t, base.Add(time.Second), *events[0].ProcessedAt)
}

func TestStore_MarkProcessedLocksRowForTransaction(t *testing.T) {
	s := New()
	seed(t, s, 1, "new-order")

	err := s.Do(context.Background(), func(ctx context.Context) error {
		ok, err := s.MarkProcessed(ctx, "new-order-a", base)
		require.NoError(t, err)
		require.True(t, ok)

		claimed, err := s.FetchPending(context.Background(), 10, nil)
		require.NoError(t, err)
		assert.Empty(t, claimed, "row updated by an open transaction is skipped")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, s.Events()[0].Pending())
}

func TestStore_UpdateAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, &storage.OrderRecord{ID: "old", UserID: 7, CreatedAt: base}))
	require.NoError(t, s.CreateOrder(ctx, &storage.OrderRecord{ID: "new", UserID: 7, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.CreateOrder(ctx, &storage.OrderRecord{ID: "other", UserID: 8, CreatedAt: base}))

	updated, err := s.UpdateOrderStatus(ctx, "old", "PAID")
	require.NoError(t, err)
	assert.Equal(t, "PAID", updated.Status)

	_, err = s.UpdateOrderStatus(ctx, "missing", "PAID")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	orders, err := s.ListOrdersByUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "new", orders[0].ID)
	assert.Equal(t, "PAID", orders[1].Status)
}

func TestStore_FailOn(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	s.FailOn("CreateEvent", boom)
	assert.ErrorIs(t, s.CreateEvent(context.Background(), &storage.EventRecord{ID: "x"}), boom)

	s.FailOn("CreateEvent", nil)
	assert.NoError(t, s.CreateEvent(context.Background(), &storage.EventRecord{ID: "x"}))
}
