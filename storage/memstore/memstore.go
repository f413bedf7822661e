// Package memstore is an in-memory storage backend with transaction semantics
// close enough to InnoDB for tests and local runs: writes are staged per
// transaction, rows selected by FetchPending are locked until commit or rollback,
// and concurrent transactions skip locked rows.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/overtonx/ordersvc/storage"
)

type txKey struct{}

type tx struct {
	events    []storage.EventRecord
	orders    map[string]storage.OrderRecord
	processed map[string]time.Time
	locked    []string
}

// Store keeps orders and outbox rows in memory.
type Store struct {
	mu      sync.Mutex
	events  []storage.EventRecord
	orders  map[string]storage.OrderRecord
	locks   map[string]*tx
	failing map[string]error
}

func New() *Store {
	return &Store{
		orders: make(map[string]storage.OrderRecord),
		locks:  make(map[string]*tx),
	}
}

// FailOn makes the named operation return err until cleared with a nil error.
// Operation names are the method names, e.g. "CreateEvent".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing == nil {
		s.failing = make(map[string]error)
	}
	if err == nil {
		delete(s.failing, op)
		return
	}
	s.failing[op] = err
}

func (s *Store) injected(op string) error {
	return s.failing[op]
}

// Do runs fn in a transaction. Staged writes become visible on success and are
// discarded when fn returns an error or panics. Nested calls join the outer transaction.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	t := &tx{
		orders:    make(map[string]storage.OrderRecord),
		processed: make(map[string]time.Time),
	}
	defer func() {
		if p := recover(); p != nil {
			s.rollback(t)
			panic(p)
		}
		if err != nil {
			s.rollback(t)
			return
		}
		s.commit(t)
	}()

	return fn(context.WithValue(ctx, txKey{}, t))
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, t.events...)
	for id, o := range t.orders {
		s.orders[id] = o
	}
	for id, at := range t.processed {
		for i := range s.events {
			if s.events[i].ID == id && s.events[i].ProcessedAt == nil {
				processedAt := at
				s.events[i].ProcessedAt = &processedAt
			}
		}
	}
	s.release(t)
}

func (s *Store) rollback(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(t)
}

func (s *Store) release(t *tx) {
	for _, id := range t.locked {
		if s.locks[id] == t {
			delete(s.locks, id)
		}
	}
}

func current(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (s *Store) CreateEvent(ctx context.Context, event *storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("CreateEvent"); err != nil {
		return err
	}

	t := current(ctx)
	if s.eventExists(t, event.ID) {
		return storage.ErrEventAlreadyExists
	}

	rec := cloneEvent(*event)
	if t != nil {
		t.events = append(t.events, rec)
		return nil
	}
	s.events = append(s.events, rec)
	return nil
}

func (s *Store) eventExists(t *tx, id string) bool {
	for _, e := range s.events {
		if e.ID == id {
			return true
		}
	}
	if t != nil {
		for _, e := range t.events {
			if e.ID == id {
				return true
			}
		}
	}
	return false
}

func (s *Store) FetchPending(ctx context.Context, batchSize int, eventTypes []string) ([]storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("FetchPending"); err != nil {
		return nil, err
	}

	candidates := make([]storage.EventRecord, 0, len(s.events))
	for _, e := range s.events {
		if e.ProcessedAt != nil {
			continue
		}
		if len(eventTypes) > 0 && !slices.Contains(eventTypes, e.EventType) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := current(ctx)
	var out []storage.EventRecord
	for _, e := range candidates {
		if len(out) >= batchSize {
			break
		}
		if owner, ok := s.locks[e.ID]; ok && owner != t {
			continue
		}
		if t != nil {
			if _, done := t.processed[e.ID]; done {
				continue
			}
			if s.locks[e.ID] != t {
				s.locks[e.ID] = t
				t.locked = append(t.locked, e.ID)
			}
		}
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("MarkProcessed"); err != nil {
		return false, err
	}

	t := current(ctx)
	idx := slices.IndexFunc(s.events, func(e storage.EventRecord) bool { return e.ID == eventID })
	if idx < 0 || s.events[idx].ProcessedAt != nil {
		return false, nil
	}
	// A row locked by another transaction reports no change: by the time the
	// lock is released that transaction has either marked it or rolled back.
	if holder, ok := s.locks[eventID]; ok && holder != t {
		return false, nil
	}
	if t == nil {
		at := processedAt
		s.events[idx].ProcessedAt = &at
		return true, nil
	}
	if _, done := t.processed[eventID]; done {
		return false, nil
	}
	if _, ok := s.locks[eventID]; !ok {
		s.locks[eventID] = t
		t.locked = append(t.locked, eventID)
	}
	t.processed[eventID] = processedAt
	return true, nil
}

func (s *Store) CountPendingOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, e := range s.events {
		if e.ProcessedAt == nil && e.CreatedAt.Before(before) {
			count++
		}
	}
	return count, nil
}

// Events returns a copy of every committed outbox row in insertion order.
func (s *Store) Events() []storage.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.EventRecord, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, cloneEvent(e))
	}
	return out
}

func (s *Store) CreateOrder(ctx context.Context, order *storage.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("CreateOrder"); err != nil {
		return err
	}

	rec := cloneOrder(*order)
	if t := current(ctx); t != nil {
		t.orders[rec.ID] = rec
		return nil
	}
	s.orders[rec.ID] = rec
	return nil
}

func (s *Store) lookupOrder(t *tx, id string) (storage.OrderRecord, bool) {
	if t != nil {
		if o, ok := t.orders[id]; ok {
			return o, true
		}
	}
	o, ok := s.orders[id]
	return o, ok
}

func (s *Store) GetOrder(ctx context.Context, id string) (*storage.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("GetOrder"); err != nil {
		return nil, err
	}

	o, ok := s.lookupOrder(current(ctx), id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := cloneOrder(o)
	return &rec, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status string) (*storage.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("UpdateOrderStatus"); err != nil {
		return nil, err
	}

	t := current(ctx)
	o, ok := s.lookupOrder(t, id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	o.Status = status
	if t != nil {
		t.orders[id] = o
	} else {
		s.orders[id] = o
	}
	rec := cloneOrder(o)
	return &rec, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]storage.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("ListOrdersByUser"); err != nil {
		return nil, err
	}

	seen := make(map[string]storage.OrderRecord)
	for id, o := range s.orders {
		seen[id] = o
	}
	if t := current(ctx); t != nil {
		for id, o := range t.orders {
			seen[id] = o
		}
	}

	var out []storage.OrderRecord
	for _, o := range seen {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func cloneEvent(e storage.EventRecord) storage.EventRecord {
	e.Payload = slices.Clone(e.Payload)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		e.ProcessedAt = &at
	}
	return e
}

func cloneOrder(o storage.OrderRecord) storage.OrderRecord {
	o.Items = slices.Clone(o.Items)
	return o
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.OrderStore = (*Store)(nil)
)
