package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store and OrderStore for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEvent(ctx context.Context, event *EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) FetchPending(ctx context.Context, batchSize int, eventTypes []string) ([]EventRecord, error) {
	args := m.Called(ctx, batchSize, eventTypes)
	events, _ := args.Get(0).([]EventRecord)
	return events, args.Error(1)
}

func (m *MockStore) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	args := m.Called(ctx, eventID, processedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CountPendingOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CreateOrder(ctx context.Context, order *OrderRecord) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockStore) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	args := m.Called(ctx, id)
	order, _ := args.Get(0).(*OrderRecord)
	return order, args.Error(1)
}

func (m *MockStore) UpdateOrderStatus(ctx context.Context, id string, status string) (*OrderRecord, error) {
	args := m.Called(ctx, id, status)
	order, _ := args.Get(0).(*OrderRecord)
	return order, args.Error(1)
}

func (m *MockStore) ListOrdersByUser(ctx context.Context, userID int64) ([]OrderRecord, error) {
	args := m.Called(ctx, userID)
	orders, _ := args.Get(0).([]OrderRecord)
	return orders, args.Error(1)
}

var (
	_ Store      = (*MockStore)(nil)
	_ OrderStore = (*MockStore)(nil)
)
