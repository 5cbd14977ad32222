package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockEventStore is a mock implementation of EventStoreInterface for testing
type MockEventStore struct {
	mu     sync.RWMutex
	events map[string][]store.Event
	all    []store.Event

	// For tracking calls in tests
	BatchCalls [][]store.Record
	AppendErr  error
	// FailOnCall makes the n-th batch call (1-based) fail with AppendErr; 0 fails every call.
	FailOnCall     int
	BatchCallback  func(ctx context.Context, records []store.Record) ([]store.Event, error)
	GetAllEventErr error
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		events: make(map[string][]store.Event),
	}
}

// Append stores a single event in memory
func (m *MockEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any) (*store.Event, error) {
	events, err := m.AppendBatch(ctx, []store.Record{{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          data,
	}})
	if err != nil {
		return nil, err
	}
	return &events[0], nil
}

// AppendBatch records the call and stores the events unless a failure is configured
func (m *MockEventStore) AppendBatch(ctx context.Context, records []store.Record) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BatchCalls = append(m.BatchCalls, records)

	if m.BatchCallback != nil {
		return m.BatchCallback(ctx, records)
	}
	if m.AppendErr != nil && (m.FailOnCall == 0 || m.FailOnCall == len(m.BatchCalls)) {
		return nil, m.AppendErr
	}

	ts := time.Now().UTC()
	out := make([]store.Event, 0, len(records))
	for _, r := range records {
		jsonData, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		event := store.Event{
			ID:            uuid.New().String(),
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			Data:          jsonData,
			Timestamp:     ts,
			Version:       len(m.events[r.AggregateID]) + 1,
		}
		m.events[r.AggregateID] = append(m.events[r.AggregateID], event)
		out = append(out, event)
	}
	m.all = append(m.all, out...)
	return out, nil
}

// GetEvents returns events for an aggregate
func (m *MockEventStore) GetEvents(_ context.Context, aggregateID string) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Event(nil), m.events[aggregateID]...), nil
}

// GetAllEvents returns all events in append order
func (m *MockEventStore) GetAllEvents(_ context.Context) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetAllEventErr != nil {
		return nil, m.GetAllEventErr
	}
	return append([]store.Event(nil), m.all...), nil
}

// CallCount returns the number of batch calls seen so far
func (m *MockEventStore) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.BatchCalls)
}

// SetAppendErr configures a failure under the mock lock
func (m *MockEventStore) SetAppendErr(err error, onCall int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
	m.FailOnCall = onCall
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string][]store.Event)
	m.all = nil
	m.BatchCalls = nil
	m.AppendErr = nil
	m.FailOnCall = 0
	m.BatchCallback = nil
	m.GetAllEventErr = nil
}
