package store

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned when another writer claimed the same aggregate version.
	ErrVersionConflict = errors.New("event version conflict")
	ErrEmptyBatch      = errors.New("empty event batch")
)

// Record is one event to append as part of a batch.
type Record struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Data          any
}

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any) (*Event, error)
	// AppendBatch stores all records or none of them.
	AppendBatch(ctx context.Context, records []Record) ([]Event, error)
	GetEvents(ctx context.Context, aggregateID string) ([]Event, error)
	// GetAllEvents returns every event in append order.
	GetAllEvents(ctx context.Context) ([]Event, error)
}

// Publisher fans stored events out to the ledger stream.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}
