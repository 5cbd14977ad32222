package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event represents a single durable ledger record
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// EventStore keeps events in memory and publishes them after they are stored
type EventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> events
	all       []Event
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewEventStore(publisher Publisher, log *zap.Logger) *EventStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventStore{
		events:    make(map[string][]Event),
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append stores a single event
func (es *EventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any) (*Event, error) {
	events, err := es.AppendBatch(ctx, []Record{{
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

// AppendBatch stores the records atomically under the store lock
func (es *EventStore) AppendBatch(ctx context.Context, records []Record) ([]Event, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	payloads := make([]json.RawMessage, len(records))
	for i, r := range records {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		payloads[i] = b
	}

	es.mu.Lock()
	ts := es.now()
	next := make(map[string]int, len(records))
	stored := make([]Event, len(records))
	for i, r := range records {
		v, ok := next[r.AggregateID]
		if !ok {
			v = len(es.events[r.AggregateID])
		}
		v++
		next[r.AggregateID] = v
		stored[i] = Event{
			ID:            uuid.New().String(),
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			Data:          payloads[i],
			Timestamp:     ts,
			Version:       v,
		}
	}
	for _, e := range stored {
		es.events[e.AggregateID] = append(es.events[e.AggregateID], e)
		es.all = append(es.all, e)
	}
	es.mu.Unlock()

	publishAll(ctx, es.publisher, es.log, stored)
	return stored, nil
}

// GetEvents returns all events for an aggregate
func (es *EventStore) GetEvents(_ context.Context, aggregateID string) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	out := make([]Event, len(es.events[aggregateID]))
	copy(out, es.events[aggregateID])
	return out, nil
}

// GetAllEvents returns all events in append order
func (es *EventStore) GetAllEvents(_ context.Context) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	out := make([]Event, len(es.all))
	copy(out, es.all)
	return out, nil
}

// publishAll pushes durable events to the stream. The events are already
// stored, so a failed publish is logged and not returned.
func publishAll(ctx context.Context, p Publisher, log *zap.Logger, events []Event) {
	if p == nil {
		return
	}
	for _, e := range events {
		if err := p.Publish(ctx, e.AggregateID, e); err != nil {
			log.Warn("failed to publish ledger event",
				zap.String("event_id", e.ID),
				zap.String("aggregate_id", e.AggregateID),
				zap.String("event_type", e.EventType),
				zap.Error(err),
			)
		}
	}
}
