// Package ledger is the append-only record of every stock, reservation and
// order change. Each entry carries the full entity state before and after the
// change, so replaying entries in order rebuilds the engine's state.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/observability"
	"go.uber.org/zap"
)

type EntityType string

const (
	EntityProduct     EntityType = "Product"
	EntityReservation EntityType = "Reservation"
	EntityOrder       EntityType = "Order"
)

// Entry is an immutable ledger record.
type Entry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Version       int             `json:"version"`
	Kind          string          `json:"kind"`
	PreviousState json.RawMessage `json:"previous_state,omitempty"`
	NewState      json.RawMessage `json:"new_state"`
	Cause         string          `json:"cause,omitempty"`
}

// payload is the event body stored for an entry.
type payload struct {
	PreviousState json.RawMessage `json:"previous_state,omitempty"`
	NewState      json.RawMessage `json:"new_state"`
	Cause         string          `json:"cause,omitempty"`
}

// NewEntry builds an unsaved entry. prev may be nil for a newly created entity.
func NewEntry(entityType EntityType, entityID, kind, cause string, prev, next any) (Entry, error) {
	e := Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Cause:      cause,
	}
	if prev != nil {
		b, err := json.Marshal(prev)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal previous %s state: %w", entityType, err)
		}
		e.PreviousState = b
	}
	b, err := json.Marshal(next)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal new %s state: %w", entityType, err)
	}
	e.NewState = b
	return e, nil
}

// Ledger appends entries through an event store.
type Ledger struct {
	events  store.EventStoreInterface
	log     *zap.Logger
	metrics *observability.Metrics
}

func New(events store.EventStoreInterface, log *zap.Logger, metrics *observability.Metrics) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{events: events, log: log, metrics: metrics}
}

// Record appends a single entry.
func (l *Ledger) Record(ctx context.Context, entry Entry) (Entry, error) {
	out, err := l.RecordBatch(ctx, []Entry{entry})
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

// RecordBatch appends the entries atomically and returns them with their
// assigned id, timestamp and version. On failure nothing was recorded and the
// error matches errs.ErrLedgerWriteFailed.
func (l *Ledger) RecordBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	records := make([]store.Record, len(entries))
	for i, e := range entries {
		records[i] = store.Record{
			AggregateID:   e.EntityID,
			AggregateType: string(e.EntityType),
			EventType:     e.Kind,
			Data:          payload{PreviousState: e.PreviousState, NewState: e.NewState, Cause: e.Cause},
		}
	}

	stored, err := l.events.AppendBatch(ctx, records)
	l.metrics.LedgerWrite(err)
	if err != nil {
		l.log.Error("ledger write failed", zap.Int("entries", len(entries)), zap.Error(err))
		return nil, errs.LedgerWrite(err)
	}

	out := make([]Entry, len(stored))
	for i, ev := range stored {
		out[i] = entries[i]
		out[i].ID = ev.ID
		out[i].Timestamp = ev.Timestamp
		out[i].Version = ev.Version
	}
	return out, nil
}

// Entries returns every entry ordered by timestamp.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	events, err := l.events.GetAllEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	out, err := FromEvents(events)
	if err != nil {
		return nil, err
	}
	// Stores return append order, which already has each entity's versions
	// ascending; a stable sort keeps that order for entries sharing a timestamp.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// History returns the entries of one entity in version order.
func (l *Ledger) History(ctx context.Context, entityID string) ([]Entry, error) {
	events, err := l.events.GetEvents(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("read ledger history for %s: %w", entityID, err)
	}
	out, err := FromEvents(events)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// FromEvent decodes a stored event into an entry.
func FromEvent(ev store.Event) (Entry, error) {
	var p payload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return Entry{}, fmt.Errorf("decode ledger event %s: %w", ev.ID, err)
	}
	return Entry{
		ID:            ev.ID,
		Timestamp:     ev.Timestamp,
		EntityType:    EntityType(ev.AggregateType),
		EntityID:      ev.AggregateID,
		Version:       ev.Version,
		Kind:          ev.EventType,
		PreviousState: p.PreviousState,
		NewState:      p.NewState,
		Cause:         p.Cause,
	}, nil
}

func FromEvents(events []store.Event) ([]Entry, error) {
	out := make([]Entry, 0, len(events))
	for _, ev := range events {
		e, err := FromEvent(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
