package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq            BIGSERIAL PRIMARY KEY,
	id             UUID NOT NULL UNIQUE,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	data           JSONB NOT NULL,
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events (aggregate_type);
`

// PostgresEventStore stores events in PostgreSQL
type PostgresEventStore struct {
	db        *sql.DB
	publisher Publisher
	log       *zap.Logger
}

func NewPostgresEventStore(db *sql.DB, publisher Publisher, log *zap.Logger) *PostgresEventStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresEventStore{
		db:        db,
		publisher: publisher,
		log:       log,
	}
}

// EnsureSchema creates the ledger table if it does not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, eventsSchema)
	return err
}

// Append stores a single event
func (es *PostgresEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any) (*Event, error) {
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

// AppendBatch stores the records in one transaction and publishes them after commit
func (es *PostgresEventStore) AppendBatch(ctx context.Context, records []Record) (events []Event, err error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := time.Now().UTC()
	next := make(map[string]int, len(records))
	events = make([]Event, 0, len(records))
	for _, r := range records {
		jsonData, mErr := json.Marshal(r.Data)
		if mErr != nil {
			return nil, mErr
		}

		v, ok := next[r.AggregateID]
		if !ok {
			err = tx.QueryRowContext(ctx,
				"SELECT COALESCE(MAX(version), 0) FROM ledger_events WHERE aggregate_id = $1",
				r.AggregateID,
			).Scan(&v)
			if err != nil {
				return nil, err
			}
		}
		v++
		next[r.AggregateID] = v

		event := Event{
			ID:            uuid.New().String(),
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			Data:          jsonData,
			Timestamp:     ts,
			Version:       v,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			event.ID,
			event.AggregateID,
			event.AggregateType,
			event.EventType,
			[]byte(event.Data),
			event.Version,
			event.Timestamp,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				err = fmt.Errorf("%w: %s v%d", ErrVersionConflict, event.AggregateID, event.Version)
			}
			return nil, err
		}
		events = append(events, event)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	publishAll(ctx, es.publisher, es.log, events)
	return events, nil
}

// GetEvents returns all events for an aggregate from PostgreSQL
func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.query(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
		 FROM ledger_events
		 WHERE aggregate_id = $1
		 ORDER BY version ASC`,
		aggregateID,
	)
}

// GetAllEvents returns all events from PostgreSQL in append order
func (es *PostgresEventStore) GetAllEvents(ctx context.Context) ([]Event, error) {
	return es.query(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
		 FROM ledger_events
		 ORDER BY seq ASC`,
	)
}

func (es *PostgresEventStore) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &data, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Data = data
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
