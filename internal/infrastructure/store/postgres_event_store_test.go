package store_test

import (
	"context"
	"testing"

	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresStore(t *testing.T) *store.PostgresEventStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.ConnectPostgres(ctx, testutil.SetupTestPostgres(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(ctx, db))
	return store.NewPostgresEventStore(db, nil, nil)
}

func TestPostgresEventStore_AppendBatchAndRead(t *testing.T) {
	es := setupPostgresStore(t)
	ctx := context.Background()

	_, err := es.Append(ctx, "prod-1", "Product", "ProductRegistered", map[string]int{"qty": 10})
	require.NoError(t, err)

	events, err := es.AppendBatch(ctx, []store.Record{
		{AggregateID: "prod-1", AggregateType: "Product", EventType: "StockHeld", Data: map[string]int{"held": 4}},
		{AggregateID: "res-1", AggregateType: "Reservation", EventType: "ReservationCreated", Data: map[string]string{"state": "active"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, events[0].Version)
	assert.Equal(t, 1, events[1].Version)

	history, err := es.GetEvents(ctx, "prod-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"held":4}`, string(history[1].Data))

	all, err := es.GetAllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ProductRegistered", all[0].EventType)
	assert.Equal(t, "ReservationCreated", all[2].EventType)
}

func TestPostgresEventStore_FailedBatchWritesNothing(t *testing.T) {
	es := setupPostgresStore(t)
	ctx := context.Background()

	_, err := es.AppendBatch(ctx, []store.Record{
		{AggregateID: "prod-1", AggregateType: "Product", EventType: "StockHeld", Data: 1},
		{AggregateID: "prod-2", AggregateType: "Product", EventType: "StockHeld", Data: make(chan int)},
	})
	require.Error(t, err)

	all, err := es.GetAllEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
