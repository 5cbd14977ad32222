package projection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = append(p.messages, b)
	p.mu.Unlock()
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type world struct {
	ledger    *ledger.Ledger
	catalog   *catalog.MemoryStore
	engine    *inventory.Engine
	orders    *order.Service
	publisher *recordingPublisher
	clock     *clock
}

func newWorld() *world {
	pub := &recordingPublisher{}
	c := &clock{t: time.Date(2026, 4, 12, 6, 0, 0, 0, time.UTC)}
	l := ledger.New(store.NewEventStore(pub, nil), nil, nil)
	cat := catalog.NewMemoryStore()
	engine := inventory.NewEngine(cat, l, inventory.Options{ReservationTTL: 10 * time.Minute, Clock: c.Now})
	orders := order.NewService(l, engine, order.Options{Clock: c.Now})
	return &world{ledger: l, catalog: cat, engine: engine, orders: orders, publisher: pub, clock: c}
}

// runHistory drives a mix of reservations, commits, releases, expiries and
// owner changes through the live components.
func runHistory(t *testing.T, w *world) {
	t.Helper()
	ctx := context.Background()

	for _, p := range []catalog.Product{
		{ID: "apples", OwnerID: "farmer-1", Name: "Apples 1kg", Price: decimal.RequireFromString("3.10"), AvailableQuantity: 20},
		{ID: "cheese", OwnerID: "farmer-2", Name: "Goat cheese", Price: decimal.RequireFromString("7.75"), AvailableQuantity: 6},
	} {
		_, err := w.engine.RegisterProduct(ctx, p)
		require.NoError(t, err)
	}

	lines := func(pairs ...any) []inventory.LineRequest {
		var out []inventory.LineRequest
		for i := 0; i < len(pairs); i += 2 {
			out = append(out, inventory.LineRequest{ProductID: pairs[i].(string), Quantity: pairs[i+1].(int)})
		}
		return out
	}

	paid, err := w.orders.Submit(ctx, "buyer-1", lines("apples", 5, "cheese", 2))
	require.NoError(t, err)
	require.NoError(t, w.engine.Commit(ctx, paid.ReservationID))
	_, err = w.orders.MarkPaid(ctx, paid.ID, "ch_1")
	require.NoError(t, err)
	_, err = w.orders.Fulfill(ctx, paid.ID)
	require.NoError(t, err)

	cancelled, err := w.orders.Submit(ctx, "buyer-2", lines("cheese", 3))
	require.NoError(t, err)
	_, err = w.orders.Cancel(ctx, cancelled.ID, order.ReasonBuyerCancel)
	require.NoError(t, err)

	_, err = w.engine.Reprice(ctx, "apples", decimal.RequireFromString("3.40"), "season")
	require.NoError(t, err)
	_, err = w.engine.Restock(ctx, "cheese", 4, "delivery")
	require.NoError(t, err)

	expiring, err := w.orders.Submit(ctx, "buyer-3", lines("apples", 2))
	require.NoError(t, err)
	w.clock.Advance(11 * time.Minute)
	_, err = w.orders.ExpireOverdue(ctx)
	require.NoError(t, err)
	got, err := w.orders.Get(expiring.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusExpired, got.Status)

	_, err = w.orders.Submit(ctx, "buyer-4", lines("apples", 1, "cheese", 1))
	require.NoError(t, err)
	_, err = w.orders.Place(ctx, "buyer-5", lines("apples", 30))
	require.NoError(t, err)
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// ============================================
// Replay Tests
// ============================================

func TestRebuild_IsDeterministic(t *testing.T) {
	w := newWorld()
	runHistory(t, w)
	ctx := context.Background()

	first, err := Rebuild(ctx, w.ledger, nil)
	require.NoError(t, err)
	second, err := Rebuild(ctx, w.ledger, nil)
	require.NoError(t, err)

	assert.JSONEq(t, toJSON(t, first), toJSON(t, second))
	assert.Len(t, first.Products, 2)
	assert.Len(t, first.Reservations, 4)
	assert.Len(t, first.Orders, 5)
}

func TestRecover_ReproducesLiveState(t *testing.T) {
	live := newWorld()
	runHistory(t, live)
	ctx := context.Background()

	restored := newWorld()
	restored.clock.t = live.clock.Now()
	require.NoError(t, Recover(ctx, live.ledger, restored.engine, restored.orders, nil))

	liveProducts, err := live.catalog.List(ctx)
	require.NoError(t, err)
	restoredProducts, err := restored.catalog.List(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, toJSON(t, liveProducts), toJSON(t, restoredProducts))

	assert.JSONEq(t, toJSON(t, live.engine.Reservations()), toJSON(t, restored.engine.Reservations()))
	for _, id := range []string{"apples", "cheese"} {
		assert.Equal(t, live.engine.Held(id), restored.engine.Held(id), "held %s", id)
	}

	state, err := Rebuild(ctx, live.ledger, nil)
	require.NoError(t, err)
	for _, o := range state.Orders {
		want, err := live.orders.Get(o.ID)
		require.NoError(t, err)
		got, err := restored.orders.Get(o.ID)
		require.NoError(t, err)
		assert.JSONEq(t, toJSON(t, want), toJSON(t, got))
	}
}

func TestRecover_RestoredEngineKeepsWorking(t *testing.T) {
	live := newWorld()
	runHistory(t, live)
	ctx := context.Background()

	restored := newWorld()
	restored.clock.t = live.clock.Now()
	require.NoError(t, Recover(ctx, live.ledger, restored.engine, restored.orders, nil))

	// apples: 20 - 5 committed - 1 held by buyer-4
	free, err := restored.engine.Available(ctx, "apples")
	require.NoError(t, err)
	assert.Equal(t, 14, free)

	_, err = restored.engine.Reserve(ctx, inventory.ReserveRequest{
		OrderID: "order-x", BuyerID: "buyer-9",
		Lines: []inventory.LineRequest{{ProductID: "apples", Quantity: 15}},
	})
	assert.Error(t, err)
}

func TestRecover_PinsReservationsOfFlaggedOrders(t *testing.T) {
	live := newWorld()
	ctx := context.Background()
	_, err := live.engine.RegisterProduct(ctx, catalog.Product{
		ID: "plums", OwnerID: "farmer-1", Name: "Plums 500g", Price: decimal.RequireFromString("2.20"), AvailableQuantity: 8,
	})
	require.NoError(t, err)
	flagged, err := live.orders.Submit(ctx, "buyer-1", []inventory.LineRequest{{ProductID: "plums", Quantity: 3}})
	require.NoError(t, err)
	_, err = live.orders.FlagReconciliation(ctx, flagged.ID, "payment status unknown")
	require.NoError(t, err)
	plain, err := live.orders.Submit(ctx, "buyer-2", []inventory.LineRequest{{ProductID: "plums", Quantity: 2}})
	require.NoError(t, err)

	restored := newWorld()
	restored.clock.t = live.clock.Now()
	require.NoError(t, Recover(ctx, live.ledger, restored.engine, restored.orders, nil))

	assert.True(t, restored.engine.Pinned(flagged.ReservationID))
	assert.False(t, restored.engine.Pinned(plain.ReservationID))

	restored.clock.Advance(11 * time.Minute)
	n, err := restored.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, restored.engine.Held("plums"))
}

// ============================================
// Stream Tests
// ============================================

func TestProjector_HandleEvent_FollowsStream(t *testing.T) {
	w := newWorld()
	runHistory(t, w)
	ctx := context.Background()

	follower := NewProjector(nil)
	for _, msg := range w.publisher.messages {
		require.NoError(t, follower.HandleEvent(ctx, nil, msg))
	}
	// redelivery is harmless
	for _, msg := range w.publisher.messages {
		require.NoError(t, follower.HandleEvent(ctx, nil, msg))
	}

	want, err := Rebuild(ctx, w.ledger, nil)
	require.NoError(t, err)
	assert.JSONEq(t, toJSON(t, want), toJSON(t, follower.State()))
}

func TestProjector_Apply_IgnoresStaleVersion(t *testing.T) {
	p := NewProjector(nil)

	v2 := ledger.Entry{EntityType: ledger.EntityOrder, EntityID: "o-1", Version: 2, NewState: json.RawMessage(`{"id":"o-1","status":"reserved"}`)}
	v1 := ledger.Entry{EntityType: ledger.EntityOrder, EntityID: "o-1", Version: 1, NewState: json.RawMessage(`{"id":"o-1","status":"pending"}`)}

	applied, err := p.Apply(v2)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = p.Apply(v1)
	require.NoError(t, err)
	assert.False(t, applied)

	require.Len(t, p.State().Orders, 1)
	assert.Equal(t, order.StatusReserved, p.State().Orders[0].Status)
}

func TestProjector_HandleEvent_InvalidJSON(t *testing.T) {
	p := NewProjector(nil)

	err := p.HandleEvent(context.Background(), nil, []byte("not json"))
	assert.Error(t, err)
}

func TestProjector_Apply_UnknownEntityType(t *testing.T) {
	p := NewProjector(nil)

	applied, err := p.Apply(ledger.Entry{EntityType: "Invoice", EntityID: "i-1", Version: 1, NewState: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, applied)
}
