package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/infrastructure/store/mocks"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testService struct {
	*Service
	engine     *inventory.Engine
	eventStore *mocks.MockEventStore
	clock      *fakeClock
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	eventStore := mocks.NewMockEventStore()
	l := ledger.New(eventStore, nil, nil)
	engine := inventory.NewEngine(catalog.NewMemoryStore(), l, inventory.Options{
		ReservationTTL: 15 * time.Minute,
		Clock:          clock.Now,
	})
	for _, p := range []struct {
		id    string
		qty   int
		price string
	}{
		{"tomatoes", 10, "2.50"},
		{"honey", 3, "8.00"},
	} {
		_, err := engine.RegisterProduct(context.Background(), catalog.Product{
			ID:                p.id,
			OwnerID:           "farmer-1",
			Name:              p.id,
			Price:             decimal.RequireFromString(p.price),
			AvailableQuantity: p.qty,
		})
		require.NoError(t, err)
	}
	svc := NewService(l, engine, Options{PendingTTL: 30 * time.Minute, Clock: clock.Now})
	return &testService{Service: svc, engine: engine, eventStore: eventStore, clock: clock}
}

func items(pairs ...any) []inventory.LineRequest {
	var out []inventory.LineRequest
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, inventory.LineRequest{ProductID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

// ============================================
// Place / Reserve Tests
// ============================================

func TestService_Submit_ReservesAndSnapshotsPrices(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 4, "honey", 1))
	require.NoError(t, err)

	assert.Equal(t, StatusReserved, o.Status)
	assert.NotEmpty(t, o.ReservationID)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("18.00")), "total %s", o.TotalAmount)
	assert.True(t, o.Items[0].UnitPriceSnapshot.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, ts.clock.Now().Add(15*time.Minute), o.ReservationExpiresAt)
	assert.Equal(t, 4, ts.engine.Held("tomatoes"))

	history, err := ts.ledger.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, EventOrderPlaced, history[0].Kind)
	assert.Equal(t, EventOrderReserved, history[1].Kind)
}

func TestService_Submit_InsufficientStockLeavesOrderPending(t *testing.T) {
	ts := newTestService(t)

	o, err := ts.Submit(context.Background(), "buyer-1", items("tomatoes", 1, "honey", 5))
	require.Error(t, err)

	var stockErr *errs.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "honey", stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Available)

	require.NotNil(t, o)
	got, err := ts.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ReservationID)
	assert.Equal(t, 0, ts.engine.Held("tomatoes"))
}

func TestService_Place_Validation(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	_, err := ts.Place(ctx, "", items("tomatoes", 1))
	assert.ErrorIs(t, err, ErrMissingBuyer)

	_, err = ts.Place(ctx, "buyer-1", nil)
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = ts.Place(ctx, "buyer-1", items("tomatoes", 0))
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)
}

func TestService_Reserve_Twice_IsNoop(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 2))
	require.NoError(t, err)

	again, err := ts.Reserve(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ReservationID, again.ReservationID)
	assert.Equal(t, 2, ts.engine.Held("tomatoes"))
}

func TestService_Reserve_OrderLedgerFailureReleasesHold(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Place(ctx, "buyer-1", items("tomatoes", 3))
	require.NoError(t, err)

	// first batch is the engine's hold, second is the order entry
	ts.eventStore.SetAppendErr(errors.New("disk full"), ts.eventStore.CallCount()+2)

	_, err = ts.Reserve(ctx, o.ID)
	require.ErrorIs(t, err, errs.ErrLedgerWriteFailed)

	got, err := ts.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, ts.engine.Held("tomatoes"))
}

func TestService_UnknownOrder(t *testing.T) {
	ts := newTestService(t)

	_, err := ts.Reserve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = ts.Get("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// ============================================
// Cancel / Expire Tests
// ============================================

func TestService_Cancel_ReleasesReservation(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("honey", 3))
	require.NoError(t, err)

	cancelled, err := ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, ts.engine.Held("honey"))

	r, err := ts.engine.Get(o.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StateReleased, r.State)
	assert.Equal(t, ReasonBuyerCancel, r.ReleaseCause)

	// stock is free for another buyer
	_, err = ts.Submit(ctx, "buyer-2", items("honey", 3))
	require.NoError(t, err)
}

func TestService_Cancel_PendingIsAbandoned(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Place(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)

	cancelled, err := ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestService_Cancel_Twice_IsNoop(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	_, err = ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.NoError(t, err)
	calls := ts.eventStore.CallCount()

	again, err := ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, calls, ts.eventStore.CallCount())
}

func TestService_ExpireOverdue(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	early, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 2))
	require.NoError(t, err)
	ts.clock.Advance(10 * time.Minute)
	late, err := ts.Submit(ctx, "buyer-2", items("tomatoes", 3))
	require.NoError(t, err)

	ts.clock.Advance(6 * time.Minute)
	n, err := ts.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := ts.Get(early.ID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = ts.Get(late.ID)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Equal(t, 3, ts.engine.Held("tomatoes"))
}

func TestService_AbandonStale(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	stale, err := ts.Place(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	reserved, err := ts.Submit(ctx, "buyer-2", items("tomatoes", 1))
	require.NoError(t, err)

	ts.clock.Advance(31 * time.Minute)
	n, err := ts.AbandonStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := ts.Get(stale.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	got, _ = ts.Get(reserved.ID)
	assert.Equal(t, StatusReserved, got.Status)
}

func TestService_Cancel_CommittedStockIsRefused(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 4))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, o.ReservationID))

	_, err = ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	_, err = ts.Expire(ctx, o.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
	r, err := ts.engine.Get(o.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StateCommitted, r.State)
	free, err := ts.engine.Available(ctx, "tomatoes")
	require.NoError(t, err)
	assert.Equal(t, 6, free)
}

func TestService_Cancel_LedgerFailureIsRepairedByRetry(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("honey", 2))
	require.NoError(t, err)
	// the release batch goes through, the order record after it fails
	ts.eventStore.SetAppendErr(errors.New("connection reset"), ts.eventStore.CallCount()+2)

	_, err = ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.ErrorIs(t, err, errs.ErrLedgerWriteFailed)

	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
	r, err := ts.engine.Get(o.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StateReleased, r.State)
	assert.Zero(t, ts.engine.Held("honey"))

	cancelled, err := ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Zero(t, ts.engine.Held("honey"))
}

func TestService_ExpireOverdue_RecordsOrderWhoseReleaseWasAlreadyWritten(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 2))
	require.NoError(t, err)
	ts.eventStore.SetAppendErr(errors.New("connection reset"), ts.eventStore.CallCount()+2)
	_, err = ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
	require.Error(t, err)

	ts.clock.Advance(16 * time.Minute)
	n, err := ts.ExpireOverdue(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusExpired, got.Status)
}

// ============================================
// Payment-driven Transitions
// ============================================

func TestService_MarkPaid_AfterCommit(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 4))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, o.ReservationID))

	paid, err := ts.MarkPaid(ctx, o.ID, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "pay_123", paid.PaymentRef)

	again, err := ts.MarkPaid(ctx, o.ID, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, again.Status)

	free, err := ts.engine.Available(ctx, "tomatoes")
	require.NoError(t, err)
	assert.Equal(t, 6, free)
}

func TestService_MarkPaid_ExpiredOrderRejected(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	_, err = ts.Expire(ctx, o.ID)
	require.NoError(t, err)

	_, err = ts.MarkPaid(ctx, o.ID, "pay_late")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestService_MarkPaid_LedgerFailureLeavesOrderReserved(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, o.ReservationID))
	ts.eventStore.SetAppendErr(errors.New("connection reset"), ts.eventStore.CallCount()+1)

	_, err = ts.MarkPaid(ctx, o.ID, "pay_1")
	require.ErrorIs(t, err, errs.ErrLedgerWriteFailed)

	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Empty(t, got.PaymentRef)
}

func TestService_MarkPaid_RequiresCommittedStock(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)

	_, err = ts.MarkPaid(ctx, o.ID, "pay_1")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
}

func TestService_SettlePayment_CommitFailureLeavesOrderReserved(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	calls := ts.eventStore.CallCount()

	_, err = ts.SettlePayment(ctx, o.ID, "pay_1", func(context.Context, string) error {
		return errs.ErrReservationConflict
	})

	require.ErrorIs(t, err, errs.ErrReservationConflict)
	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Empty(t, got.PaymentRef)
	assert.Equal(t, calls, ts.eventStore.CallCount())
}

func TestService_SettlePayment_CancelWaitsForSettlement(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 3))
	require.NoError(t, err)

	cancelErr := make(chan error, 1)
	paid, err := ts.SettlePayment(ctx, o.ID, "pay_1", func(ctx context.Context, reservationID string) error {
		if err := ts.engine.Commit(ctx, reservationID); err != nil {
			return err
		}
		go func() {
			_, err := ts.Cancel(ctx, o.ID, ReasonBuyerCancel)
			cancelErr <- err
		}()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.ErrorIs(t, <-cancelErr, errs.ErrInvalidTransition)
	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusPaid, got.Status)
	free, err := ts.engine.Available(ctx, "tomatoes")
	require.NoError(t, err)
	assert.Equal(t, 7, free)
}

func TestService_SettlePayment_OtherReferenceRejected(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, o.ReservationID))
	_, err = ts.MarkPaid(ctx, o.ID, "pay_1")
	require.NoError(t, err)

	_, err = ts.MarkPaid(ctx, o.ID, "pay_2")

	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	got, _ := ts.Get(o.ID)
	assert.Equal(t, "pay_1", got.PaymentRef)
}

func TestService_FulfillAndRefundFlow(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	first, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, first.ReservationID))
	_, err = ts.MarkPaid(ctx, first.ID, "pay_1")
	require.NoError(t, err)

	fulfilled, err := ts.Fulfill(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, fulfilled.Status)

	_, err = ts.BeginRefund(ctx, first.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	second, err := ts.Submit(ctx, "buyer-2", items("honey", 1))
	require.NoError(t, err)
	require.NoError(t, ts.engine.Commit(ctx, second.ReservationID))
	_, err = ts.MarkPaid(ctx, second.ID, "pay_2")
	require.NoError(t, err)

	refunding, err := ts.BeginRefund(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunding, refunding.Status)

	done, err := ts.CompleteRefund(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
}

// ============================================
// Reconciliation Tests
// ============================================

func TestService_Reconciliation(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)

	flagged, err := ts.FlagReconciliation(ctx, o.ID, "payment status unknown")
	require.NoError(t, err)
	assert.True(t, flagged.NeedsReconciliation)
	assert.Equal(t, StatusReserved, flagged.Status)

	list := ts.ListFlagged()
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)

	resolved, err := ts.ResolveReconciliation(ctx, o.ID, "confirmed with provider")
	require.NoError(t, err)
	assert.False(t, resolved.NeedsReconciliation)
	assert.Empty(t, ts.ListFlagged())
}

func TestService_FlaggedOrderIsNotExpired(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 4))
	require.NoError(t, err)
	_, err = ts.FlagReconciliation(ctx, o.ID, "payment status unknown")
	require.NoError(t, err)
	assert.True(t, ts.engine.Pinned(o.ReservationID))

	ts.clock.Advance(20 * time.Minute)
	n, err := ts.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = ts.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := ts.Get(o.ID)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Equal(t, 4, ts.engine.Held("tomatoes"))

	_, err = ts.ResolveReconciliation(ctx, o.ID, "payment never captured")
	require.NoError(t, err)
	assert.False(t, ts.engine.Pinned(o.ReservationID))

	n, err = ts.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, ts.engine.Held("tomatoes"))
}

func TestService_FlagReconciliation_LedgerFailureDropsPin(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	o, err := ts.Submit(ctx, "buyer-1", items("tomatoes", 1))
	require.NoError(t, err)
	ts.eventStore.SetAppendErr(errors.New("connection reset"), ts.eventStore.CallCount()+1)

	_, err = ts.FlagReconciliation(ctx, o.ID, "payment status unknown")

	require.ErrorIs(t, err, errs.ErrLedgerWriteFailed)
	assert.False(t, ts.engine.Pinned(o.ReservationID))
	got, _ := ts.Get(o.ID)
	assert.False(t, got.NeedsReconciliation)
}

func TestService_Restore_ReplacesOrders(t *testing.T) {
	ts := newTestService(t)
	now := ts.clock.Now()

	ts.Restore([]Order{{ID: "o-1", BuyerID: "b", Status: StatusPaid, TotalAmount: decimal.NewFromInt(3), CreatedAt: now, UpdatedAt: now}})

	got, err := ts.Get("o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}
