package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/example/farmlink-orders/internal/observability"
	"github.com/example/farmlink-orders/internal/pkg/keylock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrEmptyOrder    = errors.New("order must have at least one item")
	ErrMissingBuyer  = errors.New("buyer id is required")
)

const DefaultPendingTTL = time.Hour

// Reserver is the part of the reservation engine the order service drives.
type Reserver interface {
	Reserve(ctx context.Context, req inventory.ReserveRequest) (*inventory.Reservation, error)
	Release(ctx context.Context, reservationID, cause string) error
	Get(reservationID string) (*inventory.Reservation, error)
	Pin(reservationID string) error
	Unpin(reservationID string)
}

type Options struct {
	// PendingTTL is how long an order may stay pending before AbandonStale cancels it.
	PendingTTL time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Service owns order state. Every change is written to the ledger before the
// in-memory order is replaced.
type Service struct {
	ledger     *ledger.Ledger
	reserver   Reserver
	locks      *keylock.Locks
	log        *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	pendingTTL time.Duration

	mu     sync.RWMutex
	orders map[string]*Order
}

func NewService(l *ledger.Ledger, reserver Reserver, opts Options) *Service {
	s := &Service{
		ledger:     l,
		reserver:   reserver,
		locks:      keylock.New(),
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Clock,
		pendingTTL: opts.PendingTTL,
		orders:     make(map[string]*Order),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.pendingTTL <= 0 {
		s.pendingTTL = DefaultPendingTTL
	}
	return s
}

// Place records a new pending order.
func (s *Service) Place(ctx context.Context, buyerID string, lines []inventory.LineRequest) (*Order, error) {
	if buyerID == "" {
		return nil, ErrMissingBuyer
	}
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	items := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, inventory.ErrInvalidQuantity
		}
		items = append(items, LineItem{ProductID: l.ProductID, Quantity: l.Quantity, UnitPriceSnapshot: decimal.Zero})
	}

	now := s.now()
	o := &Order{
		ID:          uuid.New().String(),
		BuyerID:     buyerID,
		Items:       items,
		TotalAmount: decimal.Zero,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.record(ctx, EventOrderPlaced, "", nil, o); err != nil {
		return nil, err
	}
	s.put(o)

	s.log.Info("order placed", zap.String("order_id", o.ID), zap.String("buyer_id", buyerID), zap.Int("items", len(items)))
	return o.clone(), nil
}

// Reserve asks the engine to hold stock for a pending order. If the engine
// refuses, the order stays pending and the engine's error is returned.
func (s *Service) Reserve(ctx context.Context, orderID string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	to, err := Transition(cur.Status, TriggerReserve)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	if to == cur.Status {
		return cur, nil
	}

	lines := make([]inventory.LineRequest, 0, len(cur.Items))
	for _, it := range cur.Items {
		lines = append(lines, inventory.LineRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	res, err := s.reserver.Reserve(ctx, inventory.ReserveRequest{OrderID: cur.ID, BuyerID: cur.BuyerID, Lines: lines})
	if err != nil {
		s.log.Info("reservation refused", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	next := cur.clone()
	next.Status = to
	next.ReservationID = res.ID
	next.ReservationExpiresAt = res.ExpiresAt
	next.TotalAmount = res.Total
	for i := range next.Items {
		next.Items[i].UnitPriceSnapshot = res.Lines[i].UnitPrice
	}
	next.UpdatedAt = s.now()

	if err := s.record(ctx, EventOrderReserved, inventory.CauseReserve, cur, next); err != nil {
		if relErr := s.reserver.Release(ctx, res.ID, "order_write_failed"); relErr != nil {
			s.log.Error("failed to release reservation of unrecorded order",
				zap.String("order_id", orderID), zap.String("reservation_id", res.ID), zap.Error(relErr))
		}
		return nil, err
	}
	s.commitState(cur, next)
	return next.clone(), nil
}

// Submit places an order and immediately reserves it. On a refused
// reservation the pending order is returned together with the error.
func (s *Service) Submit(ctx context.Context, buyerID string, lines []inventory.LineRequest) (*Order, error) {
	o, err := s.Place(ctx, buyerID, lines)
	if err != nil {
		return nil, err
	}
	reserved, err := s.Reserve(ctx, o.ID)
	if err != nil {
		return o, err
	}
	return reserved, nil
}

// Cancel cancels a reserved order, releasing its stock, or abandons a pending one.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	trigger := TriggerCancel
	if cur.Status == StatusPending {
		trigger = TriggerAbandon
	}
	return s.transitionLocked(ctx, cur, trigger, reason, s.releaseEffect(ctx, reason))
}

// Expire moves a reserved order to expired and releases its stock.
func (s *Service) Expire(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, TriggerExpire, inventory.CauseExpired, s.releaseEffect(ctx, inventory.CauseExpired))
}

// SettlePayment commits the order's stock through commit and marks the order
// paid while holding the order lock, so no cancel or expiry can land between
// the two. Settling a paid order again with the same reference is a no-op.
func (s *Service) SettlePayment(ctx context.Context, orderID, paymentRef string, commit func(ctx context.Context, reservationID string) error) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusPaid {
		if cur.PaymentRef == paymentRef {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: order %s already paid with %s", errs.ErrInvalidTransition, orderID, cur.PaymentRef)
	}
	return s.transitionLocked(ctx, cur, TriggerPay, "payment:"+paymentRef, func(cur, next *Order) error {
		if err := commit(ctx, cur.ReservationID); err != nil {
			return err
		}
		next.PaymentRef = paymentRef
		return nil
	})
}

// MarkPaid records a captured payment whose stock was committed separately.
func (s *Service) MarkPaid(ctx context.Context, orderID, paymentRef string) (*Order, error) {
	return s.SettlePayment(ctx, orderID, paymentRef, func(_ context.Context, reservationID string) error {
		r, err := s.reserver.Get(reservationID)
		if err != nil {
			return err
		}
		if r.State != inventory.StateCommitted {
			return fmt.Errorf("%w: reservation %s is %s, not committed", errs.ErrInvalidTransition, reservationID, r.State)
		}
		return nil
	})
}

func (s *Service) Fulfill(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, TriggerFulfill, "delivered", nil)
}

func (s *Service) BeginRefund(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, TriggerRefund, "refund_requested", nil)
}

func (s *Service) CompleteRefund(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, TriggerRefundComplete, ReasonRefunded, nil)
}

// FlagReconciliation marks an order whose payment outcome needs an operator.
// The status is left as is.
func (s *Service) FlagReconciliation(ctx context.Context, orderID, reason string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	if cur.NeedsReconciliation && cur.ReconciliationReason == reason {
		return cur, nil
	}
	// an unsettled payment may still capture, so its holds must outlive expiry
	pin := cur.Status == StatusReserved && cur.ReservationID != "" && !cur.NeedsReconciliation
	if pin {
		if err := s.reserver.Pin(cur.ReservationID); err != nil {
			return nil, err
		}
	}
	next := cur.clone()
	next.NeedsReconciliation = true
	next.ReconciliationReason = reason
	next.UpdatedAt = s.now()
	if err := s.record(ctx, EventOrderReconciliationFlagged, reason, cur, next); err != nil {
		if pin {
			s.reserver.Unpin(cur.ReservationID)
		}
		return nil, err
	}
	s.put(next)
	s.metrics.ReconciliationFlagged()

	s.log.Warn("order flagged for reconciliation",
		zap.String("order_id", orderID),
		zap.String("status", string(next.Status)),
		zap.String("reason", reason),
	)
	return next.clone(), nil
}

// ResolveReconciliation clears the reconciliation flag after operator review.
// The order's reservation becomes subject to expiry again.
func (s *Service) ResolveReconciliation(ctx context.Context, orderID, note string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	if !cur.NeedsReconciliation {
		return cur, nil
	}
	next := cur.clone()
	next.NeedsReconciliation = false
	next.ReconciliationReason = ""
	next.UpdatedAt = s.now()
	if err := s.record(ctx, EventOrderReconciliationResolved, note, cur, next); err != nil {
		return nil, err
	}
	if cur.ReservationID != "" {
		s.reserver.Unpin(cur.ReservationID)
	}
	s.put(next)
	return next.clone(), nil
}

// Get returns a copy of the order.
func (s *Service) Get(orderID string) (*Order, error) {
	return s.load(orderID)
}

// ListFlagged returns orders awaiting reconciliation, oldest first.
func (s *Service) ListFlagged() []Order {
	return s.filter(func(o *Order) bool { return o.NeedsReconciliation })
}

// ExpireOverdue expires reserved orders whose reservation has lapsed. Orders
// awaiting reconciliation are left for the operator.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	due := s.filter(func(o *Order) bool {
		return o.Status == StatusReserved && !o.NeedsReconciliation && !now.Before(o.ReservationExpiresAt)
	})
	return s.sweep(ctx, due, func(o Order) error {
		_, err := s.Expire(ctx, o.ID)
		return err
	})
}

// AbandonStale cancels orders left pending longer than the pending TTL.
func (s *Service) AbandonStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTTL)
	due := s.filter(func(o *Order) bool {
		return o.Status == StatusPending && !o.CreatedAt.After(cutoff)
	})
	return s.sweep(ctx, due, func(o Order) error {
		_, err := s.Cancel(ctx, o.ID, ReasonStalePending)
		return err
	})
}

// Restore replaces all orders with replayed ledger state.
func (s *Service) Restore(orders []Order) {
	byID := make(map[string]*Order, len(orders))
	for i := range orders {
		byID[orders[i].ID] = orders[i].clone()
	}
	s.mu.Lock()
	s.orders = byID
	s.mu.Unlock()
}

func (s *Service) sweep(ctx context.Context, due []Order, fn func(Order) error) (int, error) {
	n := 0
	var failures []error
	for _, o := range due {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if err := fn(o); err != nil {
			// raced with a buyer action; the order already left the swept status
			if errors.Is(err, errs.ErrInvalidTransition) {
				continue
			}
			failures = append(failures, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(failures...)
}

// releaseEffect drops the order's holds. The engine treats a second release
// of the same reservation as a no-op. Committed stock is never released here:
// it belongs to a captured payment and leaves only through a refund.
func (s *Service) releaseEffect(ctx context.Context, cause string) func(cur, next *Order) error {
	return func(cur, _ *Order) error {
		if cur.ReservationID == "" {
			return nil
		}
		if r, err := s.reserver.Get(cur.ReservationID); err == nil && r.State == inventory.StateCommitted {
			return fmt.Errorf("%w: order %s has committed stock", errs.ErrInvalidTransition, cur.ID)
		}
		return s.reserver.Release(ctx, cur.ReservationID, cause)
	}
}

func (s *Service) transition(ctx context.Context, orderID string, trigger Trigger, cause string, effect func(cur, next *Order) error) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.load(orderID)
	if err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, cur, trigger, cause, effect)
}

// transitionLocked applies trigger to cur. effect runs before the ledger write
// and may adjust next; an effect error leaves the order unchanged. A ledger
// failure after a successful effect leaves the order in its old status with the
// effect applied: a released reservation is repaired by retrying the cancel or
// by the expiry sweep, committed stock by the payment coordinator flagging the
// order.
func (s *Service) transitionLocked(ctx context.Context, cur *Order, trigger Trigger, cause string, effect func(cur, next *Order) error) (*Order, error) {
	to, err := Transition(cur.Status, trigger)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", cur.ID, err)
	}
	if to == cur.Status {
		return cur, nil
	}

	next := cur.clone()
	next.Status = to
	next.UpdatedAt = s.now()
	if effect != nil {
		if err := effect(cur, next); err != nil {
			return nil, err
		}
	}
	if err := s.record(ctx, statusEvents[to], cause, cur, next); err != nil {
		return nil, err
	}
	s.commitState(cur, next)
	return next.clone(), nil
}

func (s *Service) commitState(cur, next *Order) {
	s.put(next)
	s.metrics.OrderTransition(string(cur.Status), string(next.Status))
	s.log.Info("order transitioned",
		zap.String("order_id", next.ID),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(next.Status)),
	)
}

func (s *Service) record(ctx context.Context, kind, cause string, prev, next *Order) error {
	var before any
	next.Version = 1
	if prev != nil {
		before = prev
		next.Version = prev.Version + 1
	}
	entry, err := ledger.NewEntry(ledger.EntityOrder, next.ID, kind, cause, before, next)
	if err != nil {
		return err
	}
	_, err = s.ledger.Record(ctx, entry)
	return err
}

func (s *Service) load(orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o.clone(), nil
}

func (s *Service) put(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.clone()
}

func (s *Service) filter(keep func(*Order) bool) []Order {
	s.mu.RLock()
	var out []Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, *o.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
