package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/logging"
	"github.com/example/farmlink-orders/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/example/farmlink-orders/internal/payment"

	reasonStatusUnknown   = "payment status unknown after retries"
	reasonRefundFailed    = "refund failed after retries"
	reasonCommitFailed    = "payment captured but stock commit failed"
	reasonPaidNotRecorded = "stock committed but order not marked paid"
)

// Inventory is the reservation engine operation the coordinator needs.
type Inventory interface {
	Commit(ctx context.Context, reservationID string) error
}

// Orders is the order service surface driven by payment outcomes.
type Orders interface {
	Get(orderID string) (*order.Order, error)
	SettlePayment(ctx context.Context, orderID, paymentRef string, commit func(ctx context.Context, reservationID string) error) (*order.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (*order.Order, error)
	FlagReconciliation(ctx context.Context, orderID, reason string) (*order.Order, error)
	BeginRefund(ctx context.Context, orderID string) (*order.Order, error)
	CompleteRefund(ctx context.Context, orderID string) (*order.Order, error)
}

type Options struct {
	// MaxAttempts bounds every retried provider call, including the first try.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
}

type attempt struct {
	n       int
	settled bool
}

type Coordinator struct {
	provider  Provider
	inventory Inventory
	orders    Orders
	opts      Options
	log       *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewCoordinator(provider Provider, inventory Inventory, orders Orders, opts Options) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	c := &Coordinator{
		provider:  provider,
		inventory: inventory,
		orders:    orders,
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		attempts:  make(map[string]*attempt),
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Pay charges the order's total and settles the result. A retried Pay after
// an ambiguous attempt reuses that attempt's idempotency key.
func (c *Coordinator) Pay(ctx context.Context, orderID, method string) (o *order.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "payment.Pay", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	o, err = c.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusReserved:
	case order.StatusPaid:
		return o, nil
	default:
		return nil, fmt.Errorf("%w: cannot pay order %s in status %s", errs.ErrInvalidTransition, orderID, o.Status)
	}

	key := c.idempotencyKey(orderID)
	span.SetAttributes(attribute.String("payment.idempotency_key", key))
	req := ChargeRequest{OrderID: orderID, Amount: o.TotalAmount, Method: method, IdempotencyKey: key}

	var res Result
	err = c.retry(ctx, "charge", func(callCtx context.Context) error {
		r, err := c.provider.Charge(callCtx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		logging.WithSpan(c.log, span).Warn("charge outcome unknown",
			zap.String("order_id", orderID),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return c.flag(ctx, orderID, reasonStatusUnknown, fmt.Errorf("%w: %w", errs.ErrPaymentProvider, err))
	}
	if res.IdempotencyKey == "" {
		res.IdempotencyKey = key
	}
	return c.ConfirmPayment(ctx, orderID, res)
}

// ConfirmPayment applies a provider result to a reserved order. Stock is
// committed before the order becomes paid; a captured payment whose stock
// cannot be committed is refunded and the order cancelled.
func (c *Coordinator) ConfirmPayment(ctx context.Context, orderID string, res Result) (o *order.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "payment.ConfirmPayment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.outcome", string(res.Outcome)),
	))
	defer func() { endSpan(span, err) }()

	o, err = c.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if res.OrderID == "" {
		res.OrderID = orderID
	}

	switch res.Outcome {
	case OutcomeSucceeded:
		c.markSettled(orderID)
		return c.settle(ctx, o, res)
	case OutcomeFailed:
		c.markSettled(orderID)
		return c.decline(ctx, o, res)
	default:
		return c.awaitOutcome(ctx, o, res)
	}
}

// Refund returns the money for a paid order and cancels it. Stock is not
// returned to the catalog.
func (c *Coordinator) Refund(ctx context.Context, orderID string) (o *order.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "payment.Refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	o, err = c.orders.BeginRefund(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := c.refund(ctx, o.ID, o.PaymentRef, o); err != nil {
		return c.flag(ctx, orderID, reasonRefundFailed, err)
	}
	return c.orders.CompleteRefund(ctx, orderID)
}

func (c *Coordinator) settle(ctx context.Context, o *order.Order, res Result) (*order.Order, error) {
	if o.PaymentRef != "" && o.PaymentRef == res.Reference {
		return o, nil
	}
	if o.Status == order.StatusCancelled || o.Status == order.StatusExpired {
		return c.refundClosed(ctx, o, res)
	}

	committed := false
	paid, err := c.orders.SettlePayment(ctx, o.ID, res.Reference, func(ctx context.Context, reservationID string) error {
		err := c.retryOn(ctx, "commit", errs.ErrReservationConflict, func(callCtx context.Context) error {
			return c.inventory.Commit(callCtx, reservationID)
		})
		committed = err == nil
		return err
	})
	switch {
	case err == nil:
		c.log.Info("payment confirmed",
			zap.String("order_id", o.ID),
			zap.String("reference", res.Reference),
			zap.String("total", paid.TotalAmount.String()),
		)
		return paid, nil
	case committed:
		c.log.Error("stock committed but order not marked paid",
			zap.String("order_id", o.ID),
			zap.String("reference", res.Reference),
			zap.Error(err),
		)
		return c.flag(ctx, o.ID, reasonPaidNotRecorded, err)
	case errors.Is(err, errs.ErrReservationExpired), errors.Is(err, errs.ErrInvalidTransition):
		// the order or its reservation moved on before the commit; decide from the current order
		cur, getErr := c.orders.Get(o.ID)
		if getErr != nil {
			return nil, errors.Join(err, getErr)
		}
		switch cur.Status {
		case order.StatusReserved:
			return c.reverse(ctx, cur, res, err)
		case order.StatusCancelled, order.StatusExpired:
			return c.refundClosed(ctx, cur, res)
		}
		return nil, err
	default:
		return c.flag(ctx, o.ID, reasonCommitFailed, err)
	}
}

// refundClosed returns a payment captured for an order that was already
// cancelled or expired.
func (c *Coordinator) refundClosed(ctx context.Context, o *order.Order, res Result) (*order.Order, error) {
	c.log.Warn("payment captured for closed order, refunding",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("reference", res.Reference),
	)
	if err := c.refund(ctx, o.ID, res.Reference, o); err != nil {
		return c.flag(ctx, o.ID, reasonRefundFailed, err)
	}
	return nil, fmt.Errorf("%w: order %s is %s, payment refunded", errs.ErrInvalidTransition, o.ID, o.Status)
}

// reverse refunds a captured payment whose reservation could not be committed
// and cancels the order.
func (c *Coordinator) reverse(ctx context.Context, o *order.Order, res Result, cause error) (*order.Order, error) {
	c.log.Warn("reservation lapsed before payment confirmation, reversing payment",
		zap.String("order_id", o.ID),
		zap.String("reservation_id", o.ReservationID),
		zap.Error(cause),
	)
	refundErr := c.refund(ctx, o.ID, res.Reference, o)

	cancelled, err := c.orders.Cancel(ctx, o.ID, order.ReasonReservationExpired)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	if refundErr != nil {
		flagged, err := c.flag(ctx, o.ID, reasonRefundFailed, refundErr)
		return flagged, errors.Join(cause, err)
	}
	return cancelled, cause
}

func (c *Coordinator) decline(ctx context.Context, o *order.Order, res Result) (*order.Order, error) {
	switch o.Status {
	case order.StatusReserved:
	case order.StatusCancelled, order.StatusExpired:
		return o, nil
	default:
		return nil, fmt.Errorf("%w: cannot decline payment for order %s in status %s", errs.ErrInvalidTransition, o.ID, o.Status)
	}
	c.log.Info("payment declined",
		zap.String("order_id", o.ID),
		zap.String("reason", res.Reason),
	)
	return c.orders.Cancel(ctx, o.ID, order.ReasonPaymentDeclined)
}

// awaitOutcome polls the provider until the charge settles. An outcome that
// stays unknown leaves the order reserved and flags it.
func (c *Coordinator) awaitOutcome(ctx context.Context, o *order.Order, res Result) (*order.Order, error) {
	if o.Status != order.StatusReserved {
		return nil, fmt.Errorf("%w: order %s is %s", errs.ErrInvalidTransition, o.ID, o.Status)
	}
	key := res.IdempotencyKey
	if key == "" {
		key = c.idempotencyKey(o.ID)
	}

	var settled Result
	err := c.retry(ctx, "status", func(callCtx context.Context) error {
		r, err := c.provider.Status(callCtx, o.ID, key)
		if err != nil {
			return err
		}
		if r.Outcome != OutcomeSucceeded && r.Outcome != OutcomeFailed {
			return fmt.Errorf("charge %s still %s", key, r.Outcome)
		}
		settled = r
		return nil
	})
	if err != nil {
		return c.flag(ctx, o.ID, reasonStatusUnknown, err)
	}
	if settled.IdempotencyKey == "" {
		settled.IdempotencyKey = key
	}
	return c.ConfirmPayment(ctx, o.ID, settled)
}

func (c *Coordinator) refund(ctx context.Context, orderID, reference string, o *order.Order) error {
	req := RefundRequest{
		OrderID:        orderID,
		Reference:      reference,
		Amount:         o.TotalAmount,
		IdempotencyKey: orderID + ":refund:" + reference,
	}
	return c.retry(ctx, "refund", func(callCtx context.Context) error {
		return c.provider.Refund(callCtx, req)
	})
}

// flag marks the order for an operator and returns ErrReconciliationRequired.
func (c *Coordinator) flag(ctx context.Context, orderID, reason string, cause error) (*order.Order, error) {
	flagged, err := c.orders.FlagReconciliation(ctx, orderID, reason)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return flagged, fmt.Errorf("%w: order %s: %s: %w", errs.ErrReconciliationRequired, orderID, reason, cause)
}

// retry runs op with a per-call timeout and bounded exponential backoff.
func (c *Coordinator) retry(ctx context.Context, call string, op func(context.Context) error) error {
	return c.retryOn(ctx, call, nil, op)
}

// retryOn retries only errors matching retryable, or every error when it is nil.
func (c *Coordinator) retryOn(ctx context.Context, call string, retryable error, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	tries := 0
	operation := func() error {
		tries++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			c.metrics.PaymentCall(call, "ok")
			return nil
		}
		c.metrics.PaymentCall(call, "error")
		if retryable != nil && !errors.Is(err, retryable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("payment call failed, retrying",
			zap.String("call", call),
			zap.Int("attempt", tries),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

func (c *Coordinator) idempotencyKey(orderID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[orderID]
	if !ok {
		a = &attempt{}
		c.attempts[orderID] = a
	}
	if a.n == 0 || a.settled {
		a.n++
		a.settled = false
	}
	return fmt.Sprintf("%s:%d", orderID, a.n)
}

func (c *Coordinator) markSettled(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[orderID]; ok {
		a.settled = true
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
