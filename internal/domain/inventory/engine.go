// Package inventory implements the reservation engine: the only component that
// holds, releases or permanently removes stock.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/example/farmlink-orders/internal/observability"
	"github.com/example/farmlink-orders/internal/pkg/keylock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultReservationTTL = 15 * time.Minute
	DefaultMaxCASAttempts = 5
)

type Options struct {
	ReservationTTL time.Duration
	MaxCASAttempts int
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// Engine tracks holds per product and the reservations that own them.
//
// Lock order: product locks (ascending id) first, then mu. mu is only held
// for map reads and writes, never across I/O.
type Engine struct {
	catalog catalog.Store
	ledger  *ledger.Ledger
	locks   *keylock.Locks
	log     *zap.Logger
	metrics *observability.Metrics
	ttl     time.Duration
	maxCAS  int
	now     func() time.Time

	mu           sync.Mutex
	holds        map[string]int
	reservations map[string]*Reservation
	active       int
	// pinned reservations are skipped by expiry while their order awaits an operator
	pinned map[string]bool
}

func NewEngine(store catalog.Store, l *ledger.Ledger, opts Options) *Engine {
	e := &Engine{
		catalog:      store,
		ledger:       l,
		locks:        keylock.New(),
		log:          opts.Logger,
		metrics:      opts.Metrics,
		ttl:          opts.ReservationTTL,
		maxCAS:       opts.MaxCASAttempts,
		now:          opts.Clock,
		holds:        make(map[string]int),
		reservations: make(map[string]*Reservation),
		pinned:       make(map[string]bool),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.ttl <= 0 {
		e.ttl = DefaultReservationTTL
	}
	if e.maxCAS <= 0 {
		e.maxCAS = DefaultMaxCASAttempts
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Reserve places holds for every line or for none of them.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (_ *Reservation, err error) {
	start := time.Now()
	defer func() { e.metrics.Operation("inventory", "reserve", start, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	wanted := req.quantities()
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}

	unlock := e.locks.Lock(ids...)
	defer unlock()

	states := make(map[string]ProductState, len(wanted))
	for _, line := range req.Lines {
		if _, ok := states[line.ProductID]; ok {
			continue
		}
		st, err := e.productState(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if st.Delisted {
			return nil, fmt.Errorf("%w: %s", catalog.ErrProductNotFound, line.ProductID)
		}
		states[line.ProductID] = st
	}

	checked := make(map[string]bool, len(wanted))
	for _, line := range req.Lines {
		id := line.ProductID
		if checked[id] {
			continue
		}
		checked[id] = true
		if st := states[id]; wanted[id] > st.Free() {
			return nil, &errs.StockError{ProductID: id, Requested: wanted[id], Available: st.Free()}
		}
	}

	now := e.now()
	r := &Reservation{
		ID:        uuid.New().String(),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		State:     StateActive,
		Total:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	for _, line := range req.Lines {
		price := states[line.ProductID].Price
		r.Lines = append(r.Lines, Line{ProductID: line.ProductID, Quantity: line.Quantity, UnitPrice: price})
		r.Total = r.Total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	sort.Strings(ids)
	entries := make([]ledger.Entry, 0, len(ids)+1)
	for _, id := range ids {
		prev := states[id]
		next := prev
		next.HeldQuantity += wanted[id]
		entry, err := ledger.NewEntry(ledger.EntityProduct, id, EventStockHeld, CauseReserve+":"+r.ID, prev, next)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	entry, err := ledger.NewEntry(ledger.EntityReservation, r.ID, EventReservationCreated, CauseReserve, nil, r)
	if err != nil {
		return nil, err
	}
	entries = append(entries, entry)

	if _, err := e.ledger.RecordBatch(ctx, entries); err != nil {
		return nil, err
	}

	e.mu.Lock()
	for id, q := range wanted {
		e.holds[id] += q
	}
	e.reservations[r.ID] = r
	e.active++
	active := e.active
	e.mu.Unlock()
	e.metrics.SetActiveReservations(active)

	e.log.Info("reservation created",
		zap.String("reservation_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.Int("lines", len(r.Lines)),
		zap.Time("expires_at", r.ExpiresAt),
	)
	return r.clone(), nil
}

// Release drops the holds of an active reservation. Releasing a reservation
// that is no longer active is a no-op.
func (e *Engine) Release(ctx context.Context, reservationID, cause string) (err error) {
	start := time.Now()
	defer func() { e.metrics.Operation("inventory", "release", start, err) }()

	r, ok := e.lookup(reservationID)
	if !ok {
		return fmt.Errorf("%w: %w: %s", errs.ErrInvalidTransition, ErrReservationNotFound, reservationID)
	}
	unlock := e.locks.Lock(r.ProductIDs()...)
	defer unlock()
	return e.releaseLocked(ctx, reservationID, cause)
}

// releaseLocked expects the reservation's product locks to be held.
func (e *Engine) releaseLocked(ctx context.Context, reservationID, cause string) error {
	r, _ := e.lookup(reservationID)
	if r.State != StateActive {
		return nil
	}

	qty := r.quantities()
	entries := make([]ledger.Entry, 0, len(qty)+1)
	for _, id := range r.ProductIDs() {
		prev, err := e.productState(ctx, id)
		if err != nil {
			return err
		}
		next := prev
		next.HeldQuantity -= qty[id]
		entry, err := ledger.NewEntry(ledger.EntityProduct, id, EventStockReleased, cause+":"+r.ID, prev, next)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	next := r.clone()
	next.State = StateReleased
	next.ReleaseCause = cause
	next.UpdatedAt = e.now()
	entry, err := ledger.NewEntry(ledger.EntityReservation, r.ID, EventReservationReleased, cause, r, next)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	if _, err := e.ledger.RecordBatch(ctx, entries); err != nil {
		return err
	}

	e.mu.Lock()
	for id, q := range qty {
		e.holds[id] -= q
	}
	e.reservations[r.ID] = next
	delete(e.pinned, r.ID)
	e.active--
	active := e.active
	e.mu.Unlock()
	e.metrics.SetActiveReservations(active)

	e.log.Info("reservation released",
		zap.String("reservation_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.String("cause", cause),
	)
	return nil
}

// Commit turns the holds into a permanent decrement of catalog stock.
// An expired reservation is released on the spot and ErrReservationExpired
// returned, unless it is pinned.
func (e *Engine) Commit(ctx context.Context, reservationID string) (err error) {
	start := time.Now()
	defer func() { e.metrics.Operation("inventory", "commit", start, err) }()

	r, ok := e.lookup(reservationID)
	if !ok {
		return fmt.Errorf("%w: %w: %s", errs.ErrInvalidTransition, ErrReservationNotFound, reservationID)
	}
	unlock := e.locks.Lock(r.ProductIDs()...)
	defer unlock()

	r, _ = e.lookup(reservationID)
	switch r.State {
	case StateCommitted:
		return nil
	case StateReleased:
		return fmt.Errorf("%w: reservation %s was released (%s)", errs.ErrInvalidTransition, r.ID, r.ReleaseCause)
	}
	if r.IsExpired(e.now()) && !e.Pinned(r.ID) {
		if err := e.releaseLocked(ctx, r.ID, CauseExpired); err != nil {
			return err
		}
		return fmt.Errorf("%w: reservation %s expired at %s", errs.ErrReservationExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
	}

	qty := r.quantities()
	ids := r.ProductIDs()
	swapped := make([]catalog.Product, 0, len(ids))
	entries := make([]ledger.Entry, 0, len(ids)+1)
	for _, id := range ids {
		held := e.Held(id)
		prev, next, err := e.swapProduct(ctx, id, func(p catalog.Product) (catalog.Product, error) {
			p.AvailableQuantity -= qty[id]
			if p.AvailableQuantity < 0 {
				return p, &errs.StockError{ProductID: id, Requested: qty[id], Available: p.AvailableQuantity + qty[id]}
			}
			return p, nil
		})
		if err != nil {
			e.restoreProducts(ctx, swapped)
			return err
		}
		swapped = append(swapped, prev)
		entry, err := ledger.NewEntry(ledger.EntityProduct, id, EventStockCommitted, CauseCommit+":"+r.ID,
			ProductState{Product: prev, HeldQuantity: held},
			ProductState{Product: next, HeldQuantity: held - qty[id]})
		if err != nil {
			e.restoreProducts(ctx, swapped)
			return err
		}
		entries = append(entries, entry)
	}
	committed := r.clone()
	committed.State = StateCommitted
	committed.UpdatedAt = e.now()
	entry, err := ledger.NewEntry(ledger.EntityReservation, r.ID, EventReservationCommitted, CauseCommit, r, committed)
	if err != nil {
		e.restoreProducts(ctx, swapped)
		return err
	}
	entries = append(entries, entry)

	if _, err := e.ledger.RecordBatch(ctx, entries); err != nil {
		e.restoreProducts(ctx, swapped)
		return err
	}

	e.mu.Lock()
	for id, q := range qty {
		e.holds[id] -= q
	}
	e.reservations[r.ID] = committed
	delete(e.pinned, r.ID)
	e.active--
	active := e.active
	e.mu.Unlock()
	e.metrics.SetActiveReservations(active)

	e.log.Info("reservation committed",
		zap.String("reservation_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.String("total", r.Total.String()),
	)
	return nil
}

// SweepExpired releases every active, unpinned reservation whose expiry has
// passed and returns how many it released.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()
	e.mu.Lock()
	var due []*Reservation
	for _, r := range e.reservations {
		if r.State == StateActive && r.IsExpired(now) && !e.pinned[r.ID] {
			due = append(due, r.clone())
		}
	}
	e.mu.Unlock()

	released := 0
	var failures []error
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		unlock := e.locks.Lock(r.ProductIDs()...)
		cur, _ := e.lookup(r.ID)
		if cur.State == StateActive && cur.IsExpired(now) && !e.Pinned(r.ID) {
			if err := e.releaseLocked(ctx, r.ID, CauseExpired); err != nil {
				failures = append(failures, fmt.Errorf("release %s: %w", r.ID, err))
			} else {
				released++
			}
		}
		unlock()
	}
	if released > 0 {
		e.log.Info("expired reservations released", zap.Int("count", released))
	}
	return released, errors.Join(failures...)
}

// Pin keeps an active reservation out of expiry until Unpin, an explicit
// Release or a Commit. Pins are not written to the ledger; they follow the
// owning order's reconciliation flag and are re-applied on recovery.
func (e *Engine) Pin(reservationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if r.State != StateActive {
		return nil
	}
	if !e.pinned[reservationID] {
		e.pinned[reservationID] = true
		e.log.Info("reservation pinned", zap.String("reservation_id", reservationID), zap.String("order_id", r.OrderID))
	}
	return nil
}

func (e *Engine) Unpin(reservationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pinned, reservationID)
}

func (e *Engine) Pinned(reservationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned[reservationID]
}

// Get returns a copy of the reservation.
func (e *Engine) Get(reservationID string) (*Reservation, error) {
	r, ok := e.lookup(reservationID)
	if !ok {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

// Held returns the units of a product held by active reservations.
func (e *Engine) Held(productID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds[productID]
}

// Available returns the units of a product that can still be reserved.
func (e *Engine) Available(ctx context.Context, productID string) (int, error) {
	st, err := e.productState(ctx, productID)
	if err != nil {
		return 0, err
	}
	return st.Free(), nil
}

// Product returns the catalog product together with its held units.
func (e *Engine) Product(ctx context.Context, productID string) (ProductState, error) {
	return e.productState(ctx, productID)
}

// Reservations returns copies of all known reservations ordered by creation time.
func (e *Engine) Reservations() []Reservation {
	e.mu.Lock()
	out := make([]Reservation, 0, len(e.reservations))
	for _, r := range e.reservations {
		out = append(out, *r.clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Restore replaces the engine state with replayed ledger state. The catalog
// store is overwritten with the product snapshots.
func (e *Engine) Restore(ctx context.Context, products []ProductState, reservations []Reservation) error {
	holds := make(map[string]int)
	byID := make(map[string]*Reservation, len(reservations))
	active := 0
	for i := range reservations {
		r := reservations[i].clone()
		byID[r.ID] = r
		if r.State != StateActive {
			continue
		}
		active++
		for id, q := range r.quantities() {
			holds[id] += q
		}
	}
	for _, p := range products {
		if p.HeldQuantity != holds[p.ID] {
			return fmt.Errorf("ledger inconsistent for product %s: snapshot holds %d, active reservations hold %d",
				p.ID, p.HeldQuantity, holds[p.ID])
		}
		if err := e.catalog.Restore(ctx, p.Product); err != nil {
			return fmt.Errorf("restore product %s: %w", p.ID, err)
		}
	}

	e.mu.Lock()
	e.holds = holds
	e.reservations = byID
	e.pinned = make(map[string]bool)
	e.active = active
	e.mu.Unlock()
	e.metrics.SetActiveReservations(active)
	return nil
}

func (e *Engine) lookup(reservationID string) (*Reservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reservations[reservationID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

func (e *Engine) productState(ctx context.Context, productID string) (ProductState, error) {
	p, err := e.catalog.Get(ctx, productID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return ProductState{}, fmt.Errorf("%w: %s", catalog.ErrProductNotFound, productID)
	}
	if err != nil {
		return ProductState{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	return ProductState{Product: p, HeldQuantity: e.Held(productID)}, nil
}

// swapProduct applies mutate to the stored product with a version check,
// re-reading and retrying on conflict up to maxCAS times.
func (e *Engine) swapProduct(ctx context.Context, productID string, mutate func(catalog.Product) (catalog.Product, error)) (prev, next catalog.Product, err error) {
	for attempt := 1; attempt <= e.maxCAS; attempt++ {
		cur, err := e.catalog.Get(ctx, productID)
		if err != nil {
			return catalog.Product{}, catalog.Product{}, fmt.Errorf("load product %s: %w", productID, err)
		}
		candidate, err := mutate(cur)
		if err != nil {
			return catalog.Product{}, catalog.Product{}, err
		}
		candidate.UpdatedAt = e.now()
		stored, err := e.catalog.CompareAndSwap(ctx, candidate, cur.Version)
		if err == nil {
			return cur, stored, nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) {
			return catalog.Product{}, catalog.Product{}, fmt.Errorf("update product %s: %w", productID, err)
		}
		e.log.Debug("catalog version conflict",
			zap.String("product_id", productID),
			zap.Int("attempt", attempt),
		)
	}
	return catalog.Product{}, catalog.Product{}, fmt.Errorf("%w: product %s changed concurrently %d times",
		errs.ErrReservationConflict, productID, e.maxCAS)
}

// restoreProducts undoes catalog writes whose ledger entries were never recorded.
func (e *Engine) restoreProducts(ctx context.Context, previous []catalog.Product) {
	for i := len(previous) - 1; i >= 0; i-- {
		if err := e.catalog.Restore(ctx, previous[i]); err != nil {
			e.log.Error("failed to restore catalog product after aborted write",
				zap.String("product_id", previous[i].ID),
				zap.Error(err),
			)
		}
	}
}
