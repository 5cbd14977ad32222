// Package projection rebuilds engine state from ledger entries, either by
// replaying the whole ledger at startup or by following the ledger stream.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/ledger"
	"go.uber.org/zap"
)

// State is the full set of entities reconstructed from the ledger.
type State struct {
	Products     []inventory.ProductState
	Reservations []inventory.Reservation
	Orders       []order.Order
}

type Projector struct {
	mu  sync.Mutex
	log *zap.Logger

	versions     map[string]int
	products     map[string]inventory.ProductState
	reservations map[string]inventory.Reservation
	orders       map[string]order.Order
}

func NewProjector(log *zap.Logger) *Projector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{
		log:          log,
		versions:     make(map[string]int),
		products:     make(map[string]inventory.ProductState),
		reservations: make(map[string]inventory.Reservation),
		orders:       make(map[string]order.Order),
	}
}

// HandleEvent applies a ledger event consumed from the ledger stream.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var event store.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}
	entry, err := ledger.FromEvent(event)
	if err != nil {
		return err
	}
	applied, err := p.Apply(entry)
	if err != nil {
		return err
	}
	if !applied {
		p.log.Debug("skipping already applied entry",
			zap.String("entity_id", entry.EntityID),
			zap.Int("version", entry.Version),
		)
	}
	return nil
}

// Apply sets the entity to the entry's new state. Entries at or below the
// last applied version of the entity are ignored, so replay is idempotent.
func (p *Projector) Apply(entry ledger.Entry) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(entry.EntityType) + "/" + entry.EntityID
	if entry.Version <= p.versions[key] {
		return false, nil
	}

	switch entry.EntityType {
	case ledger.EntityProduct:
		var s inventory.ProductState
		if err := json.Unmarshal(entry.NewState, &s); err != nil {
			return false, fmt.Errorf("decode product %s v%d: %w", entry.EntityID, entry.Version, err)
		}
		p.products[entry.EntityID] = s
	case ledger.EntityReservation:
		var r inventory.Reservation
		if err := json.Unmarshal(entry.NewState, &r); err != nil {
			return false, fmt.Errorf("decode reservation %s v%d: %w", entry.EntityID, entry.Version, err)
		}
		p.reservations[entry.EntityID] = r
	case ledger.EntityOrder:
		var o order.Order
		if err := json.Unmarshal(entry.NewState, &o); err != nil {
			return false, fmt.Errorf("decode order %s v%d: %w", entry.EntityID, entry.Version, err)
		}
		p.orders[entry.EntityID] = o
	default:
		p.log.Warn("unknown ledger entity type", zap.String("entity_type", string(entry.EntityType)))
		return false, nil
	}
	p.versions[key] = entry.Version
	return true, nil
}

// State returns a snapshot of everything applied so far, ordered by id.
func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s State
	for _, v := range p.products {
		s.Products = append(s.Products, v)
	}
	for _, v := range p.reservations {
		s.Reservations = append(s.Reservations, v)
	}
	for _, v := range p.orders {
		s.Orders = append(s.Orders, v)
	}
	sort.Slice(s.Products, func(i, j int) bool { return s.Products[i].ID < s.Products[j].ID })
	sort.Slice(s.Reservations, func(i, j int) bool { return s.Reservations[i].ID < s.Reservations[j].ID })
	sort.Slice(s.Orders, func(i, j int) bool { return s.Orders[i].ID < s.Orders[j].ID })
	return s
}

// Rebuild replays every ledger entry from empty state.
func Rebuild(ctx context.Context, l *ledger.Ledger, log *zap.Logger) (State, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read ledger: %w", err)
	}
	p := NewProjector(log)
	for _, e := range entries {
		if _, err := p.Apply(e); err != nil {
			return State{}, err
		}
	}
	s := p.State()
	p.log.Info("ledger replayed",
		zap.Int("entries", len(entries)),
		zap.Int("products", len(s.Products)),
		zap.Int("reservations", len(s.Reservations)),
		zap.Int("orders", len(s.Orders)),
	)
	return s, nil
}

// Recover rebuilds state from the ledger and loads it into the engine and the
// order service. Reservations of orders awaiting reconciliation are pinned again.
func Recover(ctx context.Context, l *ledger.Ledger, engine *inventory.Engine, orders *order.Service, log *zap.Logger) error {
	s, err := Rebuild(ctx, l, log)
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx, s.Products, s.Reservations); err != nil {
		return err
	}
	orders.Restore(s.Orders)
	for _, o := range s.Orders {
		if o.Status != order.StatusReserved || !o.NeedsReconciliation || o.ReservationID == "" {
			continue
		}
		if err := engine.Pin(o.ReservationID); err != nil {
			return fmt.Errorf("pin reservation of flagged order %s: %w", o.ID, err)
		}
	}
	return nil
}
