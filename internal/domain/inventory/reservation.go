package inventory

import (
	"errors"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/pkg/keylock"
	"github.com/shopspring/decimal"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrNoLines             = errors.New("reservation needs at least one line")
	ErrMissingOrder        = errors.New("order id is required")
	ErrMissingBuyer        = errors.New("buyer id is required")
	ErrProductHeld         = errors.New("product has active holds")
)

type State string

const (
	StateActive    State = "active"
	StateReleased  State = "released"
	StateCommitted State = "committed"
)

// LineRequest asks for a quantity of one product.
type LineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReserveRequest struct {
	OrderID string        `json:"order_id"`
	BuyerID string        `json:"buyer_id"`
	Lines   []LineRequest `json:"lines"`
}

func (r ReserveRequest) validate() error {
	if r.OrderID == "" {
		return ErrMissingOrder
	}
	if r.BuyerID == "" {
		return ErrMissingBuyer
	}
	if len(r.Lines) == 0 {
		return ErrNoLines
	}
	for _, l := range r.Lines {
		if l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// quantities sums requested units per product; duplicate lines add up.
func (r ReserveRequest) quantities() map[string]int {
	q := make(map[string]int, len(r.Lines))
	for _, l := range r.Lines {
		q[l.ProductID] += l.Quantity
	}
	return q
}

// Line is a reserved quantity with the unit price captured at reservation time.
type Line struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Reservation is a time-limited hold on stock for one order.
type Reservation struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	BuyerID      string          `json:"buyer_id"`
	Lines        []Line          `json:"lines"`
	Total        decimal.Decimal `json:"total"`
	State        State           `json:"state"`
	ReleaseCause string          `json:"release_cause,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (r *Reservation) clone() *Reservation {
	c := *r
	c.Lines = append([]Line(nil), r.Lines...)
	return &c
}

// IsExpired reports whether the hold has lapsed at now.
func (r *Reservation) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Reservation) quantities() map[string]int {
	q := make(map[string]int, len(r.Lines))
	for _, l := range r.Lines {
		q[l.ProductID] += l.Quantity
	}
	return q
}

// ProductIDs returns the distinct products of the reservation in lock order.
func (r *Reservation) ProductIDs() []string {
	ids := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		ids = append(ids, l.ProductID)
	}
	return keylock.SortedUnique(ids)
}

// ProductState is the ledger snapshot of a product: its catalog record plus
// the units currently held by active reservations.
type ProductState struct {
	catalog.Product
	HeldQuantity int `json:"held_quantity"`
}

// Free is the quantity that can still be reserved.
func (s ProductState) Free() int {
	return s.AvailableQuantity - s.HeldQuantity
}
