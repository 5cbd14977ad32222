package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductExists   = errors.New("product already exists")
	ErrVersionConflict = errors.New("product version conflict")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrInvalidName     = errors.New("name is required")
	ErrInvalidQuantity = errors.New("quantity must not be negative")
	ErrInvalidOwner    = errors.New("owner is required")
)

// Product is a listed item. AvailableQuantity counts units not yet sold;
// units held by active reservations are still included in it.
type Product struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int             `json:"available_quantity"`
	Version           int64           `json:"version"`
	Delisted          bool            `json:"delisted,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (p Product) Validate() error {
	if p.OwnerID == "" {
		return ErrInvalidOwner
	}
	if p.Name == "" {
		return ErrInvalidName
	}
	if p.Price.IsNegative() {
		return ErrInvalidPrice
	}
	if p.AvailableQuantity < 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// Store persists products. Every successful write bumps Version by one, and
// CompareAndSwap only succeeds against the version the caller read.
type Store interface {
	Get(ctx context.Context, id string) (Product, error)
	List(ctx context.Context) ([]Product, error)
	// Insert stores a new product at version 1.
	Insert(ctx context.Context, p Product) (Product, error)
	// CompareAndSwap replaces the product if its stored version equals expectedVersion.
	CompareAndSwap(ctx context.Context, next Product, expectedVersion int64) (Product, error)
	Remove(ctx context.Context, id string) error
	// Restore writes the product exactly as given, version included.
	Restore(ctx context.Context, p Product) error
}
