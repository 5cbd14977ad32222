package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/errs"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RegisterProduct lists a new product for its owner.
func (e *Engine) RegisterProduct(ctx context.Context, p catalog.Product) (*catalog.Product, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Delisted = false
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	unlock := e.locks.Lock(p.ID)
	defer unlock()

	stored, err := e.catalog.Insert(ctx, p)
	if err != nil {
		return nil, err
	}
	entry, err := ledger.NewEntry(ledger.EntityProduct, stored.ID, EventProductRegistered, "owner:"+stored.OwnerID,
		nil, ProductState{Product: stored})
	if err == nil {
		_, err = e.ledger.Record(ctx, entry)
	}
	if err != nil {
		if rmErr := e.catalog.Remove(ctx, stored.ID); rmErr != nil {
			e.log.Error("failed to remove product after aborted registration",
				zap.String("product_id", stored.ID), zap.Error(rmErr))
		}
		return nil, err
	}

	e.log.Info("product registered",
		zap.String("product_id", stored.ID),
		zap.String("owner_id", stored.OwnerID),
		zap.Int("quantity", stored.AvailableQuantity),
	)
	return &stored, nil
}

// Restock adjusts available quantity by delta. Stock may not drop below what
// active reservations hold.
func (e *Engine) Restock(ctx context.Context, productID string, delta int, cause string) (*catalog.Product, error) {
	if delta == 0 {
		return nil, ErrInvalidQuantity
	}
	return e.ownerUpdate(ctx, productID, EventProductRestocked, cause, func(p catalog.Product, held int) (catalog.Product, error) {
		if p.AvailableQuantity+delta < held {
			return p, &errs.StockError{ProductID: productID, Requested: -delta, Available: p.AvailableQuantity - held}
		}
		p.AvailableQuantity += delta
		return p, nil
	})
}

// Reprice changes the listed price. Existing reservations keep the price they captured.
func (e *Engine) Reprice(ctx context.Context, productID string, price decimal.Decimal, cause string) (*catalog.Product, error) {
	if price.IsNegative() {
		return nil, catalog.ErrInvalidPrice
	}
	return e.ownerUpdate(ctx, productID, EventProductRepriced, cause, func(p catalog.Product, _ int) (catalog.Product, error) {
		p.Price = price
		return p, nil
	})
}

// Delist hides a product from new reservations. Refused while units are held.
func (e *Engine) Delist(ctx context.Context, productID, cause string) (*catalog.Product, error) {
	return e.ownerUpdate(ctx, productID, EventProductDelisted, cause, func(p catalog.Product, held int) (catalog.Product, error) {
		if held > 0 {
			return p, fmt.Errorf("%w: %s holds %d units", ErrProductHeld, productID, held)
		}
		p.Delisted = true
		return p, nil
	})
}

func (e *Engine) ownerUpdate(ctx context.Context, productID, kind, cause string, mutate func(catalog.Product, int) (catalog.Product, error)) (*catalog.Product, error) {
	unlock := e.locks.Lock(productID)
	defer unlock()

	held := e.Held(productID)
	prev, next, err := e.swapProduct(ctx, productID, func(p catalog.Product) (catalog.Product, error) {
		if p.Delisted {
			return p, fmt.Errorf("%w: %s", catalog.ErrProductNotFound, productID)
		}
		return mutate(p, held)
	})
	if err != nil {
		if errors.Is(err, errs.ErrReservationConflict) {
			e.log.Warn("owner update gave up after version conflicts", zap.String("product_id", productID))
		}
		return nil, err
	}

	entry, err := ledger.NewEntry(ledger.EntityProduct, productID, kind, cause,
		ProductState{Product: prev, HeldQuantity: held},
		ProductState{Product: next, HeldQuantity: held})
	if err == nil {
		_, err = e.ledger.Record(ctx, entry)
	}
	if err != nil {
		e.restoreProducts(ctx, []catalog.Product{prev})
		return nil, err
	}
	return &next, nil
}
