// Package errs holds the error kinds shared by the catalog, reservation,
// order and payment components. Callers match them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrReservationConflict = errors.New("reservation conflict")
	// ErrLedgerWriteFailed is fatal for the operation in progress: the failed write changed no state.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	// ErrPaymentProvider marks provider failures that are safe to retry.
	ErrPaymentProvider        = errors.New("payment provider error")
	ErrReconciliationRequired = errors.New("reconciliation required")
)

// StockError names the first product that could not satisfy a reservation.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// LedgerWrite wraps a storage failure so it matches ErrLedgerWriteFailed
// while keeping the underlying cause.
func LedgerWrite(err error) error {
	if err == nil || errors.Is(err, ErrLedgerWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
}
