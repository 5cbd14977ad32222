package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStockError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("reserve: %w", &StockError{ProductID: "tomatoes", Requested: 3, Available: 1})

	assert.ErrorIs(t, err, ErrInsufficientStock)

	var se *StockError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "tomatoes", se.ProductID)
	assert.Contains(t, err.Error(), "requested 3, available 1")
}

func TestLedgerWrite(t *testing.T) {
	cause := errors.New("disk full")

	err := LedgerWrite(cause)

	assert.ErrorIs(t, err, ErrLedgerWriteFailed)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, LedgerWrite(nil))
	assert.Equal(t, err, LedgerWrite(err))
}
