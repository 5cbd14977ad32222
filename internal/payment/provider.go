// Package payment coordinates an external payment provider with the
// reservation engine and the order state machine.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

var ErrChargeNotFound = errors.New("charge not found")

type ChargeRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Method         string
	IdempotencyKey string
}

type RefundRequest struct {
	OrderID        string
	Reference      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Result is what the provider reports for a charge.
type Result struct {
	OrderID        string  `json:"order_id"`
	Outcome        Outcome `json:"outcome"`
	Reference      string  `json:"reference,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Provider is the external payment collaborator. Calls made again with the
// same idempotency key must not charge or refund twice. Any returned error is
// treated as a transient provider failure.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Status(ctx context.Context, orderID, idempotencyKey string) (Result, error)
	Refund(ctx context.Context, req RefundRequest) error
}
