package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// SimulatedProvider settles charges in process. A charge succeeds with the
// configured probability; repeated calls with the same key return the first result.
type SimulatedProvider struct {
	mu          sync.Mutex
	random      *rand.Rand
	successRate float64
	charges     map[string]Result
	refunds     map[string]RefundRequest
}

func NewSimulatedProvider(successRate float64, seed int64) *SimulatedProvider {
	return &SimulatedProvider{
		random:      rand.New(rand.NewSource(seed)),
		successRate: successRate,
		charges:     make(map[string]Result),
		refunds:     make(map[string]RefundRequest),
	}
}

func (p *SimulatedProvider) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, ok := p.charges[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := Result{OrderID: req.OrderID, IdempotencyKey: req.IdempotencyKey, Outcome: OutcomeFailed, Reason: "card_declined"}
	if p.random.Float64() < p.successRate {
		res.Outcome = OutcomeSucceeded
		res.Reason = ""
		res.Reference = "sim_" + uuid.New().String()
	}
	p.charges[req.IdempotencyKey] = res
	return res, nil
}

func (p *SimulatedProvider) Status(ctx context.Context, orderID, idempotencyKey string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.charges[idempotencyKey]
	if !ok || res.OrderID != orderID {
		return Result{}, fmt.Errorf("%w: %s", ErrChargeNotFound, idempotencyKey)
	}
	return res, nil
}

func (p *SimulatedProvider) Refund(ctx context.Context, req RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds[req.IdempotencyKey] = req
	return nil
}

// Refunded reports whether a refund was issued for the charge reference.
func (p *SimulatedProvider) Refunded(reference string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.refunds {
		if r.Reference == reference {
			return true
		}
	}
	return false
}
