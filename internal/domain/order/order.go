package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID         string          `json:"product_id"`
	Quantity          int             `json:"quantity"`
	UnitPriceSnapshot decimal.Decimal `json:"unit_price_snapshot"`
}

// Order is a buyer's request for products. TotalAmount is fixed once the
// order is reserved and never recomputed from current catalog prices.
type Order struct {
	ID                   string          `json:"id"`
	BuyerID              string          `json:"buyer_id"`
	Items                []LineItem      `json:"items"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	Status               Status          `json:"status"`
	ReservationID        string          `json:"reservation_id,omitempty"`
	ReservationExpiresAt time.Time       `json:"reservation_expires_at,omitempty"`
	PaymentRef           string          `json:"payment_ref,omitempty"`
	NeedsReconciliation  bool            `json:"needs_reconciliation,omitempty"`
	ReconciliationReason string          `json:"reconciliation_reason,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}
