package command

import (
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/payment"
	"github.com/shopspring/decimal"
)

// Order Commands
type PlaceOrder struct {
	Lines []inventory.LineRequest `json:"lines"`
}

type CancelOrder struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type Pay struct {
	OrderID string `json:"order_id"`
	Method  string `json:"method"`
}

// ConfirmPayment relays a provider notification for an order.
type ConfirmPayment struct {
	OrderID string         `json:"order_id"`
	Result  payment.Result `json:"result"`
}

type MarkFulfilled struct {
	OrderID string `json:"order_id"`
}

type RequestRefund struct {
	OrderID string `json:"order_id"`
}

type ResolveReconciliation struct {
	OrderID string `json:"order_id"`
	Note    string `json:"note"`
}

// Product Commands
type ListProduct struct {
	ProductID string          `json:"product_id,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type Restock struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

type Reprice struct {
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
}

type Delist struct {
	ProductID string `json:"product_id"`
}
