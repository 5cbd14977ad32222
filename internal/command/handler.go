package command

import (
	"context"
	"fmt"

	"github.com/example/farmlink-orders/internal/auth"
	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/payment"
	"go.uber.org/zap"
)

// Handler is the entry point for every state-changing operation. The caller's
// principal is read from the context.
type Handler struct {
	engine   *inventory.Engine
	orders   *order.Service
	payments *payment.Coordinator
	log      *zap.Logger
}

func NewHandler(engine *inventory.Engine, orders *order.Service, payments *payment.Coordinator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, orders: orders, payments: payments, log: log}
}

// PlaceOrder creates an order for the calling buyer and reserves its stock.
// When stock is short the pending order is returned along with the error.
func (h *Handler) PlaceOrder(ctx context.Context, cmd PlaceOrder) (*order.Order, error) {
	p, err := h.principal(ctx, auth.RoleBuyer)
	if err != nil {
		return nil, err
	}
	return h.orders.Submit(ctx, p.UserID, cmd.Lines)
}

// CancelOrder cancels a buyer's own order, or any order for an operator.
func (h *Handler) CancelOrder(ctx context.Context, cmd CancelOrder) (*order.Order, error) {
	if _, err := h.ownOrder(ctx, cmd.OrderID, auth.RoleBuyer, auth.RoleOperator); err != nil {
		return nil, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = order.ReasonBuyerCancel
	}
	return h.orders.Cancel(ctx, cmd.OrderID, reason)
}

func (h *Handler) Pay(ctx context.Context, cmd Pay) (*order.Order, error) {
	if _, err := h.ownOrder(ctx, cmd.OrderID, auth.RoleBuyer); err != nil {
		return nil, err
	}
	return h.payments.Pay(ctx, cmd.OrderID, cmd.Method)
}

// ConfirmPayment applies a provider result relayed by an operator integration.
func (h *Handler) ConfirmPayment(ctx context.Context, cmd ConfirmPayment) (*order.Order, error) {
	if _, err := h.principal(ctx, auth.RoleOperator); err != nil {
		return nil, err
	}
	return h.payments.ConfirmPayment(ctx, cmd.OrderID, cmd.Result)
}

// MarkFulfilled records delivery of a paid order.
func (h *Handler) MarkFulfilled(ctx context.Context, cmd MarkFulfilled) (*order.Order, error) {
	if _, err := h.principal(ctx, auth.RoleDriver, auth.RoleOperator); err != nil {
		return nil, err
	}
	return h.orders.Fulfill(ctx, cmd.OrderID)
}

func (h *Handler) RequestRefund(ctx context.Context, cmd RequestRefund) (*order.Order, error) {
	if _, err := h.ownOrder(ctx, cmd.OrderID, auth.RoleBuyer, auth.RoleOperator); err != nil {
		return nil, err
	}
	return h.payments.Refund(ctx, cmd.OrderID)
}

func (h *Handler) ResolveReconciliation(ctx context.Context, cmd ResolveReconciliation) (*order.Order, error) {
	p, err := h.principal(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	note := cmd.Note
	if note == "" {
		note = "resolved by " + p.UserID
	}
	return h.orders.ResolveReconciliation(ctx, cmd.OrderID, note)
}

// ListProduct registers a product owned by the calling farmer.
func (h *Handler) ListProduct(ctx context.Context, cmd ListProduct) (*catalog.Product, error) {
	p, err := h.principal(ctx, auth.RoleFarmer)
	if err != nil {
		return nil, err
	}
	return h.engine.RegisterProduct(ctx, catalog.Product{
		ID:                cmd.ProductID,
		OwnerID:           p.UserID,
		Name:              cmd.Name,
		Price:             cmd.Price,
		AvailableQuantity: cmd.Quantity,
	})
}

func (h *Handler) Restock(ctx context.Context, cmd Restock) (*catalog.Product, error) {
	p, err := h.ownProduct(ctx, cmd.ProductID)
	if err != nil {
		return nil, err
	}
	return h.engine.Restock(ctx, cmd.ProductID, cmd.Delta, "owner:"+p.UserID)
}

func (h *Handler) Reprice(ctx context.Context, cmd Reprice) (*catalog.Product, error) {
	p, err := h.ownProduct(ctx, cmd.ProductID)
	if err != nil {
		return nil, err
	}
	return h.engine.Reprice(ctx, cmd.ProductID, cmd.Price, "owner:"+p.UserID)
}

func (h *Handler) Delist(ctx context.Context, cmd Delist) (*catalog.Product, error) {
	p, err := h.ownProduct(ctx, cmd.ProductID)
	if err != nil {
		return nil, err
	}
	return h.engine.Delist(ctx, cmd.ProductID, "owner:"+p.UserID)
}

func (h *Handler) principal(ctx context.Context, roles ...auth.Role) (auth.Principal, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	if err := p.Require(roles...); err != nil {
		h.log.Info("command rejected",
			zap.String("user_id", p.UserID),
			zap.String("role", string(p.Role)),
			zap.Error(err),
		)
		return auth.Principal{}, err
	}
	return p, nil
}

// ownOrder checks the role and that a buyer only touches their own order.
func (h *Handler) ownOrder(ctx context.Context, orderID string, roles ...auth.Role) (auth.Principal, error) {
	p, err := h.principal(ctx, roles...)
	if err != nil {
		return auth.Principal{}, err
	}
	o, err := h.orders.Get(orderID)
	if err != nil {
		return auth.Principal{}, err
	}
	if !p.Owns(o.BuyerID) {
		return auth.Principal{}, fmt.Errorf("%w: order %s belongs to another buyer", auth.ErrForbidden, orderID)
	}
	return p, nil
}

// ownProduct checks that a farmer only touches their own product.
func (h *Handler) ownProduct(ctx context.Context, productID string) (auth.Principal, error) {
	p, err := h.principal(ctx, auth.RoleFarmer, auth.RoleOperator)
	if err != nil {
		return auth.Principal{}, err
	}
	st, err := h.engine.Product(ctx, productID)
	if err != nil {
		return auth.Principal{}, err
	}
	if !p.Owns(st.OwnerID) {
		return auth.Principal{}, fmt.Errorf("%w: product %s belongs to another farmer", auth.ErrForbidden, productID)
	}
	return p, nil
}
