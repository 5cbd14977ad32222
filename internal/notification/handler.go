package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/email"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/ledger"
	"go.uber.org/zap"
)

// AlertSender delivers operator alerts
type AlertSender interface {
	SendReconciliationAlert(to string, alert email.ReconciliationAlert) error
}

// Handler emails the operator when an order is flagged for reconciliation
type Handler struct {
	sender   AlertSender
	operator string
	log      *zap.Logger
}

func NewHandler(sender AlertSender, operatorEmail string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sender: sender, operator: operatorEmail, log: log}
}

// HandleEvent processes a ledger event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var event store.Event
	if err := json.Unmarshal(value, &event); err != nil {
		h.log.Error("failed to unmarshal ledger event", zap.Error(err))
		return err
	}
	entry, err := ledger.FromEvent(event)
	if err != nil {
		return err
	}
	return h.HandleEntry(ctx, entry)
}

// HandleEntry sends an alert for OrderReconciliationFlagged entries and ignores the rest
func (h *Handler) HandleEntry(_ context.Context, entry ledger.Entry) error {
	if entry.Kind != order.EventOrderReconciliationFlagged {
		return nil
	}

	var o order.Order
	if err := json.Unmarshal(entry.NewState, &o); err != nil {
		return fmt.Errorf("decode flagged order %s: %w", entry.EntityID, err)
	}

	alert := email.ReconciliationAlert{
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		Status:    string(o.Status),
		Total:     o.TotalAmount,
		Reason:    o.ReconciliationReason,
		PaymentID: o.PaymentRef,
		FlaggedAt: entry.Timestamp,
	}
	if err := h.sender.SendReconciliationAlert(h.operator, alert); err != nil {
		h.log.Error("failed to send reconciliation alert",
			zap.String("order_id", o.ID),
			zap.String("to", h.operator),
			zap.Error(err),
		)
		return err
	}

	h.log.Info("reconciliation alert sent",
		zap.String("order_id", o.ID),
		zap.String("reason", o.ReconciliationReason),
	)
	return nil
}
