package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/farmlink-orders/internal/auth"
	"go.uber.org/zap"
)

var ErrUnknownCommand = errors.New("unknown command type")

// Envelope is the wire format of the order-commands topic.
type Envelope struct {
	Type      string          `json:"type"`
	Principal auth.Principal  `json:"principal"`
	Payload   json.RawMessage `json:"payload"`
}

// Dispatcher decodes command envelopes and runs them through the Handler.
type Dispatcher struct {
	handler *Handler
	log     *zap.Logger
}

func NewDispatcher(handler *Handler, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{handler: handler, log: log}
}

// HandleMessage matches kafka.MessageHandler.
func (d *Dispatcher) HandleMessage(ctx context.Context, key, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("decode command envelope: %w", err)
	}
	ctx = auth.NewContext(ctx, env.Principal)

	result, err := d.dispatch(ctx, env)
	if err != nil {
		d.log.Warn("command failed",
			zap.String("type", env.Type),
			zap.ByteString("key", key),
			zap.String("user_id", env.Principal.UserID),
			zap.Error(err),
		)
		return err
	}
	d.log.Info("command handled",
		zap.String("type", env.Type),
		zap.ByteString("key", key),
		zap.String("user_id", env.Principal.UserID),
		zap.Any("result", result),
	)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) (any, error) {
	h := d.handler
	switch env.Type {
	case "PlaceOrder":
		return run(ctx, env.Payload, h.PlaceOrder)
	case "CancelOrder":
		return run(ctx, env.Payload, h.CancelOrder)
	case "Pay":
		return run(ctx, env.Payload, h.Pay)
	case "ConfirmPayment":
		return run(ctx, env.Payload, h.ConfirmPayment)
	case "MarkFulfilled":
		return run(ctx, env.Payload, h.MarkFulfilled)
	case "RequestRefund":
		return run(ctx, env.Payload, h.RequestRefund)
	case "ResolveReconciliation":
		return run(ctx, env.Payload, h.ResolveReconciliation)
	case "ListProduct":
		return run(ctx, env.Payload, h.ListProduct)
	case "Restock":
		return run(ctx, env.Payload, h.Restock)
	case "Reprice":
		return run(ctx, env.Payload, h.Reprice)
	case "Delist":
		return run(ctx, env.Payload, h.Delist)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
}

func run[C, R any](ctx context.Context, payload json.RawMessage, fn func(context.Context, C) (R, error)) (any, error) {
	var cmd C
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("decode %T: %w", cmd, err)
	}
	return fn(ctx, cmd)
}
