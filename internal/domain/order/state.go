package order

import (
	"fmt"

	"github.com/example/farmlink-orders/internal/domain/errs"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusRefunding Status = "refunding"
)

// Trigger is an event that drives an order between statuses.
type Trigger string

const (
	TriggerReserve        Trigger = "reserve"
	TriggerPay            Trigger = "pay"
	TriggerFulfill        Trigger = "fulfill"
	TriggerCancel         Trigger = "cancel"
	TriggerExpire         Trigger = "expire"
	TriggerRefund         Trigger = "refund"
	TriggerRefundComplete Trigger = "refund_complete"
	TriggerAbandon        Trigger = "abandon"
)

var transitions = map[Status]map[Trigger]Status{
	StatusPending: {
		TriggerReserve: StatusReserved,
		TriggerAbandon: StatusCancelled,
	},
	StatusReserved: {
		TriggerPay:    StatusPaid,
		TriggerCancel: StatusCancelled,
		TriggerExpire: StatusExpired,
	},
	StatusPaid: {
		TriggerFulfill: StatusFulfilled,
		TriggerRefund:  StatusRefunding,
	},
	StatusRefunding: {
		TriggerRefundComplete: StatusCancelled,
	},
}

// Transition returns the status reached from current on trigger.
// Replaying a trigger whose target is already the current status returns
// current unchanged, so retries are harmless.
func Transition(current Status, trigger Trigger) (Status, error) {
	if next, ok := transitions[current][trigger]; ok {
		return next, nil
	}
	for _, edges := range transitions {
		if target, ok := edges[trigger]; ok && target == current {
			return current, nil
		}
	}
	return current, fmt.Errorf("%w: %s cannot %s", errs.ErrInvalidTransition, current, trigger)
}

// IsTerminal reports whether no trigger can move the order any further.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}
