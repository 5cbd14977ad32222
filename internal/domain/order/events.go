package order

// Ledger entry kinds for orders.
const (
	EventOrderPlaced                 = "OrderPlaced"
	EventOrderReserved               = "OrderReserved"
	EventOrderPaid                   = "OrderPaid"
	EventOrderFulfilled              = "OrderFulfilled"
	EventOrderCancelled              = "OrderCancelled"
	EventOrderExpired                = "OrderExpired"
	EventOrderRefunding              = "OrderRefunding"
	EventOrderReconciliationFlagged  = "OrderReconciliationFlagged"
	EventOrderReconciliationResolved = "OrderReconciliationResolved"
)

var statusEvents = map[Status]string{
	StatusPending:   EventOrderPlaced,
	StatusReserved:  EventOrderReserved,
	StatusPaid:      EventOrderPaid,
	StatusFulfilled: EventOrderFulfilled,
	StatusCancelled: EventOrderCancelled,
	StatusExpired:   EventOrderExpired,
	StatusRefunding: EventOrderRefunding,
}

// Cancellation reasons recorded as the ledger cause.
const (
	ReasonBuyerCancel        = "buyer_cancel"
	ReasonPaymentDeclined    = "payment_declined"
	ReasonReservationExpired = "reservation_expired"
	ReasonStalePending       = "stale_pending"
	ReasonRefunded           = "refunded"
)
