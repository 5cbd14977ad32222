package inventory

// Ledger entry kinds written by the engine.
const (
	EventProductRegistered = "ProductRegistered"
	EventProductRestocked  = "ProductRestocked"
	EventProductRepriced   = "ProductRepriced"
	EventProductDelisted   = "ProductDelisted"
	EventStockHeld         = "StockHeld"
	EventStockReleased     = "StockReleased"
	EventStockCommitted    = "StockCommitted"

	EventReservationCreated   = "ReservationCreated"
	EventReservationReleased  = "ReservationReleased"
	EventReservationCommitted = "ReservationCommitted"
)

// Release causes recorded by the engine itself. Callers may pass their own.
const (
	CauseExpired = "expired"
	CauseCommit  = "commit"
	CauseReserve = "reserve"
)
