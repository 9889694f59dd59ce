package domain

import "context"

// ExchangeGateway is the thin venue interface the sequencer and risk gate
// depend on. Implementations translate to a concrete venue API; fakes stand
// in for tests.
type ExchangeGateway interface {
	// PlaceOrder submits an order and returns the venue's initial view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	// CancelOrder cancels an open order. Cancelling an order the venue no
	// longer knows returns ErrOrderUnknown.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOrder fetches the current state of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)

	// Equity returns the current account equity in quote currency.
	Equity(ctx context.Context) (float64, error)
}
