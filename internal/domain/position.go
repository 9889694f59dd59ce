package domain

import "time"

// TPLeg is a resolved take-profit order attached to an open position.
type TPLeg struct {
	Level    TakeProfitLevel
	Price    float64
	Quantity float64
	OrderID  string // empty until placed
	Filled   bool
}

// Position is the single open position the sequencer manages. EntryPrice is
// the confirmed average fill, Quantity the confirmed fill quantity, and
// RemainingQty what is still open after partial take-profit closes.
type Position struct {
	ID       string
	Symbol   string
	Strategy string
	Side     PositionSide

	EntryPrice   float64
	Quantity     float64
	RemainingQty float64

	StopPrice   float64
	StopOrderID string

	TakeProfits []TPLeg

	// Extreme is the most favourable price seen since entry (lowest for a
	// short, highest for a long), used by trailing stops.
	Extreme float64

	MaxHold  time.Duration
	OpenedAt time.Time
}

// HoldExpired reports whether the position has exceeded its maximum hold.
func (p Position) HoldExpired(now time.Time) bool {
	return p.MaxHold > 0 && now.Sub(p.OpenedAt) >= p.MaxHold
}
