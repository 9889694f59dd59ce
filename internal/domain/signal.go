package domain

import "time"

// PositionSide is the direction of a position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the closing direction for the side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TakeProfitLevel is one rung of a take-profit ladder. RMultiple is the
// distance from entry in units of initial risk (|entry - stop|); ClosePct is
// the fraction of the original position closed when the rung is hit.
type TakeProfitLevel struct {
	RMultiple float64
	ClosePct  float64
}

// TradeSignal is an entry proposal emitted by a strategy. It carries
// everything the risk gate and sequencer need: direction, entry reference
// price, protective stop, exit ladder and hold limit.
type TradeSignal struct {
	ID       string // UUID
	Strategy string
	Symbol   string
	Side     PositionSide

	EntryPrice float64
	StopPrice  float64

	TakeProfits []TakeProfitLevel
	MaxHold     time.Duration

	// TrailingStop enables stop ratcheting after the final ladder rung
	// fills, using TrailingOffset as the fractional distance from the
	// favourable extreme since entry.
	TrailingStop   bool
	TrailingOffset float64

	// TriggerReasons lists the trigger descriptions that fired.
	TriggerReasons []string
	State          MarketState

	CreatedAt time.Time
	ExpiresAt time.Time
}

// RiskPerUnit returns |entry - stop|.
func (s TradeSignal) RiskPerUnit() float64 {
	d := s.EntryPrice - s.StopPrice
	if d < 0 {
		d = -d
	}
	return d
}

// Expired reports whether the signal is past its expiry at time now.
func (s TradeSignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
