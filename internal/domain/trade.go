package domain

import "time"

// TradeRecord is the immutable record of one completed trade, written once
// when the position reaches a terminal state.
type TradeRecord struct {
	ID       string       `json:"id"`
	Symbol   string       `json:"symbol"`
	Strategy string       `json:"strategy"`
	Side     PositionSide `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
	Quantity   float64 `json:"quantity"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`

	// ExitReason explains the terminal transition: stop_hit, take_profit,
	// max_hold, trailing_stop, failsafe, shutdown.
	ExitReason string `json:"exit_reason"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}
