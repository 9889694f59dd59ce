package domain

import "time"

// DenyReason is the stable code attached to a rejected signal.
type DenyReason string

const (
	DenyPositionOpen  DenyReason = "POSITION_OPEN"
	DenyMaxTrades     DenyReason = "MAX_TRADES_EXCEEDED"
	DenyDailyDrawdown DenyReason = "DAILY_DRAWDOWN_EXCEEDED"
	DenyFundingRate   DenyReason = "FUNDING_RATE_BLOCKED"
	DenySizeBelowMin  DenyReason = "SIZE_BELOW_MINIMUM"
	DenyEquityUnknown DenyReason = "EQUITY_UNAVAILABLE"
	DenySignalExpired DenyReason = "SIGNAL_EXPIRED"
)

// RiskDecision is the outcome of gating a trade signal. A denial is a normal
// value, not an error: the pipeline journals it and moves on.
type RiskDecision struct {
	Approved bool
	Reason   DenyReason // empty when approved
	Detail   string

	// Quantity is the approved position size in contracts, already rounded
	// down to the venue lot step. Zero unless approved.
	Quantity float64

	// RiskPerUnit is |entry - stop| used for sizing, echoed for journaling.
	RiskPerUnit float64

	// Equity is the account equity observed at decision time.
	Equity float64
}

// RiskDayState is the per-UTC-day risk bookkeeping persisted across
// restarts. Date is formatted 2006-01-02.
type RiskDayState struct {
	Date           string  `json:"date"`
	Trades         int     `json:"trades"`
	RealizedPnL    float64 `json:"realized_pnl"`
	DayStartEquity float64 `json:"day_start_equity"`
	MaxEquity      float64 `json:"max_equity"`
	Suspended      bool    `json:"suspended"`
}

// DayKey formats t's UTC date as a RiskDayState key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
