// Package strategy contains the signal evaluators. Each strategy targets a
// single market state and proposes an entry only when enough of its trigger
// conditions hold at once.
package strategy

import (
	"context"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// EvalContext is the read-only view a strategy evaluates against. Book and
// PrevBook may be nil when no depth has arrived yet; triggers that need
// them simply do not fire.
type EvalContext struct {
	State    domain.MarketState
	Snapshot domain.IndicatorSnapshot
	Funding  domain.Metric
	Book     *domain.BookSnapshot
	PrevBook *domain.BookSnapshot
	Now      time.Time
}

// Strategy defines the contract for signal evaluators. Evaluate returns a
// nil signal when the strategy declines to act; it is called on every 5m
// close while no position is open.
type Strategy interface {
	Name() string
	TargetState() domain.MarketState
	Evaluate(ctx context.Context, ec EvalContext) (*domain.TradeSignal, error)
}
