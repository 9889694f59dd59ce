// Package risk gates approved-state signals against account-level limits
// and sizes the resulting position. Denials are values, never errors, so
// the pipeline can journal them and continue.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// Config holds the risk limits and sizing parameters.
type Config struct {
	PerTradeRisk     float64 // equity fraction risked per trade, e.g. 0.003
	MaxPositionRisk  float64 // hard cap on the risk fraction, e.g. 0.005
	MaxDailyDrawdown float64 // equity drawdown from the day high, e.g. 0.02
	MaxTradesPerDay  int
	FundingGuard     float64 // absolute funding rate bound, e.g. 0.0003

	LotStep  float64 // venue quantity step
	MinQty   float64
	MaxQty   float64
	Leverage float64 // margin cap: qty*entry <= equity*Leverage
}

// Defaults returns the standard limits.
func Defaults() Config {
	return Config{
		PerTradeRisk:     0.003,
		MaxPositionRisk:  0.005,
		MaxDailyDrawdown: 0.02,
		MaxTradesPerDay:  6,
		FundingGuard:     0.0003,
		LotStep:          0.001,
		MinQty:           0.001,
		MaxQty:           1000,
		Leverage:         5,
	}
}

// Gate evaluates signals against the daily limits and sizes approvals. Day
// state is persisted through a RiskStateStore so a restart cannot reset the
// daily counters; a missing or failing store degrades to in-memory state.
//
// Gate is not safe for concurrent use; the pipeline serializes all calls.
type Gate struct {
	cfg     Config
	gateway domain.ExchangeGateway
	store   domain.RiskStateStore
	logger  *slog.Logger
	now     func() time.Time

	day domain.RiskDayState
}

// New creates a Gate. store may be nil, in which case day state is purely
// in-memory.
func New(cfg Config, gateway domain.ExchangeGateway, store domain.RiskStateStore, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		logger:  logger.With(slog.String("component", "risk_gate")),
		now:     time.Now,
	}
}

// Evaluate runs the checks in a fixed short-circuit order and returns the
// first denial, or an approval carrying the sized quantity.
func (g *Gate) Evaluate(ctx context.Context, sig domain.TradeSignal, positionOpen bool, funding domain.Metric) domain.RiskDecision {
	now := g.now()

	// 1. Mutual exclusion: never a second concurrent position.
	if positionOpen {
		return deny(domain.DenyPositionOpen, "a position is already open")
	}

	// 2. Stale signals are worthless.
	if sig.Expired(now) {
		return deny(domain.DenySignalExpired, fmt.Sprintf("signal expired at %s", sig.ExpiresAt.Format(time.RFC3339)))
	}

	g.ensureDay(ctx, now)

	// 3. Trade count for the UTC day.
	if g.day.Trades >= g.cfg.MaxTradesPerDay {
		return deny(domain.DenyMaxTrades, fmt.Sprintf("%d trades today, limit %d", g.day.Trades, g.cfg.MaxTradesPerDay))
	}

	// 4. Drawdown from the day's equity high. The suspension latches for
	// the rest of the UTC day once breached.
	equity, err := g.gateway.Equity(ctx)
	if err != nil {
		g.logger.Warn("equity lookup failed", slog.String("error", err.Error()))
		return deny(domain.DenyEquityUnknown, "equity unavailable")
	}
	g.observeEquity(ctx, equity)

	if g.day.Suspended {
		return deny(domain.DenyDailyDrawdown, "suspended until next UTC day")
	}
	if g.day.MaxEquity > 0 {
		dd := (g.day.MaxEquity - equity) / g.day.MaxEquity
		if dd >= g.cfg.MaxDailyDrawdown {
			g.day.Suspended = true
			g.persist(ctx)
			g.logger.Warn("daily drawdown limit breached, suspending entries",
				slog.Float64("drawdown", dd),
				slog.Float64("equity", equity))
			return deny(domain.DenyDailyDrawdown, fmt.Sprintf("drawdown %.4f >= %.4f", dd, g.cfg.MaxDailyDrawdown))
		}
	}

	// 5. Funding guard: do not pay elevated funding against the position.
	// An unknown rate blocks entry rather than being waved through.
	if !funding.Valid {
		return deny(domain.DenyFundingRate, "funding rate unavailable")
	}
	if sig.Side == domain.SideLong && funding.Value > g.cfg.FundingGuard {
		return deny(domain.DenyFundingRate, fmt.Sprintf("funding %.6f above guard for long", funding.Value))
	}
	if sig.Side == domain.SideShort && funding.Value < -g.cfg.FundingGuard {
		return deny(domain.DenyFundingRate, fmt.Sprintf("funding %.6f below guard for short", funding.Value))
	}

	// 6. Sizing.
	riskPerUnit := sig.RiskPerUnit()
	if riskPerUnit <= 0 {
		return deny(domain.DenySizeBelowMin, "entry and stop coincide")
	}

	qty := equity * g.cfg.PerTradeRisk / riskPerUnit

	// Hard risk cap and margin cap.
	if maxRisk := equity * g.cfg.MaxPositionRisk / riskPerUnit; qty > maxRisk {
		qty = maxRisk
	}
	if sig.EntryPrice > 0 && g.cfg.Leverage > 0 {
		if marginCap := equity * g.cfg.Leverage / sig.EntryPrice; qty > marginCap {
			qty = marginCap
		}
	}
	if qty > g.cfg.MaxQty {
		qty = g.cfg.MaxQty
	}
	qty = roundDownStep(qty, g.cfg.LotStep)
	if qty < g.cfg.MinQty || qty <= 0 {
		return deny(domain.DenySizeBelowMin, fmt.Sprintf("size %.6f below venue minimum", qty))
	}

	return domain.RiskDecision{
		Approved:    true,
		Quantity:    qty,
		RiskPerUnit: riskPerUnit,
		Equity:      equity,
	}
}

// RecordTrade books a completed trade into the daily counters.
func (g *Gate) RecordTrade(ctx context.Context, pnl float64) {
	g.ensureDay(ctx, g.now())
	g.day.Trades++
	g.day.RealizedPnL += pnl
	g.persist(ctx)
}

// Suspended reports whether entries are suspended for the current day.
func (g *Gate) Suspended() bool {
	return g.day.Suspended
}

// DayState returns a copy of the current day's counters for journaling.
func (g *Gate) DayState() domain.RiskDayState {
	return g.day
}

// ensureDay rolls the day state over when the UTC date changes, preferring
// persisted state so restarts keep the day's counters.
func (g *Gate) ensureDay(ctx context.Context, now time.Time) {
	key := domain.DayKey(now)
	if g.day.Date == key {
		return
	}

	if g.store != nil {
		if state, ok, err := g.store.Load(ctx, key); err != nil {
			g.logger.Warn("risk state load failed, starting fresh day in memory", slog.String("error", err.Error()))
		} else if ok {
			g.day = state
			return
		}
	}

	g.day = domain.RiskDayState{Date: key}
	g.persist(ctx)
}

// observeEquity maintains the day-start and day-high equity watermarks.
func (g *Gate) observeEquity(ctx context.Context, equity float64) {
	changed := false
	if g.day.DayStartEquity == 0 {
		g.day.DayStartEquity = equity
		changed = true
	}
	if equity > g.day.MaxEquity {
		g.day.MaxEquity = equity
		changed = true
	}
	if changed {
		g.persist(ctx)
	}
}

func (g *Gate) persist(ctx context.Context) {
	if g.store == nil {
		return
	}
	if err := g.store.Save(ctx, g.day); err != nil {
		g.logger.Warn("risk state save failed", slog.String("error", err.Error()))
	}
}

func deny(reason domain.DenyReason, detail string) domain.RiskDecision {
	return domain.RiskDecision{Reason: reason, Detail: detail}
}

func roundDownStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}
