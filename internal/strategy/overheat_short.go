package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// OverheatShortConfig holds the parameters of the overheat short strategy.
type OverheatShortConfig struct {
	MinTriggers        int     // triggers required to fire, e.g. 2
	DepthLevels        int     // bid levels summed for the depth trigger
	DepthDropThreshold float64 // fractional top-bid depth drop, e.g. 0.20
	StopOffset         float64 // stop above recent high, e.g. 0.0025
	MaxHold            time.Duration
	SignalTTL          time.Duration
}

// OverheatShortDefaults returns the standard parameters.
func OverheatShortDefaults() OverheatShortConfig {
	return OverheatShortConfig{
		MinTriggers:        2,
		DepthLevels:        5,
		DepthDropThreshold: 0.20,
		StopOffset:         0.0025,
		MaxHold:            30 * time.Minute,
		SignalTTL:          5 * time.Minute,
	}
}

// OverheatShort fades an overheated run-up. It fires only in the
// OVERHEATED state, when at least MinTriggers of its reversal triggers
// hold: price back under VWAP, a short/medium MA downward cross, or bid
// depth evaporating.
type OverheatShort struct {
	cfg    OverheatShortConfig
	logger *slog.Logger
}

// NewOverheatShort creates the strategy.
func NewOverheatShort(cfg OverheatShortConfig, logger *slog.Logger) *OverheatShort {
	return &OverheatShort{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "overheat_short")),
	}
}

// Name returns the strategy identifier.
func (s *OverheatShort) Name() string { return "overheat_short" }

// TargetState returns the only state the strategy fires in.
func (s *OverheatShort) TargetState() domain.MarketState { return domain.StateOverheated }

// Evaluate checks the reversal triggers and proposes a short entry with a
// stop above the recent high when enough of them hold.
func (s *OverheatShort) Evaluate(ctx context.Context, ec EvalContext) (*domain.TradeSignal, error) {
	if ec.State != domain.StateOverheated {
		return nil, nil
	}
	snap := ec.Snapshot

	// The stop is anchored to the recent high; without it no entry.
	if !snap.RecentHigh.Valid {
		return nil, nil
	}

	var reasons []string

	if snap.VWAP.Valid && snap.Close < snap.VWAP.Value {
		reasons = append(reasons, "close below vwap")
	}
	if deathCross(snap) {
		reasons = append(reasons, "ma5/ma15 downward cross")
	}
	if drop, ok := depthDrop(ec.Book, ec.PrevBook, s.cfg.DepthLevels); ok && drop >= s.cfg.DepthDropThreshold {
		reasons = append(reasons, "top bid depth drop")
	}

	if len(reasons) < s.cfg.MinTriggers {
		return nil, nil
	}

	stop := snap.RecentHigh.Value * (1 + s.cfg.StopOffset)
	if stop <= snap.Close {
		return nil, nil
	}

	sig := &domain.TradeSignal{
		ID:         uuid.NewString(),
		Strategy:   s.Name(),
		Symbol:     snap.Symbol,
		Side:       domain.SideShort,
		EntryPrice: snap.Close,
		StopPrice:  stop,
		TakeProfits: []domain.TakeProfitLevel{
			{RMultiple: 1.0, ClosePct: 0.5},
			{RMultiple: 1.5, ClosePct: 0.5},
		},
		MaxHold:        s.cfg.MaxHold,
		TriggerReasons: reasons,
		State:          ec.State,
		CreatedAt:      ec.Now,
		ExpiresAt:      ec.Now.Add(s.cfg.SignalTTL),
	}

	s.logger.Info("short signal",
		slog.String("signal_id", sig.ID),
		slog.Float64("entry", sig.EntryPrice),
		slog.Float64("stop", sig.StopPrice),
		slog.Any("triggers", reasons))
	return sig, nil
}

// deathCross reports whether the short MA crossed under the medium MA on
// this bar: at or above on the previous bar, below now.
func deathCross(snap domain.IndicatorSnapshot) bool {
	if !snap.SMAShort.Valid || !snap.SMAMedium.Valid ||
		!snap.PrevSMAShort.Valid || !snap.PrevSMAMedium.Valid {
		return false
	}
	return snap.PrevSMAShort.Value >= snap.PrevSMAMedium.Value &&
		snap.SMAShort.Value < snap.SMAMedium.Value
}

// depthDrop returns the fractional decline of top-n bid depth between the
// previous and current book.
func depthDrop(cur, prev *domain.BookSnapshot, levels int) (float64, bool) {
	if cur == nil || prev == nil {
		return 0, false
	}
	before := prev.TopBidVolume(levels)
	if before <= 0 {
		return 0, false
	}
	return (before - cur.TopBidVolume(levels)) / before, true
}
