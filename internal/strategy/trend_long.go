package strategy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// TrendLongConfig holds the parameters of the trend long strategy.
type TrendLongConfig struct {
	MinTriggers       int
	PullbackTolerance float64 // distance from VWAP/MA15 counted as a touch, e.g. 0.005
	ContractionRatio  float64 // recent/prior volume mean ratio, e.g. 0.8
	BreakoutVolRatio  float64 // breakout volume over 5-bar mean, e.g. 1.2
	StopOffset        float64 // stop below recent low, e.g. 0.002
	TrailingOffset    float64 // trailing stop distance after the ladder completes
	MaxHold           time.Duration
	SignalTTL         time.Duration
}

// TrendLongDefaults returns the standard parameters.
func TrendLongDefaults() TrendLongConfig {
	return TrendLongConfig{
		MinTriggers:       2,
		PullbackTolerance: 0.005,
		ContractionRatio:  0.8,
		BreakoutVolRatio:  1.2,
		StopOffset:        0.002,
		TrailingOffset:    0.002,
		MaxHold:           2 * time.Hour,
		SignalTTL:         5 * time.Minute,
	}
}

// TrendLong joins an established uptrend on a pullback or a contained
// breakout. It fires only in the TRENDING state, when at least MinTriggers
// hold: a pullback touch of VWAP/MA15, a volume contraction, or a breakout
// of the recent range on expanding volume.
type TrendLong struct {
	cfg    TrendLongConfig
	logger *slog.Logger
}

// NewTrendLong creates the strategy.
func NewTrendLong(cfg TrendLongConfig, logger *slog.Logger) *TrendLong {
	return &TrendLong{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "trend_long")),
	}
}

// Name returns the strategy identifier.
func (s *TrendLong) Name() string { return "trend_long" }

// TargetState returns the only state the strategy fires in.
func (s *TrendLong) TargetState() domain.MarketState { return domain.StateTrending }

// Evaluate checks the continuation triggers and proposes a long entry with
// a stop below the recent low when enough of them hold.
func (s *TrendLong) Evaluate(ctx context.Context, ec EvalContext) (*domain.TradeSignal, error) {
	if ec.State != domain.StateTrending {
		return nil, nil
	}
	snap := ec.Snapshot

	if !snap.RecentLow.Valid {
		return nil, nil
	}

	var reasons []string

	if s.pullbackTouch(snap) {
		reasons = append(reasons, "pullback to vwap/ma15")
	}
	if s.volumeContraction(snap.RecentVolumes) {
		reasons = append(reasons, "volume contraction")
	}
	if s.breakout(snap) {
		reasons = append(reasons, "range breakout on volume")
	}

	if len(reasons) < s.cfg.MinTriggers {
		return nil, nil
	}

	stop := snap.RecentLow.Value * (1 - s.cfg.StopOffset)
	if stop >= snap.Close {
		return nil, nil
	}

	sig := &domain.TradeSignal{
		ID:         uuid.NewString(),
		Strategy:   s.Name(),
		Symbol:     snap.Symbol,
		Side:       domain.SideLong,
		EntryPrice: snap.Close,
		StopPrice:  stop,
		TakeProfits: []domain.TakeProfitLevel{
			{RMultiple: 0.8, ClosePct: 0.3},
			{RMultiple: 1.5, ClosePct: 0.5},
		},
		MaxHold:        s.cfg.MaxHold,
		TrailingStop:   true,
		TrailingOffset: s.cfg.TrailingOffset,
		TriggerReasons: reasons,
		State:          ec.State,
		CreatedAt:      ec.Now,
		ExpiresAt:      ec.Now.Add(s.cfg.SignalTTL),
	}

	s.logger.Info("long signal",
		slog.String("signal_id", sig.ID),
		slog.Float64("entry", sig.EntryPrice),
		slog.Float64("stop", sig.StopPrice),
		slog.Any("triggers", reasons))
	return sig, nil
}

// pullbackTouch reports whether the close sits within the tolerance band
// around VWAP or the medium MA.
func (s *TrendLong) pullbackTouch(snap domain.IndicatorSnapshot) bool {
	if snap.VWAP.Valid && withinPct(snap.Close, snap.VWAP.Value, s.cfg.PullbackTolerance) {
		return true
	}
	if snap.SMAMedium.Valid && withinPct(snap.Close, snap.SMAMedium.Value, s.cfg.PullbackTolerance) {
		return true
	}
	return false
}

// volumeContraction compares the mean of the last 3 volumes against the
// mean of the 7 before them.
func (s *TrendLong) volumeContraction(vols []float64) bool {
	n := len(vols)
	if n < 10 {
		return false
	}
	recent := mean(vols[n-3:])
	prior := mean(vols[n-10 : n-3])
	return prior > 0 && recent < s.cfg.ContractionRatio*prior
}

// breakout reports a close above the recent range with volume expansion:
// the last bar's volume at least BreakoutVolRatio times the mean of the 5
// bars before it.
func (s *TrendLong) breakout(snap domain.IndicatorSnapshot) bool {
	if !snap.RecentHigh.Valid || snap.Close <= snap.RecentHigh.Value {
		return false
	}
	vols := snap.RecentVolumes
	n := len(vols)
	if n < 6 {
		return false
	}
	prior := mean(vols[n-6 : n-1])
	return prior > 0 && vols[n-1] >= s.cfg.BreakoutVolRatio*prior
}

func withinPct(v, ref, tol float64) bool {
	if ref == 0 {
		return false
	}
	return math.Abs(v-ref)/math.Abs(ref) <= tol
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
