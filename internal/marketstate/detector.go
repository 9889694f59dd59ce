// Package marketstate classifies current market conditions from an
// indicator snapshot and the funding rate. Detection is a pure function of
// its inputs; the detector holds only configuration.
package marketstate

import (
	"log/slog"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// Config holds the detection thresholds.
type Config struct {
	// Overheat conditions.
	MinDailyGain   float64 // daily change at or above this, e.g. 0.04
	VWAPMargin     float64 // price above VWAP by this fraction, e.g. 0.02
	MinFundingRate float64 // funding at or above this, e.g. 0.0002

	// Trend conditions.
	TrendMinFunding float64 // funding band lower bound, e.g. -0.0001
	TrendMaxFunding float64 // funding band upper bound, e.g. 0.0002
}

// Defaults returns the standard thresholds.
func Defaults() Config {
	return Config{
		MinDailyGain:    0.04,
		VWAPMargin:      0.02,
		MinFundingRate:  0.0002,
		TrendMinFunding: -0.0001,
		TrendMaxFunding: 0.0002,
	}
}

// Detector evaluates the per-state conjunctions in priority order.
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "state_detector")),
	}
}

// Detect returns the current market state. Any predicate over an invalid
// metric is false, so missing history can only push toward NEUTRAL.
// OVERHEATED takes priority over TRENDING.
func (d *Detector) Detect(snap domain.IndicatorSnapshot, funding domain.Metric) domain.MarketState {
	if d.overheated(snap, funding) {
		return domain.StateOverheated
	}
	if d.trending(snap, funding) {
		return domain.StateTrending
	}
	return domain.StateNeutral
}

// overheated requires all four: strong daily gain, price stretched above
// VWAP, a blow-off volume pattern, and elevated positive funding.
func (d *Detector) overheated(snap domain.IndicatorSnapshot, funding domain.Metric) bool {
	if !snap.DailyChange.Valid || snap.DailyChange.Value < d.cfg.MinDailyGain {
		return false
	}
	if !snap.VWAP.Valid || snap.Close <= snap.VWAP.Value*(1+d.cfg.VWAPMargin) {
		return false
	}
	if snap.VolumeTrend5m != domain.VolumeTrendPeakDecline {
		return false
	}
	if !funding.Valid || funding.Value < d.cfg.MinFundingRate {
		return false
	}
	return true
}

// trending requires stacked moving averages, mild 15m volume expansion,
// contracting volatility and funding inside the neutral band.
func (d *Detector) trending(snap domain.IndicatorSnapshot, funding domain.Metric) bool {
	if !snap.SMAShort.Valid || !snap.SMAMedium.Valid || !snap.SMALong.Valid {
		return false
	}
	if !(snap.SMAShort.Value > snap.SMAMedium.Value && snap.SMAMedium.Value > snap.SMALong.Value) {
		return false
	}
	if snap.VolumeTrend15m != domain.VolumeTrendMildExpansion {
		return false
	}
	if !snap.ATR.Valid || !snap.ATRMean.Valid || snap.ATR.Value >= snap.ATRMean.Value {
		return false
	}
	if !funding.Valid || funding.Value < d.cfg.TrendMinFunding || funding.Value > d.cfg.TrendMaxFunding {
		return false
	}
	return true
}
