// Package indicator maintains rolling candle windows per timeframe and
// derives the metric snapshot consumed by the state detector and the
// strategies. Metrics with insufficient history are marked invalid rather
// than omitted, so downstream predicates fail closed.
package indicator

import (
	"log/slog"

	"github.com/markcheno/go-talib"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// Config holds the indicator parameters. All periods are in candles of the
// relevant timeframe.
type Config struct {
	WindowSize        int // closed candles retained per timeframe
	VWAPWindowMinutes int // session VWAP lookback in minutes
	SMAShortPeriod    int
	SMAMediumPeriod   int
	SMALongPeriod     int
	ATRPeriod         int
	ATRMeanWindow     int // trailing ATR values averaged for the ATR baseline
	RecentBars        int // lookback for recent high/low
}

// Defaults returns the standard parameter set.
func Defaults() Config {
	return Config{
		WindowSize:        100,
		VWAPWindowMinutes: 390,
		SMAShortPeriod:    5,
		SMAMediumPeriod:   15,
		SMALongPeriod:     60,
		ATRPeriod:         14,
		ATRMeanWindow:     24,
		RecentBars:        10,
	}
}

// Engine accumulates closed candles for one symbol and produces
// IndicatorSnapshots on each 5m close.
type Engine struct {
	cfg    Config
	symbol string
	logger *slog.Logger

	c5  []domain.Candle
	c15 []domain.Candle

	sessionDay  string // UTC date of the current session reference
	sessionOpen float64
}

// New creates an Engine for the given symbol.
func New(symbol string, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		symbol: symbol,
		logger: logger.With(slog.String("component", "indicator_engine"), slog.String("symbol", symbol)),
	}
}

// Seed preloads closed candles, oldest first, so metrics are valid
// immediately after startup instead of after a multi-hour warmup.
func (e *Engine) Seed(candles []domain.Candle) {
	for _, c := range candles {
		e.append(c)
	}
	e.logger.Info("indicator windows seeded",
		slog.Int("candles_5m", len(e.c5)),
		slog.Int("candles_15m", len(e.c15)))
}

// Update ingests one closed candle. When the candle is a 5m close it returns
// a fresh snapshot and true; 15m closes only extend their window.
func (e *Engine) Update(c domain.Candle) (domain.IndicatorSnapshot, bool) {
	e.append(c)
	if c.Timeframe != domain.Timeframe5m {
		return domain.IndicatorSnapshot{}, false
	}
	return e.snapshot(c), true
}

func (e *Engine) append(c domain.Candle) {
	switch c.Timeframe {
	case domain.Timeframe5m:
		e.c5 = appendBounded(e.c5, c, e.cfg.WindowSize)
		e.trackSession(c)
	case domain.Timeframe15m:
		e.c15 = appendBounded(e.c15, c, e.cfg.WindowSize)
	}
}

// trackSession records the open of the first 5m candle of each UTC day as
// the session reference for the daily-change metric.
func (e *Engine) trackSession(c domain.Candle) {
	day := c.OpenTime.UTC().Format("2006-01-02")
	if day != e.sessionDay {
		e.sessionDay = day
		e.sessionOpen = c.Open
	}
}

func (e *Engine) snapshot(last domain.Candle) domain.IndicatorSnapshot {
	closes := make([]float64, len(e.c5))
	highs := make([]float64, len(e.c5))
	lows := make([]float64, len(e.c5))
	vols := make([]float64, len(e.c5))
	for i, c := range e.c5 {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		vols[i] = c.Volume
	}

	snap := domain.IndicatorSnapshot{
		Symbol:    e.symbol,
		Timestamp: last.CloseTime,
		Close:     last.Close,

		VWAP: e.vwap(),

		SMAShort:  smaAt(closes, e.cfg.SMAShortPeriod, 0),
		SMAMedium: smaAt(closes, e.cfg.SMAMediumPeriod, 0),
		SMALong:   smaAt(closes, e.cfg.SMALongPeriod, 0),

		PrevSMAShort:  smaAt(closes, e.cfg.SMAShortPeriod, 1),
		PrevSMAMedium: smaAt(closes, e.cfg.SMAMediumPeriod, 1),

		DailyChange: e.dailyChange(last.Close),

		RecentHigh: recentExtreme(highs[:len(highs)-1], e.cfg.RecentBars, true),
		RecentLow:  recentExtreme(lows[:len(lows)-1], e.cfg.RecentBars, false),

		VolumeTrend5m:  classifyPeakDecline(vols),
		VolumeTrend15m: e.classify15mExpansion(),

		RecentVolumes: tail(vols, 12),
	}

	snap.ATR, snap.ATRMean = e.atr(highs, lows, closes)
	return snap
}

// vwap computes sum(close*volume)/sum(volume) over the configured window.
func (e *Engine) vwap() domain.Metric {
	n := e.cfg.VWAPWindowMinutes / 5
	if n <= 0 || len(e.c5) < n {
		return domain.InvalidMetric()
	}
	window := e.c5[len(e.c5)-n:]
	var pv, v float64
	for _, c := range window {
		pv += c.Close * c.Volume
		v += c.Volume
	}
	if v <= 0 {
		return domain.InvalidMetric()
	}
	return domain.ValidMetric(pv / v)
}

func (e *Engine) dailyChange(close float64) domain.Metric {
	if e.sessionOpen <= 0 {
		return domain.InvalidMetric()
	}
	return domain.ValidMetric((close - e.sessionOpen) / e.sessionOpen)
}

// atr returns ATR(period) with Wilder smoothing plus the mean of the
// trailing ATRMeanWindow values. Both require a full history window.
func (e *Engine) atr(highs, lows, closes []float64) (domain.Metric, domain.Metric) {
	period := e.cfg.ATRPeriod
	if len(closes) < period+1 {
		return domain.InvalidMetric(), domain.InvalidMetric()
	}
	series := talib.Atr(highs, lows, closes, period)
	cur := domain.ValidMetric(series[len(series)-1])

	// talib leaves the first `period` slots zeroed; the usable values
	// start at index period.
	usable := series[period:]
	if len(usable) < e.cfg.ATRMeanWindow {
		return cur, domain.InvalidMetric()
	}
	window := usable[len(usable)-e.cfg.ATRMeanWindow:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return cur, domain.ValidMetric(sum / float64(len(window)))
}

func (e *Engine) classify15mExpansion() domain.VolumeTrend {
	vols := make([]float64, len(e.c15))
	for i, c := range e.c15 {
		vols[i] = c.Volume
	}
	return classifyMildExpansion(vols)
}

// smaAt returns the SMA of the given period, back bars from the latest
// close (back=0 is the current bar).
func smaAt(closes []float64, period, back int) domain.Metric {
	if period <= 0 || len(closes) < period+back {
		return domain.InvalidMetric()
	}
	series := talib.Sma(closes, period)
	return domain.ValidMetric(series[len(series)-1-back])
}

func recentExtreme(values []float64, bars int, max bool) domain.Metric {
	if len(values) < bars {
		return domain.InvalidMetric()
	}
	window := values[len(values)-bars:]
	ext := window[0]
	for _, v := range window[1:] {
		if (max && v > ext) || (!max && v < ext) {
			ext = v
		}
	}
	return domain.ValidMetric(ext)
}

// classifyPeakDecline detects a blow-off volume pattern: a bar at least
// 1.5x the mean of the 4 bars before it, followed by 3 monotonically
// declining bars. Needs 8 bars.
func classifyPeakDecline(vols []float64) domain.VolumeTrend {
	n := len(vols)
	if n < 8 {
		return domain.VolumeTrendFlat
	}
	peak := vols[n-4]
	prior := vols[n-8 : n-4]
	var mean float64
	for _, v := range prior {
		mean += v
	}
	mean /= float64(len(prior))
	if mean <= 0 || peak < 1.5*mean {
		return domain.VolumeTrendFlat
	}
	if vols[n-4] > vols[n-3] && vols[n-3] > vols[n-2] && vols[n-2] > vols[n-1] {
		return domain.VolumeTrendPeakDecline
	}
	return domain.VolumeTrendFlat
}

// classifyMildExpansion detects two consecutive volume increases whose last
// bar stays under 2x the mean of the 9 bars before it. Needs 10 bars.
func classifyMildExpansion(vols []float64) domain.VolumeTrend {
	n := len(vols)
	if n < 10 {
		return domain.VolumeTrendFlat
	}
	if !(vols[n-1] > vols[n-2] && vols[n-2] > vols[n-3]) {
		return domain.VolumeTrendFlat
	}
	prior := vols[n-10 : n-1]
	var mean float64
	for _, v := range prior {
		mean += v
	}
	mean /= float64(len(prior))
	if mean > 0 && vols[n-1] < 2*mean {
		return domain.VolumeTrendMildExpansion
	}
	return domain.VolumeTrendFlat
}

func appendBounded(window []domain.Candle, c domain.Candle, max int) []domain.Candle {
	window = append(window, c)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func tail(values []float64, n int) []float64 {
	if len(values) > n {
		values = values[len(values)-n:]
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out
}
