package domain

import "time"

// VolumeTrend classifies the recent volume profile of a timeframe.
type VolumeTrend string

const (
	// VolumeTrendFlat is the default when no pattern is present or there is
	// not enough history to classify.
	VolumeTrendFlat VolumeTrend = "flat"

	// VolumeTrendPeakDecline marks a blow-off pattern: a volume peak at
	// least 1.5x the preceding mean, followed by consecutively declining
	// bars. Used by the overheat detection.
	VolumeTrendPeakDecline VolumeTrend = "peak_then_decline"

	// VolumeTrendMildExpansion marks two consecutive volume increases whose
	// last bar stays below 2x the preceding mean, i.e. steady participation
	// without a blow-off. Used by the trend detection.
	VolumeTrendMildExpansion VolumeTrend = "mild_expansion"
)

// IndicatorSnapshot is the full set of derived metrics emitted after each
// closed 5m candle. Individual metrics carry their own validity; consumers
// must treat any predicate over an invalid metric as false.
type IndicatorSnapshot struct {
	Symbol    string
	Timestamp time.Time

	// Close is the close of the candle that produced this snapshot.
	Close float64

	VWAP Metric

	SMAShort  Metric // 5-period on 5m closes
	SMAMedium Metric // 15-period
	SMALong   Metric // 60-period

	// Previous-bar moving averages, for cross detection.
	PrevSMAShort  Metric
	PrevSMAMedium Metric

	ATR     Metric // ATR(14), RMA smoothing
	ATRMean Metric // mean of the trailing ATR values

	// DailyChange is (close - session open) / session open, where the
	// session open is the first 5m open at or after UTC midnight.
	DailyChange Metric

	// RecentHigh and RecentLow span the 10 closed 5m candles preceding the
	// one that produced this snapshot, so a close above RecentHigh is a
	// breakout of the prior range.
	RecentHigh Metric
	RecentLow  Metric

	VolumeTrend5m  VolumeTrend
	VolumeTrend15m VolumeTrend

	// RecentVolumes holds the last closed 5m volumes, oldest first, for
	// strategy-level volume predicates. At most 12 entries.
	RecentVolumes []float64
}
