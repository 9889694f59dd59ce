package indicator

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candles5m(start time.Time, closes []float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * 5 * time.Minute)
		out[i] = domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe5m,
			OpenTime:  open,
			CloseTime: open.Add(5 * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMAValues(t *testing.T) {
	cfg := Defaults()
	e := New("BTCUSDT", cfg, discard())
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	closes := []float64{10, 11, 12, 13, 14, 15}
	var snap domain.IndicatorSnapshot
	for _, c := range candles5m(start, closes) {
		snap, _ = e.Update(c)
	}

	if !snap.SMAShort.Valid {
		t.Fatalf("SMAShort should be valid after %d candles", len(closes))
	}
	want := (11 + 12 + 13 + 14 + 15) / 5.0
	if !almostEqual(snap.SMAShort.Value, want) {
		t.Fatalf("SMAShort = %v, want %v", snap.SMAShort.Value, want)
	}

	if !snap.PrevSMAShort.Valid {
		t.Fatal("PrevSMAShort should be valid")
	}
	wantPrev := (10 + 11 + 12 + 13 + 14) / 5.0
	if !almostEqual(snap.PrevSMAShort.Value, wantPrev) {
		t.Fatalf("PrevSMAShort = %v, want %v", snap.PrevSMAShort.Value, wantPrev)
	}

	if snap.SMALong.Valid {
		t.Fatal("SMALong must be invalid with only 6 candles")
	}
}

func TestATRConstantRange(t *testing.T) {
	cfg := Defaults()
	cfg.ATRMeanWindow = 4
	e := New("BTCUSDT", cfg, discard())
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Constant true range of 2 per bar: ATR must be exactly 2 under any
	// smoothing, and so must its trailing mean.
	var snap domain.IndicatorSnapshot
	for i := 0; i < 30; i++ {
		open := start.Add(time.Duration(i) * 5 * time.Minute)
		snap, _ = e.Update(domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe5m,
			OpenTime:  open,
			CloseTime: open.Add(5 * time.Minute),
			Open:      11,
			High:      12,
			Low:       10,
			Close:     11,
			Volume:    100,
		})
	}

	if !snap.ATR.Valid || !almostEqual(snap.ATR.Value, 2) {
		t.Fatalf("ATR = %+v, want valid 2", snap.ATR)
	}
	if !snap.ATRMean.Valid || !almostEqual(snap.ATRMean.Value, 2) {
		t.Fatalf("ATRMean = %+v, want valid 2", snap.ATRMean)
	}
}

func TestATRFailClosed(t *testing.T) {
	e := New("BTCUSDT", Defaults(), discard())
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var snap domain.IndicatorSnapshot
	for _, c := range candles5m(start, []float64{10, 11, 12, 13, 14}) {
		snap, _ = e.Update(c)
	}
	if snap.ATR.Valid {
		t.Fatal("ATR must be invalid with fewer than period+1 candles")
	}
}

func TestVWAP(t *testing.T) {
	cfg := Defaults()
	cfg.VWAPWindowMinutes = 15 // 3 candles
	e := New("BTCUSDT", cfg, discard())
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	closes := []float64{10, 20, 30, 40}
	var snap domain.IndicatorSnapshot
	for _, c := range candles5m(start, closes) {
		snap, _ = e.Update(c)
	}

	// Equal volumes, so VWAP is the plain mean of the last 3 closes.
	want := (20 + 30 + 40) / 3.0
	if !snap.VWAP.Valid || !almostEqual(snap.VWAP.Value, want) {
		t.Fatalf("VWAP = %+v, want valid %v", snap.VWAP, want)
	}
}

func TestDailyChangeTracksUTCSession(t *testing.T) {
	e := New("BTCUSDT", Defaults(), discard())

	// Last candle of the previous day, then the first of the new day.
	prev := time.Date(2026, 2, 28, 23, 55, 0, 0, time.UTC)
	e.Update(domain.Candle{Timeframe: domain.Timeframe5m, OpenTime: prev, CloseTime: prev.Add(5 * time.Minute), Open: 90, High: 91, Low: 89, Close: 90, Volume: 1})

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e.Update(domain.Candle{Timeframe: domain.Timeframe5m, OpenTime: day, CloseTime: day.Add(5 * time.Minute), Open: 100, High: 105, Low: 99, Close: 102, Volume: 1})

	next := day.Add(5 * time.Minute)
	snap, ok := e.Update(domain.Candle{Timeframe: domain.Timeframe5m, OpenTime: next, CloseTime: next.Add(5 * time.Minute), Open: 102, High: 105, Low: 101, Close: 104, Volume: 1})
	if !ok {
		t.Fatal("expected snapshot on 5m close")
	}

	// Reference open is 100 from the first candle of March 1, not 90.
	want := (104 - 100.0) / 100.0
	if !snap.DailyChange.Valid || !almostEqual(snap.DailyChange.Value, want) {
		t.Fatalf("DailyChange = %+v, want valid %v", snap.DailyChange, want)
	}
}

func TestClassifyPeakDecline(t *testing.T) {
	tests := []struct {
		name string
		vols []float64
		want domain.VolumeTrend
	}{
		{
			name: "peak then three declining bars",
			vols: []float64{100, 100, 100, 100, 300, 250, 200, 150},
			want: domain.VolumeTrendPeakDecline,
		},
		{
			name: "peak too small",
			vols: []float64{100, 100, 100, 100, 120, 110, 105, 100},
			want: domain.VolumeTrendFlat,
		},
		{
			name: "decline interrupted",
			vols: []float64{100, 100, 100, 100, 300, 250, 260, 150},
			want: domain.VolumeTrendFlat,
		},
		{
			name: "insufficient history",
			vols: []float64{300, 250, 200, 150},
			want: domain.VolumeTrendFlat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyPeakDecline(tt.vols); got != tt.want {
				t.Fatalf("classifyPeakDecline(%v) = %v, want %v", tt.vols, got, tt.want)
			}
		})
	}
}

func TestClassifyMildExpansion(t *testing.T) {
	tests := []struct {
		name string
		vols []float64
		want domain.VolumeTrend
	}{
		{
			name: "two increases under blow-off limit",
			vols: []float64{100, 100, 100, 100, 100, 100, 100, 100, 110, 120},
			want: domain.VolumeTrendMildExpansion,
		},
		{
			name: "last bar is a blow-off",
			vols: []float64{100, 100, 100, 100, 100, 100, 100, 100, 110, 500},
			want: domain.VolumeTrendFlat,
		},
		{
			name: "no consecutive increases",
			vols: []float64{100, 100, 100, 100, 100, 100, 100, 120, 110, 120},
			want: domain.VolumeTrendFlat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyMildExpansion(tt.vols); got != tt.want {
				t.Fatalf("classifyMildExpansion(%v) = %v, want %v", tt.vols, got, tt.want)
			}
		})
	}
}

func TestWindowBounded(t *testing.T) {
	cfg := Defaults()
	cfg.WindowSize = 10
	e := New("BTCUSDT", cfg, discard())
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	for _, c := range candles5m(start, closes) {
		e.Update(c)
	}
	if len(e.c5) != 10 {
		t.Fatalf("window size = %d, want 10", len(e.c5))
	}
}
