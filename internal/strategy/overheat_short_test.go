package strategy

import (
	"context"
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

func overheatCtx() EvalContext {
	return EvalContext{
		State: domain.StateOverheated,
		Snapshot: domain.IndicatorSnapshot{
			Symbol:     "BTCUSDT",
			Close:      99.0,
			VWAP:       domain.ValidMetric(100), // close below vwap fires
			RecentHigh: domain.ValidMetric(104),
			// MA cross not firing: short stays above medium.
			SMAShort:      domain.ValidMetric(100.5),
			SMAMedium:     domain.ValidMetric(100.0),
			PrevSMAShort:  domain.ValidMetric(100.6),
			PrevSMAMedium: domain.ValidMetric(100.0),
		},
		Now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func book(bidQtys ...float64) *domain.BookSnapshot {
	b := &domain.BookSnapshot{Symbol: "BTCUSDT"}
	for i, q := range bidQtys {
		b.Bids = append(b.Bids, domain.BookLevel{Price: 100 - float64(i), Qty: q})
	}
	return b
}

func TestOverheatShortFiresOnTwoTriggers(t *testing.T) {
	s := NewOverheatShort(OverheatShortDefaults(), discard())

	ec := overheatCtx()
	// Second trigger: top-5 bid depth down 30%.
	ec.PrevBook = book(10, 10, 10, 10, 10)
	ec.Book = book(7, 7, 7, 7, 7)

	sig, err := s.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a signal with 2 of 3 triggers")
	}
	if sig.Side != domain.SideShort {
		t.Fatalf("side = %v, want short", sig.Side)
	}
	if len(sig.TriggerReasons) != 2 {
		t.Fatalf("triggers = %v, want 2", sig.TriggerReasons)
	}

	wantStop := 104 * 1.0025
	if math.Abs(sig.StopPrice-wantStop) > 1e-9 {
		t.Fatalf("stop = %v, want %v", sig.StopPrice, wantStop)
	}
	if sig.EntryPrice != 99.0 {
		t.Fatalf("entry = %v, want close", sig.EntryPrice)
	}
	if sig.MaxHold != 30*time.Minute {
		t.Fatalf("max hold = %v", sig.MaxHold)
	}
}

func TestOverheatShortSingleTriggerDeclines(t *testing.T) {
	s := NewOverheatShort(OverheatShortDefaults(), discard())

	ec := overheatCtx() // only "close below vwap" fires, no books
	sig, err := s.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig != nil {
		t.Fatalf("expected no signal with 1 trigger, got %+v", sig)
	}
}

func TestOverheatShortWrongState(t *testing.T) {
	s := NewOverheatShort(OverheatShortDefaults(), discard())

	ec := overheatCtx()
	ec.State = domain.StateTrending
	ec.PrevBook = book(10, 10, 10, 10, 10)
	ec.Book = book(5, 5, 5, 5, 5)

	sig, err := s.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig != nil {
		t.Fatal("must not fire outside OVERHEATED")
	}
}

func TestOverheatShortNoRecentHigh(t *testing.T) {
	s := NewOverheatShort(OverheatShortDefaults(), discard())

	ec := overheatCtx()
	ec.Snapshot.RecentHigh = domain.InvalidMetric()
	ec.PrevBook = book(10, 10, 10, 10, 10)
	ec.Book = book(5, 5, 5, 5, 5)

	sig, err := s.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig != nil {
		t.Fatal("no stop anchor, no signal")
	}
}

func TestDeathCross(t *testing.T) {
	tests := []struct {
		name                  string
		prevShort, prevMedium float64
		short, medium         float64
		want                  bool
	}{
		{"crosses down", 100.2, 100.0, 99.8, 100.0, true},
		{"already below", 99.5, 100.0, 99.8, 100.0, false},
		{"stays above", 100.2, 100.0, 100.1, 100.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := domain.IndicatorSnapshot{
				SMAShort:      domain.ValidMetric(tt.short),
				SMAMedium:     domain.ValidMetric(tt.medium),
				PrevSMAShort:  domain.ValidMetric(tt.prevShort),
				PrevSMAMedium: domain.ValidMetric(tt.prevMedium),
			}
			if got := deathCross(snap); got != tt.want {
				t.Fatalf("deathCross() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDepthDrop(t *testing.T) {
	prev := book(10, 10, 10, 10, 10, 99) // 6th level must be ignored
	cur := book(8, 8, 8, 8, 8)

	drop, ok := depthDrop(cur, prev, 5)
	if !ok {
		t.Fatal("expected a measurable drop")
	}
	if math.Abs(drop-0.2) > 1e-9 {
		t.Fatalf("drop = %v, want 0.2", drop)
	}

	if _, ok := depthDrop(cur, nil, 5); ok {
		t.Fatal("nil previous book must not measure")
	}
}
