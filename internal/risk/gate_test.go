package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

type fakeEquity struct {
	equity float64
	err    error
}

func (f *fakeEquity) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func (f *fakeEquity) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return errors.New("not implemented")
}

func (f *fakeEquity) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	return domain.Order{}, errors.New("not implemented")
}

func (f *fakeEquity) Equity(ctx context.Context) (float64, error) {
	return f.equity, f.err
}

type memStore struct {
	states map[string]domain.RiskDayState
	err    error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]domain.RiskDayState)}
}

func (m *memStore) Load(ctx context.Context, day string) (domain.RiskDayState, bool, error) {
	if m.err != nil {
		return domain.RiskDayState{}, false, m.err
	}
	s, ok := m.states[day]
	return s, ok, nil
}

func (m *memStore) Save(ctx context.Context, state domain.RiskDayState) error {
	if m.err != nil {
		return m.err
	}
	m.states[state.Date] = state
	return nil
}

func newGate(equity float64) (*Gate, *fakeEquity, *memStore) {
	gw := &fakeEquity{equity: equity}
	st := newMemStore()
	g := New(Defaults(), gw, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g, gw, st
}

func longSignal() domain.TradeSignal {
	return domain.TradeSignal{
		ID:         "sig-1",
		Strategy:   "trend_long",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: 100,
		StopPrice:  98,
	}
}

func shortSignal() domain.TradeSignal {
	return domain.TradeSignal{
		ID:         "sig-2",
		Strategy:   "overheat_short",
		Symbol:     "BTCUSDT",
		Side:       domain.SideShort,
		EntryPrice: 100,
		StopPrice:  102,
	}
}

func okFunding() domain.Metric { return domain.ValidMetric(0.0001) }

func TestSizingFormula(t *testing.T) {
	g, _, _ := newGate(10000)

	dec := g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if !dec.Approved {
		t.Fatalf("denied: %s %s", dec.Reason, dec.Detail)
	}

	// 10000 * 0.003 / |100-98| = 15, already on the 0.001 lot step.
	if math.Abs(dec.Quantity-15) > 1e-9 {
		t.Fatalf("quantity = %v, want 15", dec.Quantity)
	}
	if dec.RiskPerUnit != 2 {
		t.Fatalf("risk per unit = %v, want 2", dec.RiskPerUnit)
	}
}

func TestSizingLotStepAndMargin(t *testing.T) {
	g, _, _ := newGate(1000)
	g.cfg.LotStep = 0.1

	sig := longSignal()
	sig.StopPrice = 99.3 // risk 0.7 -> raw qty 1000*0.003/0.7 = 4.2857...

	dec := g.Evaluate(context.Background(), sig, false, okFunding())
	if !dec.Approved {
		t.Fatalf("denied: %s", dec.Reason)
	}
	if math.Abs(dec.Quantity-4.2) > 1e-9 {
		t.Fatalf("quantity = %v, want 4.2 (rounded down to lot step)", dec.Quantity)
	}

	// Margin cap: leverage 5, equity 1000 -> max notional 5000 -> qty 50.
	g2, _, _ := newGate(1000)
	sig2 := longSignal()
	sig2.StopPrice = 99.999 // tiny risk would size huge without the cap
	dec2 := g2.Evaluate(context.Background(), sig2, false, okFunding())
	if !dec2.Approved {
		t.Fatalf("denied: %s", dec2.Reason)
	}
	if dec2.Quantity > 50 {
		t.Fatalf("quantity = %v exceeds margin cap 50", dec2.Quantity)
	}
}

func TestDenyPositionOpen(t *testing.T) {
	g, _, _ := newGate(10000)

	dec := g.Evaluate(context.Background(), longSignal(), true, okFunding())
	if dec.Approved || dec.Reason != domain.DenyPositionOpen {
		t.Fatalf("decision = %+v, want POSITION_OPEN denial", dec)
	}
}

func TestDenyMaxTradesOnSeventh(t *testing.T) {
	g, _, _ := newGate(10000)

	for i := 0; i < 6; i++ {
		g.RecordTrade(context.Background(), 1)
	}

	dec := g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if dec.Approved || dec.Reason != domain.DenyMaxTrades {
		t.Fatalf("decision = %+v, want MAX_TRADES_EXCEEDED", dec)
	}
}

func TestDailyDrawdownLatches(t *testing.T) {
	g, gw, _ := newGate(10000)

	// Establish the day-high watermark.
	dec := g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if !dec.Approved {
		t.Fatalf("setup denied: %s", dec.Reason)
	}

	// Equity drops 3% from the high.
	gw.equity = 9700
	dec = g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if dec.Approved || dec.Reason != domain.DenyDailyDrawdown {
		t.Fatalf("decision = %+v, want DAILY_DRAWDOWN_EXCEEDED", dec)
	}

	// Recovery does not lift the suspension within the same day.
	gw.equity = 10000
	dec = g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if dec.Approved || dec.Reason != domain.DenyDailyDrawdown {
		t.Fatalf("decision = %+v, suspension must latch", dec)
	}
	if !g.Suspended() {
		t.Fatal("gate should report suspended")
	}

	// Next UTC day clears it.
	g.now = func() time.Time { return time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC) }
	dec = g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if !dec.Approved {
		t.Fatalf("next day should approve, got %s", dec.Reason)
	}
}

func TestFundingGuard(t *testing.T) {
	tests := []struct {
		name    string
		sig     domain.TradeSignal
		funding domain.Metric
		wantOK  bool
	}{
		{"long under guard", longSignal(), domain.ValidMetric(0.0002), true},
		{"long above guard", longSignal(), domain.ValidMetric(0.0004), false},
		{"short above negative guard", shortSignal(), domain.ValidMetric(-0.0002), true},
		{"short below negative guard", shortSignal(), domain.ValidMetric(-0.0004), false},
		{"short with high positive funding", shortSignal(), domain.ValidMetric(0.0009), true},
		{"unknown funding blocks", longSignal(), domain.InvalidMetric(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newGate(10000)
			dec := g.Evaluate(context.Background(), tt.sig, false, tt.funding)
			if dec.Approved != tt.wantOK {
				t.Fatalf("approved = %v (%s), want %v", dec.Approved, dec.Reason, tt.wantOK)
			}
			if !tt.wantOK && dec.Reason != domain.DenyFundingRate {
				t.Fatalf("reason = %s, want FUNDING_RATE_BLOCKED", dec.Reason)
			}
		})
	}
}

func TestEquityUnavailableDenies(t *testing.T) {
	g, gw, _ := newGate(10000)
	gw.err = errors.New("venue down")

	dec := g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if dec.Approved || dec.Reason != domain.DenyEquityUnknown {
		t.Fatalf("decision = %+v, want EQUITY_UNAVAILABLE", dec)
	}
}

func TestDayStateSurvivesRestart(t *testing.T) {
	g, gw, st := newGate(10000)
	for i := 0; i < 6; i++ {
		g.RecordTrade(context.Background(), -1)
	}

	// New gate sharing the store, as after a process restart.
	g2 := New(Defaults(), gw, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g2.now = g.now

	dec := g2.Evaluate(context.Background(), longSignal(), false, okFunding())
	if dec.Approved || dec.Reason != domain.DenyMaxTrades {
		t.Fatalf("decision = %+v, persisted trade count must survive restart", dec)
	}
}

func TestStoreFailureDegradesInMemory(t *testing.T) {
	g, _, st := newGate(10000)
	st.err = errors.New("redis down")

	dec := g.Evaluate(context.Background(), longSignal(), false, okFunding())
	if !dec.Approved {
		t.Fatalf("store failure must not block trading: %s", dec.Reason)
	}
}
