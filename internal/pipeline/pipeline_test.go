package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
	"github.com/jlindqvist/perpbot/internal/indicator"
	"github.com/jlindqvist/perpbot/internal/journal"
	"github.com/jlindqvist/perpbot/internal/marketstate"
	"github.com/jlindqvist/perpbot/internal/risk"
	"github.com/jlindqvist/perpbot/internal/sequencer"
	"github.com/jlindqvist/perpbot/internal/strategy"
)

type fakeGateway struct {
	nextID    int
	placed    []domain.OrderRequest
	orders    map[string]domain.Order
	cancelled []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: make(map[string]domain.Order)}
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.nextID++
	id := fmt.Sprintf("o%d", f.nextID)
	f.placed = append(f.placed, req)

	o := domain.Order{
		ID:       id,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   domain.OrderStatusNew,
	}
	// Entries and market exits fill instantly; protective orders rest.
	if req.Type == domain.OrderTypeLimit || req.Type == domain.OrderTypeMarket {
		o.Status = domain.OrderStatusFilled
		o.ExecutedQty = req.Quantity
		o.AvgFillPrice = req.Price
		if o.AvgFillPrice == 0 {
			o.AvgFillPrice = req.StopPrice
		}
	}
	f.orders[id] = o
	return o, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return domain.ErrOrderUnknown
	}
	f.cancelled = append(f.cancelled, orderID)
	if !o.Status.Terminal() {
		o.Status = domain.OrderStatusCancelled
		f.orders[orderID] = o
	}
	return nil
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderUnknown
	}
	return o, nil
}

func (f *fakeGateway) Equity(ctx context.Context) (float64, error) {
	return 10000, nil
}

type recordingAudit struct {
	entries []domain.AuditEntry
}

func (r *recordingAudit) Log(ctx context.Context, category, event string, detail map[string]any) error {
	r.entries = append(r.entries, domain.AuditEntry{Category: category, Event: event, Detail: detail})
	return nil
}

func (r *recordingAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (r *recordingAudit) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (r *recordingAudit) count(event string) int {
	n := 0
	for _, e := range r.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *recordingAudit) find(event string) (domain.AuditEntry, bool) {
	for _, e := range r.entries {
		if e.Event == event {
			return e, true
		}
	}
	return domain.AuditEntry{}, false
}

type stack struct {
	p     *Pipeline
	gw    *fakeGateway
	audit *recordingAudit
	gate  *risk.Gate
	seq   *sequencer.Sequencer
}

func newStack(t *testing.T, mode Mode) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	icfg := indicator.Defaults()
	icfg.WindowSize = 50
	icfg.VWAPWindowMinutes = 40 // 8 candles
	icfg.RecentBars = 3

	gw := newFakeGateway()
	audit := &recordingAudit{}
	jrnl := journal.New(audit, nil, nil, logger)

	gate := risk.New(risk.Defaults(), gw, nil, logger)

	scfg := sequencer.Defaults()
	scfg.MaxStatusPolls = 2
	scfg.PollMinWait = 0
	scfg.PollMaxWait = 0
	seq := sequencer.New(scfg, gw, jrnl, func(ctx context.Context, rec domain.TradeRecord) {
		gate.RecordTrade(ctx, rec.PnL)
	}, logger)

	ocfg := strategy.OverheatShortDefaults()
	ocfg.MinTriggers = 1 // depth drop alone fires in these scenarios
	reg := strategy.NewRegistry()
	reg.Register(strategy.NewOverheatShort(ocfg, logger))
	reg.Register(strategy.NewTrendLong(strategy.TrendLongDefaults(), logger))

	p := New("BTCUSDT", mode,
		indicator.New("BTCUSDT", icfg, logger),
		marketstate.New(marketstate.Defaults(), logger),
		reg, gate, seq, jrnl, logger)

	return &stack{p: p, gw: gw, audit: audit, gate: gate, seq: seq}
}

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func candleEvent(i int, close, volume float64) domain.MarketEvent {
	open := day.Add(time.Duration(i) * 5 * time.Minute)
	return domain.MarketEvent{
		Kind: domain.EventCandleClosed,
		At:   open.Add(5 * time.Minute),
		Candle: &domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe5m,
			OpenTime:  open,
			CloseTime: open.Add(5 * time.Minute),
			Open:      close,
			High:      close + 0.5,
			Low:       close - 0.5,
			Close:     close,
			Volume:    volume,
		},
	}
}

func bookEvent(qty float64) domain.MarketEvent {
	b := &domain.BookSnapshot{Symbol: "BTCUSDT", UpdatedAt: day}
	for i := 0; i < 5; i++ {
		b.Bids = append(b.Bids, domain.BookLevel{Price: 107 - float64(i)*0.1, Qty: qty})
		b.Asks = append(b.Asks, domain.BookLevel{Price: 107.1 + float64(i)*0.1, Qty: qty})
	}
	return domain.MarketEvent{Kind: domain.EventBookUpdate, At: day, Book: b}
}

func fundingEvent(rate float64) domain.MarketEvent {
	return domain.MarketEvent{
		Kind: domain.EventFundingUpdate,
		At:   day,
		Funding: &domain.FundingRate{
			Symbol:    "BTCUSDT",
			Rate:      rate,
			MarkPrice: 107,
			UpdatedAt: day,
		},
	}
}

// overheatedEvents produces a 7%+ day with a blow-off volume pattern, a
// stretched close above VWAP, elevated funding and a 30% bid-depth drop,
// ending on the candle that should trigger the short.
func overheatedEvents() []domain.MarketEvent {
	closes := []float64{100, 100, 100, 100, 100, 100, 106, 106.5, 107}
	vols := []float64{100, 100, 100, 100, 100, 100, 300, 250, 200}

	var evs []domain.MarketEvent
	evs = append(evs, fundingEvent(0.00025))
	evs = append(evs, bookEvent(10), bookEvent(7))
	for i := range closes {
		evs = append(evs, candleEvent(i, closes[i], vols[i]))
	}
	evs = append(evs, candleEvent(len(closes), 107.2, 150))
	return evs
}

func feed(ctx context.Context, s *stack, evs []domain.MarketEvent) {
	for _, ev := range evs {
		s.p.handle(ctx, ev)
	}
}

func TestOverheatedScenarioOpensShort(t *testing.T) {
	s := newStack(t, ModeTrade)
	ctx := context.Background()

	feed(ctx, s, overheatedEvents())

	if !s.seq.PositionOpen() {
		t.Fatal("expected an open short position")
	}
	pos := s.seq.Position()
	if pos.Side != domain.SideShort {
		t.Fatalf("side = %s, want short", pos.Side)
	}
	if pos.Strategy != "overheat_short" {
		t.Fatalf("strategy = %s", pos.Strategy)
	}

	// The decision trail: state change, signal, approval, execution.
	for _, event := range []string{"state_changed", "signal_emitted", "signal_approved", "entry_submitted", "stop_placed", "position_opened"} {
		if s.audit.count(event) == 0 {
			t.Fatalf("missing audit event %q; got %+v", event, s.audit.entries)
		}
	}

	sc, _ := s.audit.find("state_changed")
	if sc.Detail["to"] != string(domain.StateOverheated) {
		t.Fatalf("state change = %+v, want OVERHEATED", sc.Detail)
	}
}

func TestMonitorModeNeverPlacesOrders(t *testing.T) {
	s := newStack(t, ModeMonitor)
	ctx := context.Background()

	feed(ctx, s, overheatedEvents())

	if len(s.gw.placed) != 0 {
		t.Fatalf("monitor mode placed %d orders", len(s.gw.placed))
	}
	if s.audit.count("signal_approved") == 0 {
		t.Fatal("approval must still be journaled in monitor mode")
	}
	if s.audit.count("execution_skipped") != 1 {
		t.Fatal("skipped execution must be journaled")
	}
}

func TestFeedStaleSuspendsEntries(t *testing.T) {
	s := newStack(t, ModeTrade)
	ctx := context.Background()

	s.p.handle(ctx, domain.MarketEvent{Kind: domain.EventFeedStale, At: day})
	feed(ctx, s, overheatedEvents())

	if s.seq.PositionOpen() {
		t.Fatal("stale feed must suspend new entries")
	}
	if s.audit.count("signal_emitted") != 0 {
		t.Fatal("no evaluation while the feed is stale")
	}
	if s.audit.count("feed_stale") != 1 {
		t.Fatal("staleness must be journaled")
	}

	// Recovery lifts the suspension; the next qualifying close trades.
	s.p.handle(ctx, domain.MarketEvent{Kind: domain.EventFeedRecovered, At: day})
	s.p.handle(ctx, candleEvent(10, 107.4, 140))

	if !s.seq.PositionOpen() {
		t.Fatal("entries must resume after recovery")
	}
}

func TestSeventhTradeDenied(t *testing.T) {
	s := newStack(t, ModeTrade)
	ctx := context.Background()

	// Six trades already booked today.
	for i := 0; i < 6; i++ {
		s.gate.RecordTrade(ctx, 1)
	}

	feed(ctx, s, overheatedEvents())

	if s.seq.PositionOpen() {
		t.Fatal("seventh trade must be denied")
	}
	denied, ok := s.audit.find("signal_denied")
	if !ok {
		t.Fatal("denial must be journaled")
	}
	if denied.Detail["reason"] != string(domain.DenyMaxTrades) {
		t.Fatalf("deny reason = %v, want MAX_TRADES_EXCEEDED", denied.Detail["reason"])
	}
	if len(s.gw.placed) != 0 {
		t.Fatal("denied signal must not reach the venue")
	}
}

func TestShutdownFlattensOpenPosition(t *testing.T) {
	s := newStack(t, ModeTrade)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.MarketEvent)
	done := make(chan error, 1)

	go func() {
		done <- s.p.Run(ctx, events)
	}()

	for _, ev := range overheatedEvents() {
		events <- ev
	}
	// One trailing no-op event so the send above has been fully handled.
	events <- fundingEvent(0.00025)
	cancel()

	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if s.seq.PositionOpen() {
		t.Fatal("shutdown must flatten the open position")
	}
	last := s.gw.placed[len(s.gw.placed)-1]
	if last.Type != domain.OrderTypeMarket || !last.ReduceOnly {
		t.Fatalf("last order = %+v, want reduce-only market exit", last)
	}
	if s.audit.count("flatten") != 1 {
		t.Fatal("shutdown flatten must be journaled")
	}
}
