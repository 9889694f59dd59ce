// Package pipeline runs the serialized decision path: one goroutine
// consumes the ordered market-event stream and drives indicators, state
// detection, strategy evaluation, risk gating and the order sequencer in
// turn. All trading state is confined to that goroutine; there is no
// locking anywhere on the decision path.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
	"github.com/jlindqvist/perpbot/internal/indicator"
	"github.com/jlindqvist/perpbot/internal/journal"
	"github.com/jlindqvist/perpbot/internal/marketstate"
	"github.com/jlindqvist/perpbot/internal/risk"
	"github.com/jlindqvist/perpbot/internal/sequencer"
	"github.com/jlindqvist/perpbot/internal/strategy"
)

// Mode selects whether approved decisions reach the venue.
type Mode string

const (
	// ModeTrade executes approved decisions.
	ModeTrade Mode = "trade"
	// ModeMonitor journals approved decisions and drops them before the
	// sequencer; no order is ever sent.
	ModeMonitor Mode = "monitor"
)

// flattenTimeout bounds the shutdown flatten once the run context is gone.
const flattenTimeout = 15 * time.Second

// Pipeline owns the single-goroutine event loop.
type Pipeline struct {
	symbol string
	mode   Mode

	engine   *indicator.Engine
	detector *marketstate.Detector
	registry *strategy.Registry
	gate     *risk.Gate
	seq      *sequencer.Sequencer
	journal  *journal.Journal
	logger   *slog.Logger

	now func() time.Time

	// Event-loop state; touched only by Run's goroutine.
	book        *domain.BookSnapshot
	prevBook    *domain.BookSnapshot
	funding     domain.Metric
	state       domain.MarketState
	feedHealthy bool
}

// New creates a Pipeline.
func New(
	symbol string,
	mode Mode,
	engine *indicator.Engine,
	detector *marketstate.Detector,
	registry *strategy.Registry,
	gate *risk.Gate,
	seq *sequencer.Sequencer,
	jrnl *journal.Journal,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		symbol:      symbol,
		mode:        mode,
		engine:      engine,
		detector:    detector,
		registry:    registry,
		gate:        gate,
		seq:         seq,
		journal:     jrnl,
		logger:      logger.With(slog.String("component", "pipeline")),
		now:         time.Now,
		state:       domain.StateNeutral,
		feedHealthy: true,
	}
}

// Seed preloads historical candles into the indicator engine.
func (p *Pipeline) Seed(candles []domain.Candle) {
	p.engine.Seed(candles)
}

// Run consumes events until the context is cancelled or the channel is
// closed. On the way out it flattens any open position; clean shutdown
// never leaves working orders or an unmanaged position behind.
func (p *Pipeline) Run(ctx context.Context, events <-chan domain.MarketEvent) error {
	p.logger.Info("pipeline started",
		slog.String("symbol", p.symbol),
		slog.String("mode", string(p.mode)),
		slog.Any("strategies", p.registry.List()))

	defer p.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Pipeline) shutdown(ctx context.Context) {
	if !p.seq.PositionOpen() {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flattenTimeout)
	defer cancel()
	if err := p.seq.Flatten(fctx, "shutdown"); err != nil {
		p.logger.Error("shutdown flatten failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) handle(ctx context.Context, ev domain.MarketEvent) {
	switch ev.Kind {
	case domain.EventCandleClosed:
		p.onCandle(ctx, ev)
	case domain.EventBookUpdate:
		p.prevBook = p.book
		p.book = ev.Book
		p.tick(ctx, ev.Book.BestBid())
	case domain.EventFundingUpdate:
		p.funding = domain.ValidMetric(ev.Funding.Rate)
		p.tick(ctx, ev.Funding.MarkPrice)
	case domain.EventFeedStale:
		p.feedHealthy = false
		p.journal.Feed(ctx, "feed_stale", map[string]any{"symbol": p.symbol})
		p.logger.Warn("feed stale, new entries suspended")
	case domain.EventFeedRecovered:
		p.feedHealthy = true
		p.journal.Feed(ctx, "feed_recovered", map[string]any{"symbol": p.symbol})
		p.logger.Info("feed recovered")
	}
}

func (p *Pipeline) onCandle(ctx context.Context, ev domain.MarketEvent) {
	snap, ok := p.engine.Update(*ev.Candle)

	// Every close advances position management, 5m or 15m alike.
	p.tick(ctx, ev.Candle.Close)

	if !ok {
		return
	}

	next := p.detector.Detect(snap, p.funding)
	if next != p.state {
		p.journal.StateChange(ctx, p.symbol, p.state, next, snap)
		p.logger.Info("market state changed",
			slog.String("from", string(p.state)),
			slog.String("to", string(next)))
		p.state = next
	}

	if p.seq.PositionOpen() {
		return
	}
	if !p.feedHealthy {
		return
	}

	p.evaluate(ctx, snap)
}

// evaluate runs the strategies in registration order; the first signal wins
// the candle and goes through the risk gate.
func (p *Pipeline) evaluate(ctx context.Context, snap domain.IndicatorSnapshot) {
	ec := strategy.EvalContext{
		State:    p.state,
		Snapshot: snap,
		Funding:  p.funding,
		Book:     p.book,
		PrevBook: p.prevBook,
		Now:      p.now(),
	}

	for _, strat := range p.registry.All() {
		sig, err := strat.Evaluate(ctx, ec)
		if err != nil {
			p.logger.Error("strategy evaluation failed",
				slog.String("strategy", strat.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if sig == nil {
			continue
		}

		p.journal.Signal(ctx, *sig)
		p.decide(ctx, *sig)
		return
	}
}

func (p *Pipeline) decide(ctx context.Context, sig domain.TradeSignal) {
	dec := p.gate.Evaluate(ctx, sig, p.seq.PositionOpen(), p.funding)
	p.journal.Decision(ctx, sig, dec)
	if !dec.Approved {
		return
	}

	if p.mode == ModeMonitor {
		p.journal.Order(ctx, "execution_skipped", map[string]any{
			"signal_id": sig.ID,
			"mode":      string(ModeMonitor),
			"quantity":  dec.Quantity,
		})
		p.logger.Info("monitor mode, approved signal not executed",
			slog.String("signal_id", sig.ID))
		return
	}

	if err := p.seq.Execute(ctx, sig, dec.Quantity); err != nil {
		p.logger.Error("execution failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) tick(ctx context.Context, price float64) {
	if err := p.seq.OnTick(ctx, price); err != nil {
		p.logger.Error("sequencer tick failed", slog.String("error", err.Error()))
	}
}
