// Package journal is the single audit facade for the decision path. Every
// signal, risk verdict, state transition, order event and completed trade is
// written through it. Writes are bounded by a short timeout and failures are
// logged and counted, never propagated: journaling must not stall or abort
// trading decisions.
package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// Audit categories.
const (
	CategorySignal      = "signal"
	CategoryRisk        = "risk"
	CategoryMarketState = "market_state"
	CategoryOrder       = "order"
	CategoryTrade       = "trade"
	CategoryFailsafe    = "failsafe"
	CategoryFeed        = "feed"
)

// writeTimeout bounds every store write issued by the journal.
const writeTimeout = 2 * time.Second

// Notifier is the optional operator notification hook.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Journal writes audit entries and trade records.
type Journal struct {
	audit    domain.AuditStore
	trades   domain.TradeRecordStore
	notifier Notifier
	logger   *slog.Logger

	dropped atomic.Int64
}

// New creates a Journal. trades and notifier may be nil; audit must not be.
func New(audit domain.AuditStore, trades domain.TradeRecordStore, notifier Notifier, logger *slog.Logger) *Journal {
	return &Journal{
		audit:    audit,
		trades:   trades,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "journal")),
	}
}

// Dropped returns the number of journal writes that failed so far.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Signal records an emitted trade signal.
func (j *Journal) Signal(ctx context.Context, sig domain.TradeSignal) {
	j.write(ctx, CategorySignal, "signal_emitted", map[string]any{
		"signal_id": sig.ID,
		"strategy":  sig.Strategy,
		"symbol":    sig.Symbol,
		"side":      string(sig.Side),
		"entry":     sig.EntryPrice,
		"stop":      sig.StopPrice,
		"state":     string(sig.State),
		"triggers":  sig.TriggerReasons,
	})
}

// Decision records the risk gate's verdict on a signal.
func (j *Journal) Decision(ctx context.Context, sig domain.TradeSignal, dec domain.RiskDecision) {
	detail := map[string]any{
		"signal_id": sig.ID,
		"strategy":  sig.Strategy,
		"approved":  dec.Approved,
	}
	if dec.Approved {
		detail["quantity"] = dec.Quantity
		detail["risk_per_unit"] = dec.RiskPerUnit
		detail["equity"] = dec.Equity
	} else {
		detail["reason"] = string(dec.Reason)
		detail["detail"] = dec.Detail
	}
	event := "signal_approved"
	if !dec.Approved {
		event = "signal_denied"
	}
	j.write(ctx, CategoryRisk, event, detail)

	if !dec.Approved && dec.Reason == domain.DenyDailyDrawdown {
		j.notify(ctx, "risk_suspended", "Entries suspended",
			"daily drawdown limit reached: "+dec.Detail)
	}
}

// StateChange records a market state transition.
func (j *Journal) StateChange(ctx context.Context, symbol string, from, to domain.MarketState, snap domain.IndicatorSnapshot) {
	j.write(ctx, CategoryMarketState, "state_changed", map[string]any{
		"symbol":       symbol,
		"from":         string(from),
		"to":           string(to),
		"close":        snap.Close,
		"vwap":         metricValue(snap.VWAP),
		"daily_change": metricValue(snap.DailyChange),
	})
}

// Order records an order lifecycle event such as entry_submitted,
// entry_confirmed, entry_rejected, stop_placed or tp_placed.
func (j *Journal) Order(ctx context.Context, event string, detail map[string]any) {
	j.write(ctx, CategoryOrder, event, detail)
}

// PositionOpened records a confirmed, protected position and notifies.
func (j *Journal) PositionOpened(ctx context.Context, pos domain.Position) {
	j.write(ctx, CategoryTrade, "position_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"strategy":    pos.Strategy,
		"side":        string(pos.Side),
		"entry":       pos.EntryPrice,
		"quantity":    pos.Quantity,
		"stop":        pos.StopPrice,
	})
	j.notify(ctx, "position_opened", "Position opened",
		pos.Symbol+" "+string(pos.Side)+" via "+pos.Strategy)
}

// TradeClosed persists the trade record and audits the close.
func (j *Journal) TradeClosed(ctx context.Context, rec domain.TradeRecord) {
	if j.trades != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := j.trades.Insert(wctx, rec); err != nil {
			j.dropped.Add(1)
			j.logger.Error("trade record write failed",
				slog.String("trade_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}
	j.write(ctx, CategoryTrade, "position_closed", map[string]any{
		"trade_id":    rec.ID,
		"symbol":      rec.Symbol,
		"strategy":    rec.Strategy,
		"side":        string(rec.Side),
		"entry":       rec.EntryPrice,
		"exit":        rec.ExitPrice,
		"quantity":    rec.Quantity,
		"pnl":         rec.PnL,
		"exit_reason": rec.ExitReason,
	})
	j.notify(ctx, "position_closed", "Position closed", rec.Symbol+" "+rec.ExitReason)
}

// Failsafe records a fail-safe flatten and notifies unconditionally.
func (j *Journal) Failsafe(ctx context.Context, reason string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason
	j.write(ctx, CategoryFailsafe, "flatten", detail)
	j.notify(ctx, "failsafe", "Fail-safe flatten", reason)
}

// Feed records feed health transitions.
func (j *Journal) Feed(ctx context.Context, event string, detail map[string]any) {
	j.write(ctx, CategoryFeed, event, detail)
}

func (j *Journal) write(ctx context.Context, category, event string, detail map[string]any) {
	if j.audit == nil {
		return
	}
	// Detached from the caller's cancellation so shutdown paths still get
	// journaled, but bounded so a dead store cannot stall the pipeline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := j.audit.Log(wctx, category, event, detail); err != nil {
		j.dropped.Add(1)
		j.logger.Error("audit write failed",
			slog.String("category", category),
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func (j *Journal) notify(ctx context.Context, event, title, message string) {
	if j.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := j.notifier.Notify(nctx, event, title, message); err != nil {
		j.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func metricValue(m domain.Metric) any {
	if !m.Valid {
		return nil
	}
	return m.Value
}
