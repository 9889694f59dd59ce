package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

type recordingAudit struct {
	entries []domain.AuditEntry
	err     error
}

func (r *recordingAudit) Log(ctx context.Context, category, event string, detail map[string]any) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, domain.AuditEntry{Category: category, Event: event, Detail: detail})
	return nil
}

func (r *recordingAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (r *recordingAudit) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type recordingTrades struct {
	records []domain.TradeRecord
}

func (r *recordingTrades) Insert(ctx context.Context, rec domain.TradeRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingTrades) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (r *recordingTrades) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (r *recordingTrades) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func TestWriteFailureIsSwallowedAndCounted(t *testing.T) {
	audit := &recordingAudit{err: errors.New("db down")}
	j := New(audit, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	j.Signal(context.Background(), domain.TradeSignal{ID: "s1"})
	j.Failsafe(context.Background(), "stop placement failed", nil)

	if got := j.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestTradeClosedWritesRecordAndAudit(t *testing.T) {
	audit := &recordingAudit{}
	trades := &recordingTrades{}
	j := New(audit, trades, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := domain.TradeRecord{
		ID:         "t1",
		Symbol:     "BTCUSDT",
		Strategy:   "overheat_short",
		Side:       domain.SideShort,
		EntryPrice: 100,
		ExitPrice:  98,
		Quantity:   1,
		PnL:        2,
		ExitReason: "take_profit",
	}
	j.TradeClosed(context.Background(), rec)

	if len(trades.records) != 1 || trades.records[0].ID != "t1" {
		t.Fatalf("trade records = %+v", trades.records)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit.entries))
	}
	e := audit.entries[0]
	if e.Category != CategoryTrade || e.Event != "position_closed" {
		t.Fatalf("entry = %s/%s", e.Category, e.Event)
	}
}

func TestDecisionCategories(t *testing.T) {
	audit := &recordingAudit{}
	j := New(audit, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sig := domain.TradeSignal{ID: "s1", Strategy: "trend_long"}
	j.Decision(context.Background(), sig, domain.RiskDecision{Approved: true, Quantity: 2})
	j.Decision(context.Background(), sig, domain.RiskDecision{Reason: domain.DenyMaxTrades, Detail: "6 trades"})

	if len(audit.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(audit.entries))
	}
	if audit.entries[0].Event != "signal_approved" || audit.entries[1].Event != "signal_denied" {
		t.Fatalf("events = %s, %s", audit.entries[0].Event, audit.entries[1].Event)
	}
	if audit.entries[1].Detail["reason"] != string(domain.DenyMaxTrades) {
		t.Fatalf("denied detail = %+v", audit.entries[1].Detail)
	}
}

// The journal must not block on a cancelled caller context; writes detach
// from cancellation and carry their own timeout.
func TestWriteDetachesFromCancelledContext(t *testing.T) {
	audit := &recordingAudit{}
	j := New(audit, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j.Order(ctx, "entry_submitted", map[string]any{"order_id": "1"})
	if len(audit.entries) != 1 {
		t.Fatalf("entries = %d, want 1 despite cancelled context", len(audit.entries))
	}
}
