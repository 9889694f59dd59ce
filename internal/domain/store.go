package domain

import (
	"context"
	"time"
)

// TradeRecordStore persists completed trades.
type TradeRecordStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	ListRecent(ctx context.Context, limit int) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        int64
	Category  string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is the append-only audit log. Log must never block the caller
// beyond its context deadline.
type AuditStore interface {
	Log(ctx context.Context, category, event string, detail map[string]any) error
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RiskStateStore persists per-day risk bookkeeping across restarts.
type RiskStateStore interface {
	// Load returns the stored state for the given day key and whether it
	// existed.
	Load(ctx context.Context, day string) (RiskDayState, bool, error)
	Save(ctx context.Context, state RiskDayState) error
}
