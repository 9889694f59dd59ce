package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// TradeStore implements domain.TradeRecordStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert writes one completed trade. Records are written once; a conflicting
// ID is an error.
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_records
			(id, symbol, strategy, side, entry_price, stop_price, quantity,
			 exit_price, pnl, exit_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.Strategy, string(rec.Side),
		rec.EntryPrice, rec.StopPrice, rec.Quantity,
		rec.ExitPrice, rec.PnL, rec.ExitReason,
		rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade record %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the most recently closed trades, newest first.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	const query = `
		SELECT id, symbol, strategy, side, entry_price, stop_price, quantity,
		       exit_price, pnl, exit_reason, opened_at, closed_at
		FROM trade_records
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListBefore returns trades closed before the cutoff, oldest first, for
// archival.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	const query = `
		SELECT id, symbol, strategy, side, entry_price, stop_price, quantity,
		       exit_price, pnl, exit_reason, opened_at, closed_at
		FROM trade_records
		WHERE closed_at < $1
		ORDER BY closed_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// DeleteBefore removes trades closed before the cutoff.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_records WHERE closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var records []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var side string

		if err := rows.Scan(
			&rec.ID, &rec.Symbol, &rec.Strategy, &side,
			&rec.EntryPrice, &rec.StopPrice, &rec.Quantity,
			&rec.ExitPrice, &rec.PnL, &rec.ExitReason,
			&rec.OpenedAt, &rec.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade record: %w", err)
		}
		rec.Side = domain.PositionSide(side)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade record rows: %w", err)
	}
	return records, nil
}
