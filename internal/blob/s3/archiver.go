package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// ArchiveImpl implements domain.Archiver: it queries the primary store for
// aged records, serialises them to JSONL, uploads the file, records the
// archival in the audit log and then deletes the archived rows.
type ArchiveImpl struct {
	writer domain.BlobWriter
	trades domain.TradeRecordStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeRecordStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads trades closed before the cutoff to
// archive/trades/YYYY-MM.jsonl, then deletes them from the primary store.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))
	if err := a.audit.Log(ctx, "archive", "trades_archived", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.Warn("archive audit log failed", slog.String("error", err.Error()))
	}

	deleted, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		// The upload succeeded; the rows will be picked up again next run.
		return count, fmt.Errorf("s3blob: archive trades delete: %w", err)
	}
	a.logger.Info("trades archived",
		slog.String("path", path),
		slog.Int64("archived", count),
		slog.Int64("deleted", deleted))
	return count, nil
}

// ArchiveAudit uploads audit entries created before the cutoff to
// archive/audit/YYYY-MM.jsonl, then deletes them. The archival event itself
// is logged after the cutoff so it survives the deletion.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive audit delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive", "audit_archived", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.Warn("archive audit log failed", slog.String("error", err.Error()))
	}
	a.logger.Info("audit log archived",
		slog.String("path", path),
		slog.Int64("archived", count),
		slog.Int64("deleted", deleted))
	return count, nil
}

// archivePath partitions archive files by the cutoff's year-month:
//
//	archive/trades/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
