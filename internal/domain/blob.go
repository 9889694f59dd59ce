package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves aged records out of the primary store into blob storage.
type Archiver interface {
	// ArchiveTrades uploads all trade records closed before the cutoff and
	// returns the number archived.
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)

	// ArchiveAudit uploads all audit entries created before the cutoff and
	// returns the number archived.
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
