// Package catalog persists brick and run records to a PostgreSQL
// catalog. With no DSN configured every write is a no-op.
package catalog

import (
	"context"
	"time"
)

// Brick describes one built parquet artifact.
type Brick struct {
	DatasetType     string
	FieldName       string
	Partition       string // partition base name, e.g. drug-event-0001-of-0035
	Path            string
	RowCount        int64
	ByteSize        int64
	Checksum        string
	ExportDate      string
	ProducerVersion string
}

// Run describes one completed sync run.
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Downloaded int64
	Skipped    int64
	Failed     int64
	Bytes      int64
}

// Writer persists catalog records.
type Writer interface {
	RecordBrick(ctx context.Context, rec Brick) error
	RecordRun(ctx context.Context, rec Run) error
	Close() error
}

// Config holds catalog configuration.
type Config struct {
	PostgresDSN string
	Strict      bool
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordBrick(context.Context, Brick) error { return nil }
func (noopWriter) RecordRun(context.Context, Run) error     { return nil }
func (noopWriter) Close() error                             { return nil }
