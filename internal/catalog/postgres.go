package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects, applies the schema and returns the writer.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	w := &PostgresWriter{
		pool: pool,
		log:  slog.With("component", "catalog"),
	}
	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// RecordBrick upserts one brick row keyed by its manifest coordinates.
func (w *PostgresWriter) RecordBrick(ctx context.Context, rec Brick) error {
	query := `
		INSERT INTO _meta_bricks (
			dataset_type, field_name, partition_name, brick_path,
			row_count, byte_size, checksum, export_date, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset_type, field_name, partition_name)
		DO UPDATE SET
			brick_path = EXCLUDED.brick_path,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			export_date = EXCLUDED.export_date,
			producer_version = EXCLUDED.producer_version,
			built_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetType,
		rec.FieldName,
		rec.Partition,
		rec.Path,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		nullable(rec.ExportDate),
		nullable(rec.ProducerVersion),
	)
	if err != nil {
		return fmt.Errorf("record brick: %w", err)
	}

	w.log.Debug("recorded brick", "partition", rec.Partition)
	return nil
}

// RecordRun inserts one run summary row.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec Run) error {
	query := `
		INSERT INTO _meta_runs (run_id, started_at, finished_at, downloaded, skipped, failed, bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Downloaded,
		rec.Skipped,
		rec.Failed,
		rec.Bytes,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
