// Package publish mirrors built bricks to object storage.
package publish

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/kilnworks/openfda-sync/internal/metrics"
)

// Summary aggregates one publish run.
type Summary struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Publisher uploads brick files to a bucket, keyed by their path
// relative to the brick root.
type Publisher struct {
	bucket *blob.Bucket
	prefix string
	log    *slog.Logger
}

// Open connects to the bucket named by a gocloud URL (s3://, gs://,
// file://, mem:// in tests).
func Open(ctx context.Context, bucketURL, prefix string, log *slog.Logger) (*Publisher, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Publisher{
		bucket: bucket,
		prefix: prefix,
		log:    log.With("component", "publish"),
	}, nil
}

// Close releases the bucket connection.
func (p *Publisher) Close() error { return p.bucket.Close() }

// PublishTree uploads every parquet file under brickRoot that the
// bucket is missing or holds at a different size. Keys mirror the
// local layout under the configured prefix.
func (p *Publisher) PublishTree(ctx context.Context, brickRoot string) (Summary, error) {
	var sum Summary

	bricks, err := planBricks(brickRoot)
	if err != nil {
		return sum, err
	}

	for _, brick := range bricks {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		rel, err := filepath.Rel(brickRoot, brick)
		if err != nil {
			return sum, fmt.Errorf("relativize %s: %w", brick, err)
		}
		key := p.prefix + filepath.ToSlash(rel)

		info, err := os.Stat(brick)
		if err != nil {
			return sum, fmt.Errorf("stat %s: %w", brick, err)
		}

		current, err := p.current(ctx, key, info.Size())
		if err != nil {
			return sum, err
		}
		if current {
			sum.Skipped++
			p.log.Debug("skipped brick, already published", "key", key)
			continue
		}

		if err := p.upload(ctx, brick, key); err != nil {
			return sum, err
		}
		sum.Uploaded++
		sum.Bytes += info.Size()
		p.log.Info("published brick", "key", key, "bytes", info.Size())
		if m := metrics.Get(); m != nil {
			m.IncObjectsPublished()
		}
	}

	p.log.Info("publish complete",
		"uploaded", sum.Uploaded,
		"skipped", sum.Skipped,
		"bytes", sum.Bytes,
	)
	return sum, nil
}

// current reports whether the bucket already holds key at this size.
func (p *Publisher) current(ctx context.Context, key string, size int64) (bool, error) {
	attrs, err := p.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return attrs.Size == size, nil
}

func (p *Publisher) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w, err := p.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// planBricks lists parquet files under the brick root, sorted for a
// stable upload order. A missing root means nothing has been built yet.
func planBricks(brickRoot string) ([]string, error) {
	var bricks []string
	err := filepath.WalkDir(brickRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			bricks = append(bricks, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan bricks: %w", err)
	}
	sort.Strings(bricks)
	return bricks, nil
}
