package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kilnworks/openfda-sync/internal/fetch"
	"github.com/kilnworks/openfda-sync/internal/manifest"
)

// SemaphoreDriver launches one goroutine per task and bounds actual
// concurrency with a semaphore channel. Results land in a slice indexed
// by task, so the summary is tallied in manifest order.
type SemaphoreDriver struct {
	proc  Processor
	limit int
	log   *slog.Logger
}

// NewSemaphoreDriver creates a semaphore driver. limit <= 0 selects the
// default.
func NewSemaphoreDriver(proc Processor, limit int, log *slog.Logger) *SemaphoreDriver {
	return &SemaphoreDriver{
		proc:  proc,
		limit: limit,
		log:   log.With("component", "semaphore"),
	}
}

// Run processes all tasks and returns the summary.
func (d *SemaphoreDriver) Run(ctx context.Context, tasks []manifest.FetchTask) Summary {
	start := time.Now()

	var summary Summary
	n := len(tasks)
	if n == 0 {
		return summary
	}

	limit := d.limit
	if limit <= 0 {
		limit = defaultSemaphoreLimit
	}
	if limit > n {
		limit = n
	}

	d.log.Info("starting sync", "tasks", n, "limit", limit)

	sem := make(chan struct{}, limit)
	results := make([]fetch.Result, n)

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task manifest.FetchTask) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = fetch.Result{Task: task, Status: fetch.StatusError, Err: ctx.Err()}
				return
			}

			if err := ctx.Err(); err != nil {
				results[i] = fetch.Result{Task: task, Status: fetch.StatusError, Err: err}
				return
			}
			results[i] = safeProcess(ctx, d.proc, task)
		}(i, task)
	}
	wg.Wait()

	for _, res := range results {
		summary.add(res)
	}

	summary.Duration = time.Since(start)
	d.log.Info("sync complete",
		"downloaded", summary.Downloaded,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed),
		"duration", summary.Duration,
	)
	return summary
}
