package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kilnworks/openfda-sync/internal/fetch"
	"github.com/kilnworks/openfda-sync/internal/manifest"
)

// PoolDriver implements the dispatcher → workers → collector flow.
// A fixed pool of goroutines drains a task queue; the collector tallies
// results until it has seen one per task, so a cancelled context still
// yields a complete summary.
type PoolDriver struct {
	proc    Processor
	workers int
	log     *slog.Logger
}

// NewPoolDriver creates a pool driver. workers <= 0 selects the default.
func NewPoolDriver(proc Processor, workers int, log *slog.Logger) *PoolDriver {
	return &PoolDriver{
		proc:    proc,
		workers: workers,
		log:     log.With("component", "pool"),
	}
}

// Run processes all tasks and returns the summary. Cancellation turns
// unprocessed tasks into error results rather than dropping them.
func (d *PoolDriver) Run(ctx context.Context, tasks []manifest.FetchTask) Summary {
	start := time.Now()

	var summary Summary
	n := len(tasks)
	if n == 0 {
		return summary
	}

	workers := d.workers
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	if workers > n {
		workers = n
	}

	d.log.Info("starting sync", "tasks", n, "workers", workers)

	taskCh := make(chan manifest.FetchTask, workers*2)
	resultCh := make(chan fetch.Result, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go d.workerLoop(ctx, taskCh, resultCh, &wg)
	}

	go func() {
		for _, task := range tasks {
			taskCh <- task
		}
		close(taskCh)
	}()

	// Exactly one result per task.
	for i := 0; i < n; i++ {
		summary.add(<-resultCh)
	}
	wg.Wait()

	summary.Duration = time.Since(start)
	d.log.Info("sync complete",
		"downloaded", summary.Downloaded,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed),
		"duration", summary.Duration,
	)
	return summary
}

// workerLoop drains the queue. After cancellation it keeps consuming,
// emitting error results, so the dispatcher and collector never stall.
func (d *PoolDriver) workerLoop(ctx context.Context, taskCh <-chan manifest.FetchTask, resultCh chan<- fetch.Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for task := range taskCh {
		if err := ctx.Err(); err != nil {
			resultCh <- fetch.Result{Task: task, Status: fetch.StatusError, Err: err}
			continue
		}
		resultCh <- safeProcess(ctx, d.proc, task)
	}
}
