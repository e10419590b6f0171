// Package syncer drives fetch workers over a manifest's task list with
// bounded concurrency and collects the outcome of every task.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilnworks/openfda-sync/internal/fetch"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/metrics"
)

// Concurrency defaults, capped at the task count.
const (
	defaultPoolWorkers    = 20
	defaultSemaphoreLimit = 10
)

// Strategy names accepted by NewDriver.
const (
	StrategyPool      = "pool"
	StrategySemaphore = "semaphore"
)

// Processor handles one fetch task. *fetch.Worker is the production
// implementation; tests substitute their own.
type Processor interface {
	Process(ctx context.Context, task manifest.FetchTask) fetch.Result
}

// Driver runs a batch of tasks to completion.
type Driver interface {
	Run(ctx context.Context, tasks []manifest.FetchTask) Summary
}

// NewDriver selects a concurrency strategy by name.
func NewDriver(strategy string, proc Processor, workers int, log *slog.Logger) (Driver, error) {
	switch strategy {
	case StrategyPool, "":
		return NewPoolDriver(proc, workers, log), nil
	case StrategySemaphore:
		return NewSemaphoreDriver(proc, workers, log), nil
	default:
		return nil, fmt.Errorf("unknown sync strategy %q", strategy)
	}
}

// Failure records one task that did not succeed.
type Failure struct {
	Task   manifest.FetchTask
	Status fetch.Status
	Reason string
}

// Summary aggregates one run. Every dispatched task lands in exactly
// one bucket; Bytes counts what was committed to the mirror.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     []Failure
	Bytes      int64
	Duration   time.Duration
}

// Total returns the number of tasks accounted for.
func (s Summary) Total() int {
	return s.Downloaded + s.Skipped + len(s.Failed)
}

// ExitCode maps the run outcome onto a process exit code: non-zero
// exactly when at least one task failed.
func (s Summary) ExitCode() int {
	if len(s.Failed) > 0 {
		return 1
	}
	return 0
}

func (s *Summary) add(res fetch.Result) {
	s.Bytes += res.Bytes

	switch {
	case res.Status == fetch.StatusDownloaded:
		s.Downloaded++
	case res.Status.Skipped():
		s.Skipped++
	default:
		s.Failed = append(s.Failed, Failure{
			Task:   res.Task,
			Status: res.Status,
			Reason: res.Reason(),
		})
	}

	if m := metrics.Get(); m != nil {
		m.IncFetchTask(res.Task.DatasetType, string(res.Status))
		m.ObserveFetchDuration(res.Task.DatasetType, string(res.Status), res.Duration.Seconds())
		if res.Bytes > 0 {
			m.AddBytesDownloaded(res.Task.DatasetType, float64(res.Bytes))
		}
	}
}

// safeProcess shields the driver from a panicking processor: a panic
// becomes an error result so the batch still accounts for every task.
func safeProcess(ctx context.Context, proc Processor, task manifest.FetchTask) (res fetch.Result) {
	if m := metrics.Get(); m != nil {
		m.AddTasksInFlight(1)
		defer m.AddTasksInFlight(-1)
	}
	defer func() {
		if r := recover(); r != nil {
			res = fetch.Result{
				Task:   task,
				Status: fetch.StatusError,
				Err:    fmt.Errorf("panic in task %s: %v", task.Name(), r),
			}
		}
	}()
	return proc.Process(ctx, task)
}
