package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilnworks/openfda-sync/internal/freshness"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/mirror"
)

// Status classifies the outcome of a single fetch task.
type Status string

const (
	// StatusDownloaded means the partition was fetched and committed.
	StatusDownloaded Status = "downloaded"

	// StatusSkippedUpToDate means the local marker already postdates the
	// manifest export date; no request was made.
	StatusSkippedUpToDate Status = "skipped_up_to_date"

	// StatusSkippedNotModified means the server answered 304 to our
	// If-Modified-Since probe.
	StatusSkippedNotModified Status = "skipped_not_modified"

	// StatusFailed means the network or the remote side failed.
	StatusFailed Status = "failed"

	// StatusError means something unexpected broke locally.
	StatusError Status = "error"
)

// Skipped reports whether the status is one of the two skip outcomes.
func (s Status) Skipped() bool {
	return s == StatusSkippedUpToDate || s == StatusSkippedNotModified
}

// Failure reports whether the status counts against the exit code.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusError
}

// Result is returned from workers to the driver, one per task.
type Result struct {
	Task     manifest.FetchTask
	Status   Status
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Reason renders the error for failure previews; empty for successes.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Worker processes fetch tasks against a local mirror. Safe for
// concurrent use; drivers share one instance across goroutines.
type Worker struct {
	store  *mirror.Store
	client *Client
	log    *slog.Logger
}

// NewWorker wires a worker to its mirror store and HTTP client.
func NewWorker(store *mirror.Store, client *Client, log *slog.Logger) *Worker {
	return &Worker{store: store, client: client, log: log}
}

// Process runs one task end to end: resolve the target, skip if the
// mirror is already current, otherwise issue a conditional GET and
// stream the body through a temp file into place. The marker is written
// only after the artifact is committed, so a crash in between leaves a
// re-downloadable file rather than a lying marker. Never panics and
// never lets an error escape: every outcome is a Result.
func (w *Worker) Process(ctx context.Context, task manifest.FetchTask) Result {
	start := time.Now()
	res := w.process(ctx, task)
	res.Task = task
	res.Duration = time.Since(start)

	log := w.log.With("task", task.Name())
	switch res.Status {
	case StatusDownloaded:
		log.Info("downloaded partition", "bytes", res.Bytes, "duration", res.Duration)
	case StatusSkippedUpToDate:
		log.Debug("skipped, mirror up to date")
	case StatusSkippedNotModified:
		log.Debug("skipped, not modified upstream")
	case StatusFailed:
		log.Warn("download failed", "error", res.Err)
	case StatusError:
		log.Error("task error", "error", res.Err)
	}
	return res
}

func (w *Worker) process(ctx context.Context, task manifest.FetchTask) Result {
	target, err := w.store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("resolve target: %w", err)}
	}
	if err := w.store.EnsureDir(target); err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("ensure dir: %w", err)}
	}

	// Local freshness check comes before any network traffic.
	marker, hasMarker := w.store.ReadMarker(target)
	if hasMarker && freshness.IsUpToDate(marker, task.ExportDate) {
		return Result{Status: StatusSkippedUpToDate}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("build request: %w", err)}
	}
	// A stale marker still rides along: the server may know better.
	if hasMarker {
		req.Header.Set("If-Modified-Since", marker)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return Result{Status: StatusSkippedNotModified}
	case resp.StatusCode != http.StatusOK:
		return Result{Status: StatusFailed, Err: StatusErr(resp.StatusCode, resp.Status)}
	}

	tmp, err := w.store.CreateTemp(target)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("create temp: %w", err)}
	}

	sink := &trackingWriter{w: tmp}
	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		tmp.Abort()
		if sink.err != nil {
			return Result{Status: StatusError, Err: fmt.Errorf("write temp: %w", sink.err)}
		}
		return Result{Status: StatusFailed, Err: fmt.Errorf("stream body: %w", err)}
	}

	if err := tmp.Commit(); err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("commit artifact: %w", err)}
	}

	// Marker follows the commit. Only the server's own Last-Modified is
	// trustworthy; absent that header the mirror stays markerless and the
	// next run re-evaluates from scratch.
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if err := w.store.WriteMarker(target, lm); err != nil {
			return Result{Status: StatusError, Bytes: n, Err: fmt.Errorf("write marker: %w", err)}
		}
	}

	return Result{Status: StatusDownloaded, Bytes: n}
}

// trackingWriter remembers whether the local side of a copy broke, so
// stream errors can be told apart from disk errors.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil {
		tw.err = err
	}
	return n, err
}
