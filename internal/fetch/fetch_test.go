package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/mirror"
)

func testWorker(t *testing.T) (*Worker, *mirror.Store) {
	t.Helper()

	store, err := mirror.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	opts := DefaultOptions()
	opts.RetryAttempts = 1
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(store, NewClient(opts), log), store
}

func testTask(url string) manifest.FetchTask {
	return manifest.FetchTask{
		DatasetType: "drug",
		FieldName:   "event",
		Index:       0,
		URL:         url,
		ExportDate:  "2024-01-02",
	}
}

func TestProcessDownloads(t *testing.T) {
	const body = "zip bytes go here"

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if ua := r.Header.Get("User-Agent"); ua != "OpenFDA-Downloader/1.0" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Last-Modified", "Tue, 02 Jan 2024 12:00:00 GMT")
		io.WriteString(w, body)
	}))
	defer ts.Close()

	worker, store := testWorker(t)
	task := testTask(ts.URL + "/event/drug-event-0001-of-0002.json.zip")

	res := worker.Process(context.Background(), task)
	if res.Status != StatusDownloaded {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}
	if res.Bytes != int64(len(body)) {
		t.Errorf("bytes = %d, want %d", res.Bytes, len(body))
	}

	target, err := store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != body {
		t.Errorf("artifact = %q, want %q", data, body)
	}
	marker, ok := store.ReadMarker(target)
	if !ok || marker != "Tue, 02 Jan 2024 12:00:00 GMT" {
		t.Errorf("marker = %q, ok = %v", marker, ok)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestProcessSkipsUpToDateWithoutRequest(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	worker, store := testWorker(t)
	task := testTask(ts.URL + "/event/drug-event-0001-of-0002.json.zip")

	target, err := store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := store.EnsureDir(target); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := os.WriteFile(target.Path, []byte("old bytes"), 0644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	// Marker strictly after the 2024-01-02 export date.
	if err := store.WriteMarker(target, "Wed, 03 Jan 2024 00:00:00 GMT"); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	res := worker.Process(context.Background(), task)
	if res.Status != StatusSkippedUpToDate {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hits = %d, want 0", n)
	}
}

func TestProcessStaleMarkerSends304Probe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ims := r.Header.Get("If-Modified-Since"); ims != "Mon, 01 Jan 2024 00:00:00 GMT" {
			t.Errorf("If-Modified-Since = %q", ims)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer ts.Close()

	worker, store := testWorker(t)
	task := testTask(ts.URL + "/event/drug-event-0001-of-0002.json.zip")

	target, err := store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := store.EnsureDir(target); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := os.WriteFile(target.Path, []byte("old bytes"), 0644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	// Marker predates the export date, so the local check cannot skip.
	if err := store.WriteMarker(target, "Mon, 01 Jan 2024 00:00:00 GMT"); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	res := worker.Process(context.Background(), task)
	if res.Status != StatusSkippedNotModified {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}

	data, err := os.ReadFile(target.Path)
	if err != nil || string(data) != "old bytes" {
		t.Errorf("artifact changed: %q, %v", data, err)
	}
}

func TestProcessServerErrorIsFailed(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	worker, _ := testWorker(t)
	res := worker.Process(context.Background(), testTask(ts.URL+"/event/drug-event-0001-of-0002.json.zip"))

	if res.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Err == nil {
		t.Fatal("expected an error")
	}
	// Initial attempt plus one retry.
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
}

func TestProcessTruncatedBodyLeavesNoArtifact(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "only a fragment")
	}))
	defer ts.Close()

	worker, store := testWorker(t)
	task := testTask(ts.URL + "/event/drug-event-0001-of-0002.json.zip")

	res := worker.Process(context.Background(), task)
	if res.Status != StatusFailed {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}

	target, err := store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := os.Stat(target.Path); !os.IsNotExist(err) {
		t.Errorf("artifact exists after truncated stream: %v", err)
	}

	entries, err := os.ReadDir(target.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("unexpected leftover %q", e.Name())
	}
}

func TestProcessNoLastModifiedMeansNoMarker(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "fresh bytes")
	}))
	defer ts.Close()

	worker, store := testWorker(t)
	task := testTask(ts.URL + "/event/drug-event-0001-of-0002.json.zip")

	res := worker.Process(context.Background(), task)
	if res.Status != StatusDownloaded {
		t.Fatalf("status = %q, err = %v", res.Status, res.Err)
	}

	target, err := store.Resolve(task.DatasetType, task.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := store.ReadMarker(target); ok {
		t.Error("marker written without a Last-Modified header")
	}

	// Without a marker the next run has nothing to compare and refetches.
	res = worker.Process(context.Background(), task)
	if res.Status != StatusDownloaded {
		t.Fatalf("second status = %q", res.Status)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusSkippedUpToDate.Skipped() || !StatusSkippedNotModified.Skipped() {
		t.Error("skip statuses not recognized")
	}
	if StatusDownloaded.Skipped() || StatusFailed.Skipped() {
		t.Error("non-skip status reported as skipped")
	}
	if !StatusFailed.Failure() || !StatusError.Failure() {
		t.Error("failure statuses not recognized")
	}
	if StatusDownloaded.Failure() || StatusSkippedUpToDate.Failure() {
		t.Error("success status reported as failure")
	}
}
