package convert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/kilnworks/openfda-sync/internal/catalog"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/metrics"
	"github.com/kilnworks/openfda-sync/internal/mirror"
)

const defaultWorkers = 14

// Status classifies the outcome of one build task.
type Status string

const (
	StatusConverted Status = "converted"
	StatusSkipped   Status = "skipped"
	StatusMissing   Status = "missing"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// BuildTask is one raw partition to turn into a parquet brick.
type BuildTask struct {
	DatasetType string
	FieldName   string
	Index       int
	RawPath     string
	BrickPath   string
	ExportDate  string
}

// Name identifies the task in logs and reports.
func (t BuildTask) Name() string {
	return fmt.Sprintf("%s/%s[%d]", t.DatasetType, t.FieldName, t.Index)
}

// Result is the outcome of one build task.
type Result struct {
	Task     BuildTask
	Status   Status
	Rows     int64
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Reason is a short human-readable cause for reports.
func (r Result) Reason() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return string(r.Status)
}

// Failure is one failed build task, kept for the summary preview.
type Failure struct {
	Task   BuildTask
	Status Status
	Reason string
}

// Summary aggregates a build run. Missing inputs are reported but do not
// fail the run; only failed tasks flip the exit code.
type Summary struct {
	Converted int
	Skipped   int
	Missing   []string
	Failed    []Failure
	Bytes     int64
	Duration  time.Duration
}

// Total returns the number of tasks accounted for.
func (s Summary) Total() int {
	return s.Converted + s.Skipped + len(s.Missing) + len(s.Failed)
}

// ExitCode maps the summary onto the process exit code.
func (s Summary) ExitCode() int {
	if len(s.Failed) > 0 {
		return 1
	}
	return 0
}

// Options configures a Builder.
type Options struct {
	BrickRoot string
	Workers   int    // 0 means min(14, task count)
	Strict    bool   // catalog write failures fail the task
	Version   string // recorded as producer_version in the catalog
}

// Builder converts raw openFDA partitions into parquet bricks laid out
// under the brick root in the same dataset/export-dir scheme as the raw
// mirror.
type Builder struct {
	raw     *mirror.Store
	catalog catalog.Writer
	opts    Options
	log     *slog.Logger
}

// NewBuilder creates a builder reading from the raw mirror and writing
// under opts.BrickRoot.
func NewBuilder(raw *mirror.Store, cat catalog.Writer, opts Options, log *slog.Logger) *Builder {
	return &Builder{
		raw:     raw,
		catalog: cat,
		opts:    opts,
		log:     log.With("component", "build"),
	}
}

// Plan derives one build task per fetch task, mapping the raw artifact
// path onto its brick path: same <type>/<dir> layout, archive extension
// swapped for .parquet.
func (b *Builder) Plan(tasks []manifest.FetchTask) ([]BuildTask, error) {
	out := make([]BuildTask, 0, len(tasks))
	for _, ft := range tasks {
		target, err := b.raw.Resolve(ft.DatasetType, ft.URL)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ft.Name(), err)
		}
		rel, err := filepath.Rel(b.raw.Root(), target.Path)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", target.Path, err)
		}
		out = append(out, BuildTask{
			DatasetType: ft.DatasetType,
			FieldName:   ft.FieldName,
			Index:       ft.Index,
			RawPath:     target.Path,
			BrickPath:   filepath.Join(b.opts.BrickRoot, filepath.Dir(rel), brickName(filepath.Base(rel))),
			ExportDate:  ft.ExportDate,
		})
	}
	return out, nil
}

// brickName maps a partition file name onto its parquet output name,
// stripping the archive extensions openFDA serves.
func brickName(file string) string {
	base := file
	for _, ext := range []string{".json.zip", ".json.gz", ".json", ".zip"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return base + ".parquet"
}

// BuildOne converts a single raw partition into its parquet brick.
func (b *Builder) BuildOne(ctx context.Context, task BuildTask) Result {
	start := time.Now()
	res := b.build(ctx, task)
	res.Duration = time.Since(start)

	log := b.log.With("task", task.Name())
	switch res.Status {
	case StatusConverted:
		log.Info("built brick",
			"brick", task.BrickPath,
			"rows", res.Rows,
			"bytes", res.Bytes,
			"duration_ms", res.Duration.Milliseconds(),
		)
	case StatusSkipped:
		log.Debug("skipped brick, output newer than input", "brick", task.BrickPath)
	case StatusMissing:
		log.Warn("raw partition missing", "raw", task.RawPath)
	default:
		log.Warn("brick build failed", "status", string(res.Status), "error", res.Err)
	}
	if m := metrics.Get(); m != nil {
		m.IncBricksBuilt(task.DatasetType, string(res.Status))
	}
	return res
}

func (b *Builder) build(ctx context.Context, task BuildTask) Result {
	res := Result{Task: task}

	rawInfo, err := os.Stat(task.RawPath)
	if err != nil {
		if os.IsNotExist(err) {
			res.Status = StatusMissing
			return res
		}
		res.Status = StatusError
		res.Err = fmt.Errorf("stat raw partition: %w", err)
		return res
	}

	// A brick newer than its input is current; rebuilding it would only
	// churn mtimes.
	if brickInfo, err := os.Stat(task.BrickPath); err == nil && brickInfo.ModTime().After(rawInfo.ModTime()) {
		res.Status = StatusSkipped
		return res
	}

	jsonPath, cleanup, err := materialize(task.RawPath)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("read partition json: %w", err)
		return res
	}

	records, columns, err := Records(data)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("flatten %s: %w", filepath.Base(jsonPath), err)
		return res
	}

	if err := os.MkdirAll(filepath.Dir(task.BrickPath), 0755); err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("create brick directory: %w", err)
		return res
	}

	tmp, err := os.CreateTemp(filepath.Dir(task.BrickPath), ".tmp-"+filepath.Base(task.BrickPath)+"-*")
	if err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("create temp brick: %w", err)
		return res
	}

	if err := writeParquet(tmp, columns, records); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		res.Status = StatusError
		res.Err = fmt.Errorf("close temp brick: %w", err)
		return res
	}

	if info, err := os.Stat(tmp.Name()); err == nil {
		res.Bytes = info.Size()
	}
	checksum, err := ChecksumFile(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		res.Status = StatusError
		res.Err = fmt.Errorf("checksum brick: %w", err)
		return res
	}

	if err := os.Rename(tmp.Name(), task.BrickPath); err != nil {
		os.Remove(tmp.Name())
		res.Status = StatusError
		res.Err = fmt.Errorf("commit brick: %w", err)
		return res
	}

	res.Rows = int64(len(records))
	res.Status = StatusConverted

	if err := b.record(ctx, task, res, checksum); err != nil {
		if b.opts.Strict {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("record brick in catalog: %w", err)
			return res
		}
		b.log.Warn("failed to record brick in catalog", "task", task.Name(), "error", err)
	}
	return res
}

func (b *Builder) record(ctx context.Context, task BuildTask, res Result, checksum string) error {
	return b.catalog.RecordBrick(ctx, catalog.Brick{
		DatasetType:     task.DatasetType,
		FieldName:       task.FieldName,
		Partition:       strings.TrimSuffix(filepath.Base(task.BrickPath), ".parquet"),
		Path:            task.BrickPath,
		RowCount:        res.Rows,
		ByteSize:        res.Bytes,
		Checksum:        checksum,
		ExportDate:      task.ExportDate,
		ProducerVersion: b.opts.Version,
	})
}

// Run builds every planned brick under a bounded worker pool. Like the
// sync driver, every task is accounted for exactly once, recovered
// panics included.
func (b *Builder) Run(ctx context.Context, tasks []BuildTask) Summary {
	start := time.Now()
	var sum Summary
	if len(tasks) == 0 {
		sum.Duration = time.Since(start)
		return sum
	}

	workers := b.opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	b.log.Info("starting build", "tasks", len(tasks), "workers", workers)

	taskCh := make(chan BuildTask, workers)
	resultCh := make(chan Result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				if err := ctx.Err(); err != nil {
					resultCh <- Result{Task: task, Status: StatusError, Err: err}
					continue
				}
				resultCh <- b.safeBuild(ctx, task)
			}
		}()
	}

	go func() {
		for _, t := range tasks {
			taskCh <- t
		}
		close(taskCh)
	}()

	for range tasks {
		res := <-resultCh
		switch res.Status {
		case StatusConverted:
			sum.Converted++
			sum.Bytes += res.Bytes
		case StatusSkipped:
			sum.Skipped++
		case StatusMissing:
			sum.Missing = append(sum.Missing, res.Task.RawPath)
		default:
			sum.Failed = append(sum.Failed, Failure{Task: res.Task, Status: res.Status, Reason: res.Reason()})
		}
	}
	wg.Wait()

	sum.Duration = time.Since(start)
	b.log.Info("build complete",
		"converted", sum.Converted,
		"skipped", sum.Skipped,
		"missing", len(sum.Missing),
		"failed", len(sum.Failed),
		"bytes", sum.Bytes,
	)
	return sum
}

func (b *Builder) safeBuild(ctx context.Context, task BuildTask) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("recovered panic in build task", "task", task.Name(), "panic", r)
			res = Result{
				Task:   task,
				Status: StatusError,
				Err:    fmt.Errorf("panic in task %s: %v", task.Name(), r),
			}
		}
	}()
	return b.BuildOne(ctx, task)
}

// materialize returns a path to the plain JSON document for a raw
// partition, unpacking zip or gzip archives into a temp dir first. The
// cleanup func, when non-nil, removes everything materialize created
// and must run even when err is set.
func materialize(rawPath string) (jsonPath string, cleanup func(), err error) {
	switch {
	case strings.HasSuffix(rawPath, ".zip"):
		return unzipFirstJSON(rawPath)
	case strings.HasSuffix(rawPath, ".gz"):
		return gunzipToTemp(rawPath)
	default:
		return rawPath, nil, nil
	}
}

// unzipFirstJSON extracts the first *.json member of an archive. openFDA
// archives hold exactly one; sorting keeps the choice stable if that
// ever changes.
func unzipFirstJSON(archive string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "openfda-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	r, err := zip.OpenReader(archive)
	if err != nil {
		if r != nil {
			r.Close()
		}
		return "", cleanup, fmt.Errorf("open archive %s: %w", filepath.Base(archive), err)
	}
	defer r.Close()

	var names []string
	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	if len(names) == 0 {
		return "", cleanup, fmt.Errorf("archive %s has no json member", filepath.Base(archive))
	}
	sort.Strings(names)

	member := byName[names[0]]
	out := filepath.Join(dir, filepath.Base(member.Name))
	if err := copyMember(member, out); err != nil {
		return "", cleanup, err
	}
	return out, cleanup, nil
}

func copyMember(member *zip.File, out string) error {
	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open archive member %s: %w", member.Name, err)
	}
	defer rc.Close()

	w, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("extract %s: %w", member.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", out, err)
	}
	return nil
}

func gunzipToTemp(path string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "openfda-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	in, err := os.Open(path)
	if err != nil {
		return "", cleanup, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", cleanup, fmt.Errorf("open gzip %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	out := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), ".gz"))
	w, err := os.Create(out)
	if err != nil {
		return "", cleanup, fmt.Errorf("create %s: %w", out, err)
	}
	if _, err := io.Copy(w, zr); err != nil {
		w.Close()
		return "", cleanup, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
	}
	if err := w.Close(); err != nil {
		return "", cleanup, fmt.Errorf("close %s: %w", out, err)
	}
	return out, cleanup, nil
}
