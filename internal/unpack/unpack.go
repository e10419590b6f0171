// Package unpack extracts downloaded archive partitions into plain JSON
// trees for the build stage.
package unpack

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
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/kilnworks/openfda-sync/internal/metrics"
)

const defaultWorkers = 4

// Status classifies the outcome of one archive.
type Status string

const (
	StatusExtracted Status = "extracted"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Result reports one archive's outcome.
type Result struct {
	Archive string // archive path under the mirror
	Target  string // extraction directory
	Status  Status
	Err     error
}

// Summary aggregates one unpack run.
type Summary struct {
	Extracted int
	Skipped   int
	Failed    []Result
}

// ExitCode is non-zero when any archive failed to extract.
func (s Summary) ExitCode() int {
	if len(s.Failed) > 0 {
		return 1
	}
	return 0
}

// Extractor unpacks archive partitions (*.json.zip, *.json.gz) from the
// mirror into a flat tree of per-archive directories. Partition file
// names are globally unique, so flattening loses nothing.
type Extractor struct {
	rawRoot     string
	extractRoot string
	log         *slog.Logger
}

// New creates an extractor over the mirror and extraction roots.
func New(rawRoot, extractRoot string, log *slog.Logger) *Extractor {
	return &Extractor{
		rawRoot:     rawRoot,
		extractRoot: extractRoot,
		log:         log.With("component", "unpack"),
	}
}

// Plan walks the mirror and lists every archive, sorted for stable
// processing order.
func (e *Extractor) Plan() ([]string, error) {
	var archives []string
	err := filepath.WalkDir(e.rawRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(d.Name(), ".json.zip") || strings.HasSuffix(d.Name(), ".json.gz")) {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan mirror: %w", err)
	}
	sort.Strings(archives)
	return archives, nil
}

// TargetDir returns the extraction directory for an archive: its base
// name with the trailing archive extension dropped.
func (e *Extractor) TargetDir(archive string) string {
	base := filepath.Base(archive)
	return filepath.Join(e.extractRoot, strings.TrimSuffix(base, filepath.Ext(base)))
}

// ExtractOne unpacks a single archive unless the target directory
// already has content. Extraction lands in a temp directory that is
// renamed into place, so a crashed run never leaves a half-extracted
// target looking complete.
func (e *Extractor) ExtractOne(archive string) Result {
	target := e.TargetDir(archive)
	res := Result{Archive: archive, Target: target}

	if populated(target) {
		res.Status = StatusSkipped
		return res
	}

	if err := os.MkdirAll(e.extractRoot, 0755); err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("ensure extract root: %w", err)
		return res
	}

	tmpDir, err := os.MkdirTemp(e.extractRoot, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("create temp dir: %w", err)
		return res
	}

	if err := extractArchive(archive, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		res.Status = StatusError
		res.Err = err
		return res
	}

	if err := os.Rename(tmpDir, target); err != nil {
		os.RemoveAll(tmpDir)
		// A concurrent run may have won the rename.
		if populated(target) {
			res.Status = StatusSkipped
			return res
		}
		res.Status = StatusError
		res.Err = fmt.Errorf("finalize extraction: %w", err)
		return res
	}

	res.Status = StatusExtracted
	return res
}

// Run extracts all planned archives with a bounded worker pool and
// returns the summary. Like the sync driver, every archive is
// accounted for exactly once.
func (e *Extractor) Run(ctx context.Context, workers int) (Summary, error) {
	archives, err := e.Plan()
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	if len(archives) == 0 {
		return sum, nil
	}

	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(archives) {
		workers = len(archives)
	}

	e.log.Info("starting unpack", "archives", len(archives), "workers", workers)

	taskCh := make(chan string, workers)
	resultCh := make(chan Result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for archive := range taskCh {
				if err := ctx.Err(); err != nil {
					resultCh <- Result{Archive: archive, Status: StatusError, Err: err}
					continue
				}
				resultCh <- e.ExtractOne(archive)
			}
		}()
	}

	go func() {
		for _, a := range archives {
			taskCh <- a
		}
		close(taskCh)
	}()

	for range archives {
		res := <-resultCh
		switch res.Status {
		case StatusExtracted:
			sum.Extracted++
			e.log.Info("extracted archive", "archive", res.Archive)
			if m := metrics.Get(); m != nil {
				m.IncArchivesExtracted(e.datasetType(res.Archive))
			}
		case StatusSkipped:
			sum.Skipped++
			e.log.Debug("skipped archive, already extracted", "archive", res.Archive)
		default:
			sum.Failed = append(sum.Failed, res)
			e.log.Warn("extraction failed", "archive", res.Archive, "error", res.Err)
		}
	}
	wg.Wait()

	e.log.Info("unpack complete",
		"extracted", sum.Extracted,
		"skipped", sum.Skipped,
		"failed", len(sum.Failed),
	)
	return sum, nil
}

// datasetType recovers the dataset type from the archive's position in
// the mirror: the first path element under the raw root.
func (e *Extractor) datasetType(archive string) string {
	rel, err := filepath.Rel(e.rawRoot, archive)
	if err != nil {
		return ""
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) > 1 {
		return parts[0]
	}
	return ""
}

func populated(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// extractArchive dispatches on the archive extension.
func extractArchive(archive, destDir string) error {
	if strings.HasSuffix(archive, ".gz") {
		return extractGzip(archive, destDir)
	}
	return extractZip(archive, destDir)
}

// extractGzip decompresses a single-file gzip partition into destDir,
// named after the archive minus its .gz suffix.
func extractGzip(archive, destDir string) error {
	in, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", filepath.Base(archive), err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip %s: %w", filepath.Base(archive), err)
	}
	defer zr.Close()

	name := strings.TrimSuffix(filepath.Base(archive), ".gz")
	out, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return fmt.Errorf("decompress %s: %w", filepath.Base(archive), err)
	}
	return out.Close()
}

func extractZip(archive, destDir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		// ErrInsecurePath still hands back a usable reader.
		if r != nil {
			r.Close()
		}
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractEntry(f, destDir); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	// Reject entries that would land outside the destination.
	name := filepath.Clean(f.Name)
	if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
		return fmt.Errorf("entry escapes extraction dir")
	}
	dest := filepath.Join(destDir, name)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
