// Package report renders operator-facing run summaries and appends the
// local run history.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/openfda-sync/internal/convert"
	"github.com/kilnworks/openfda-sync/internal/syncer"
	"github.com/kilnworks/openfda-sync/internal/unpack"
)

// failurePreview caps how many failure lines a summary prints.
const failurePreview = 5

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// PrintSync writes the download summary.
func PrintSync(w io.Writer, sum syncer.Summary) {
	fmt.Fprintln(w, "\nDownload Summary:")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Downloaded: %d\n", sum.Downloaded)
	fmt.Fprintf(w, "Skipped: %d\n", sum.Skipped)
	fmt.Fprintf(w, "Failed: %d\n", len(sum.Failed))
	fmt.Fprintf(w, "Bytes: %s\n", formatBytes(sum.Bytes))

	if len(sum.Failed) > 0 {
		fmt.Fprintln(w, "\nFailed downloads:")
		for i, f := range sum.Failed {
			if i == failurePreview {
				fmt.Fprintf(w, "  ... and %d more\n", len(sum.Failed)-failurePreview)
				break
			}
			fmt.Fprintf(w, "  %s: %s\n", f.Task.Name(), f.Reason)
		}
	}
}

// PrintUnpack writes the archive extraction summary.
func PrintUnpack(w io.Writer, sum unpack.Summary) {
	fmt.Fprintln(w, "\nUnpack Summary:")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Extracted: %d\n", sum.Extracted)
	fmt.Fprintf(w, "Skipped: %d\n", sum.Skipped)
	fmt.Fprintf(w, "Failed: %d\n", len(sum.Failed))

	if len(sum.Failed) > 0 {
		fmt.Fprintln(w, "\nFailed archives:")
		for i, f := range sum.Failed {
			if i == failurePreview {
				fmt.Fprintf(w, "  ... and %d more\n", len(sum.Failed)-failurePreview)
				break
			}
			fmt.Fprintf(w, "  %s: %v\n", f.Archive, f.Err)
		}
	}
}

// PrintBuild writes the brick build summary. Missing inputs get their
// own preview; they are reported but do not fail the run.
func PrintBuild(w io.Writer, sum convert.Summary) {
	fmt.Fprintln(w, "\nBuild Summary:")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Converted: %d\n", sum.Converted)
	fmt.Fprintf(w, "Skipped: %d\n", sum.Skipped)
	fmt.Fprintf(w, "Missing: %d\n", len(sum.Missing))
	fmt.Fprintf(w, "Failed: %d\n", len(sum.Failed))
	fmt.Fprintf(w, "Bytes: %s\n", formatBytes(sum.Bytes))

	if len(sum.Missing) > 0 {
		fmt.Fprintln(w, "\nMissing inputs:")
		for i, path := range sum.Missing {
			if i == failurePreview {
				fmt.Fprintf(w, "  ... and %d more\n", len(sum.Missing)-failurePreview)
				break
			}
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	if len(sum.Failed) > 0 {
		fmt.Fprintln(w, "\nFailed builds:")
		for i, f := range sum.Failed {
			if i == failurePreview {
				fmt.Fprintf(w, "  ... and %d more\n", len(sum.Failed)-failurePreview)
				break
			}
			fmt.Fprintf(w, "  %s: %s\n", f.Task.Name(), f.Reason)
		}
	}
}

// RunRecord is one line of the run history file.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Downloaded int       `json:"downloaded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Bytes      int64     `json:"bytes"`
	Failures   []string  `json:"failures,omitempty"`
	Version    string    `json:"producer_version,omitempty"`
}

// SyncRecord builds a history record from a sync summary.
func SyncRecord(runID, version string, started, finished time.Time, sum syncer.Summary) RunRecord {
	rec := RunRecord{
		RunID:      runID,
		Command:    "sync",
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Downloaded: sum.Downloaded,
		Skipped:    sum.Skipped,
		Failed:     len(sum.Failed),
		Bytes:      sum.Bytes,
		Version:    version,
	}
	for i, f := range sum.Failed {
		if i == failurePreview {
			break
		}
		rec.Failures = append(rec.Failures, f.Task.Name()+": "+f.Reason)
	}
	return rec
}

// History appends run records to a JSONL file.
type History struct {
	path string
}

// NewHistory creates a history appender for path.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Append writes one record as a single JSON line. O_APPEND with one
// Write keeps concurrent runs from interleaving partial lines.
func (h *History) Append(rec RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open history %s: %w", h.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append run record: %w", err)
	}
	return f.Close()
}

// formatBytes renders a byte count in a human unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
