// Package mirror owns the local layout of the synchronized archive: where
// a remote partition file lands, its .last-modified marker sidecar, and the
// temp-then-rename commit that keeps readers from ever seeing a partial
// artifact.
package mirror

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MarkerSuffix is appended to an artifact path to form its sidecar path.
const MarkerSuffix = ".last-modified"

// Target is the resolved local destination for one remote file.
type Target struct {
	Dir        string // directory holding the artifact
	Path       string // final artifact path
	MarkerPath string // Last-Modified sidecar path
}

// Store is a filesystem store rooted at the mirror directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at root, creating the root if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create mirror root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the mirror root directory.
func (s *Store) Root() string { return s.root }

// Resolve maps a remote file URL onto the local layout:
//
//	<root>/<datasetType>/<basename of the URL's directory>/<basename>
//
// so sibling partitions of one export share a directory named after the
// remote one.
func (s *Store) Resolve(datasetType, fileURL string) (Target, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return Target{}, fmt.Errorf("parse file URL %q: %w", fileURL, err)
	}

	filename := path.Base(u.Path)
	dirname := path.Base(path.Dir(u.Path))
	if filename == "" || filename == "." || filename == "/" {
		return Target{}, fmt.Errorf("file URL %q has no file name", fileURL)
	}
	if dirname == "" || dirname == "." || dirname == "/" {
		return Target{}, fmt.Errorf("file URL %q has no parent directory", fileURL)
	}

	dir := filepath.Join(s.root, datasetType, dirname)
	final := filepath.Join(dir, filename)
	return Target{
		Dir:        dir,
		Path:       final,
		MarkerPath: final + MarkerSuffix,
	}, nil
}

// EnsureDir creates the target's directory. MkdirAll is idempotent, so
// concurrent workers resolving into the same export directory are fine.
func (s *Store) EnsureDir(t Target) error {
	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", t.Dir, err)
	}
	return nil
}

// ReadMarker returns the stored Last-Modified value for a target. The
// marker only counts when the artifact it describes is present too: a
// sidecar next to a missing artifact is stale debris and reported absent.
func (s *Store) ReadMarker(t Target) (string, bool) {
	if _, err := os.Stat(t.Path); err != nil {
		return "", false
	}
	data, err := os.ReadFile(t.MarkerPath)
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", false
	}
	return value, true
}

// WriteMarker records the Last-Modified value for a committed artifact.
// Callers must only invoke this after Commit has succeeded.
func (s *Store) WriteMarker(t Target, value string) error {
	return WriteFileAtomic(t.MarkerPath, []byte(value))
}

// TempFile is an in-progress artifact in the target's directory. It is
// either committed onto the final path or aborted; the final path is never
// written directly.
type TempFile struct {
	f     *os.File
	path  string
	final string
}

// CreateTemp opens a temp file next to the target. Same directory keeps
// the commit rename on one filesystem.
func (s *Store) CreateTemp(t Target) (*TempFile, error) {
	f, err := os.CreateTemp(t.Dir, ".tmp-"+filepath.Base(t.Path)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", t.Dir, err)
	}
	return &TempFile{f: f, path: f.Name(), final: t.Path}, nil
}

// Write streams bytes into the temp file.
func (tf *TempFile) Write(p []byte) (int, error) {
	return tf.f.Write(p)
}

// Commit closes the temp file and renames it onto the final path. On
// failure the temp is removed and the final path is left as it was.
func (tf *TempFile) Commit() error {
	if err := tf.f.Close(); err != nil {
		os.Remove(tf.path)
		return fmt.Errorf("close temp file %s: %w", tf.path, err)
	}
	if err := os.Rename(tf.path, tf.final); err != nil {
		os.Remove(tf.path)
		return fmt.Errorf("rename %s to %s: %w", tf.path, tf.final, err)
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit; it only removes
// the temp path.
func (tf *TempFile) Abort() {
	tf.f.Close()
	os.Remove(tf.path)
}

// WriteFileAtomic writes data to path via a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
