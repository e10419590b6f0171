package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kilnworks/openfda-sync/internal/mirror"
)

// Doer issues HTTP requests. *fetch.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Load reads and parses a manifest from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// Fetch downloads the manifest from url, caches it at cachePath (atomic
// write, so a half-fetched manifest never replaces a good one), and returns
// the parsed result.
func Fetch(ctx context.Context, client Doer, url, cachePath string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := mirror.WriteFileAtomic(cachePath, data); err != nil {
		return nil, fmt.Errorf("cache manifest: %w", err)
	}

	return m, nil
}
