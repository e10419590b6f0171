// Package fetch downloads partition files: a retrying HTTP client plus the
// worker that takes one task from manifest to committed artifact.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("fetch: resource not found")
	ErrForbidden   = errors.New("fetch: access forbidden")
	ErrServerError = errors.New("fetch: server error")
)

// Options configures the HTTP client.
type Options struct {
	// Timeout for individual requests, covering the full body read.
	// Default: 300s, sized for multi-hundred-MB archive partitions.
	Timeout time.Duration

	// UserAgent sent with every request.
	UserAgent string

	// MaxIdleConnsPerHost sets idle connections kept per host.
	// Default: 20
	MaxIdleConnsPerHost int

	// RetryAttempts is the number of retries after the first try.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the backoff growth.
	// Default: 10s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:             300 * time.Second,
		UserAgent:           "OpenFDA-Downloader/1.0",
		MaxIdleConnsPerHost: 20,
		RetryAttempts:       3,
		RetryBackoff:        500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
	}
}

// Client wraps net/http with the archive's User-Agent and bounded retries.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with a pooled transport.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Do issues the request, retrying transport errors and 5xx responses with
// exponential backoff and jitter. Responses below 500, including 304 and
// 4xx, are returned to the caller for interpretation; they are never
// retried. Requests must have no body (all of ours are GETs).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(req.Context(), attempt); err != nil {
				return nil, err
			}
		}

		r := req.Clone(req.Context())
		if c.opts.UserAgent != "" {
			r.Header.Set("User-Agent", c.opts.UserAgent)
		}

		resp, err := c.client.Do(r)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff.
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// StatusErr maps a non-success status code onto a sentinel error.
func StatusErr(code int, status string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, status)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, status)
	case code >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, status)
	default:
		return fmt.Errorf("unexpected status: %s", status)
	}
}
