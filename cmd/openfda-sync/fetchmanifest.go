package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/kilnworks/openfda-sync/internal/config"
	"github.com/kilnworks/openfda-sync/internal/logging"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/metrics"
)

// runFetchManifest downloads download.json from the manifest URL and
// caches it under the list directory for the other stages.
func runFetchManifest(args []string) int {
	fs := flag.NewFlagSet("fetch-manifest", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	url := fs.String("url", "", "Manifest URL (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: openfda-sync fetch-manifest [options]

Download the openFDA bulk-download manifest and cache it under the list
directory.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if *url != "" {
		cfg.Manifest.URL = *url
	}
	applyLogFlags(&cfg, *logLevel, *logFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	setup(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	return fetchManifestOnce(ctx, cfg)
}

// fetchManifestOnce is the shared stage body, also run first by the
// run command.
func fetchManifestOnce(ctx context.Context, cfg config.Config) int {
	log := logging.Component("manifest")

	if cfg.Manifest.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: no manifest URL configured")
		return ExitInvalidArgs
	}

	client := newHTTPClient(cfg)
	man, err := manifest.Fetch(ctx, client, cfg.Manifest.URL, cfg.ManifestCachePath())
	if err != nil {
		var malformed *manifest.MalformedManifestError
		if errors.As(err, &malformed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitFatal
		}
		fmt.Fprintf(os.Stderr, "Error: fetching manifest: %v\n", err)
		return ExitFatal
	}

	tasks := man.Tasks()
	if m := metrics.Get(); m != nil {
		m.SetManifestPartitions(float64(len(tasks)))
	}
	log.Info("manifest cached",
		"path", cfg.ManifestCachePath(),
		"partitions", len(tasks))

	return ExitSuccess
}

// applyLogFlags lets -log-level/-log-format override config without
// touching unset values.
func applyLogFlags(cfg *config.Config, level, format string) {
	if level != "" {
		cfg.Log.Level = level
	}
	if format != "" {
		cfg.Log.Format = format
	}
}
