package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kilnworks/openfda-sync/internal/config"
)

// runAll chains fetch-manifest, sync, unpack, and build. Per-task
// failures carry through to the exit code but never stop later stages;
// only fatal and config errors end the pass early.
func runAll(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	datasetNames := fs.String("datasets", "", "Comma-separated dataset names (empty = all)")
	watch := fs.Duration("watch", 0, "Repeat the full pass on this interval until signalled")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: openfda-sync run [options]

Run the whole pipeline: fetch the manifest, mirror its partitions,
unpack the archives, and build parquet bricks.

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
	if *datasetNames != "" {
		cfg.Sync.Datasets = splitNames(*datasetNames)
	}
	if *watch > 0 {
		cfg.Sync.Watch = *watch
	}
	applyLogFlags(&cfg, *logLevel, *logFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	log := setup(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Sync.Watch > 0 {
		watchLoop(ctx, cfg.Sync.Watch, log, func(ctx context.Context) int {
			return pipelineOnce(ctx, cfg)
		})
		return ExitSuccess
	}

	return pipelineOnce(ctx, cfg)
}

// pipelineOnce runs each stage in order, keeping the worst per-task
// exit code and stopping on anything fatal.
func pipelineOnce(ctx context.Context, cfg config.Config) int {
	worst := ExitSuccess

	stages := []func(context.Context, config.Config) int{
		fetchManifestOnce,
		syncOnce,
		unpackOnce,
		buildOnce,
	}
	if cfg.Manifest.URL == "" {
		// No URL: rely on an existing manifest cache.
		stages = stages[1:]
	}

	for _, stage := range stages {
		code := stage(ctx, cfg)
		if code >= ExitInvalidArgs {
			return code
		}
		if code > worst {
			worst = code
		}
		if ctx.Err() != nil {
			return worst
		}
	}

	return worst
}
