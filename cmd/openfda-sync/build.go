package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kilnworks/openfda-sync/internal/catalog"
	"github.com/kilnworks/openfda-sync/internal/config"
	"github.com/kilnworks/openfda-sync/internal/convert"
	"github.com/kilnworks/openfda-sync/internal/logging"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/mirror"
	"github.com/kilnworks/openfda-sync/internal/publish"
	"github.com/kilnworks/openfda-sync/internal/report"
	"github.com/kilnworks/openfda-sync/internal/syncer"
)

// runBuild converts downloaded JSON partitions into parquet bricks,
// walking the same manifest the sync stage used.
func runBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	workers := fs.Int("workers", 0, "Concurrent conversions (0 = default)")
	datasetNames := fs.String("datasets", "", "Comma-separated dataset names (empty = all)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: openfda-sync build [options]

Convert every downloaded partition into a zstd-compressed parquet brick
under the brick directory. Bricks newer than their raw input are
skipped. Requires a cached manifest (run fetch-manifest or sync first).

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
	if *workers > 0 {
		cfg.Build.Workers = *workers
	}
	if *datasetNames != "" {
		cfg.Sync.Datasets = splitNames(*datasetNames)
	}
	applyLogFlags(&cfg, *logLevel, *logFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	setup(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	return buildOnce(ctx, cfg)
}

// buildOnce runs the build stage once, then mirrors the brick tree to
// the publish bucket when one is configured.
func buildOnce(ctx context.Context, cfg config.Config) int {
	log := logging.Component("build")

	man, err := manifest.Load(cfg.ManifestCachePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (run fetch-manifest first)\n", err)
		return ExitFatal
	}

	tasks, err := selectTasks(cfg, man)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	store, err := mirror.NewStore(cfg.Paths.Raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatal
	}

	cat, err := catalog.NewWriter(ctx, catalog.Config{PostgresDSN: cfg.Catalog.DSN, Strict: cfg.Catalog.Strict})
	if err != nil {
		if cfg.Catalog.Strict {
			fmt.Fprintf(os.Stderr, "Error: opening catalog: %v\n", err)
			return ExitFatal
		}
		log.Warn("catalog unavailable, lineage disabled", "error", err)
		cat, _ = catalog.NewWriter(ctx, catalog.Config{})
	}
	defer cat.Close()

	builder := convert.NewBuilder(store, cat, convert.Options{
		BrickRoot: cfg.Paths.Brick,
		Workers:   cfg.Build.Workers,
		Strict:    cfg.Catalog.Strict,
		Version:   syncer.Version,
	}, log)

	plan, err := builder.Plan(tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatal
	}

	sum := builder.Run(ctx, plan)
	report.PrintBuild(os.Stdout, sum)

	code := sum.ExitCode()
	if cfg.Publish.BucketURL != "" {
		if err := publishBricks(ctx, cfg, log); err != nil {
			fmt.Fprintf(os.Stderr, "Error: publishing bricks: %v\n", err)
			if code == ExitSuccess {
				code = ExitTaskFailures
			}
		}
	}
	return code
}

func publishBricks(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	pub, err := publish.Open(ctx, cfg.Publish.BucketURL, cfg.Publish.Prefix, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	sum, err := pub.PublishTree(ctx, cfg.Paths.Brick)
	if err != nil {
		return err
	}

	log.Info("bricks published",
		"bucket", cfg.Publish.BucketURL,
		"uploaded", sum.Uploaded,
		"skipped", sum.Skipped,
		"bytes", sum.Bytes)
	return nil
}
