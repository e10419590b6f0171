package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kilnworks/openfda-sync/internal/catalog"
	"github.com/kilnworks/openfda-sync/internal/config"
	"github.com/kilnworks/openfda-sync/internal/fetch"
	"github.com/kilnworks/openfda-sync/internal/logging"
	"github.com/kilnworks/openfda-sync/internal/metrics"
	"github.com/kilnworks/openfda-sync/internal/mirror"
	"github.com/kilnworks/openfda-sync/internal/report"
	"github.com/kilnworks/openfda-sync/internal/syncer"
)

// runSync mirrors every selected manifest partition into the raw
// directory, skipping artifacts that are already up to date.
func runSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	workers := fs.Int("workers", 0, "Concurrent downloads (0 = strategy default)")
	strategy := fs.String("strategy", "", "Concurrency strategy: pool, semaphore")
	datasetNames := fs.String("datasets", "", "Comma-separated dataset names (empty = all)")
	datasetsFile := fs.String("datasets-file", "", "YAML file with extra dataset selectors")
	dryRun := fs.Bool("dry-run", false, "Plan tasks without downloading")
	watch := fs.Duration("watch", 0, "Repeat the sync on this interval until signalled")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: openfda-sync sync [options]

Download every partition the manifest lists, skipping files whose stored
Last-Modified marker is newer than the partition's export date.

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
		cfg.Sync.Workers = *workers
	}
	if *strategy != "" {
		cfg.Sync.Strategy = *strategy
	}
	if *datasetNames != "" {
		cfg.Sync.Datasets = splitNames(*datasetNames)
	}
	if *datasetsFile != "" {
		cfg.Sync.DatasetsFile = *datasetsFile
	}
	if *dryRun {
		cfg.Sync.DryRun = true
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
			return syncOnce(ctx, cfg)
		})
		return ExitSuccess
	}

	return syncOnce(ctx, cfg)
}

// syncOnce performs one full synchronization run and returns its exit
// code. Also the sync stage of the run command.
func syncOnce(ctx context.Context, cfg config.Config) int {
	runID := report.NewRunID()
	log := logging.RunLogger(runID)

	store, err := mirror.NewStore(cfg.Paths.Raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatal
	}

	client := newHTTPClient(cfg)
	man, err := loadCachedManifest(ctx, cfg, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatal
	}

	tasks, err := selectTasks(cfg, man)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	log.Info("sync starting",
		"tasks", len(tasks),
		"strategy", cfg.Sync.Strategy,
		"workers", cfg.Sync.Workers,
		"dry_run", cfg.Sync.DryRun)

	if cfg.Sync.DryRun {
		for _, t := range tasks {
			fmt.Printf("%s  %s\n", t.Name(), t.URL)
		}
		fmt.Printf("%d tasks planned\n", len(tasks))
		return ExitSuccess
	}

	worker := fetch.NewWorker(store, client, log)
	driver, err := syncer.NewDriver(cfg.Sync.Strategy, worker, cfg.Sync.Workers, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	started := time.Now()
	sum := driver.Run(ctx, tasks)
	finished := time.Now()

	report.PrintSync(os.Stdout, sum)

	hist := report.NewHistory(cfg.RunHistoryPath())
	if err := hist.Append(report.SyncRecord(runID, syncer.Version, started, finished, sum)); err != nil {
		log.Warn("failed to append run history", "error", err)
	}

	recordRun(ctx, cfg, runID, started, finished, sum, log)

	if m := metrics.Get(); m != nil {
		m.SetLastRunUnixtime(float64(finished.Unix()))
	}

	return sum.ExitCode()
}

// recordRun writes run lineage to the catalog. Failures here are
// warnings; the run outcome is already decided.
func recordRun(ctx context.Context, cfg config.Config, runID string, started, finished time.Time, sum syncer.Summary, log *slog.Logger) {
	if cfg.Catalog.DSN == "" {
		return
	}

	w, err := catalog.NewWriter(ctx, catalog.Config{PostgresDSN: cfg.Catalog.DSN, Strict: cfg.Catalog.Strict})
	if err != nil {
		log.Warn("failed to open catalog", "error", err)
		return
	}
	defer w.Close()

	rec := catalog.Run{
		RunID:      runID,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Downloaded: int64(sum.Downloaded),
		Skipped:    int64(sum.Skipped),
		Failed:     int64(len(sum.Failed)),
		Bytes:      sum.Bytes,
	}
	if err := w.RecordRun(ctx, rec); err != nil {
		log.Warn("failed to record run in catalog", "error", err)
	}
}

// watchLoop adapts an exit-code stage to the watch helper. Cycle
// failures are logged and retried on the next tick; the loop ends only
// on cancellation.
func watchLoop(ctx context.Context, interval time.Duration, log *slog.Logger, stage func(context.Context) int) {
	_ = syncer.Watch(ctx, interval, log, func(ctx context.Context) error {
		if code := stage(ctx); code != ExitSuccess {
			return fmt.Errorf("cycle finished with exit code %d", code)
		}
		return nil
	})
}

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}
