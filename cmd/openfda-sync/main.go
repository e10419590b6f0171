package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilnworks/openfda-sync/internal/config"
	"github.com/kilnworks/openfda-sync/internal/datasets"
	"github.com/kilnworks/openfda-sync/internal/fetch"
	"github.com/kilnworks/openfda-sync/internal/logging"
	"github.com/kilnworks/openfda-sync/internal/manifest"
	"github.com/kilnworks/openfda-sync/internal/metrics"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitTaskFailures = 1
	ExitInvalidArgs  = 2
	ExitFatal        = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch-manifest":
		return runFetchManifest(cmdArgs)
	case "sync":
		return runSync(cmdArgs)
	case "unpack":
		return runUnpack(cmdArgs)
	case "build":
		return runBuild(cmdArgs)
	case "run":
		return runAll(cmdArgs)
	case "version":
		return runVersion(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: openfda-sync <command> [options]

Commands:
  fetch-manifest  Download the openFDA manifest into the list directory
  sync            Mirror manifest partitions into the raw directory
  unpack          Extract downloaded archives into the extract directory
  build           Convert raw JSON partitions into parquet bricks
  run             fetch-manifest + sync + unpack + build in one pass
  version         Print version information

Run 'openfda-sync <command> -h' for command-specific help.`)
}

// loadConfig assembles the effective configuration: defaults, then the
// optional config file, then environment overrides. Command-line flags
// are applied on top by each command before Validate.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setup installs the global logger and, when an address is configured,
// starts the metrics server in the background.
func setup(cfg config.Config) *slog.Logger {
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := slog.Default()

	if cfg.Metrics.Addr != "" {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	return log
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	return ctx, cancel
}

func newHTTPClient(cfg config.Config) *fetch.Client {
	return fetch.NewClient(fetch.Options{
		Timeout:             cfg.HTTP.Timeout,
		UserAgent:           cfg.HTTP.UserAgent,
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
		RetryAttempts:       cfg.HTTP.RetryAttempts,
		RetryBackoff:        cfg.HTTP.RetryBackoff,
		RetryMaxBackoff:     cfg.HTTP.RetryMaxBackoff,
	})
}

// loadCachedManifest reads <list>/download.json, fetching it from the
// configured URL when no cache exists yet.
func loadCachedManifest(ctx context.Context, cfg config.Config, client *fetch.Client) (*manifest.Manifest, error) {
	cache := cfg.ManifestCachePath()

	man, err := manifest.Load(cache)
	if err == nil {
		return man, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if cfg.Manifest.URL == "" {
		return nil, fmt.Errorf("manifest cache %s does not exist and no manifest URL is configured", cache)
	}

	return manifest.Fetch(ctx, client, cfg.Manifest.URL, cache)
}

// selectTasks walks the manifest and applies the configured dataset
// selection.
func selectTasks(cfg config.Config, man *manifest.Manifest) ([]manifest.FetchTask, error) {
	reg := datasets.Builtin()
	if cfg.Sync.DatasetsFile != "" {
		var err error
		reg, err = datasets.LoadFile(cfg.Sync.DatasetsFile)
		if err != nil {
			return nil, err
		}
	}

	selectors, err := reg.Resolve(cfg.Sync.Datasets)
	if err != nil {
		return nil, err
	}

	tasks := datasets.Filter(man.Tasks(), selectors)
	if m := metrics.Get(); m != nil {
		m.SetManifestPartitions(float64(len(tasks)))
	}
	return tasks, nil
}
