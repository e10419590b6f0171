package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kilnworks/openfda-sync/internal/config"
	"github.com/kilnworks/openfda-sync/internal/logging"
	"github.com/kilnworks/openfda-sync/internal/report"
	"github.com/kilnworks/openfda-sync/internal/unpack"
)

// runUnpack extracts every downloaded archive partition into the
// extract directory, skipping ones already unpacked.
func runUnpack(args []string) int {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	workers := fs.Int("workers", 0, "Concurrent extractions (0 = default)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: openfda-sync unpack [options]

Extract every *.json.zip and *.json.gz under the raw directory into the
extract directory. Archives whose target directory already exists are
skipped.

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
		cfg.Unpack.Workers = *workers
	}
	applyLogFlags(&cfg, *logLevel, *logFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	setup(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	return unpackOnce(ctx, cfg)
}

// unpackOnce runs the unpack stage once, for both the unpack and run
// commands.
func unpackOnce(ctx context.Context, cfg config.Config) int {
	log := logging.Component("unpack")

	ex := unpack.New(cfg.Paths.Raw, cfg.Paths.Extract, log)
	sum, err := ex.Run(ctx, cfg.Unpack.Workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatal
	}

	report.PrintUnpack(os.Stdout, sum)
	return sum.ExitCode()
}
