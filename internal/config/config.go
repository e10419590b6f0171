// Package config loads openfda-sync configuration from defaults, an
// optional YAML file, and OPENFDA_-prefixed environment variables, in
// that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultManifestURL is the public openFDA bulk-download manifest.
const DefaultManifestURL = "https://api.download.open.fda.gov/download.json"

type Config struct {
	Paths    PathsConfig
	Manifest ManifestConfig
	HTTP     HTTPConfig
	Sync     SyncConfig
	Unpack   UnpackConfig
	Build    BuildConfig
	Catalog  CatalogConfig
	Publish  PublishConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

// PathsConfig holds the four pipeline roots.
type PathsConfig struct {
	Raw     string // downloaded archives + markers
	List    string // manifest cache and run history
	Extract string // unpacked archives
	Brick   string // parquet output
}

type ManifestConfig struct {
	URL string
}

type HTTPConfig struct {
	Timeout             time.Duration
	UserAgent           string
	MaxIdleConnsPerHost int
	RetryAttempts       int
	RetryBackoff        time.Duration
	RetryMaxBackoff     time.Duration
}

type SyncConfig struct {
	Workers      int    // 0 = min(20, task count)
	Strategy     string // "pool" | "semaphore"
	Datasets     []string
	DatasetsFile string // optional selector overlay
	DryRun       bool
	Watch        time.Duration // 0 = single run
}

type UnpackConfig struct {
	Workers int
}

type BuildConfig struct {
	Workers int // 0 = min(14, task count)
}

type CatalogConfig struct {
	DSN    string
	Strict bool
}

type PublishConfig struct {
	BucketURL string
	Prefix    string
}

type MetricsConfig struct {
	Addr string // empty = no metrics server
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			Raw:     "raw",
			List:    "list",
			Extract: "extract",
			Brick:   "brick",
		},
		Manifest: ManifestConfig{
			URL: DefaultManifestURL,
		},
		HTTP: HTTPConfig{
			Timeout:             300 * time.Second,
			UserAgent:           "OpenFDA-Downloader/1.0",
			MaxIdleConnsPerHost: 20,
			RetryAttempts:       3,
			RetryBackoff:        500 * time.Millisecond,
			RetryMaxBackoff:     10 * time.Second,
		},
		Sync: SyncConfig{
			Strategy: "pool",
		},
		Unpack: UnpackConfig{
			Workers: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ManifestCachePath is where fetch-manifest stores its copy and where the
// other stages look for one.
func (c Config) ManifestCachePath() string {
	return filepath.Join(c.Paths.List, "download.json")
}

// RunHistoryPath is the JSONL file run summaries are appended to.
func (c Config) RunHistoryPath() string {
	return filepath.Join(c.Paths.List, "runs.jsonl")
}

// yamlConfig mirrors Config for file parsing; durations are strings so the
// file can say "300s" rather than nanosecond integers.
type yamlConfig struct {
	Paths struct {
		Raw     string `yaml:"raw"`
		List    string `yaml:"list"`
		Extract string `yaml:"extract"`
		Brick   string `yaml:"brick"`
	} `yaml:"paths"`
	Manifest struct {
		URL string `yaml:"url"`
	} `yaml:"manifest"`
	HTTP struct {
		Timeout             string `yaml:"timeout"`
		UserAgent           string `yaml:"user_agent"`
		MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
		RetryAttempts       int    `yaml:"retry_attempts"`
		RetryBackoff        string `yaml:"retry_backoff"`
		RetryMaxBackoff     string `yaml:"retry_max_backoff"`
	} `yaml:"http"`
	Sync struct {
		Workers      int      `yaml:"workers"`
		Strategy     string   `yaml:"strategy"`
		Datasets     []string `yaml:"datasets"`
		DatasetsFile string   `yaml:"datasets_file"`
		Watch        string   `yaml:"watch"`
	} `yaml:"sync"`
	Unpack struct {
		Workers int `yaml:"workers"`
	} `yaml:"unpack"`
	Build struct {
		Workers int `yaml:"workers"`
	} `yaml:"build"`
	Catalog struct {
		DSN    string `yaml:"dsn"`
		Strict bool   `yaml:"strict"`
	} `yaml:"catalog"`
	Publish struct {
		BucketURL string `yaml:"bucket_url"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"publish"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFile overlays settings from a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.Paths.Raw, yc.Paths.Raw)
	setString(&c.Paths.List, yc.Paths.List)
	setString(&c.Paths.Extract, yc.Paths.Extract)
	setString(&c.Paths.Brick, yc.Paths.Brick)
	setString(&c.Manifest.URL, yc.Manifest.URL)

	if err := setDuration(&c.HTTP.Timeout, yc.HTTP.Timeout, "http.timeout"); err != nil {
		return err
	}
	setString(&c.HTTP.UserAgent, yc.HTTP.UserAgent)
	setInt(&c.HTTP.MaxIdleConnsPerHost, yc.HTTP.MaxIdleConnsPerHost)
	setInt(&c.HTTP.RetryAttempts, yc.HTTP.RetryAttempts)
	if err := setDuration(&c.HTTP.RetryBackoff, yc.HTTP.RetryBackoff, "http.retry_backoff"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.RetryMaxBackoff, yc.HTTP.RetryMaxBackoff, "http.retry_max_backoff"); err != nil {
		return err
	}

	setInt(&c.Sync.Workers, yc.Sync.Workers)
	setString(&c.Sync.Strategy, yc.Sync.Strategy)
	if len(yc.Sync.Datasets) > 0 {
		c.Sync.Datasets = yc.Sync.Datasets
	}
	setString(&c.Sync.DatasetsFile, yc.Sync.DatasetsFile)
	if err := setDuration(&c.Sync.Watch, yc.Sync.Watch, "sync.watch"); err != nil {
		return err
	}

	setInt(&c.Unpack.Workers, yc.Unpack.Workers)
	setInt(&c.Build.Workers, yc.Build.Workers)
	setString(&c.Catalog.DSN, yc.Catalog.DSN)
	if yc.Catalog.Strict {
		c.Catalog.Strict = true
	}
	setString(&c.Publish.BucketURL, yc.Publish.BucketURL)
	setString(&c.Publish.Prefix, yc.Publish.Prefix)
	setString(&c.Metrics.Addr, yc.Metrics.Addr)
	setString(&c.Log.Level, yc.Log.Level)
	setString(&c.Log.Format, yc.Log.Format)

	return nil
}

// LoadEnv overlays OPENFDA_-prefixed environment variables onto c.
func (c *Config) LoadEnv() error {
	setString(&c.Paths.Raw, os.Getenv("OPENFDA_RAW_PATH"))
	setString(&c.Paths.List, os.Getenv("OPENFDA_LIST_PATH"))
	setString(&c.Paths.Extract, os.Getenv("OPENFDA_EXTRACT_PATH"))
	setString(&c.Paths.Brick, os.Getenv("OPENFDA_BRICK_PATH"))
	setString(&c.Manifest.URL, os.Getenv("OPENFDA_MANIFEST_URL"))

	if v := os.Getenv("OPENFDA_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse OPENFDA_HTTP_TIMEOUT: %w", err)
		}
		c.HTTP.Timeout = d
	}
	if v := os.Getenv("OPENFDA_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse OPENFDA_WORKERS: %w", err)
		}
		c.Sync.Workers = n
	}
	setString(&c.Sync.Strategy, os.Getenv("OPENFDA_STRATEGY"))
	if v := os.Getenv("OPENFDA_DATASETS"); v != "" {
		c.Sync.Datasets = splitList(v)
	}
	setString(&c.Sync.DatasetsFile, os.Getenv("OPENFDA_DATASETS_FILE"))
	setString(&c.Catalog.DSN, os.Getenv("OPENFDA_CATALOG_DSN"))
	setString(&c.Publish.BucketURL, os.Getenv("OPENFDA_PUBLISH_URL"))
	setString(&c.Metrics.Addr, os.Getenv("OPENFDA_METRICS_ADDR"))
	setString(&c.Log.Level, os.Getenv("OPENFDA_LOG_LEVEL"))
	setString(&c.Log.Format, os.Getenv("OPENFDA_LOG_FORMAT"))

	return nil
}

// Validate checks the configuration for values no run could work with.
func (c *Config) Validate() error {
	if c.Paths.Raw == "" {
		return errors.New("config: raw path is required")
	}
	if c.Paths.List == "" {
		return errors.New("config: list path is required")
	}
	switch c.Sync.Strategy {
	case "pool", "semaphore":
	default:
		return fmt.Errorf("config: unknown sync strategy %q (want pool or semaphore)", c.Sync.Strategy)
	}
	if c.Sync.Workers < 0 {
		return errors.New("config: workers must not be negative")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("config: http timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return errors.New("config: retry attempts must not be negative")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
