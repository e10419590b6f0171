// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Fetch metrics
	FetchTasks      *prometheus.CounterVec
	BytesDownloaded *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	TasksInFlight   prometheus.Gauge

	// Manifest metrics
	ManifestPartitions prometheus.Gauge

	// Downstream stage metrics
	ArchivesExtracted *prometheus.CounterVec
	BricksBuilt       *prometheus.CounterVec
	ObjectsPublished  prometheus.Counter

	// Run metrics
	LastRunUnixtime prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "openfda_sync"
	}

	m := &Metrics{
		FetchTasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_tasks_total",
				Help:      "Total number of fetch tasks by outcome",
			},
			[]string{"dataset_type", "status"},
		),
		BytesDownloaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_downloaded_total",
				Help:      "Total bytes committed to the local mirror",
			},
			[]string{"dataset_type"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to process one fetch task end to end",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~400s
			},
			[]string{"dataset_type", "status"},
		),
		TasksInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Number of fetch tasks currently being processed",
			},
		),
		ManifestPartitions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "manifest_partitions",
				Help:      "Partition count in the most recently loaded manifest",
			},
		),
		ArchivesExtracted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_extracted_total",
				Help:      "Total number of downloaded archives unpacked",
			},
			[]string{"dataset_type"},
		),
		BricksBuilt: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bricks_built_total",
				Help:      "Total number of parquet bricks built by outcome",
			},
			[]string{"dataset_type", "status"},
		),
		ObjectsPublished: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_published_total",
				Help:      "Total number of bricks uploaded to the publish bucket",
			},
		),
		LastRunUnixtime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_completed_timestamp_seconds",
				Help:      "Unix time when the last sync run finished",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncFetchTask increments the task counter for one outcome.
func (m *Metrics) IncFetchTask(datasetType, status string) {
	m.FetchTasks.WithLabelValues(datasetType, status).Inc()
}

// AddBytesDownloaded adds committed bytes for a dataset type.
func (m *Metrics) AddBytesDownloaded(datasetType string, n float64) {
	m.BytesDownloaded.WithLabelValues(datasetType).Add(n)
}

// ObserveFetchDuration records how long one task took.
func (m *Metrics) ObserveFetchDuration(datasetType, status string, seconds float64) {
	m.FetchDuration.WithLabelValues(datasetType, status).Observe(seconds)
}

// AddTasksInFlight moves the in-flight gauge by delta.
func (m *Metrics) AddTasksInFlight(delta float64) {
	m.TasksInFlight.Add(delta)
}

// SetManifestPartitions records the size of the loaded manifest.
func (m *Metrics) SetManifestPartitions(n float64) {
	m.ManifestPartitions.Set(n)
}

// IncArchivesExtracted increments the unpack counter.
func (m *Metrics) IncArchivesExtracted(datasetType string) {
	m.ArchivesExtracted.WithLabelValues(datasetType).Inc()
}

// IncBricksBuilt increments the brick build counter for one outcome.
func (m *Metrics) IncBricksBuilt(datasetType, status string) {
	m.BricksBuilt.WithLabelValues(datasetType, status).Inc()
}

// IncObjectsPublished increments the publish counter.
func (m *Metrics) IncObjectsPublished() {
	m.ObjectsPublished.Inc()
}

// SetLastRunUnixtime marks the completion time of a run.
func (m *Metrics) SetLastRunUnixtime(ts float64) {
	m.LastRunUnixtime.Set(ts)
}
