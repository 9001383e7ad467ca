// Package metrics exposes Prometheus instrumentation for the cache layers.
//
// Every cache reports hits, misses, and evictions under a shared metric name
// with a "cache" label, so dashboards can compare layers directly. Swallowed
// maintenance failures are counted here as well: the propagation policy says
// they must never reach the caller, and this counter is the observable trace
// they leave behind.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache label values used across the collector.
const (
	CacheChunk     = "chunk"
	CacheFile      = "file"
	CacheCatalog   = "catalog"
	CacheThumbnail = "thumbnail"
	CachePlayer    = "player_pool"
	CacheLedger    = "ledger"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector owns the Prometheus registry for the caching subsystem.
// A nil *Collector is valid and records nothing, so components can treat
// instrumentation as optional.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	hits                *prometheus.CounterVec
	misses              *prometheus.CounterVec
	evictions           *prometheus.CounterVec
	sizeBytes           *prometheus.GaugeVec
	downloadBytes       prometheus.Counter
	downloadDuration    prometheus.Histogram
	maintenanceFailures *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9307,
			Path:      "/metrics",
			Namespace: "clipcache",
		}
	}

	if !config.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache layer",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache layer",
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache evictions by cache layer",
		}, []string{"cache"}),
		sizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "cache_size_bytes",
			Help:      "Resident bytes by cache layer",
		}, []string{"cache"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded into the full-file cache",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "download_duration_seconds",
			Help:      "Full-file download duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		maintenanceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "maintenance_failures_total",
			Help:      "Swallowed cache-maintenance failures by cache layer and operation",
		}, []string{"cache", "op"}),
	}

	for _, col := range []prometheus.Collector{
		c.hits, c.misses, c.evictions, c.sizeBytes,
		c.downloadBytes, c.downloadDuration, c.maintenanceFailures,
	} {
		if err := registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return c, nil
}

// RecordHit records a cache hit for the given layer.
func (c *Collector) RecordHit(cache string) {
	if c == nil {
		return
	}
	c.hits.WithLabelValues(cache).Inc()
}

// RecordMiss records a cache miss for the given layer.
func (c *Collector) RecordMiss(cache string) {
	if c == nil {
		return
	}
	c.misses.WithLabelValues(cache).Inc()
}

// RecordEvictions adds n evictions for the given layer.
func (c *Collector) RecordEvictions(cache string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(cache).Add(float64(n))
}

// SetSize sets the resident size gauge for the given layer.
func (c *Collector) SetSize(cache string, bytes int64) {
	if c == nil {
		return
	}
	c.sizeBytes.WithLabelValues(cache).Set(float64(bytes))
}

// RecordDownload records a completed full-file download.
func (c *Collector) RecordDownload(bytes int64, duration time.Duration) {
	if c == nil {
		return
	}
	c.downloadBytes.Add(float64(bytes))
	c.downloadDuration.Observe(duration.Seconds())
}

// RecordMaintenanceFailure counts a swallowed maintenance failure.
func (c *Collector) RecordMaintenanceFailure(cache, op string) {
	if c == nil {
		return
	}
	c.maintenanceFailures.WithLabelValues(cache, op).Inc()
}

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP endpoint. Blocks until the server stops.
func (c *Collector) Serve() error {
	if c == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.Port),
		Handler: mux,
	}
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down the metrics endpoint if it was started.
func (c *Collector) Close() error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Close()
}
