package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/internal/config"
	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/health"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

// Collector records cache, pool and maintenance metrics in a Prometheus
// registry. A disabled collector accepts every call and records nothing.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	logger   types.Logger
	health   *health.Tracker

	// Prometheus metrics
	cacheRequests  *prometheus.CounterVec
	cacheSize      prometheus.Gauge
	cacheEntries   prometheus.Gauge
	evictions      *prometheus.CounterVec
	evictedBytes   *prometheus.CounterVec
	payloadErrors  *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepEvictions prometheus.Counter
	poolAcquires   *prometheus.CounterVec
	poolDrops      *prometheus.CounterVec
	requests       *prometheus.HistogramVec

	// Internal tracking
	hits      atomic.Uint64
	misses    atomic.Uint64
	evicted   atomic.Uint64
	size      atomic.Int64
	entries   atomic.Int64
	lastSweep atomic.Time
	startedAt time.Time

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// ConfigFrom builds a collector configuration from the application config.
func ConfigFrom(cfg *config.Configuration) *Config {
	return &Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
		Labels:    make(map[string]string),
	}
}

// Snapshot is a point-in-time summary served on /debug/metrics.
type Snapshot struct {
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	HitRate   float64       `json:"hit_rate"`
	Evictions uint64        `json:"evictions"`
	Size      int64         `json:"size"`
	SizeHuman string        `json:"size_human"`
	Entries   int64         `json:"entries"`
	LastSweep time.Time     `json:"last_sweep,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logging sink used by the metrics server.
func WithLogger(l types.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithHealth reports the tracker's component states on /health. The
// endpoint answers 503 while any component is unavailable.
func WithHealth(t *health.Tracker) Option {
	return func(c *Collector) { c.health = t }
}

// NewCollector creates a new metrics collector
func NewCollector(cfg *Config, opts ...Option) (*Collector, error) {
	if cfg == nil {
		cfg = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "respcache",
			Labels:    make(map[string]string),
		}
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	collector := &Collector{
		config:    cfg,
		logger:    utils.NopLogger(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(collector)
	}

	if !cfg.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	return mux
}

// Start serves the metrics endpoints on the configured port until Stop is
// called. A port of 0 picks a free port; see Addr.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", c.config.Port, err)
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := c.server
	go func() {
		if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			c.logger.Log(types.SeverityError, "metrics", "metrics server stopped", err)
		}
	}()

	c.logger.Log(types.SeverityInfo, "metrics", "serving metrics on "+ln.Addr().String()+c.config.Path, nil)
	return nil
}

// Addr returns the address the metrics server listens on, or "" if it
// is not running.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit() {
	if !c.config.Enabled {
		return
	}
	c.hits.Inc()
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss() {
	if !c.config.Enabled {
		return
	}
	c.misses.Inc()
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// RecordEviction records an entry removed for reason.
func (c *Collector) RecordEviction(reason string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.evicted.Inc()
	c.evictions.WithLabelValues(reason).Inc()
	if size > 0 {
		c.evictedBytes.WithLabelValues(reason).Add(float64(size))
	}
}

// RecordPayloadError records a failed payload store operation.
func (c *Collector) RecordPayloadError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.payloadErrors.WithLabelValues(operation, classifyError(err)).Inc()
}

// RecordSweep records one maintenance or clear pass.
func (c *Collector) RecordSweep(duration time.Duration, evicted int, freed int64) {
	if !c.config.Enabled {
		return
	}
	c.lastSweep.Store(time.Now())
	c.sweepDuration.Observe(duration.Seconds())
	c.sweepEvictions.Add(float64(evicted))
}

// UpdateCacheSize updates the cache size and entry gauges.
func (c *Collector) UpdateCacheSize(size int64, entries int) {
	if !c.config.Enabled {
		return
	}
	c.size.Store(size)
	c.entries.Store(int64(entries))
	c.cacheSize.Set(float64(size))
	c.cacheEntries.Set(float64(entries))
}

// RecordPoolAcquire records whether an acquired buffer was reused.
func (c *Collector) RecordPoolAcquire(reused bool) {
	if !c.config.Enabled {
		return
	}
	result := "allocated"
	if reused {
		result = "reused"
	}
	c.poolAcquires.WithLabelValues(result).Inc()
}

// RecordPoolDrop records a buffer the pool declined to keep.
func (c *Collector) RecordPoolDrop(reason string) {
	if !c.config.Enabled {
		return
	}
	c.poolDrops.WithLabelValues(reason).Inc()
}

// RecordRequest records a request handled by the transport. outcome is
// one of hit, miss, revalidated, stale or bypass.
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requests.WithLabelValues(outcome).Observe(duration.Seconds())
}

// GetSnapshot returns current counters.
func (c *Collector) GetSnapshot() Snapshot {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Snapshot{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evicted.Load(),
		Size:      c.size.Load(),
		SizeHuman: utils.FormatBytes(c.size.Load()),
		Entries:   c.entries.Load(),
		LastSweep: c.lastSweep.Load(),
		Uptime:    time.Since(c.startedAt),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	return s
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"type"},
	)

	c.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_size_bytes",
		Help: "Summed size of live cache entries",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_entries",
		Help: "Number of live cache entries",
	})

	c.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "evictions_total",
			Help: "Entries removed by maintenance",
		},
		[]string{"reason"},
	)

	c.evictedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "evicted_bytes_total",
			Help: "Bytes released by maintenance",
		},
		[]string{"reason"},
	)

	c.payloadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "payload_errors_total",
			Help: "Failed payload store operations",
		},
		[]string{"operation", "type"},
	)

	c.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "sweep_duration_seconds",
		Help:    "Duration of maintenance passes in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	c.sweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sweep_removed_total",
		Help: "Entries removed by maintenance passes",
	})

	c.poolAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "pool_acquires_total",
			Help: "Buffer acquisitions by result",
		},
		[]string{"result"},
	)

	c.poolDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "pool_drops_total",
			Help: "Buffers not kept by the pool",
		},
		[]string{"reason"},
	)

	c.requests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "request_duration_seconds",
			Help:    "Duration of requests through the caching transport",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"outcome"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheSize,
		c.cacheEntries,
		c.evictions,
		c.evictedBytes,
		c.payloadErrors,
		c.sweepDuration,
		c.sweepEvictions,
		c.poolAcquires,
		c.poolDrops,
		c.requests,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError labels err by its cache error code when it has one, and
// by message otherwise.
func classifyError(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeCircuitOpen:
		return "circuit_open"
	case errors.ErrCodePayloadNotFound:
		return "not_found"
	case errors.ErrCodeCacheCorrupt, errors.ErrCodeSizeMismatch:
		return "corrupt"
	}
	if stderrors.Is(err, types.ErrPayloadNotFound) {
		return "not_found"
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"):
		return "permission"
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "slow down"):
		return "throttling"
	default:
		return "other"
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if c.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"respcache-metrics"}`))
		return
	}

	overall := c.health.GetOverallHealth()
	status := http.StatusOK
	if overall == health.StateUnavailable {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Status     health.HealthState                 `json:"status"`
		Service    string                             `json:"service"`
		Components map[string]*health.ComponentHealth `json:"components"`
	}{overall, "respcache-metrics", c.health.GetAllComponents()})
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(c.GetSnapshot())
}

var _ types.MetricsRecorder = (*Collector)(nil)
