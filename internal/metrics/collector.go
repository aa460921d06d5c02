package metrics

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemos/mnemos/pkg/errors"
)

// Collector gathers engine metrics on a private Prometheus registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Operation metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	valueSize         *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	// Cache level metrics
	cacheRequests *prometheus.CounterVec
	cacheEntries  *prometheus.GaugeVec

	// Tier and lifecycle metrics
	tierRecords      *prometheus.GaugeVec
	lifecycleCycles  prometheus.Counter
	lifecycleChanges *prometheus.CounterVec

	// Consistency metrics
	consistencyScans      prometheus.Counter
	consistencyViolations prometheus.Counter
	consistencyRate       prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
	snapshotFn func() GaugeSnapshot

	// HTTP server for the optional metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	Subsystem      string        `yaml:"subsystem"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// OperationMetrics tracks aggregates for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// GaugeSnapshot carries point-in-time sizes for the polled gauges
type GaugeSnapshot struct {
	CacheEntries map[string]int
	TierRecords  map[string]int
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			ListenAddr:     ":9090",
			Path:           "/metrics",
			Namespace:      "mnemos",
			UpdateInterval: 30 * time.Second,
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "mnemos"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 30 * time.Second
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the private registry backing the collector; nil when
// the collector is disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry contents, for
// embedding into an existing mux without starting the built-in server
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the metrics endpoint and the gauge update loop
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              c.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	go c.updateLoop(ctx)

	return nil
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// SetSnapshotFunc registers the callback the update loop polls for the
// cache entry and tier record gauges
func (c *Collector) SetSnapshotFunc(fn func() GaugeSnapshot) {
	c.mu.Lock()
	c.snapshotFn = fn
	c.mu.Unlock()
}

// RecordOperation records an operation with its duration and value size
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.valueSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordCacheHit records a request served by the given cache level
func (c *Collector) RecordCacheHit(level string) {
	if !c.config.Enabled {
		return
	}

	c.cacheRequests.With(prometheus.Labels{
		"level":   level,
		"outcome": "hit",
	}).Inc()
}

// RecordCacheMiss records a request the given cache level could not serve
func (c *Collector) RecordCacheMiss(level string) {
	if !c.config.Enabled {
		return
	}

	c.cacheRequests.With(prometheus.Labels{
		"level":   level,
		"outcome": "miss",
	}).Inc()
}

// RecordError records an error against an operation
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"category":  c.classifyError(err),
	}).Inc()
}

// UpdateCacheEntries updates the entry count gauge for a cache level
func (c *Collector) UpdateCacheEntries(level string, count int) {
	if !c.config.Enabled {
		return
	}

	c.cacheEntries.With(prometheus.Labels{
		"level": level,
	}).Set(float64(count))
}

// UpdateTierRecords updates the record count gauge for a memory tier
func (c *Collector) UpdateTierRecords(tier string, count int) {
	if !c.config.Enabled {
		return
	}

	c.tierRecords.With(prometheus.Labels{
		"tier": tier,
	}).Set(float64(count))
}

// RecordLifecycleCycle records the outcome of one maintenance cycle
func (c *Collector) RecordLifecycleCycle(promoted, demoted, expiredDeleted, rebalancedDemoted, rebalancedDeleted int) {
	if !c.config.Enabled {
		return
	}

	c.lifecycleCycles.Inc()
	changes := map[string]int{
		"promoted":           promoted,
		"demoted":            demoted,
		"expired_deleted":    expiredDeleted,
		"rebalanced_demoted": rebalancedDemoted,
		"rebalanced_deleted": rebalancedDeleted,
	}
	for action, count := range changes {
		if count > 0 {
			c.lifecycleChanges.With(prometheus.Labels{
				"action": action,
			}).Add(float64(count))
		}
	}
}

// RecordConsistencyScan records the outcome of one consistency scan
func (c *Collector) RecordConsistencyScan(checked, violations int, rate float64) {
	if !c.config.Enabled {
		return
	}

	c.consistencyScans.Inc()
	if violations > 0 {
		c.consistencyViolations.Add(float64(violations))
	}
	c.consistencyRate.Set(rate)
}

// GetMetrics returns a snapshot of the internal operation aggregates
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		copied := *v
		operations[k] = &copied
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal operation aggregates
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operations_total",
			Help:      "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3.3s
		},
		[]string{"operation"},
	)

	c.valueSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "value_size_bytes",
			Help:      "Size of stored values in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"operation", "category"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_requests_total",
			Help:      "Total number of cache requests by level",
		},
		[]string{"level", "outcome"},
	)

	c.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_entries",
			Help:      "Current number of entries per cache level",
		},
		[]string{"level"},
	)

	c.tierRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tier_records",
			Help:      "Current number of records per memory tier",
		},
		[]string{"tier"},
	)

	c.lifecycleCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "lifecycle_cycles_total",
			Help:      "Total number of completed maintenance cycles",
		},
	)

	c.lifecycleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "lifecycle_changes_total",
			Help:      "Total number of record transitions by maintenance action",
		},
		[]string{"action"},
	)

	c.consistencyScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "consistency_scans_total",
			Help:      "Total number of consistency scans",
		},
	)

	c.consistencyViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "consistency_violations_total",
			Help:      "Total number of consistency violations found",
		},
	)

	c.consistencyRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "consistency_rate",
			Help:      "Fraction of checked assignments found consistent in the last scan",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.valueSize,
		c.errorCounter,
		c.cacheRequests,
		c.cacheEntries,
		c.tierRecords,
		c.lifecycleCycles,
		c.lifecycleChanges,
		c.consistencyScans,
		c.consistencyViolations,
		c.consistencyRate,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError buckets an error for the category label. Structured
// errors carry their own category; anything else is classified by
// message shape.
func (c *Collector) classifyError(err error) string {
	var engineErr *errors.EngineError
	if stderr.As(err, &engineErr) {
		return string(engineErr.Category)
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updateGauges()
		}
	}
}

func (c *Collector) updateGauges() {
	c.mu.RLock()
	fn := c.snapshotFn
	c.mu.RUnlock()
	if fn == nil {
		return
	}

	snapshot := fn()
	for level, count := range snapshot.CacheEntries {
		c.UpdateCacheEntries(level, count)
	}
	for tier, count := range snapshot.TierRecords {
		c.UpdateTierRecords(tier, count)
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"mnemos-metrics"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(c.GetMetrics())
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("mnemos Operations Summary\n")
	writef("=========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	writef("%-20s %10s %10s %12s %12s %10s\n",
		"----------", "-----", "------", "------------", "--------", "-------")

	for name, op := range c.operations {
		writef("%-20s %10d %10d %12v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}
