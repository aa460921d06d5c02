/*
Package metrics provides Prometheus-based metrics collection for the mnemos engine.

# Overview

The metrics package tracks engine operations, cache level performance, tier
populations, lifecycle maintenance and consistency scans. It keeps everything
on a private Prometheus registry, so embedding the engine never pollutes the
host program's default registry, and provides both Prometheus exposition and
internal aggregates for debugging.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│  (private)   │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         │  /debug/...     │
	│ - Gauges     │         └─────────────────┘
	└──────────────┘

# Core Components

Collector: the metrics aggregator. It maintains Prometheus metrics for
monitoring systems alongside per-operation aggregates for debugging.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:    true,
		ListenAddr: ":9090",
		Path:       "/metrics",
		Namespace:  "mnemos",
	})
	if err != nil {
		log.Fatal(err)
	}

The built-in HTTP server is opt-in. Start it explicitly, or skip Start and
mount Handler() on an existing mux:

	mux.Handle("/metrics", collector.Handler())

# Recording Operations

Operations are recorded with timing, value size and success status:

	start := time.Now()
	value, err := engine.Recall(ctx, key)

	collector.RecordOperation("recall", time.Since(start), int64(len(value)), err == nil)

Cache requests are labeled by the level that answered:

	collector.RecordCacheHit("HOT")
	collector.RecordCacheMiss("COLD")

Lifecycle cycles and consistency scans report their outcomes in one call:

	collector.RecordLifecycleCycle(promoted, demoted, expired, rebalDemoted, rebalDeleted)
	collector.RecordConsistencyScan(report.Checked, len(report.Violations), report.ConsistencyRate)

# Prometheus Metrics

Counters:
  - mnemos_operations_total{operation,status}: Engine operations by type and status
  - mnemos_cache_requests_total{level,outcome}: Cache hits/misses by level
  - mnemos_errors_total{operation,category}: Errors by operation and category
  - mnemos_lifecycle_cycles_total: Completed maintenance cycles
  - mnemos_lifecycle_changes_total{action}: Record transitions by maintenance action
  - mnemos_consistency_scans_total: Consistency scans run
  - mnemos_consistency_violations_total: Violations found across all scans

Histograms:
  - mnemos_operation_duration_seconds{operation}: Operation latency distribution
  - mnemos_value_size_bytes{operation}: Stored value size distribution

Gauges:
  - mnemos_cache_entries{level}: Current entries per cache level
  - mnemos_tier_records{tier}: Current records per memory tier
  - mnemos_consistency_rate: Consistent fraction from the last scan

The entry and record gauges can also be fed by a polled snapshot: register a
callback with SetSnapshotFunc and the update loop refreshes the gauges every
UpdateInterval.

# Error Classification

RecordError buckets errors for the category label. Structured engine errors
carry their own category (configuration, cache, tier, persistence,
connection, operation, internal); anything else is classified by message
shape (timeout, connection, not_found, other).

# HTTP Endpoints

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:9090/metrics

/health - Health check endpoint

	curl http://localhost:9090/health
	{"status":"healthy","service":"mnemos-metrics"}

/debug/metrics - JSON operation aggregates

/debug/operations - Tabular operations summary

	curl http://localhost:9090/debug/operations
	Operation            Count     Errors   Avg Duration      Avg Size
	----------           -----     ------   ------------      --------
	recall               15234         12        450us           2048
	remember              8901          3        890us           4096

# Cardinality

Label values stay low-cardinality: operation names, level names (HOT, WARM,
COLD, PERSISTENT, EXTERNAL), tier names (SHORT_TERM, LONG_TERM, ARCHIVE,
CORE) and maintenance actions. Record keys and cache keys never become
labels.

# Thread Safety

All Collector methods are safe for concurrent use. A disabled collector
(Config.Enabled false) turns every method into a no-op, so callers never
need their own guard.
*/
package metrics
