/*
Package config provides configuration management for the mnemos engine.

This package implements a layered configuration system with compiled-in
defaults and YAML file overrides. It provides validation and type safety
for every engine component, from the in-process cache levels to the
tiered lifecycle policies and the durable persistence backend.

# Configuration Architecture

Two-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │ ← Highest Priority
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

Secrets such as the postgres DSN or the redis password reach the file
through deployment tooling; the package itself does not read process
environment variables.

# Configuration Structure

Global Settings:
- Logging configuration (level, file, format)

Cache Settings:
- memory: byte store capacity, TTL and sweep interval for the HOT level
- semantic: hot/warm pool sizes, importance cutoff, promotion threshold
- coordinator: cross-level propagation and maintenance interval
- stores: optional redis (COLD), disk (PERSISTENT) and s3 (EXTERNAL)
  backends

Tier Settings:
- Per-tier lifecycle policy keyed by tier name (SHORT_TERM, LONG_TERM,
  ARCHIVE, CORE): record caps, cleanup cadence, retention windows,
  promotion and demotion switches
- lifecycle: optional scheduler interval override
- consistency: monitor scan cadence and auto-repair switch

Persistence Settings:
- Backend selection (none, sqlite, postgres) with per-backend options
- Retry policy and circuit breaker parameters for guarded statements

Monitoring Settings:
- Metrics endpoint exposure
- Health check cadence and timeout

# Usage Examples

Loading configuration:

	// Create with defaults
	config := config.NewDefault()

	// Load from file
	if err := config.LoadFromFile("/etc/mnemos/config.yaml"); err != nil {
		log.Fatal(err)
	}

	// Apply runtime overrides
	config.Global.LogLevel = "DEBUG"

	// Validate final configuration
	if err := config.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	# mnemos Configuration
	global:
	  log_level: INFO
	  log_file: "/var/log/mnemos.log"
	  log_format: text

	memory:
	  capacity: 1024
	  cleanup_interval: 1m

	semantic:
	  hot_capacity: 128
	  warm_capacity: 1024
	  importance_threshold: 7.0
	  promotion_threshold: 3

	coordinator:
	  auto_promote: true
	  write_propagation: true
	  maintenance_interval: 5m

	tiers:
	  SHORT_TERM:
	    max_records: 2000
	    cleanup_interval_hours: 1
	    retention_days: 7
	    auto_promotion: true
	    auto_demotion: true

	persistence:
	  backend: sqlite
	  sqlite:
	    path: /var/lib/mnemos/mnemos.db

	stores:
	  redis:
	    enabled: true
	    addr: localhost:6379
	    namespace: mnemos
	  s3:
	    enabled: true
	    bucket: mnemos-archive
	    region: us-east-1

A tier listed in the file replaces its default policy whole; tiers not
listed keep their defaults.

# Validation System

Validate checks the assembled configuration before any component is
built:

- Log level and format against the values the logger accepts
- Capacity and threshold ranges for the cache levels
- Tier names against the known tier set, policy fields against their
  legal ranges
- Backend selection and its required connection settings
- Optional store and metrics settings when those features are enabled

Validation returns the first problem found, named by its YAML path, so
a bad deployment fails at startup rather than at first use.

# Default Configuration

Defaults describe a single-process deployment with an embedded sqlite
backend, redis and disk levels disabled, metrics endpoint off and
health checks on. They validate as-is, so an empty file (or no file at
all) yields a working engine.
*/
package config
