package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// Persistence backend selectors
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global      GlobalConfig          `yaml:"global"`
	Memory      MemoryConfig          `yaml:"memory"`
	Semantic    SemanticConfig        `yaml:"semantic"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Tiers       map[string]TierPolicy `yaml:"tiers"`
	Lifecycle   LifecycleConfig       `yaml:"lifecycle"`
	Consistency ConsistencyConfig     `yaml:"consistency"`
	Persistence PersistenceConfig     `yaml:"persistence"`
	Stores      StoresConfig          `yaml:"stores"`
	Monitoring  MonitoringConfig      `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// MemoryConfig represents the byte store backing the HOT level
type MemoryConfig struct {
	Capacity        int           `yaml:"capacity"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SemanticConfig represents the semantic cache's pool and promotion settings
type SemanticConfig struct {
	HotCapacity         int     `yaml:"hot_capacity"`
	WarmCapacity        int     `yaml:"warm_capacity"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
	PromotionThreshold  int64   `yaml:"promotion_threshold"`
	MaxKeywords         int     `yaml:"max_keywords"`
}

// CoordinatorConfig represents cross-store routing behavior
type CoordinatorConfig struct {
	AutoPromote         bool          `yaml:"auto_promote"`
	WritePropagation    bool          `yaml:"write_propagation"`
	DeletePropagation   bool          `yaml:"delete_propagation"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// TierPolicy represents one memory tier's lifecycle policy
type TierPolicy struct {
	MaxRecords           int     `yaml:"max_records"`
	CleanupIntervalHours float64 `yaml:"cleanup_interval_hours"`
	AutoPromotion        bool    `yaml:"auto_promotion"`
	AutoDemotion         bool    `yaml:"auto_demotion"`
	RetentionDays        int     `yaml:"retention_days"`
	WeightThreshold      float64 `yaml:"weight_threshold"`
}

// CleanupInterval converts the configured hours to a duration
func (p TierPolicy) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalHours * float64(time.Hour))
}

// LifecycleConfig represents the maintenance scheduler settings
type LifecycleConfig struct {
	// Interval overrides the scheduler period; zero collapses the
	// per-tier cleanup intervals to the smallest one
	Interval time.Duration `yaml:"interval"`
}

// ConsistencyConfig represents the consistency monitor settings
type ConsistencyConfig struct {
	// Interval is the monitoring scan period; zero disables the monitor
	Interval   time.Duration `yaml:"interval"`
	AutoRepair bool          `yaml:"auto_repair"`
}

// PersistenceConfig represents the durable collaborator settings
type PersistenceConfig struct {
	// Backend selects the adapter: none, sqlite or postgres
	Backend        string               `yaml:"backend"`
	Postgres       PostgresConfig       `yaml:"postgres"`
	SQLite         SQLiteConfig         `yaml:"sqlite"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PostgresConfig represents postgres connection settings
type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SQLiteConfig represents sqlite file settings
type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// RetryConfig represents retry settings for guarded statements
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StoresConfig represents the optional cache level backends
type StoresConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Disk  DiskConfig  `yaml:"disk"`
	S3    S3Config    `yaml:"s3"`
}

// RedisConfig represents the COLD-level Redis store settings
type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Namespace  string        `yaml:"namespace"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DiskConfig represents the PERSISTENT-level disk store settings
type DiskConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	MaxSize     string `yaml:"max_size"`
	Compression bool   `yaml:"compression"`
}

// MaxSizeBytes parses the human-readable cap; zero when unset
func (d DiskConfig) MaxSizeBytes() (int64, error) {
	if d.MaxSize == "" {
		return 0, nil
	}
	return utils.ParseBytes(d.MaxSize)
}

// S3Config represents the EXTERNAL-level object store settings. Static
// credentials are not configured here; the store falls back to the
// default AWS credential chain.
type S3Config struct {
	Enabled        bool   `yaml:"enabled"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Pressure     PressureConfig     `yaml:"pressure"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PressureConfig represents memory pressure monitoring settings.
// HeapBudgetMB of zero samples without ever driving the valve.
type PressureConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	HeapBudgetMB   int           `yaml:"heap_budget_mb"`
	HighWater      float64       `yaml:"high_water"`
	LowWater       float64       `yaml:"low_water"`
	ShrinkFactor   float64       `yaml:"shrink_factor"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFile:   "",
			LogFormat: "text",
		},
		Memory: MemoryConfig{
			Capacity:        1024,
			DefaultTTL:      0,
			CleanupInterval: time.Minute,
		},
		Semantic: SemanticConfig{
			HotCapacity:         128,
			WarmCapacity:        1024,
			ImportanceThreshold: 7.0,
			PromotionThreshold:  3,
			MaxKeywords:         10,
		},
		Coordinator: CoordinatorConfig{
			AutoPromote:         true,
			WritePropagation:    true,
			DeletePropagation:   true,
			MaintenanceInterval: 5 * time.Minute,
		},
		Tiers: map[string]TierPolicy{
			"CORE": {
				MaxRecords:           1000,
				CleanupIntervalHours: 24,
				AutoPromotion:        false,
				AutoDemotion:         false,
				RetentionDays:        0,
				WeightThreshold:      9.0,
			},
			"ARCHIVE": {
				MaxRecords:           5000,
				CleanupIntervalHours: 12,
				AutoPromotion:        true,
				AutoDemotion:         true,
				RetentionDays:        365,
				WeightThreshold:      7.0,
			},
			"LONG_TERM": {
				MaxRecords:           10000,
				CleanupIntervalHours: 6,
				AutoPromotion:        true,
				AutoDemotion:         true,
				RetentionDays:        90,
				WeightThreshold:      4.0,
			},
			"SHORT_TERM": {
				MaxRecords:           2000,
				CleanupIntervalHours: 1,
				AutoPromotion:        true,
				AutoDemotion:         true,
				RetentionDays:        7,
				WeightThreshold:      0,
			},
		},
		Lifecycle: LifecycleConfig{
			Interval: 0,
		},
		Consistency: ConsistencyConfig{
			Interval:   10 * time.Minute,
			AutoRepair: false,
		},
		Persistence: PersistenceConfig{
			Backend: BackendSQLite,
			Postgres: PostgresConfig{
				DSN:            "postgres://localhost:5432/mnemos",
				MaxConns:       8,
				MinConns:       1,
				ConnectTimeout: 5 * time.Second,
			},
			SQLite: SQLiteConfig{
				Path:         "mnemos.db",
				BusyTimeout:  5 * time.Second,
				MaxOpenConns: 1,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   50 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Stores: StoresConfig{
			Redis: RedisConfig{
				Enabled:    false,
				Addr:       "localhost:6379",
				Namespace:  "mnemos",
				DefaultTTL: 0,
			},
			Disk: DiskConfig{
				Enabled:     false,
				Directory:   "/var/cache/mnemos",
				MaxSize:     "1GB",
				Compression: true,
			},
			S3: S3Config{
				Enabled: false,
				Region:  "us-east-1",
				Prefix:  "mnemos",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    false,
				ListenAddr: ":9090",
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Pressure: PressureConfig{
				Enabled:        false,
				SampleInterval: 30 * time.Second,
				HeapBudgetMB:   0,
				HighWater:      0.90,
				LowWater:       0.75,
				ShrinkFactor:   0.5,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// TierOverrides returns the per-tier policies keyed by parsed tier
func (c *Configuration) TierOverrides() (map[types.Tier]TierPolicy, error) {
	out := make(map[types.Tier]TierPolicy, len(c.Tiers))
	for name, policy := range c.Tiers {
		t, err := types.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("unknown tier in tiers: %s", name)
		}
		out[t] = policy
	}
	return out, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s", c.Global.LogLevel)
	}
	switch c.Global.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Memory.Capacity <= 0 {
		return fmt.Errorf("memory.capacity must be greater than 0")
	}

	if c.Semantic.HotCapacity <= 0 {
		return fmt.Errorf("semantic.hot_capacity must be greater than 0")
	}
	if c.Semantic.WarmCapacity <= 0 {
		return fmt.Errorf("semantic.warm_capacity must be greater than 0")
	}
	if c.Semantic.ImportanceThreshold < 0 || c.Semantic.ImportanceThreshold > 10 {
		return fmt.Errorf("semantic.importance_threshold must be between 0 and 10")
	}
	if c.Semantic.PromotionThreshold <= 0 {
		return fmt.Errorf("semantic.promotion_threshold must be greater than 0")
	}

	if c.Coordinator.MaintenanceInterval <= 0 {
		return fmt.Errorf("coordinator.maintenance_interval must be greater than 0")
	}

	for name, policy := range c.Tiers {
		if _, err := types.ParseTier(name); err != nil {
			return fmt.Errorf("unknown tier in tiers: %s", name)
		}
		if policy.MaxRecords < 0 {
			return fmt.Errorf("tiers.%s.max_records cannot be negative", name)
		}
		if policy.CleanupIntervalHours < 0 {
			return fmt.Errorf("tiers.%s.cleanup_interval_hours cannot be negative", name)
		}
		if policy.RetentionDays < 0 {
			return fmt.Errorf("tiers.%s.retention_days cannot be negative", name)
		}
		if policy.WeightThreshold < 0 || policy.WeightThreshold > 10 {
			return fmt.Errorf("tiers.%s.weight_threshold must be between 0 and 10", name)
		}
	}

	switch c.Persistence.Backend {
	case BackendNone:
	case BackendSQLite:
		if c.Persistence.SQLite.Path == "" {
			return fmt.Errorf("persistence.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Persistence.Postgres.DSN == "" {
			return fmt.Errorf("persistence.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid persistence.backend: %s (must be one of: %s)",
			c.Persistence.Backend,
			strings.Join([]string{BackendNone, BackendSQLite, BackendPostgres}, ", "))
	}
	if c.Persistence.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("persistence.retry.max_attempts must be greater than 0")
	}
	if c.Persistence.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("persistence.circuit_breaker.failure_threshold must be greater than 0")
	}

	if c.Stores.Redis.Enabled && c.Stores.Redis.Addr == "" {
		return fmt.Errorf("stores.redis.addr is required when the redis store is enabled")
	}
	if c.Stores.Disk.Enabled {
		if c.Stores.Disk.Directory == "" {
			return fmt.Errorf("stores.disk.directory is required when the disk store is enabled")
		}
		if _, err := c.Stores.Disk.MaxSizeBytes(); err != nil {
			return fmt.Errorf("invalid stores.disk.max_size: %v", err)
		}
	}
	if c.Stores.S3.Enabled && c.Stores.S3.Bucket == "" {
		return fmt.Errorf("stores.s3.bucket is required when the s3 store is enabled")
	}

	if c.Monitoring.Metrics.Enabled && c.Monitoring.Metrics.ListenAddr == "" {
		return fmt.Errorf("monitoring.metrics.listen_addr is required when metrics are enabled")
	}
	if c.Monitoring.Pressure.Enabled {
		p := c.Monitoring.Pressure
		if p.SampleInterval <= 0 {
			return fmt.Errorf("monitoring.pressure.sample_interval must be greater than 0")
		}
		if p.HeapBudgetMB < 0 {
			return fmt.Errorf("monitoring.pressure.heap_budget_mb cannot be negative")
		}
		if p.HighWater <= 0 || p.HighWater > 1 {
			return fmt.Errorf("monitoring.pressure.high_water must be in (0, 1]")
		}
		if p.LowWater <= 0 || p.LowWater >= p.HighWater {
			return fmt.Errorf("monitoring.pressure.low_water must be in (0, high_water)")
		}
		if p.ShrinkFactor <= 0 || p.ShrinkFactor >= 1 {
			return fmt.Errorf("monitoring.pressure.shrink_factor must be in (0, 1)")
		}
	}

	return nil
}
