package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos/mnemos/internal/cache"
	"github.com/mnemos/mnemos/internal/circuit"
	"github.com/mnemos/mnemos/internal/config"
	"github.com/mnemos/mnemos/internal/metrics"
	"github.com/mnemos/mnemos/internal/persistence"
	"github.com/mnemos/mnemos/internal/storage/s3"
	"github.com/mnemos/mnemos/internal/tier"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/health"
	"github.com/mnemos/mnemos/pkg/memmon"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// Coordinator registration ids for the built-in stores.
const (
	storeMemory = "memory"
	storeRedis  = "redis"
	storeDisk   = "disk"
	storeS3     = "s3"
)

// Cache surfaces consulted on the read path, used as metric labels.
const (
	surfaceFabric   = "fabric"
	surfaceSemantic = "semantic"
)

// defaultRecallLimit caps Recall result sets when the caller passes no
// positive limit.
const defaultRecallLimit = 10

// allTiers lists every tier in promotion order.
var allTiers = []types.Tier{
	types.TierShortTerm,
	types.TierLongTerm,
	types.TierArchive,
	types.TierCore,
}

// Options carries the collaborators an Engine cannot build from
// configuration alone.
type Options struct {
	// Embedder computes the vector stored with each remembered text.
	// Without one, placements carry no vector and recall ranks on the
	// keyword index alone.
	Embedder types.Embedder

	// Executor overrides the persistence backend the configuration
	// selects. Tests inject the in-memory executor here; the engine
	// does not close an injected executor.
	Executor types.Executor

	// Canonical is the authoritative weight source for consistency
	// scans, in production the memory record table.
	Canonical tier.CanonicalSource

	// Logger overrides the logger built from the global section.
	Logger *utils.StructuredLogger

	// Now is the engine clock; tests inject a simulated one.
	Now func() time.Time
}

// recordEntry links a record id to the text and the semantic cache key it
// was remembered under.
type recordEntry struct {
	text   string
	digest string
}

// Engine is the application root of the memory system. It owns the cache
// fabric, the semantic cache, the tier ledger and every background loop,
// and exposes the remember/recall surface the host embeds.
type Engine struct {
	config   *config.Configuration
	embedder types.Embedder
	now      func() time.Time

	logger     *utils.StructuredLogger
	ownsLogger bool

	executor     types.Executor
	guard        *persistence.GuardedExecutor
	ownsExecutor bool

	memory      *cache.MemoryStore[string, []byte]
	redis       *cache.RedisStore
	disk        *cache.DiskStore
	objects     *s3.ObjectStore
	coordinator *cache.CacheCoordinator
	semantic    *cache.SemanticCache

	tiers     *tier.TierManager
	lifecycle *tier.LifecycleEngine
	monitor   *tier.ConsistencySynchronizer
	collector *metrics.Collector
	backends  *health.Tracker
	pressure  *memmon.PressureMonitor

	// records maps ids to the text and semantic key they were stored
	// under; byDigest is the reverse index recall uses to attach ids to
	// semantic matches.
	recordsMu sync.RWMutex
	records   map[string]recordEntry
	byDigest  map[string]string

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an engine from the configuration and collaborators. The
// context bounds backend connection attempts only; the engine itself is
// inert until Start.
func New(ctx context.Context, cfg *config.Configuration, opts *Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigValidation,
			fmt.Sprintf("configuration rejected: %v", err)).
			WithComponent("engine").WithOperation("new").WithCause(err)
	}

	e := &Engine{
		config:   cfg,
		embedder: opts.Embedder,
		now:      opts.Now,
		records:  make(map[string]recordEntry),
		byDigest: make(map[string]string),
	}
	if e.now == nil {
		e.now = time.Now
	}

	if err := e.buildLogger(opts.Logger); err != nil {
		return nil, err
	}
	if err := e.buildExecutor(ctx, opts.Executor); err != nil {
		e.releaseComponents()
		return nil, err
	}
	if err := e.buildCaches(ctx); err != nil {
		e.releaseComponents()
		return nil, err
	}
	if err := e.buildTiers(opts.Canonical); err != nil {
		e.releaseComponents()
		return nil, err
	}
	if err := e.buildMetrics(); err != nil {
		e.releaseComponents()
		return nil, err
	}

	// Backend health rolls up consecutive outcomes; only backends the
	// engine can actually observe are registered.
	e.backends = health.NewTracker(health.DefaultConfig())
	if e.executor != nil {
		e.backends.RegisterComponent("persistence")
	}
	if e.disk != nil {
		e.backends.RegisterComponent("mirror")
	}

	e.logger.Info("engine assembled", map[string]interface{}{
		"backend":         cfg.Persistence.Backend,
		"redis":           cfg.Stores.Redis.Enabled,
		"disk":            cfg.Stores.Disk.Enabled,
		"s3":              cfg.Stores.S3.Enabled,
		"metrics":         cfg.Monitoring.Metrics.Enabled,
		"memory_capacity": cfg.Memory.Capacity,
	})
	return e, nil
}

func (e *Engine) buildLogger(override *utils.StructuredLogger) error {
	if override != nil {
		e.logger = override.WithComponent("engine")
		return nil
	}

	level, err := utils.ParseLogLevel(e.config.Global.LogLevel)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigValidation,
			fmt.Sprintf("bad log level: %v", err)).WithComponent("engine")
	}
	lcfg := &utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stdout,
		Format: utils.FormatText,
	}
	if e.config.Global.LogFormat == "json" {
		lcfg.Format = utils.FormatJSON
	}
	if e.config.Global.LogFile != "" {
		lcfg.Rotation = &utils.RotationConfig{
			Filename:   e.config.Global.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
		}
	}
	logger, err := utils.NewStructuredLogger(lcfg)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigValidation,
			fmt.Sprintf("logger init failed: %v", err)).
			WithComponent("engine").WithCause(err)
	}
	e.logger = logger.WithComponent("engine")
	e.ownsLogger = true
	return nil
}

func (e *Engine) buildExecutor(ctx context.Context, override types.Executor) error {
	if override != nil {
		e.executor = override
		return nil
	}

	pcfg := e.config.Persistence
	var inner types.Executor
	switch pcfg.Backend {
	case config.BackendNone:
		return nil
	case config.BackendSQLite:
		ex, err := persistence.NewSQLiteExecutor(&persistence.SQLiteConfig{
			Path:         pcfg.SQLite.Path,
			BusyTimeout:  pcfg.SQLite.BusyTimeout,
			MaxOpenConns: pcfg.SQLite.MaxOpenConns,
			Logger:       e.logger,
		})
		if err != nil {
			return err
		}
		inner = ex
	case config.BackendPostgres:
		ex, err := persistence.NewPostgresExecutor(ctx, &persistence.PostgresConfig{
			DSN:            pcfg.Postgres.DSN,
			MaxConns:       pcfg.Postgres.MaxConns,
			MinConns:       pcfg.Postgres.MinConns,
			ConnectTimeout: pcfg.Postgres.ConnectTimeout,
			Logger:         e.logger,
		})
		if err != nil {
			return err
		}
		inner = ex
	default:
		return errors.NewError(errors.ErrCodeConfigValidation,
			fmt.Sprintf("unknown persistence backend: %s", pcfg.Backend)).
			WithComponent("engine")
	}

	gcfg := persistence.DefaultGuardConfig()
	gcfg.Logger = e.logger
	if pcfg.Retry.MaxAttempts > 0 {
		gcfg.Retry.MaxAttempts = pcfg.Retry.MaxAttempts
	}
	if pcfg.Retry.BaseDelay > 0 {
		gcfg.Retry.InitialDelay = pcfg.Retry.BaseDelay
	}
	if pcfg.Retry.MaxDelay > 0 {
		gcfg.Retry.MaxDelay = pcfg.Retry.MaxDelay
	}
	if pcfg.CircuitBreaker.Timeout > 0 {
		gcfg.Breaker.Timeout = pcfg.CircuitBreaker.Timeout
	}
	if threshold := pcfg.CircuitBreaker.FailureThreshold; threshold > 0 {
		gcfg.Breaker.ReadyToTrip = func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		}
	}
	guard, err := persistence.NewGuardedExecutor(pcfg.Backend, inner, gcfg)
	if err != nil {
		_ = inner.Close()
		return err
	}
	e.guard = guard
	e.executor = guard
	e.ownsExecutor = true
	return nil
}

func (e *Engine) buildCaches(ctx context.Context) error {
	memory, err := cache.NewMemoryStore[string, []byte](&cache.StoreConfig{
		Capacity:        e.config.Memory.Capacity,
		DefaultTTL:      e.config.Memory.DefaultTTL,
		CleanupInterval: e.config.Memory.CleanupInterval,
	})
	if err != nil {
		return err
	}
	e.memory = memory

	coordinator, err := cache.NewCacheCoordinator(&cache.CoordinatorConfig{
		AutoPromote:         e.config.Coordinator.AutoPromote,
		WritePropagation:    e.config.Coordinator.WritePropagation,
		DeletePropagation:   e.config.Coordinator.DeletePropagation,
		MaintenanceInterval: e.config.Coordinator.MaintenanceInterval,
		Logger:              e.logger,
	})
	if err != nil {
		return err
	}
	e.coordinator = coordinator
	if err := coordinator.Register(storeMemory, types.LevelHot, memory); err != nil {
		return err
	}

	if rcfg := e.config.Stores.Redis; rcfg.Enabled {
		store, err := cache.NewRedisStore(&cache.RedisStoreConfig{
			Addr:       rcfg.Addr,
			Password:   rcfg.Password,
			DB:         rcfg.DB,
			Namespace:  rcfg.Namespace,
			DefaultTTL: rcfg.DefaultTTL,
			Logger:     e.logger,
		})
		if err != nil {
			return err
		}
		e.redis = store
		if err := coordinator.Register(storeRedis, types.LevelCold, store); err != nil {
			return err
		}
	}

	if dcfg := e.config.Stores.Disk; dcfg.Enabled {
		scfg := cache.DefaultDiskStoreConfig(dcfg.Directory)
		scfg.Compression = dcfg.Compression
		scfg.Logger = e.logger
		maxBytes, err := dcfg.MaxSizeBytes()
		if err != nil {
			return errors.NewError(errors.ErrCodeConfigValidation,
				fmt.Sprintf("bad disk max_size: %v", err)).
				WithComponent("engine").WithCause(err)
		}
		if maxBytes > 0 {
			scfg.MaxBytes = maxBytes
		}
		store, err := cache.NewDiskStore(scfg)
		if err != nil {
			return err
		}
		e.disk = store
		if err := coordinator.Register(storeDisk, types.LevelPersistent, store); err != nil {
			return err
		}
	}

	if ocfg := e.config.Stores.S3; ocfg.Enabled {
		scfg := s3.NewDefaultConfig()
		if ocfg.Region != "" {
			scfg.Region = ocfg.Region
		}
		if ocfg.Prefix != "" {
			scfg.Prefix = ocfg.Prefix
		}
		scfg.Endpoint = ocfg.Endpoint
		scfg.ForcePathStyle = ocfg.ForcePathStyle
		store, err := s3.NewObjectStore(ctx, ocfg.Bucket, scfg)
		if err != nil {
			return errors.NewError(errors.ErrCodeConnectionFailed,
				fmt.Sprintf("s3 store unavailable: %v", err)).
				WithComponent("engine").WithCause(err)
		}
		e.objects = store
		if err := coordinator.Register(storeS3, types.LevelExternal, store); err != nil {
			return err
		}
	}

	// The disk store doubles as the semantic cache's durable mirror when
	// it is enabled.
	var mirror cache.DurableStore
	if e.disk != nil {
		mirror = e.disk
	}
	semantic, err := cache.NewSemanticCache(&cache.SemanticCacheConfig{
		HotCapacity:         e.config.Semantic.HotCapacity,
		WarmCapacity:        e.config.Semantic.WarmCapacity,
		ImportanceThreshold: e.config.Semantic.ImportanceThreshold,
		PromotionThreshold:  e.config.Semantic.PromotionThreshold,
		MaxKeywords:         e.config.Semantic.MaxKeywords,
		Logger:              e.logger,
	}, mirror)
	if err != nil {
		return err
	}
	e.semantic = semantic
	return nil
}

func (e *Engine) buildTiers(canonical tier.CanonicalSource) error {
	overrides, err := e.config.TierOverrides()
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigValidation, err.Error()).
			WithComponent("engine")
	}
	tcfgs := make(map[types.Tier]tier.TierConfig, len(overrides))
	for t, policy := range overrides {
		tcfgs[t] = tier.TierConfig{
			MaxRecords:      policy.MaxRecords,
			CleanupInterval: policy.CleanupInterval(),
			AutoPromotion:   policy.AutoPromotion,
			AutoDemotion:    policy.AutoDemotion,
			RetentionDays:   policy.RetentionDays,
			WeightThreshold: policy.WeightThreshold,
		}
	}

	manager, err := tier.NewTierManager(e.executor, &tier.ManagerConfig{
		Tiers:  tcfgs,
		Logger: e.logger,
		Now:    e.now,
	})
	if err != nil {
		return err
	}
	e.tiers = manager

	monitor, err := tier.NewConsistencySynchronizer(manager, canonical, &tier.SynchronizerConfig{
		Interval:   e.config.Consistency.Interval,
		AutoRepair: e.config.Consistency.AutoRepair,
		OnReport:   e.consistencyReport,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}
	e.monitor = monitor

	lifecycle, err := tier.NewLifecycleEngine(manager, &tier.LifecycleConfig{
		Interval:     e.config.Lifecycle.Interval,
		Synchronizer: monitor,
		DeleteHook:   func(id string) { e.cascadeDelete(id) },
		OnCycle:      e.cycleReport,
		Logger:       e.logger,
		Now:          e.now,
	})
	if err != nil {
		return err
	}
	e.lifecycle = lifecycle
	return nil
}

func (e *Engine) buildMetrics() error {
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:    e.config.Monitoring.Metrics.Enabled,
		ListenAddr: e.config.Monitoring.Metrics.ListenAddr,
		Namespace:  "mnemos",
	})
	if err != nil {
		return err
	}
	collector.SetSnapshotFunc(e.gaugeSnapshot)
	e.collector = collector
	return nil
}

// Remember stores a new memory and returns its record id. The text is
// embedded, placed in the semantic cache, written to the cache fabric
// under the new id and assigned a tier by weight. A failed embedding
// degrades the placement to keyword indexing only.
func (e *Engine) Remember(text string, weight float64) (string, error) {
	start := time.Now()
	if text == "" {
		return "", errors.NewError(errors.ErrCodeValidationFailed,
			"cannot remember empty text").
			WithComponent("engine").WithOperation("remember")
	}
	if err := tier.ValidateWeight(weight); err != nil {
		return "", err
	}

	id := uuid.NewString()

	var vector []float32
	if e.embedder != nil {
		v, err := e.embedder.Embed(text, weight)
		if err != nil {
			e.collector.RecordError("remember", err)
			e.logger.Warn("embedding failed, placement degrades to keyword index",
				map[string]interface{}{
					"record_id": id,
					"error":     err.Error(),
				})
		} else {
			vector = v
		}
	}

	digest := e.semantic.Put(text, vector, weight)
	e.coordinator.Put(id, []byte(text),
		types.EntryMeta{Weight: weight, Source: "memory"}, e.writeTargets(weight)...)
	if _, err := e.tiers.AssignLayer(id, weight); err != nil {
		e.coordinator.Delete(id)
		e.semantic.Delete(text)
		e.collector.RecordError("remember", err)
		e.collector.RecordOperation("remember", time.Since(start), int64(len(text)), false)
		return "", err
	}

	e.recordsMu.Lock()
	e.records[id] = recordEntry{text: text, digest: digest}
	e.byDigest[digest] = id
	e.recordsMu.Unlock()

	e.collector.RecordOperation("remember", time.Since(start), int64(len(text)), true)
	e.logger.Debug("memory stored", map[string]interface{}{
		"record_id": id,
		"weight":    weight,
		"bytes":     len(text),
	})
	return id, nil
}

// writeTargets returns the fabric levels a write of this weight lands on.
// Records past the importance cutoff additionally target the EXTERNAL
// archive when one is registered; everything else takes the default HOT
// placement.
func (e *Engine) writeTargets(weight float64) []types.CacheLevel {
	if e.objects != nil && weight >= e.config.Semantic.ImportanceThreshold {
		return []types.CacheLevel{types.LevelHot, types.LevelExternal}
	}
	return nil
}

// RecallResult is one memory surfaced by Recall.
type RecallResult struct {
	ID     string  `json:"id,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Exact  bool    `json:"exact,omitempty"`
}

// Recall surfaces memories matching the query. A query naming a record id
// is answered from the cache fabric directly and counts as an access;
// everything else is ranked by the semantic cache's content search.
// Results never exceed limit; a non-positive limit falls back to the
// default.
func (e *Engine) Recall(query string, limit int) []RecallResult {
	start := time.Now()
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	results := make([]RecallResult, 0, limit)

	if value, ok := e.coordinator.Get(query); ok {
		e.collector.RecordCacheHit(surfaceFabric)
		e.tiers.UpdateAccess(query)
		exact := RecallResult{ID: query, Text: string(value), Score: 1, Exact: true}
		if assignment, known := e.tiers.Assignment(query); known {
			exact.Weight = assignment.Weight
		}
		results = append(results, exact)
	} else {
		e.collector.RecordCacheMiss(surfaceFabric)
	}

	matches := e.semantic.SearchByContent(query, limit)
	if len(matches) > 0 {
		e.collector.RecordCacheHit(surfaceSemantic)
	} else {
		e.collector.RecordCacheMiss(surfaceSemantic)
	}

	e.recordsMu.RLock()
	for _, match := range matches {
		if len(results) >= limit {
			break
		}
		id := e.byDigest[match.Key]
		if id != "" && id == query {
			continue
		}
		results = append(results, RecallResult{
			ID:     id,
			Text:   match.Text,
			Score:  match.Score,
			Weight: match.Weight,
		})
	}
	e.recordsMu.RUnlock()

	e.collector.RecordOperation("recall", time.Since(start), int64(len(query)), true)
	return results
}

// Access fetches a memory by id and reinforces it: the tier assignment's
// access counters advance and cache placement may promote. The second
// return reports whether any cache level still holds the value.
func (e *Engine) Access(id string) ([]byte, bool) {
	start := time.Now()
	bumped := e.tiers.UpdateAccess(id)
	value, ok := e.coordinator.Get(id)
	if ok {
		e.collector.RecordCacheHit(surfaceFabric)
	} else {
		e.collector.RecordCacheMiss(surfaceFabric)
		if bumped {
			e.logger.Debug("assignment known but value fell out of every cache",
				map[string]interface{}{"record_id": id})
		}
	}
	e.collector.RecordOperation("access", time.Since(start), int64(len(value)), ok)
	return value, ok
}

// Reweigh moves an existing record to the tier its new weight classifies
// to, refreshing the fabric metadata and the semantic placement on the
// way. Unknown records are rejected; Remember is the only way to create
// one.
func (e *Engine) Reweigh(id string, weight float64) error {
	start := time.Now()
	if err := tier.ValidateWeight(weight); err != nil {
		return err
	}
	if _, ok := e.tiers.Assignment(id); !ok {
		return errors.NewError(errors.ErrCodeRecordNotFound,
			fmt.Sprintf("no assignment for record %s", id)).
			WithComponent("engine").WithOperation("reweigh")
	}
	if _, err := e.tiers.AssignLayer(id, weight); err != nil {
		e.collector.RecordError("reweigh", err)
		return err
	}

	if value, ok := e.coordinator.Get(id); ok {
		e.coordinator.Put(id, value,
			types.EntryMeta{Weight: weight, Source: "memory"}, e.writeTargets(weight)...)
	}
	e.recordsMu.RLock()
	entry, tracked := e.records[id]
	e.recordsMu.RUnlock()
	if tracked {
		e.semantic.Get(entry.text, weight)
	}

	e.collector.RecordOperation("reweigh", time.Since(start), 0, true)
	return nil
}

// Forget removes a memory everywhere: tier assignment, cache fabric and
// semantic placement. It reports whether anything was actually removed.
func (e *Engine) Forget(id string) bool {
	start := time.Now()
	had := e.tiers.Delete(id)
	removed := e.cascadeDelete(id) || had
	e.collector.RecordOperation("forget", time.Since(start), 0, removed)
	return removed
}

// cascadeDelete clears a record out of the cache fabric and, when this
// record owns the semantic entry, out of the semantic cache. The
// lifecycle engine calls it for every hard-deleted record.
func (e *Engine) cascadeDelete(id string) bool {
	e.recordsMu.Lock()
	entry, tracked := e.records[id]
	ownsDigest := tracked && e.byDigest[entry.digest] == id
	if tracked {
		delete(e.records, id)
	}
	if ownsDigest {
		delete(e.byDigest, entry.digest)
	}
	e.recordsMu.Unlock()

	removed := e.coordinator.Delete(id)
	if ownsDigest {
		if e.semantic.Delete(entry.text) {
			removed = true
		}
	}
	return removed
}

func (e *Engine) cycleReport(report tier.CycleReport) {
	e.collector.RecordLifecycleCycle(report.Promoted, report.ExpiredDemoted,
		report.ExpiredDeleted, report.RebalancedDemoted, report.RebalancedDeleted)
}

func (e *Engine) consistencyReport(report tier.Report) {
	e.collector.RecordConsistencyScan(report.Checked, len(report.Violations),
		report.ConsistencyRate)
}

func (e *Engine) gaugeSnapshot() metrics.GaugeSnapshot {
	snap := metrics.GaugeSnapshot{
		CacheEntries: make(map[string]int),
		TierRecords:  make(map[string]int, len(allTiers)),
	}
	for id, st := range e.coordinator.Stats().Stores {
		snap.CacheEntries[id] = int(st.Size)
	}
	snap.CacheEntries[surfaceSemantic] = e.semantic.Len()
	for _, t := range allTiers {
		snap.TierRecords[t.String()] = e.tiers.CountInTier(t)
	}
	return snap
}

// Start loads persisted assignments, rehydrates the caches and launches
// the background loops. Starting twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.NewError(errors.ErrCodeCacheClosed, "engine is closed").
			WithComponent("engine").WithOperation("start")
	}
	if e.started {
		return nil
	}

	if e.executor != nil {
		loaded, err := e.tiers.Load(ctx)
		if err != nil {
			// Degraded persistence must not block startup; the ledger
			// starts empty and the mirror catches up on the next write.
			e.collector.RecordError("start", err)
			e.backends.RecordError("persistence", err)
			e.logger.Error("assignment load failed, starting with empty ledger",
				map[string]interface{}{"error": err.Error()})
		} else {
			e.backends.RecordSuccess("persistence")
			if loaded > 0 {
				restored := e.rehydrate()
				e.logger.Info("assignments loaded", map[string]interface{}{
					"assignments": loaded,
					"rehydrated":  restored,
				})
			}
		}
	}

	e.coordinator.Start()
	e.lifecycle.Start()
	e.monitor.Start()
	if err := e.collector.Start(ctx); err != nil {
		e.lifecycle.Stop()
		e.monitor.Stop()
		e.coordinator.Stop()
		return err
	}
	if e.config.Monitoring.Pressure.Enabled {
		// The monitor's stop channel is single-use, so every Start gets
		// a fresh instance.
		e.pressure = memmon.NewPressureMonitor(e, e.pressureConfig())
		if err := e.pressure.Start(ctx); err != nil {
			e.pressure = nil
			_ = e.collector.Stop(ctx)
			e.lifecycle.Stop()
			e.monitor.Stop()
			e.coordinator.Stop()
			return err
		}
	}
	e.started = true
	e.logger.Info("engine started", map[string]interface{}{
		"lifecycle_interval": e.lifecycle.Interval().String(),
	})
	return nil
}

// rehydrate rebuilds the record registry and semantic placements for
// assignments whose text is still present in the cache fabric. Vectors
// are not recomputed; rehydrated entries rank on the keyword index until
// they are next remembered.
func (e *Engine) rehydrate() int {
	restored := 0
	for _, assignment := range e.tiers.All() {
		e.recordsMu.RLock()
		_, known := e.records[assignment.RecordID]
		e.recordsMu.RUnlock()
		if known {
			continue
		}
		value, ok := e.coordinator.Get(assignment.RecordID)
		if !ok {
			continue
		}
		text := string(value)
		digest := e.semantic.Put(text, nil, assignment.Weight)
		e.recordsMu.Lock()
		e.records[assignment.RecordID] = recordEntry{text: text, digest: digest}
		e.byDigest[digest] = assignment.RecordID
		e.recordsMu.Unlock()
		restored++
	}
	return restored
}

// Stop halts the background loops and flushes the semantic mirror. The
// engine stays usable; Start brings the loops back.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	if e.pressure != nil {
		_ = e.pressure.Stop()
		e.pressure = nil
	}
	e.lifecycle.Stop()
	e.monitor.Stop()
	e.coordinator.Stop()

	var firstErr error
	if err := e.semantic.Sync(ctx); err != nil {
		firstErr = err
		e.backends.RecordError("mirror", err)
		e.logger.Warn("semantic mirror flush failed",
			map[string]interface{}{"error": err.Error()})
	} else {
		e.backends.RecordSuccess("mirror")
	}
	if err := e.collector.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	e.started = false
	e.logger.Info("engine stopped")
	return firstErr
}

// Close stops the engine and releases every component. Closing twice is a
// no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.started = false
	pressure := e.pressure
	e.pressure = nil
	e.mu.Unlock()

	if started {
		if pressure != nil {
			_ = pressure.Stop()
		}
		e.lifecycle.Stop()
		e.monitor.Stop()
		e.coordinator.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.semantic.Sync(ctx)
		_ = e.collector.Stop(ctx)
		cancel()
	}
	e.releaseComponents()
	return nil
}

// releaseComponents closes everything in dependency order: loops first,
// then the semantic cache ahead of its mirror, then the stores and the
// ledger. Partial construction leaves nil fields, which are skipped.
func (e *Engine) releaseComponents() {
	if e.lifecycle != nil {
		_ = e.lifecycle.Close()
	}
	if e.monitor != nil {
		_ = e.monitor.Close()
	}
	if e.semantic != nil {
		_ = e.semantic.Close()
	}
	if e.coordinator != nil {
		_ = e.coordinator.Close()
	}
	if e.memory != nil {
		_ = e.memory.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.disk != nil {
		_ = e.disk.Close()
	}
	if e.objects != nil {
		_ = e.objects.Close()
	}
	if e.tiers != nil {
		_ = e.tiers.Close()
	}
	if e.executor != nil && e.ownsExecutor {
		_ = e.executor.Close()
	}
	if e.logger != nil && e.ownsLogger {
		_ = e.logger.Close()
	}
}

// RunCycle runs one maintenance cycle immediately, outside the schedule.
func (e *Engine) RunCycle() tier.CycleReport {
	return e.lifecycle.RunCycle()
}

// ValidateConsistency runs one consistency scan immediately.
func (e *Engine) ValidateConsistency() tier.Report {
	return e.monitor.Validate()
}

// EnableCache returns a previously disabled cache to the probe order.
func (e *Engine) EnableCache(id string) bool {
	return e.coordinator.EnableCache(id)
}

// DisableCache takes a registered cache out of the probe order; its data
// stays put for re-enabling.
func (e *Engine) DisableCache(id string) bool {
	return e.coordinator.DisableCache(id)
}

// MetricsHandler exposes the Prometheus registry for hosts that mount the
// endpoint on their own mux instead of the standalone server.
func (e *Engine) MetricsHandler() http.Handler {
	return e.collector.Handler()
}

// ShrinkHot resizes the HOT-level pools to factor of their configured
// capacities. The pressure monitor calls this when the process nears
// its heap budget; RestoreCapacity undoes it once the pressure clears.
// Factors outside (0,1) are ignored.
func (e *Engine) ShrinkHot(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	memCap := scaled(e.config.Memory.Capacity, factor)
	hotCap := scaled(e.config.Semantic.HotCapacity, factor)
	warmCap := scaled(e.config.Semantic.WarmCapacity, factor)
	e.memory.Resize(memCap)
	e.semantic.Resize(hotCap, warmCap)
	e.logger.Warn("hot pools shrunk under memory pressure", map[string]interface{}{
		"factor":          factor,
		"memory_capacity": memCap,
		"hot_capacity":    hotCap,
		"warm_capacity":   warmCap,
	})
}

// RestoreCapacity returns the HOT-level pools to their configured sizes.
func (e *Engine) RestoreCapacity() {
	e.memory.Resize(e.config.Memory.Capacity)
	e.semantic.Resize(e.config.Semantic.HotCapacity, e.config.Semantic.WarmCapacity)
}

func (e *Engine) pressureConfig() memmon.MonitorConfig {
	p := e.config.Monitoring.Pressure
	mc := memmon.DefaultMonitorConfig()
	mc.SampleInterval = p.SampleInterval
	mc.HeapBudget = uint64(p.HeapBudgetMB) * 1024 * 1024
	mc.HighWater = p.HighWater
	mc.LowWater = p.LowWater
	mc.ShrinkFactor = p.ShrinkFactor
	mc.Logger = e.logger
	return mc
}

func scaled(capacity int, factor float64) int {
	n := int(float64(capacity) * factor)
	if n < 1 {
		n = 1
	}
	return n
}

// breakerDetail renders the guard's breaker state for health output.
func breakerDetail(state circuit.State) string {
	return "breaker " + strings.ToLower(state.String())
}
