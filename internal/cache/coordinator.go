package cache

import (
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// scanOrder is the level sequence a coordinator scan walks on an index
// miss. External stores are archival and only reachable through the
// reverse index or an explicit target level.
var scanOrder = []types.CacheLevel{
	types.LevelHot,
	types.LevelWarm,
	types.LevelCold,
	types.LevelPersistent,
}

// CoordinatorConfig represents cache coordinator configuration
type CoordinatorConfig struct {
	// AutoPromote copies scan hits from lower levels into every hot store
	AutoPromote bool `yaml:"auto_promote" json:"auto_promote"`

	// WritePropagation mirrors every put to the persistent-level stores
	WritePropagation bool `yaml:"write_propagation" json:"write_propagation"`

	// DeletePropagation sweeps deletes through every registered store
	DeletePropagation bool `yaml:"delete_propagation" json:"delete_propagation"`

	// MaintenanceInterval spaces the broadcast-and-prune iterations
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultCoordinatorConfig returns the default coordinator configuration
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		AutoPromote:         true,
		WritePropagation:    true,
		DeletePropagation:   true,
		MaintenanceInterval: 5 * time.Minute,
	}
}

// CoordinatorStats aggregates per-store stats with coordinator counters
type CoordinatorStats struct {
	FastPathHits    uint64                      `json:"fast_path_hits"`
	ScanHits        uint64                      `json:"scan_hits"`
	Misses          uint64                      `json:"misses"`
	Promotions      uint64                      `json:"promotions"`
	MaintenanceRuns uint64                      `json:"maintenance_runs"`
	IndexSize       int                         `json:"index_size"`
	Stores          map[string]types.CacheStats `json:"stores"`
}

// registeredStore is one coordinator registry entry. A disabled store is
// skipped by probes but keeps its data and registration.
type registeredStore struct {
	id      string
	level   types.CacheLevel
	store   types.Store
	enabled bool
}

// CacheCoordinator routes reads and writes across heterogeneous stores
// registered at cache levels. A reverse index maps keys to owning stores
// for single-probe reads; misses fall back to a level-ordered scan whose
// hits are copied into the hot stores. The coordinator subscribes to every
// registered store, so the index follows writes that bypass it, and a
// maintenance loop prunes claims whose owner dropped the key.
//
// Store listeners run under the owning store's lock and take only the
// coordinator's index lock. The coordinator therefore never calls into a
// store while holding that lock; every operation snapshots the registry
// first and probes after releasing it.
type CacheCoordinator struct {
	config     *CoordinatorConfig
	logger     *utils.StructuredLogger
	ownsLogger bool

	mu     sync.RWMutex
	stores map[string]*registeredStore
	levels map[types.CacheLevel][]*registeredStore
	index  map[string]map[string]struct{}

	statsMu         sync.Mutex
	fastPathHits    uint64
	scanHits        uint64
	misses          uint64
	promotions      uint64
	maintenanceRuns uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCacheCoordinator creates a new cache coordinator
func NewCacheCoordinator(config *CoordinatorConfig) (*CacheCoordinator, error) {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if config.MaintenanceInterval == 0 {
		config.MaintenanceInterval = 5 * time.Minute
	}
	if config.MaintenanceInterval < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "maintenance interval must be positive").
			WithComponent("coordinator").
			WithDetail("maintenance_interval", config.MaintenanceInterval.String())
	}

	logger := config.Logger
	ownsLogger := false
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}
	logger = logger.WithComponent("coordinator")

	return &CacheCoordinator{
		config:     config,
		logger:     logger,
		ownsLogger: ownsLogger,
		stores:     make(map[string]*registeredStore),
		levels:     make(map[types.CacheLevel][]*registeredStore),
		index:      make(map[string]map[string]struct{}),
	}, nil
}

// Register adds a store under a unique id at the given level. Registering
// an id twice is a configuration error.
func (c *CacheCoordinator) Register(id string, level types.CacheLevel, store types.Store) error {
	c.mu.Lock()
	if _, exists := c.stores[id]; exists {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeCacheRegistered, "cache id already registered").
			WithComponent("coordinator").
			WithContext("cache_id", id)
	}
	rs := &registeredStore{id: id, level: level, store: store, enabled: true}
	c.stores[id] = rs
	c.levels[level] = append(c.levels[level], rs)
	c.mu.Unlock()

	// Subscribe outside the registry lock; the listener fires under the
	// store lock and takes the registry lock itself
	store.Subscribe(c.storeListener(id))

	c.logger.Info("Registered cache", map[string]interface{}{
		"cache_id": id,
		"level":    level.String(),
	})
	return nil
}

// Unregister removes a store and rebuilds the reverse index from the
// remaining stores. Reports whether the id was registered.
func (c *CacheCoordinator) Unregister(id string) bool {
	c.mu.Lock()
	rs, exists := c.stores[id]
	if !exists {
		c.mu.Unlock()
		return false
	}
	delete(c.stores, id)

	kept := c.levels[rs.level][:0]
	for _, other := range c.levels[rs.level] {
		if other.id != id {
			kept = append(kept, other)
		}
	}
	c.levels[rs.level] = kept

	remaining := make([]*registeredStore, 0, len(c.stores))
	for _, other := range c.stores {
		remaining = append(remaining, other)
	}
	c.mu.Unlock()

	// Key enumeration happens without the registry lock; writes landing
	// meanwhile are re-claimed by their own events or by maintenance
	rebuilt := make(map[string]map[string]struct{})
	for _, other := range remaining {
		for _, key := range other.store.Keys() {
			claims, ok := rebuilt[key]
			if !ok {
				claims = make(map[string]struct{})
				rebuilt[key] = claims
			}
			claims[other.id] = struct{}{}
		}
	}

	c.mu.Lock()
	c.index = rebuilt
	c.mu.Unlock()

	c.logger.Info("Unregistered cache", map[string]interface{}{
		"cache_id": id,
	})
	return true
}

// EnableCache includes a store in probes again. Reports whether the id is
// registered.
func (c *CacheCoordinator) EnableCache(id string) bool {
	return c.setEnabled(id, true)
}

// DisableCache excludes a store from probes without unregistering it.
// Reports whether the id is registered.
func (c *CacheCoordinator) DisableCache(id string) bool {
	return c.setEnabled(id, false)
}

func (c *CacheCoordinator) setEnabled(id string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, exists := c.stores[id]
	if !exists {
		return false
	}
	rs.enabled = enabled
	return true
}

// Get reads a key. When the reverse index names owners, only those stores
// are probed; otherwise the levels are scanned in order and a hit below
// the hot level is copied into every hot store.
func (c *CacheCoordinator) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	var owners []*registeredStore
	for id := range c.index[key] {
		if rs, ok := c.stores[id]; ok && rs.enabled {
			owners = append(owners, rs)
		}
	}
	c.mu.RUnlock()

	if len(owners) > 0 {
		for _, rs := range owners {
			if value, ok := rs.store.Get(key); ok {
				c.statsMu.Lock()
				c.fastPathHits++
				c.statsMu.Unlock()
				return value, true
			}
		}
		// Every claimed owner came up empty; drop the stale claims so
		// the next read scans
		c.mu.Lock()
		for _, rs := range owners {
			c.dropClaimLocked(key, rs.id)
		}
		c.mu.Unlock()

		c.statsMu.Lock()
		c.misses++
		c.statsMu.Unlock()
		return nil, false
	}

	for _, level := range scanOrder {
		for _, rs := range c.levelSnapshot(level) {
			value, ok := rs.store.Get(key)
			if !ok {
				continue
			}

			c.mu.Lock()
			c.claimLocked(key, rs.id)
			c.mu.Unlock()

			c.statsMu.Lock()
			c.scanHits++
			c.statsMu.Unlock()

			if c.config.AutoPromote && level != types.LevelHot {
				c.promote(key, value)
			}
			return value, true
		}
	}

	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	return nil, false
}

// Put writes a key to every enabled store at the target levels, defaulting
// to the hot level. With write propagation the persistent stores receive a
// copy regardless of targets. Index claims follow from the stores' own put
// events, so failed backend writes never get claimed.
func (c *CacheCoordinator) Put(key string, value []byte, meta types.EntryMeta, targets ...types.CacheLevel) {
	if len(targets) == 0 {
		targets = []types.CacheLevel{types.LevelHot}
	}

	seen := make(map[string]struct{})
	var destinations []*registeredStore
	appendLevel := func(level types.CacheLevel) {
		for _, rs := range c.levelSnapshot(level) {
			if _, dup := seen[rs.id]; dup {
				continue
			}
			seen[rs.id] = struct{}{}
			destinations = append(destinations, rs)
		}
	}

	for _, level := range targets {
		appendLevel(level)
	}
	if c.config.WritePropagation {
		appendLevel(types.LevelPersistent)
	}

	if len(destinations) == 0 {
		c.logger.Debug("Put found no store at target levels", map[string]interface{}{
			"key": key,
		})
		return
	}

	for _, rs := range destinations {
		rs.store.Put(key, value, meta)
	}
}

// Delete removes a key from the stores the index names as owners, sweeps
// the remaining stores when delete propagation is on, and always drops the
// index entry. Returns true if any store deleted the key.
func (c *CacheCoordinator) Delete(key string) bool {
	c.mu.RLock()
	targets := make([]*registeredStore, 0, len(c.stores))
	if c.config.DeletePropagation {
		for _, rs := range c.stores {
			targets = append(targets, rs)
		}
	} else {
		for id := range c.index[key] {
			if rs, ok := c.stores[id]; ok {
				targets = append(targets, rs)
			}
		}
	}
	c.mu.RUnlock()

	deleted := false
	for _, rs := range targets {
		if rs.store.Delete(key) {
			deleted = true
		}
	}

	c.mu.Lock()
	delete(c.index, key)
	c.mu.Unlock()

	return deleted
}

// Contains reports whether any enabled store currently holds the key
func (c *CacheCoordinator) Contains(key string) bool {
	c.mu.RLock()
	stores := make([]*registeredStore, 0, len(c.stores))
	for _, rs := range c.stores {
		if rs.enabled {
			stores = append(stores, rs)
		}
	}
	c.mu.RUnlock()

	for _, rs := range stores {
		if rs.store.Contains(key) {
			return true
		}
	}
	return false
}

// Caches returns the registered cache ids and their levels
func (c *CacheCoordinator) Caches() map[string]types.CacheLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.CacheLevel, len(c.stores))
	for id, rs := range c.stores {
		out[id] = rs.level
	}
	return out
}

// Stats returns aggregated coordinator and per-store statistics
func (c *CacheCoordinator) Stats() CoordinatorStats {
	c.mu.RLock()
	indexSize := len(c.index)
	snapshot := make(map[string]types.Store, len(c.stores))
	for id, rs := range c.stores {
		snapshot[id] = rs.store
	}
	c.mu.RUnlock()

	stats := CoordinatorStats{
		IndexSize: indexSize,
		Stores:    make(map[string]types.CacheStats, len(snapshot)),
	}
	for id, store := range snapshot {
		stats.Stores[id] = store.Stats()
	}

	c.statsMu.Lock()
	stats.FastPathHits = c.fastPathHits
	stats.ScanHits = c.scanHits
	stats.Misses = c.misses
	stats.Promotions = c.promotions
	stats.MaintenanceRuns = c.maintenanceRuns
	c.statsMu.Unlock()

	return stats
}

// Start launches the background maintenance loop. Starting twice is a
// no-op.
func (c *CacheCoordinator) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.maintenanceLoop(c.stopCh, c.doneCh)
}

// Stop halts the maintenance loop and waits for an in-flight iteration.
// Stopping twice, or before start, is a no-op.
func (c *CacheCoordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.running = false
}

// Close stops maintenance and releases coordinator resources. Registered
// stores stay open; their lifecycle belongs to the owner.
func (c *CacheCoordinator) Close() error {
	c.Stop()
	if c.ownsLogger {
		_ = c.logger.Close()
	}
	return nil
}

// RunMaintenance broadcasts a maintenance event to every store, then
// prunes index claims whose owner no longer holds the key
func (c *CacheCoordinator) RunMaintenance() {
	c.mu.RLock()
	stores := make(map[string]types.Store, len(c.stores))
	for id, rs := range c.stores {
		stores[id] = rs.store
	}
	claims := make(map[string][]string, len(c.index))
	for key, ids := range c.index {
		owners := make([]string, 0, len(ids))
		for id := range ids {
			owners = append(owners, id)
		}
		claims[key] = owners
	}
	c.mu.RUnlock()

	for _, store := range stores {
		store.NotifyMaintenance()
	}

	type staleClaim struct{ key, id string }
	var stale []staleClaim
	for key, owners := range claims {
		for _, id := range owners {
			store, registered := stores[id]
			if !registered || !store.Contains(key) {
				stale = append(stale, staleClaim{key: key, id: id})
			}
		}
	}

	if len(stale) > 0 {
		c.mu.Lock()
		for _, claim := range stale {
			c.dropClaimLocked(claim.key, claim.id)
		}
		c.mu.Unlock()

		c.logger.Debug("Pruned stale index claims", map[string]interface{}{
			"count": len(stale),
		})
	}

	c.statsMu.Lock()
	c.maintenanceRuns++
	c.statsMu.Unlock()
}

// IndexSize returns the number of keys the reverse index tracks
func (c *CacheCoordinator) IndexSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// maintenanceLoop runs RunMaintenance on the configured interval until
// stopped
func (c *CacheCoordinator) maintenanceLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := recovery.Safe("cache-maintenance", func() error {
				c.RunMaintenance()
				return nil
			}); err != nil {
				c.logger.Error("Maintenance run panicked", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// promote copies a scan hit into every enabled hot store
func (c *CacheCoordinator) promote(key string, value []byte) {
	hotStores := c.levelSnapshot(types.LevelHot)
	if len(hotStores) == 0 {
		return
	}

	for _, rs := range hotStores {
		rs.store.Put(key, value, types.EntryMeta{Source: "promotion"})
	}

	c.statsMu.Lock()
	c.promotions++
	c.statsMu.Unlock()
}

// levelSnapshot copies the enabled stores at a level, so probes run
// without the registry lock
func (c *CacheCoordinator) levelSnapshot(level types.CacheLevel) []*registeredStore {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*registeredStore, 0, len(c.levels[level]))
	for _, rs := range c.levels[level] {
		if rs.enabled {
			out = append(out, rs)
		}
	}
	return out
}

// storeListener builds the event handler keeping the reverse index in step
// with one store. It runs under the store's lock and touches only the
// coordinator's index lock.
func (c *CacheCoordinator) storeListener(id string) types.Listener[string] {
	return func(event types.Event[string]) {
		switch event.Type {
		case types.EventPut:
			c.mu.Lock()
			if _, registered := c.stores[id]; registered {
				c.claimLocked(event.Key, id)
			}
			c.mu.Unlock()

		case types.EventDelete, types.EventEvict:
			c.mu.Lock()
			c.dropClaimLocked(event.Key, id)
			c.mu.Unlock()

		case types.EventClear:
			c.mu.Lock()
			for key, claims := range c.index {
				if _, claimed := claims[id]; claimed {
					c.dropClaimLocked(key, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

// claimLocked records id as an owner of key. Callers hold the write lock.
func (c *CacheCoordinator) claimLocked(key, id string) {
	claims, ok := c.index[key]
	if !ok {
		claims = make(map[string]struct{})
		c.index[key] = claims
	}
	claims[id] = struct{}{}
}

// dropClaimLocked removes id's claim on key. Callers hold the write lock.
func (c *CacheCoordinator) dropClaimLocked(key, id string) {
	claims, ok := c.index[key]
	if !ok {
		return
	}
	delete(claims, id)
	if len(claims) == 0 {
		delete(c.index, key)
	}
}
