package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
	"github.com/mnemos/mnemos/pkg/types"
)

// StoreConfig configures a MemoryStore
type StoreConfig struct {
	// Capacity is the maximum number of resident entries
	Capacity int `yaml:"capacity" json:"capacity"`
	// DefaultTTL applies to entries whose metadata carries no TTL of its
	// own. Zero means entries do not expire.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// CleanupInterval is the janitor sweep interval. Zero disables the
	// background janitor; expired entries are then only removed on sight.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultStoreConfig returns the default memory store configuration
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Capacity:        1024,
		DefaultTTL:      0,
		CleanupInterval: time.Minute,
	}
}

// Entry is a point-in-time copy of one cache entry including its access
// bookkeeping. Restore accepts an Entry unchanged, which is how records are
// transplanted between pools without resetting their counters.
type Entry[K comparable, V any] struct {
	Key          K               `json:"key"`
	Value        V               `json:"value"`
	Meta         types.EntryMeta `json:"meta"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	AccessCount  int64           `json:"access_count"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// storeItem is the resident form of an entry. element points back into the
// recency list, whose element values are the entry keys.
type storeItem[K comparable, V any] struct {
	key          K
	value        V
	meta         types.EntryMeta
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	accessCount  int64
	element      *list.Element
}

func (it *storeItem[K, V]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

func (it *storeItem[K, V]) snapshot() Entry[K, V] {
	return Entry[K, V]{
		Key:          it.key,
		Value:        it.value,
		Meta:         it.meta,
		CreatedAt:    it.createdAt,
		LastAccessed: it.lastAccessed,
		AccessCount:  it.accessCount,
		ExpiresAt:    it.expiresAt,
	}
}

// MemoryStore is an in-process LRU store with per-entry TTL and synchronous
// mutation events. One lock guards all internal state; listeners and the
// OnEvict callback run under that lock, so they observe mutations in commit
// order and must not call back into the store. Values are held and returned
// by reference; callers treat them as immutable after Put.
type MemoryStore[K comparable, V any] struct {
	mu        sync.RWMutex
	capacity  int
	items     map[K]*storeItem[K, V]
	evictList *list.List
	config    *StoreConfig
	stats     types.CacheStats
	listeners []types.Listener[K]
	onEvict   func(Entry[K, V])
	stopCh    chan struct{}
	doneCh    chan struct{}
	closed    bool
}

// MemoryStore[string, []byte] is the shape the coordinator registers.
var _ types.Store = (*MemoryStore[string, []byte])(nil)

// NewMemoryStore creates a memory store with the given configuration. A nil
// config uses defaults. The capacity must be positive.
func NewMemoryStore[K comparable, V any](config *StoreConfig) (*MemoryStore[K, V], error) {
	if config == nil {
		config = DefaultStoreConfig()
	}
	if config.Capacity <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("store capacity must be positive, got %d", config.Capacity)).
			WithComponent("cache")
	}

	s := &MemoryStore[K, V]{
		capacity:  config.Capacity,
		items:     make(map[K]*storeItem[K, V]),
		evictList: list.New(),
		config:    config,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go s.janitorLoop(config.CleanupInterval)
	} else {
		close(s.doneCh)
	}
	return s, nil
}

// Get returns the value for key and records the access. An expired entry is
// removed on sight and counts as both a miss and an expiration.
func (s *MemoryStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	item, ok := s.items[key]
	if !ok {
		s.stats.Misses++
		return zero, false
	}

	now := time.Now()
	if item.expired(now) {
		s.removeItem(item)
		s.stats.Expirations++
		s.stats.Misses++
		s.emit(types.EventEvict, item.key, now)
		return zero, false
	}

	item.lastAccessed = now
	item.accessCount++
	s.evictList.MoveToFront(item.element)
	s.stats.Hits++
	return item.value, true
}

// Peek returns the value without recording an access or disturbing the LRU
// order. An expired entry reads as absent but is left for the janitor.
func (s *MemoryStore[K, V]) Peek(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero V
	item, ok := s.items[key]
	if !ok || item.expired(time.Now()) {
		return zero, false
	}
	return item.value, true
}

// PeekEntry returns a copy of the full entry without recording an access.
func (s *MemoryStore[K, V]) PeekEntry(key K) (Entry[K, V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok || item.expired(time.Now()) {
		return Entry[K, V]{}, false
	}
	return item.snapshot(), true
}

// Put inserts or replaces the entry for key. At capacity the least recently
// used entry is evicted first, with its EVICT event and the OnEvict callback.
// Replacing an entry keeps its creation time and access count.
func (s *MemoryStore[K, V]) Put(key K, value V, meta types.EntryMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if item, ok := s.items[key]; ok {
		item.value = value
		item.meta = meta
		item.lastAccessed = now
		item.expiresAt = s.expiryFor(meta, now)
		s.evictList.MoveToFront(item.element)
		s.emit(types.EventPut, key, now)
		return
	}

	if s.evictList.Len() >= s.capacity {
		s.evictOldest(now)
	}

	item := &storeItem[K, V]{
		key:          key,
		value:        value,
		meta:         meta,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    s.expiryFor(meta, now),
	}
	item.element = s.evictList.PushFront(key)
	s.items[key] = item
	s.emit(types.EventPut, key, now)
}

// Restore inserts an entry keeping its original bookkeeping. It backs two
// paths: transplanting a record between pools on spill or promotion, and
// repopulating a pool from the durable mirror after a restart.
func (s *MemoryStore[K, V]) Restore(entry Entry[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if item, ok := s.items[entry.Key]; ok {
		s.removeItem(item)
	}
	if s.evictList.Len() >= s.capacity {
		s.evictOldest(now)
	}

	item := &storeItem[K, V]{
		key:          entry.Key,
		value:        entry.Value,
		meta:         entry.Meta,
		createdAt:    entry.CreatedAt,
		lastAccessed: entry.LastAccessed,
		expiresAt:    entry.ExpiresAt,
		accessCount:  entry.AccessCount,
	}
	if item.createdAt.IsZero() {
		item.createdAt = now
	}
	if item.lastAccessed.IsZero() {
		item.lastAccessed = now
	}
	item.element = s.evictList.PushFront(entry.Key)
	s.items[entry.Key] = item
	s.emit(types.EventPut, entry.Key, now)
}

// Delete removes the entry for key and reports whether one was present.
func (s *MemoryStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeItem(item)
	s.emit(types.EventDelete, key, time.Now())
	return true
}

// Contains reports whether key holds a live entry, without recording an access
func (s *MemoryStore[K, V]) Contains(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	return ok && !item.expired(time.Now())
}

// Keys returns the keys of all live entries, most recently used first
func (s *MemoryStore[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]K, 0, len(s.items))
	for element := s.evictList.Front(); element != nil; element = element.Next() {
		key := element.Value.(K)
		if item, ok := s.items[key]; ok && !item.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of resident entries, including expired entries the
// janitor has not collected yet.
func (s *MemoryStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Capacity returns the current capacity
func (s *MemoryStore[K, V]) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// Resize changes the capacity. Shrinking below the current size evicts least
// recently used entries, each with its EVICT event. Non-positive capacities
// are ignored.
func (s *MemoryStore[K, V]) Resize(capacity int) {
	if capacity <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	now := time.Now()
	for s.evictList.Len() > s.capacity {
		s.evictOldest(now)
	}
}

// Clear removes every entry and emits a single CLEAR event. Cumulative
// counters survive; occupancy resets.
func (s *MemoryStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[K]*storeItem[K, V])
	s.evictList.Init()
	var zero K
	s.emit(types.EventClear, zero, time.Now())
}

// Stats returns a point-in-time view of the cache counters
func (s *MemoryStore[K, V]) Stats() types.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Size = int64(len(s.items))
	stats.Capacity = int64(s.capacity)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(len(s.items)) / float64(s.capacity)
	return stats
}

// Subscribe registers a listener for this store's events. The new listener
// immediately receives an INIT event, so registration itself is observable.
// Listeners run under the store's lock and must not call back into the store.
func (s *MemoryStore[K, V]) Subscribe(fn types.Listener[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
	var zero K
	fn(types.Event[K]{Type: types.EventInit, Key: zero, At: time.Now()})
}

// OnEvict installs a callback invoked on every capacity eviction with a copy
// of the departing entry. TTL expirations do not trigger it. The callback
// runs under the store's lock and must not call back into this store.
func (s *MemoryStore[K, V]) OnEvict(fn func(Entry[K, V])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// NotifyMaintenance delivers a MAINTENANCE event to listeners without
// touching any entry. The coordinator uses it for its periodic broadcast.
func (s *MemoryStore[K, V]) NotifyMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero K
	s.emit(types.EventMaintenance, zero, time.Now())
}

// Close stops the background janitor and waits for it to exit. The store
// stays usable for foreground calls; entries simply stop expiring in the
// background. Close is idempotent.
func (s *MemoryStore[K, V]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return nil
}

// emit delivers an event to every listener. Callers hold the write lock.
func (s *MemoryStore[K, V]) emit(t types.EventType, key K, at time.Time) {
	for _, fn := range s.listeners {
		fn(types.Event[K]{Type: t, Key: key, At: at})
	}
}

// evictOldest removes the least recently used entry, emitting its EVICT
// event and running the OnEvict callback. Callers hold the write lock.
func (s *MemoryStore[K, V]) evictOldest(now time.Time) {
	element := s.evictList.Back()
	if element == nil {
		return
	}

	item := s.items[element.Value.(K)]
	s.removeItem(item)
	s.stats.Evictions++
	s.emit(types.EventEvict, item.key, now)
	if s.onEvict != nil {
		s.onEvict(item.snapshot())
	}
}

func (s *MemoryStore[K, V]) removeItem(item *storeItem[K, V]) {
	delete(s.items, item.key)
	s.evictList.Remove(item.element)
}

// expiryFor resolves the entry deadline. A zero metadata TTL falls back to
// the store default; a negative TTL pins the entry, default or not.
func (s *MemoryStore[K, V]) expiryFor(meta types.EntryMeta, now time.Time) time.Time {
	ttl := meta.TTL
	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// janitorLoop periodically sweeps expired entries until Close
func (s *MemoryStore[K, V]) janitorLoop(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A panicking eviction listener must not kill the janitor.
			_ = recovery.Safe("store-janitor", func() error {
				s.removeExpired()
				return nil
			})
		case <-s.stopCh:
			return
		}
	}
}

// removeExpired drops every expired entry, emitting an EVICT event per key,
// and returns the number removed.
func (s *MemoryStore[K, V]) removeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*storeItem[K, V]
	for _, item := range s.items {
		if item.expired(now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		s.removeItem(item)
		s.stats.Expirations++
		s.emit(types.EventEvict, item.key, now)
	}
	return len(expired)
}
