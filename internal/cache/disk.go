package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mnemos/mnemos/internal/buffer"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// DiskStoreConfig represents disk store configuration
type DiskStoreConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	// Capacity is the maximum number of entries; the LRU entry is evicted
	// when a put would exceed it.
	Capacity int `yaml:"capacity" json:"capacity"`
	// MaxBytes caps the on-disk footprint. Zero means unbounded.
	MaxBytes        int64                   `yaml:"max_bytes" json:"max_bytes"`
	DefaultTTL      time.Duration           `yaml:"default_ttl" json:"default_ttl"`
	Compression     bool                    `yaml:"compression" json:"compression"`
	IndexFile       string                  `yaml:"index_file" json:"index_file"`
	CleanupInterval time.Duration           `yaml:"cleanup_interval" json:"cleanup_interval"`
	SyncInterval    time.Duration           `yaml:"sync_interval" json:"sync_interval"`
	Logger          *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultDiskStoreConfig returns the default disk store configuration for
// the given directory
func DefaultDiskStoreConfig(directory string) *DiskStoreConfig {
	return &DiskStoreConfig{
		Directory:       directory,
		Capacity:        4096,
		MaxBytes:        1024 * 1024 * 1024, // 1GB
		Compression:     true,
		IndexFile:       "store-index.json",
		CleanupInterval: 10 * time.Minute,
		SyncInterval:    time.Minute,
	}
}

// diskItem is one index row. The payload lives in its own file; the index
// carries everything needed to serve Contains and Keys without touching disk.
type diskItem struct {
	Key          string          `json:"key"`
	FilePath     string          `json:"file_path"`
	Size         int64           `json:"size"`
	Meta         types.EntryMeta `json:"meta"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	AccessCount  int64           `json:"access_count"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
	Compressed   bool            `json:"compressed"`
	Checksum     string          `json:"checksum"`
}

func (it *diskItem) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt)
}

// DiskStore is a disk-backed store with per-key files, optional gzip
// compression and a JSON index. It registers at the PERSISTENT level and
// doubles as the durable mirror behind the semantic cache. Backend failures
// degrade to miss-plus-warning; they never propagate to callers.
type DiskStore struct {
	mu           sync.RWMutex
	directory    string
	capacity     int
	maxBytes     int64
	currentBytes int64
	index        map[string]*diskItem
	config       *DiskStoreConfig
	stats        types.CacheStats
	listeners    []types.Listener[string]
	logger       *utils.StructuredLogger
	ownsLogger   bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	closed       bool
}

var _ types.Store = (*DiskStore)(nil)

// NewDiskStore creates a disk store rooted at config.Directory, creating the
// directory if needed and loading any index left by a previous process.
func NewDiskStore(config *DiskStoreConfig) (*DiskStore, error) {
	if config == nil || config.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"disk store directory is required").WithComponent("disk_store")
	}
	if err := utils.ValidatePath(config.Directory, true); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid disk store directory: %v", err)).
			WithComponent("disk_store")
	}

	// Apply defaults for zero/empty values
	if config.Capacity <= 0 {
		config.Capacity = 4096
	}
	if config.IndexFile == "" {
		config.IndexFile = "store-index.json"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodePersistenceUnavailable,
			fmt.Sprintf("failed to create store directory: %v", err)).
			WithComponent("disk_store").WithCause(err)
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	store := &DiskStore{
		directory:  config.Directory,
		capacity:   config.Capacity,
		maxBytes:   config.MaxBytes,
		index:      make(map[string]*diskItem),
		config:     config,
		logger:     logger.WithComponent("disk_store"),
		ownsLogger: ownsLogger,
		stopCh:     make(chan struct{}),
	}

	if err := store.loadIndex(); err != nil {
		return nil, errors.NewError(errors.ErrCodePersistenceUnavailable,
			fmt.Sprintf("failed to load store index: %v", err)).
			WithComponent("disk_store").WithCause(err)
	}

	store.wg.Add(2)
	go store.cleanupExpired()
	go store.syncIndex()

	return store, nil
}

// Get retrieves the value for key from disk and records the access. A read
// or checksum failure drops the entry and reads as a miss.
func (s *DiskStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	item, exists := s.index[key]
	s.mu.RUnlock()

	if !exists {
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}

	now := time.Now()
	if item.expired(now) {
		s.mu.Lock()
		if current, ok := s.index[key]; ok && current == item {
			s.dropItem(item)
			s.stats.Expirations++
			s.emit(types.EventEvict, key, now)
		}
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}

	// Read outside the lock; a concurrent delete surfaces as a read error
	data, err := s.readFromFile(item)
	if err != nil {
		s.mu.Lock()
		if current, ok := s.index[key]; ok && current == item {
			delete(s.index, key)
			s.currentBytes -= item.Size
		}
		s.stats.Misses++
		s.mu.Unlock()
		s.logger.Warn("Dropped unreadable record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}

	s.mu.Lock()
	if current, ok := s.index[key]; ok && current == item {
		item.LastAccessed = now
		item.AccessCount++
	}
	s.stats.Hits++
	s.mu.Unlock()

	return data, true
}

// Put stores the value for key on disk. A write failure is logged and the
// entry is simply not stored.
func (s *DiskStore) Put(key string, value []byte, meta types.EntryMeta) {
	if err := s.Write(key, value, meta); err != nil {
		s.logger.Warn("Failed to write record to disk", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Write stores the value for key on disk and reports the write error, so
// callers with retry machinery (the mirror queue) can react to failures.
func (s *DiskStore) Write(key string, value []byte, meta types.EntryMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	replacing := false
	if existing, exists := s.index[key]; exists {
		_ = os.Remove(existing.FilePath)
		s.currentBytes -= existing.Size
		delete(s.index, key)
		replacing = true
	}

	// Evict before inserting so occupancy never exceeds capacity
	if !replacing {
		for len(s.index) >= s.capacity {
			if !s.evictOldest(now) {
				break
			}
		}
	}

	item := &diskItem{
		Key:          key,
		FilePath:     s.generateFilePath(key),
		Meta:         meta,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    s.expiryFor(meta, now),
		Compressed:   s.config.Compression,
		Checksum:     s.calculateChecksum(value),
	}

	actualSize, err := s.writeToFile(item, value)
	if err != nil {
		return err
	}
	item.Size = actualSize

	s.index[key] = item
	s.currentBytes += actualSize
	s.emit(types.EventPut, key, now)

	if s.maxBytes > 0 {
		for s.currentBytes > s.maxBytes {
			if !s.evictOldest(now) {
				break
			}
		}
	}
	return nil
}

// Delete removes the entry for key and reports whether one was present
func (s *DiskStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.index[key]
	if !exists {
		return false
	}
	s.dropItem(item)
	s.emit(types.EventDelete, key, time.Now())
	return true
}

// Contains reports whether key holds a live entry, from the index alone
func (s *DiskStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.index[key]
	return exists && !item.expired(time.Now())
}

// Keys returns the keys of all live entries
func (s *DiskStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(s.index))
	for key, item := range s.index {
		if !item.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of indexed entries
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// DiskUsage returns the on-disk footprint in bytes, index file excluded
func (s *DiskStore) DiskUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBytes
}

// Resize changes the entry capacity. Shrinking evicts least recently used
// entries, each with its EVICT event. Non-positive capacities are ignored.
func (s *DiskStore) Resize(capacity int) {
	if capacity <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	now := time.Now()
	for len(s.index) > s.capacity {
		if !s.evictOldest(now) {
			break
		}
	}
}

// Clear removes every entry and its file, then emits a single CLEAR event
func (s *DiskStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.index {
		_ = os.Remove(item.FilePath)
	}
	s.index = make(map[string]*diskItem)
	s.currentBytes = 0
	s.emit(types.EventClear, "", time.Now())
}

// Stats returns a point-in-time view of the store counters
func (s *DiskStore) Stats() types.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Size = int64(len(s.index))
	stats.Capacity = int64(s.capacity)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(len(s.index)) / float64(s.capacity)
	return stats
}

// Subscribe registers a listener for this store's events. The new listener
// immediately receives an INIT event. Listeners run under the store's lock
// and must not call back into the store.
func (s *DiskStore) Subscribe(fn types.Listener[string]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
	fn(types.Event[string]{Type: types.EventInit, At: time.Now()})
}

// NotifyMaintenance delivers a MAINTENANCE event to listeners without
// touching any entry
func (s *DiskStore) NotifyMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(types.EventMaintenance, "", time.Now())
}

// Close stops the background goroutines and writes the index one last time
func (s *DiskStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	err := s.saveIndex()
	s.mu.Unlock()

	if s.ownsLogger {
		_ = s.logger.Close()
	}
	return err
}

// Helper methods

// emit delivers an event to every listener. Callers hold the write lock.
func (s *DiskStore) emit(t types.EventType, key string, at time.Time) {
	for _, fn := range s.listeners {
		fn(types.Event[string]{Type: t, Key: key, At: at})
	}
}

// dropItem removes an entry and its file. Callers hold the write lock.
func (s *DiskStore) dropItem(item *diskItem) {
	_ = os.Remove(item.FilePath)
	delete(s.index, item.Key)
	s.currentBytes -= item.Size
}

// evictOldest removes the least recently used entry with its EVICT event.
// Callers hold the write lock.
func (s *DiskStore) evictOldest(now time.Time) bool {
	if len(s.index) == 0 {
		return false
	}

	var oldest *diskItem
	for _, item := range s.index {
		if oldest == nil || item.LastAccessed.Before(oldest.LastAccessed) {
			oldest = item
		}
	}
	if oldest == nil {
		return false
	}

	s.dropItem(oldest)
	s.stats.Evictions++
	s.emit(types.EventEvict, oldest.Key, now)
	return true
}

func (s *DiskStore) expiryFor(meta types.EntryMeta, now time.Time) time.Time {
	ttl := meta.TTL
	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *DiskStore) generateFilePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	filename := fmt.Sprintf("%x", hash[:8])
	return filepath.Join(s.directory, filename+".rec")
}

func (s *DiskStore) calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// writeToFile stages the payload in a pooled buffer, compressing if enabled,
// and writes it in a single call. Returns the on-disk size.
func (s *DiskStore) writeToFile(item *diskItem, data []byte) (int64, error) {
	staging := buffer.GetBuffer(len(data) + 512)
	defer buffer.PutBuffer(staging)
	buf := bytes.NewBuffer(staging[:0])

	if item.Compressed {
		gz := gzip.NewWriter(buf)
		if _, err := gz.Write(data); err != nil {
			return 0, err
		}
		if err := gz.Close(); err != nil {
			return 0, err
		}
	} else {
		buf.Write(data)
	}

	if err := os.WriteFile(item.FilePath, buf.Bytes(), 0600); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

// readFromFile reads the payload back through a pooled staging buffer and
// verifies the checksum before returning it.
func (s *DiskStore) readFromFile(item *diskItem) ([]byte, error) {
	file, err := os.Open(item.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := int(stat.Size())
	staging := buffer.GetBuffer(size)
	defer buffer.PutBuffer(staging)
	raw := staging[:size]
	if _, err := io.ReadFull(file, raw); err != nil {
		return nil, err
	}

	var data []byte
	if item.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(gz)
		closeErr := gz.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
	} else {
		data = make([]byte, size)
		copy(data, raw)
	}

	if s.calculateChecksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for cached record")
	}
	return data, nil
}

func (s *DiskStore) loadIndex() error {
	indexPath, err := utils.SecureJoin(s.directory, s.config.IndexFile)
	if err != nil {
		return err
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*diskItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	// Keep only entries whose file survived; recompute the footprint
	s.currentBytes = 0
	for key, item := range items {
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		s.index[key] = item
		s.currentBytes += item.Size
	}
	return nil
}

// saveIndex writes the index atomically via a temp file rename. Callers hold
// at least the read lock.
func (s *DiskStore) saveIndex() error {
	indexPath, err := utils.SecureJoin(s.directory, s.config.IndexFile)
	if err != nil {
		return err
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, indexPath)
}

func (s *DiskStore) cleanupExpired() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := recovery.Safe("disk-janitor", func() error {
				s.sweepExpired()
				return nil
			}); err != nil {
				s.logger.Error("Expiry sweep panicked", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// sweepExpired drops every item past its deadline
func (s *DiskStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*diskItem
	for _, item := range s.index {
		if item.expired(now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		s.dropItem(item)
		s.stats.Expirations++
		s.emit(types.EventEvict, item.Key, now)
	}
}

func (s *DiskStore) syncIndex() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := recovery.Safe("index-sync", func() error {
				s.mu.RLock()
				defer s.mu.RUnlock()
				return s.saveIndex()
			})
			if err != nil {
				s.logger.Warn("Failed to sync store index", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
