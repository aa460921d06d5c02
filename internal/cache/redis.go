package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// RedisStoreConfig represents Redis store configuration
type RedisStoreConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	// Namespace prefixes every key so several stores can share one database
	Namespace  string        `yaml:"namespace" json:"namespace"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// OpTimeout bounds each command; the store interface carries no context
	OpTimeout    time.Duration           `yaml:"op_timeout" json:"op_timeout"`
	DialTimeout  time.Duration           `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration           `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration           `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int                     `yaml:"pool_size" json:"pool_size"`
	Logger       *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultRedisStoreConfig returns the default Redis store configuration
func DefaultRedisStoreConfig() *RedisStoreConfig {
	return &RedisStoreConfig{
		Addr:         "localhost:6379",
		Namespace:    "mnemos",
		DefaultTTL:   0,
		OpTimeout:    3 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// redisEnvelope is the JSON value stored per key. TTL is left to the server.
type redisEnvelope struct {
	Value     []byte          `json:"value"`
	Meta      types.EntryMeta `json:"meta"`
	CreatedAt time.Time       `json:"created_at"`
}

// RedisStore is a Redis-backed store for COLD-level registration. Values are
// JSON envelopes, expiry is server-side, and key enumeration rides SCAN over
// the namespace. Backend failures degrade to miss-plus-warning; constructor
// failures are the only errors surfaced.
type RedisStore struct {
	client     *redis.Client
	namespace  string
	config     *RedisStoreConfig
	logger     *utils.StructuredLogger
	ownsLogger bool

	// mu guards listeners and counters, never held across a command
	mu        sync.Mutex
	listeners []types.Listener[string]
	stats     types.CacheStats
}

var _ types.Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis store and verifies connectivity
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisStoreConfig()
	}
	if config.Addr == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"redis address is required").WithComponent("redis_store")
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 3 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("redis ping failed: %v", err)).
			WithComponent("redis_store").WithCause(err)
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	return &RedisStore{
		client:     client,
		namespace:  config.Namespace,
		config:     config,
		logger:     logger.WithComponent("redis_store"),
		ownsLogger: ownsLogger,
	}, nil
}

// Get retrieves the value for key. Server-side expiry and backend failures
// both read as misses.
func (s *RedisStore) Get(key string) ([]byte, bool) {
	ctx, cancel := s.opContext()
	defer cancel()

	raw, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("Redis get failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}

	var envelope redisEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// Drop the unreadable value so it stops shadowing future puts
		_ = s.client.Del(ctx, s.prefixKey(key)).Err()
		s.logger.Warn("Dropped undecodable record", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()
	return envelope.Value, true
}

// Put stores the value for key with server-side TTL. A backend failure is
// logged and the entry is simply not stored.
func (s *RedisStore) Put(key string, value []byte, meta types.EntryMeta) {
	if err := s.Write(key, value, meta); err != nil {
		s.logger.Warn("Redis set failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Write stores the value for key and reports the backend error, so callers
// with retry machinery (the mirror queue) can react to failures.
func (s *RedisStore) Write(key string, value []byte, meta types.EntryMeta) error {
	envelope := redisEnvelope{
		Value:     value,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	ttl := meta.TTL
	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}
	if ttl < 0 {
		ttl = 0 // pinned; zero expiration means the key never expires
	}

	ctx, cancel := s.opContext()
	defer cancel()
	if err := s.client.Set(ctx, s.prefixKey(key), raw, ttl).Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.emit(types.EventPut, key, time.Now())
	s.mu.Unlock()
	return nil
}

// Delete removes the entry for key and reports whether one was present
func (s *RedisStore) Delete(key string) bool {
	ctx, cancel := s.opContext()
	defer cancel()

	removed, err := s.client.Del(ctx, s.prefixKey(key)).Result()
	if err != nil {
		s.logger.Warn("Redis del failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	if removed == 0 {
		return false
	}

	s.mu.Lock()
	s.emit(types.EventDelete, key, time.Now())
	s.mu.Unlock()
	return true
}

// Contains reports whether key exists server-side
func (s *RedisStore) Contains(key string) bool {
	ctx, cancel := s.opContext()
	defer cancel()

	n, err := s.client.Exists(ctx, s.prefixKey(key)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Keys enumerates the namespace via SCAN and returns unprefixed keys
func (s *RedisStore) Keys() []string {
	keys, err := s.scanKeys()
	if err != nil {
		s.logger.Warn("Redis scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return keys
}

// Len counts the keys in the namespace. This walks the keyspace; it is meant
// for stats and tests, not hot paths.
func (s *RedisStore) Len() int {
	keys, err := s.scanKeys()
	if err != nil {
		return 0
	}
	return len(keys)
}

// Resize is advisory for a server-backed store; capacity lives in the
// server's eviction policy.
func (s *RedisStore) Resize(capacity int) {}

// Clear removes every key in the namespace, leaving foreign namespaces alone
func (s *RedisStore) Clear() {
	keys, err := s.scanKeys()
	if err != nil {
		s.logger.Warn("Redis scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()
	for start := 0; start < len(keys); start += 512 {
		end := start + 512
		if end > len(keys) {
			end = len(keys)
		}
		batch := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			batch = append(batch, s.prefixKey(key))
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			s.logger.Warn("Redis del failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}

	s.mu.Lock()
	s.emit(types.EventClear, "", time.Now())
	s.mu.Unlock()
}

// Stats returns local hit/miss counters plus the current keyspace size.
// Server-side expirations are invisible to the client and stay zero.
func (s *RedisStore) Stats() types.CacheStats {
	size := int64(s.Len())

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Size = size
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Subscribe registers a listener for this store's events. The new listener
// immediately receives an INIT event.
func (s *RedisStore) Subscribe(fn types.Listener[string]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
	fn(types.Event[string]{Type: types.EventInit, At: time.Now()})
}

// NotifyMaintenance delivers a MAINTENANCE event to listeners
func (s *RedisStore) NotifyMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(types.EventMaintenance, "", time.Now())
}

// Ping checks connectivity, for health probes
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool
func (s *RedisStore) Close() error {
	err := s.client.Close()
	if s.ownsLogger {
		_ = s.logger.Close()
	}
	return err
}

// Helper methods

func (s *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.OpTimeout)
}

func (s *RedisStore) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *RedisStore) stripPrefix(key string) string {
	if s.namespace == "" {
		return key
	}
	return key[len(s.namespace)+1:]
}

func (s *RedisStore) scanKeys() ([]string, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	pattern := "*"
	if s.namespace != "" {
		pattern = s.namespace + ":*"
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, s.stripPrefix(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// emit delivers an event to every listener. Callers hold mu.
func (s *RedisStore) emit(t types.EventType, key string, at time.Time) {
	for _, fn := range s.listeners {
		fn(types.Event[string]{Type: t, Key: key, At: at})
	}
}
