package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
)

// FlushFunc writes one mirrored record to the durable backend.
type FlushFunc func(ctx context.Context, key string, value []byte) error

// MirrorQueue implements best-effort write-behind for the semantic cache's
// durable mirror. Writes are coalesced per key (latest value wins), flushed
// by a background worker, and dropped with a count when the queue is full or
// a record keeps failing. Cache operations never block on the mirror.
type MirrorQueue struct {
	mu      sync.RWMutex
	config  *QueueConfig
	pending map[string]*mirrorEntry
	stats   QueueStats
	flush   FlushFunc
	flushCh chan string
	stopCh  chan struct{}
	stopped chan struct{}
	closed  bool
	once    sync.Once
}

// QueueConfig represents mirror queue configuration
type QueueConfig struct {
	// MaxPending bounds the number of records waiting to be mirrored
	MaxPending int `yaml:"max_pending" json:"max_pending"`

	// MaxAttempts is how many times a failing record is retried before
	// being dropped
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// FlushTimeout bounds a single backend write
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`

	// SweepInterval is how often the worker retries records that missed
	// the flush channel or failed a previous attempt
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// DrainTimeout bounds the final flush on Close
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// QueueStats tracks mirror queue performance metrics
type QueueStats struct {
	Enqueued     uint64        `json:"enqueued"`
	Coalesced    uint64        `json:"coalesced"`
	Flushed      uint64        `json:"flushed"`
	Dropped      uint64        `json:"dropped"`
	Discarded    uint64        `json:"discarded"`
	Failures     uint64        `json:"failures"`
	Pending      int           `json:"pending"`
	LastFlush    time.Time     `json:"last_flush"`
	AvgFlushTime time.Duration `json:"avg_flush_time"`
}

// mirrorEntry is one pending mirror write. The version guards against a
// coalesced update racing an in-flight flush of the previous value.
type mirrorEntry struct {
	value      []byte
	version    uint64
	enqueuedAt time.Time
	attempts   int
	flushing   bool
}

// DefaultQueueConfig returns the default mirror queue configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxPending:    1024,
		MaxAttempts:   5,
		FlushTimeout:  5 * time.Second,
		SweepInterval: time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// NewMirrorQueue creates a new mirror queue and starts its flush worker
func NewMirrorQueue(config *QueueConfig, flush FlushFunc) (*MirrorQueue, error) {
	if flush == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "mirror queue requires a flush function").
			WithComponent("buffer")
	}

	if config == nil {
		config = DefaultQueueConfig()
	}
	if config.MaxPending <= 0 {
		config.MaxPending = 1024
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 5 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}

	mq := &MirrorQueue{
		config:  config,
		pending: make(map[string]*mirrorEntry),
		flush:   flush,
		flushCh: make(chan string, config.MaxPending),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go mq.flushLoop()

	return mq, nil
}

// Enqueue queues a record for mirroring. Returns false when the record was
// dropped because the queue is full or closed. The value is copied, so the
// caller may reuse the slice.
func (mq *MirrorQueue) Enqueue(key string, value []byte) bool {
	mq.mu.Lock()

	if mq.closed {
		mq.stats.Dropped++
		mq.mu.Unlock()
		return false
	}

	entry, exists := mq.pending[key]
	if !exists {
		if len(mq.pending) >= mq.config.MaxPending {
			mq.stats.Dropped++
			mq.mu.Unlock()
			return false
		}
		entry = &mirrorEntry{}
		mq.pending[key] = entry
	} else {
		mq.stats.Coalesced++
	}

	entry.value = append([]byte(nil), value...)
	entry.version++
	entry.enqueuedAt = time.Now()
	entry.attempts = 0

	mq.stats.Enqueued++
	flushing := entry.flushing
	mq.mu.Unlock()

	// An in-flight flush reschedules the key itself when it notices the
	// newer version
	if !flushing {
		mq.scheduleFlush(key)
	}
	return true
}

// Discard drops any pending write for key so that a deleted record is not
// resurrected by a queued mirror write. A flush already in flight may still
// land, so callers delete from the backing store after discarding.
func (mq *MirrorQueue) Discard(key string) bool {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if _, exists := mq.pending[key]; !exists {
		return false
	}
	delete(mq.pending, key)
	mq.stats.Discarded++
	return true
}

// scheduleFlush hands a key to the worker without blocking. A key that
// misses the channel stays pending and is picked up by the sweep.
func (mq *MirrorQueue) scheduleFlush(key string) {
	select {
	case mq.flushCh <- key:
	default:
	}
}

// Sync flushes everything pending and blocks until the queue is empty or
// the context expires.
func (mq *MirrorQueue) Sync(ctx context.Context) error {
	mq.mu.RLock()
	keys := make([]string, 0, len(mq.pending))
	for key := range mq.pending {
		keys = append(keys, key)
	}
	mq.mu.RUnlock()

	for _, key := range keys {
		mq.flushKey(key)
	}

	for {
		mq.mu.RLock()
		remaining := len(mq.pending)
		mq.mu.RUnlock()

		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodePersistenceUnavailable, "mirror sync incomplete").
				WithComponent("buffer").
				WithDetail("pending", remaining).
				WithCause(ctx.Err())
		case <-mq.stopCh:
			return errors.NewError(errors.ErrCodePersistenceUnavailable, "mirror queue closed during sync").
				WithComponent("buffer").
				WithDetail("pending", remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stats returns current queue statistics
func (mq *MirrorQueue) Stats() QueueStats {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	stats := mq.stats
	stats.Pending = len(mq.pending)
	return stats
}

// Len returns the number of records waiting to be mirrored
func (mq *MirrorQueue) Len() int {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return len(mq.pending)
}

// Close drains the queue and stops the flush worker
func (mq *MirrorQueue) Close() error {
	mq.once.Do(func() {
		mq.mu.Lock()
		mq.closed = true
		mq.mu.Unlock()

		close(mq.stopCh)
		<-mq.stopped
	})
	return nil
}

// flushLoop is the background worker. It serves scheduled keys, sweeps
// leftovers, and drains on shutdown.
func (mq *MirrorQueue) flushLoop() {
	defer close(mq.stopped)

	ticker := time.NewTicker(mq.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mq.stopCh:
			mq.drain()
			return

		case key := <-mq.flushCh:
			mq.flushKey(key)

		case <-ticker.C:
			mq.sweep()
		}
	}
}

// sweep flushes every pending record not currently in flight
func (mq *MirrorQueue) sweep() {
	mq.mu.RLock()
	keys := make([]string, 0, len(mq.pending))
	for key, entry := range mq.pending {
		if !entry.flushing {
			keys = append(keys, key)
		}
	}
	mq.mu.RUnlock()

	for _, key := range keys {
		mq.flushKey(key)
	}
}

// drain performs the final flush on shutdown, bounded by DrainTimeout.
// Whatever cannot be written in time is dropped and counted.
func (mq *MirrorQueue) drain() {
	deadline := time.Now().Add(mq.config.DrainTimeout)

	mq.mu.RLock()
	keys := make([]string, 0, len(mq.pending))
	for key := range mq.pending {
		keys = append(keys, key)
	}
	mq.mu.RUnlock()

	for _, key := range keys {
		if time.Now().After(deadline) {
			break
		}
		mq.flushKey(key)
	}

	mq.mu.Lock()
	mq.stats.Dropped += uint64(len(mq.pending))
	mq.pending = make(map[string]*mirrorEntry)
	mq.mu.Unlock()
}

// flushKey writes one record to the backend. On success the entry is
// removed only if no newer value arrived while the write was in flight.
func (mq *MirrorQueue) flushKey(key string) {
	mq.mu.Lock()
	entry, exists := mq.pending[key]
	if !exists || entry.flushing {
		mq.mu.Unlock()
		return
	}
	entry.flushing = true
	value := entry.value
	version := entry.version
	mq.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mq.config.FlushTimeout)
	start := time.Now()
	err := recovery.Safe("mirror-flush", func() error {
		return mq.flush(ctx, key, value)
	})
	flushTime := time.Since(start)
	cancel()

	mq.mu.Lock()
	defer mq.mu.Unlock()

	current, stillExists := mq.pending[key]
	if !stillExists {
		return
	}
	current.flushing = false

	if err == nil {
		mq.stats.Flushed++
		mq.stats.LastFlush = time.Now()
		if mq.stats.Flushed == 1 {
			mq.stats.AvgFlushTime = flushTime
		} else {
			mq.stats.AvgFlushTime = time.Duration(
				(int64(mq.stats.AvgFlushTime)*9 + int64(flushTime)) / 10,
			)
		}

		if current.version == version {
			delete(mq.pending, key)
		} else {
			// A newer value arrived mid-flight; write it promptly
			mq.scheduleFlush(key)
		}
		return
	}

	mq.stats.Failures++
	current.attempts++
	if current.attempts >= mq.config.MaxAttempts {
		delete(mq.pending, key)
		mq.stats.Dropped++
	}
}
