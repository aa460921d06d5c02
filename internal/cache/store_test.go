package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
)

// newTestStore builds a string store without a background janitor so tests
// control expiry explicitly.
func newTestStore(t *testing.T, config *StoreConfig) *MemoryStore[string, string] {
	t.Helper()
	if config == nil {
		config = &StoreConfig{Capacity: 16}
	}
	store, err := NewMemoryStore[string, string](config)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestNewMemoryStore tests store creation with various configurations
func TestNewMemoryStore(t *testing.T) {
	tests := []struct {
		name   string
		config *StoreConfig
		verify func(t *testing.T, store *MemoryStore[string, string])
	}{
		{
			name:   "nil config uses defaults",
			config: nil,
			verify: func(t *testing.T, store *MemoryStore[string, string]) {
				if store.capacity != 1024 {
					t.Errorf("expected default capacity 1024, got %d", store.capacity)
				}
				if store.config.CleanupInterval != time.Minute {
					t.Errorf("expected default cleanup interval 1min, got %v", store.config.CleanupInterval)
				}
				if store.config.DefaultTTL != 0 {
					t.Errorf("expected no default TTL, got %v", store.config.DefaultTTL)
				}
			},
		},
		{
			name: "custom config applied",
			config: &StoreConfig{
				Capacity:        3,
				DefaultTTL:      time.Minute,
				CleanupInterval: time.Hour,
			},
			verify: func(t *testing.T, store *MemoryStore[string, string]) {
				if store.capacity != 3 {
					t.Errorf("expected capacity 3, got %d", store.capacity)
				}
				if store.config.DefaultTTL != time.Minute {
					t.Errorf("expected default TTL 1min, got %v", store.config.DefaultTTL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewMemoryStore[string, string](tt.config)
			if err != nil {
				t.Fatalf("NewMemoryStore() error = %v", err)
			}
			defer store.Close()
			if store.items == nil {
				t.Error("store items map not initialized")
			}
			if store.evictList == nil {
				t.Error("store evict list not initialized")
			}
			tt.verify(t, store)
		})
	}
}

// TestNewMemoryStore_InvalidCapacity tests that a non-positive capacity is
// rejected at construction
func TestNewMemoryStore_InvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		_, err := NewMemoryStore[string, string](&StoreConfig{Capacity: capacity})
		if err == nil {
			t.Fatalf("expected error for capacity %d", capacity)
		}
		if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
			t.Errorf("expected ErrCodeInvalidConfig, got %v", err)
		}
	}
}

// TestMemoryStore_PutGet tests basic Put and Get operations
func TestMemoryStore_PutGet(t *testing.T) {
	store := newTestStore(t, nil)

	store.Put("alpha", "value-1", types.EntryMeta{Weight: 5.0, Source: "conversation"})

	value, ok := store.Get("alpha")
	if !ok {
		t.Fatal("Get returned false for existing key")
	}
	if value != "value-1" {
		t.Errorf("expected %q, got %q", "value-1", value)
	}

	entry, ok := store.PeekEntry("alpha")
	if !ok {
		t.Fatal("PeekEntry returned false for existing key")
	}
	if entry.AccessCount != 1 {
		t.Errorf("expected access count 1 after one Get, got %d", entry.AccessCount)
	}
	if entry.Meta.Weight != 5.0 {
		t.Errorf("expected weight 5.0, got %f", entry.Meta.Weight)
	}

	stats := store.Stats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 0 {
		t.Errorf("expected 0 misses, got %d", stats.Misses)
	}
}

// TestMemoryStore_GetMiss tests cache miss behavior
func TestMemoryStore_GetMiss(t *testing.T) {
	store := newTestStore(t, nil)

	if _, ok := store.Get("nonexistent"); ok {
		t.Error("expected miss for non-existent key")
	}

	stats := store.Stats()
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

// TestMemoryStore_UpdateExisting tests that replacing a key keeps the entry
// identity
func TestMemoryStore_UpdateExisting(t *testing.T) {
	store := newTestStore(t, nil)

	store.Put("key", "first", types.EntryMeta{})
	store.Get("key")
	store.Get("key")

	before, _ := store.PeekEntry("key")

	store.Put("key", "second", types.EntryMeta{Weight: 8.0})

	if store.Len() != 1 {
		t.Errorf("expected 1 entry after update, got %d", store.Len())
	}
	after, ok := store.PeekEntry("key")
	if !ok {
		t.Fatal("entry missing after update")
	}
	if after.Value != "second" {
		t.Errorf("expected %q, got %q", "second", after.Value)
	}
	if after.AccessCount != before.AccessCount {
		t.Errorf("expected access count %d preserved, got %d", before.AccessCount, after.AccessCount)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Error("creation time should survive an update")
	}
	if after.Meta.Weight != 8.0 {
		t.Errorf("expected updated weight 8.0, got %f", after.Meta.Weight)
	}
}

// TestMemoryStore_Eviction tests strict LRU eviction at capacity
func TestMemoryStore_Eviction(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 3})

	store.Put("key1", "data1", types.EntryMeta{})
	store.Put("key2", "data2", types.EntryMeta{})
	store.Put("key3", "data3", types.EntryMeta{})

	// Freshen key1 so key2 becomes the LRU entry
	store.Get("key1")

	store.Put("key4", "data4", types.EntryMeta{})

	if store.Len() != 3 {
		t.Errorf("expected 3 entries after eviction, got %d", store.Len())
	}
	if store.Contains("key2") {
		t.Error("key2 should have been evicted")
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if !store.Contains(key) {
			t.Errorf("%s should still exist", key)
		}
	}

	stats := store.Stats()
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

// TestMemoryStore_OnEvict tests the capacity eviction callback
func TestMemoryStore_OnEvict(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 2})

	var evicted []Entry[string, string]
	store.OnEvict(func(entry Entry[string, string]) {
		evicted = append(evicted, entry)
	})

	store.Put("old", "data", types.EntryMeta{Weight: 2.0})
	store.Get("old")
	store.Get("old")
	store.Put("mid", "data", types.EntryMeta{})
	store.Put("new", "data", types.EntryMeta{})

	if len(evicted) != 1 {
		t.Fatalf("expected 1 eviction callback, got %d", len(evicted))
	}
	if evicted[0].Key != "old" {
		t.Errorf("expected old evicted first, got %s", evicted[0].Key)
	}
	if evicted[0].AccessCount != 2 {
		t.Errorf("expected access count 2 on evicted entry, got %d", evicted[0].AccessCount)
	}
	if evicted[0].Meta.Weight != 2.0 {
		t.Errorf("expected weight 2.0 on evicted entry, got %f", evicted[0].Meta.Weight)
	}
}

// TestMemoryStore_OnEvictNotCalledForExpiry tests that TTL removals bypass
// the eviction callback
func TestMemoryStore_OnEvictNotCalledForExpiry(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 4})

	called := false
	store.OnEvict(func(Entry[string, string]) { called = true })

	store.Put("fleeting", "data", types.EntryMeta{TTL: 20 * time.Millisecond})
	time.Sleep(40 * time.Millisecond)

	if _, ok := store.Get("fleeting"); ok {
		t.Fatal("entry should have expired")
	}
	if called {
		t.Error("expiry should not trigger the eviction callback")
	}

	stats := store.Stats()
	if stats.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", stats.Expirations)
	}
	if stats.Evictions != 0 {
		t.Errorf("expected 0 evictions, got %d", stats.Evictions)
	}
}

// TestMemoryStore_TTL tests per-entry TTL against the store default
func TestMemoryStore_TTL(t *testing.T) {
	store := newTestStore(t, &StoreConfig{
		Capacity:   4,
		DefaultTTL: 25 * time.Millisecond,
	})

	store.Put("default", "data", types.EntryMeta{})
	store.Put("own", "data", types.EntryMeta{TTL: time.Hour})
	store.Put("pinned", "data", types.EntryMeta{TTL: -1})

	store.mu.RLock()
	if !store.items["pinned"].expiresAt.IsZero() {
		t.Error("negative TTL should pin the entry")
	}
	if store.items["own"].expiresAt.IsZero() {
		t.Error("explicit TTL should set a deadline")
	}
	store.mu.RUnlock()

	time.Sleep(50 * time.Millisecond)

	if store.Contains("default") {
		t.Error("entry on the default TTL should have expired")
	}
	if !store.Contains("own") {
		t.Error("entry with its own long TTL should survive")
	}
	if !store.Contains("pinned") {
		t.Error("pinned entry should survive")
	}
}

// TestMemoryStore_Janitor tests that the background janitor sweeps expired
// entries and stops on Close
func TestMemoryStore_Janitor(t *testing.T) {
	store, err := NewMemoryStore[string, string](&StoreConfig{
		Capacity:        4,
		DefaultTTL:      20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}

	store.Put("sweep-me", "data", types.EntryMeta{})

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not remove the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := store.Stats()
	if stats.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", stats.Expirations)
	}

	// Close must wait for the janitor goroutine to exit and stay idempotent
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// TestMemoryStore_Delete tests Delete semantics
func TestMemoryStore_Delete(t *testing.T) {
	store := newTestStore(t, nil)

	store.Put("key", "data", types.EntryMeta{})

	if !store.Delete("key") {
		t.Error("Delete should report true for an existing key")
	}
	if store.Delete("key") {
		t.Error("Delete should report false for a removed key")
	}
	if store.Contains("key") {
		t.Error("deleted key should be gone")
	}
}

// TestMemoryStore_Contains tests liveness checks without access bookkeeping
func TestMemoryStore_Contains(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 4})

	store.Put("live", "data", types.EntryMeta{})
	store.Put("stale", "data", types.EntryMeta{TTL: 15 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)

	if !store.Contains("live") {
		t.Error("live entry should be reported")
	}
	if store.Contains("stale") {
		t.Error("expired entry should read as absent")
	}
	if store.Contains("missing") {
		t.Error("missing entry should read as absent")
	}

	// Contains leaves the expired entry resident for the janitor
	if store.Len() != 2 {
		t.Errorf("expected 2 resident entries, got %d", store.Len())
	}

	stats := store.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Error("Contains should not touch hit or miss counters")
	}
}

// TestMemoryStore_Keys tests key enumeration in recency order
func TestMemoryStore_Keys(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 8})

	store.Put("a", "1", types.EntryMeta{})
	store.Put("b", "2", types.EntryMeta{})
	store.Put("c", "3", types.EntryMeta{})
	store.Get("a")

	keys := store.Keys()
	expected := []string{"a", "c", "b"}
	if len(keys) != len(expected) {
		t.Fatalf("expected %d keys, got %d", len(expected), len(keys))
	}
	for i, key := range expected {
		if keys[i] != key {
			t.Errorf("expected keys[%d] = %s, got %s", i, key, keys[i])
		}
	}

	// Expired entries are excluded
	store.Put("d", "4", types.EntryMeta{TTL: 10 * time.Millisecond})
	time.Sleep(25 * time.Millisecond)
	for _, key := range store.Keys() {
		if key == "d" {
			t.Error("expired key should not be enumerated")
		}
	}
}

// TestMemoryStore_Peek tests that Peek disturbs nothing
func TestMemoryStore_Peek(t *testing.T) {
	store := newTestStore(t, nil)

	store.Put("a", "1", types.EntryMeta{})
	store.Put("b", "2", types.EntryMeta{})

	value, ok := store.Peek("a")
	if !ok || value != "1" {
		t.Fatalf("Peek(a) = %q, %v, want %q, true", value, ok, "1")
	}

	entry, _ := store.PeekEntry("a")
	if entry.AccessCount != 0 {
		t.Errorf("Peek should not bump access count, got %d", entry.AccessCount)
	}
	if keys := store.Keys(); keys[0] != "b" {
		t.Errorf("Peek should not change recency order, got front %s", keys[0])
	}

	stats := store.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Error("Peek should not touch hit or miss counters")
	}
}

// TestMemoryStore_Clear tests Clear
func TestMemoryStore_Clear(t *testing.T) {
	store := newTestStore(t, nil)

	for i := 0; i < 5; i++ {
		store.Put(fmt.Sprintf("key-%d", i), "data", types.EntryMeta{})
	}
	store.Get("key-0")
	store.Get("missing")

	store.Clear()

	if store.Len() != 0 {
		t.Errorf("expected 0 entries after clear, got %d", store.Len())
	}

	// Cumulative counters survive a clear
	stats := store.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected counters to survive clear, got hits=%d misses=%d", stats.Hits, stats.Misses)
	}
	if stats.Size != 0 {
		t.Errorf("expected size 0 after clear, got %d", stats.Size)
	}
}

// TestMemoryStore_Resize tests capacity changes in both directions
func TestMemoryStore_Resize(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 4})

	for i := 0; i < 4; i++ {
		store.Put(fmt.Sprintf("key-%d", i), "data", types.EntryMeta{})
	}

	store.Resize(2)

	if store.Capacity() != 2 {
		t.Errorf("expected capacity 2, got %d", store.Capacity())
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 entries after shrink, got %d", store.Len())
	}
	// The two most recently used entries survive
	for _, key := range []string{"key-2", "key-3"} {
		if !store.Contains(key) {
			t.Errorf("%s should survive the shrink", key)
		}
	}

	stats := store.Stats()
	if stats.Evictions != 2 {
		t.Errorf("expected 2 evictions from shrink, got %d", stats.Evictions)
	}

	store.Resize(0)
	if store.Capacity() != 2 {
		t.Error("non-positive resize should be ignored")
	}

	store.Resize(100)
	if store.Capacity() != 100 {
		t.Errorf("expected capacity 100 after grow, got %d", store.Capacity())
	}
}

// TestMemoryStore_Restore tests transplanting entries with their bookkeeping
func TestMemoryStore_Restore(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 2})

	created := time.Now().Add(-time.Hour)
	store.Restore(Entry[string, string]{
		Key:          "veteran",
		Value:        "data",
		Meta:         types.EntryMeta{Weight: 9.0},
		CreatedAt:    created,
		LastAccessed: created.Add(30 * time.Minute),
		AccessCount:  7,
	})

	entry, ok := store.PeekEntry("veteran")
	if !ok {
		t.Fatal("restored entry missing")
	}
	if entry.AccessCount != 7 {
		t.Errorf("expected access count 7 preserved, got %d", entry.AccessCount)
	}
	if !entry.CreatedAt.Equal(created) {
		t.Error("creation time should be preserved")
	}

	// Restoring over an existing key replaces it wholesale
	store.Restore(Entry[string, string]{Key: "veteran", Value: "newer", AccessCount: 1})
	if store.Len() != 1 {
		t.Errorf("expected 1 entry after re-restore, got %d", store.Len())
	}
	entry, _ = store.PeekEntry("veteran")
	if entry.Value != "newer" || entry.AccessCount != 1 {
		t.Errorf("expected replaced entry, got value=%q count=%d", entry.Value, entry.AccessCount)
	}

	// Restore respects capacity like Put
	store.Put("second", "data", types.EntryMeta{})
	store.Restore(Entry[string, string]{Key: "third", Value: "data"})
	if store.Len() != 2 {
		t.Errorf("expected capacity held at 2, got %d", store.Len())
	}
	if store.Contains("veteran") {
		t.Error("LRU entry should have been evicted by the restore")
	}
}

// TestMemoryStore_Events tests synchronous event delivery in commit order
func TestMemoryStore_Events(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 8})

	var events []types.Event[string]
	store.Subscribe(func(e types.Event[string]) {
		events = append(events, e)
	})

	store.Put("key", "v1", types.EntryMeta{})
	store.Put("key", "v2", types.EntryMeta{})
	store.Delete("key")
	store.Clear()
	store.NotifyMaintenance()

	expected := []types.EventType{
		types.EventInit,
		types.EventPut,
		types.EventPut,
		types.EventDelete,
		types.EventClear,
		types.EventMaintenance,
	}
	if len(events) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(events))
	}
	for i, want := range expected {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[1].Key != "key" {
		t.Errorf("PUT event should carry the key, got %q", events[1].Key)
	}
	if events[0].Key != "" {
		t.Errorf("INIT event should carry the zero key, got %q", events[0].Key)
	}
}

// TestMemoryStore_EvictEventOrder tests that the EVICT for the displaced
// entry lands before the PUT for the new one
func TestMemoryStore_EvictEventOrder(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 1})

	var events []types.Event[string]
	store.Subscribe(func(e types.Event[string]) {
		events = append(events, e)
	})

	store.Put("first", "data", types.EntryMeta{})
	store.Put("second", "data", types.EntryMeta{})

	// INIT, PUT(first), EVICT(first), PUT(second)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].Type != types.EventEvict || events[2].Key != "first" {
		t.Errorf("expected EVICT(first), got %s(%s)", events[2].Type, events[2].Key)
	}
	if events[3].Type != types.EventPut || events[3].Key != "second" {
		t.Errorf("expected PUT(second), got %s(%s)", events[3].Type, events[3].Key)
	}
}

// TestMemoryStore_Stats tests derived statistics
func TestMemoryStore_Stats(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 10})

	store.Get("missing")
	store.Put("key", "data", types.EntryMeta{})
	store.Get("key")

	stats := store.Stats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", stats.HitRate)
	}
	if stats.Size != 1 {
		t.Errorf("expected size 1, got %d", stats.Size)
	}
	if stats.Capacity != 10 {
		t.Errorf("expected capacity 10, got %d", stats.Capacity)
	}
	if stats.Utilization != 0.1 {
		t.Errorf("expected utilization 0.1, got %f", stats.Utilization)
	}
}

// TestMemoryStore_ConcurrentMixedOps tests that heavy mixed traffic leaves
// the map and recency list agreeing, with occupancy inside capacity
func TestMemoryStore_ConcurrentMixedOps(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 128})

	var wg sync.WaitGroup
	numGoroutines := 8
	numOpsPerGoroutine := 10000

	wg.Add(numGoroutines)
	for g := 0; g < numGoroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < numOpsPerGoroutine; i++ {
				key := fmt.Sprintf("key-%d", (id*numOpsPerGoroutine+i)%256)
				switch i % 3 {
				case 0:
					store.Put(key, "data", types.EntryMeta{})
				case 1:
					store.Get(key)
				default:
					store.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if store.Len() > 128 {
		t.Errorf("size %d exceeds capacity 128", store.Len())
	}

	keys := store.Keys()
	if len(keys) != store.Len() {
		t.Errorf("expected %d live keys, got %d", store.Len(), len(keys))
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			t.Errorf("duplicate key %s in enumeration", key)
		}
		seen[key] = true
		if !store.Contains(key) {
			t.Errorf("enumerated key %s not retrievable", key)
		}
	}
}

// TestMemoryStore_CloseLeavesStoreUsable tests foreground calls after Close
func TestMemoryStore_CloseLeavesStoreUsable(t *testing.T) {
	store := newTestStore(t, &StoreConfig{Capacity: 4, CleanupInterval: 10 * time.Millisecond})

	store.Put("key", "data", types.EntryMeta{})
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, ok := store.Get("key"); !ok {
		t.Error("store should stay readable after Close")
	}
	store.Put("late", "data", types.EntryMeta{})
	if !store.Contains("late") {
		t.Error("store should stay writable after Close")
	}
}

// BenchmarkMemoryStore_Put benchmarks inserts at steady-state capacity
func BenchmarkMemoryStore_Put(b *testing.B) {
	store, _ := NewMemoryStore[string, string](&StoreConfig{Capacity: 1024})
	defer store.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Put(fmt.Sprintf("key-%d", i%2048), "data", types.EntryMeta{})
	}
}

// BenchmarkMemoryStore_Get benchmarks hits on a warm store
func BenchmarkMemoryStore_Get(b *testing.B) {
	store, _ := NewMemoryStore[string, string](&StoreConfig{Capacity: 1024})
	defer store.Close()
	for i := 0; i < 1024; i++ {
		store.Put(fmt.Sprintf("key-%d", i), "data", types.EntryMeta{})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Get(fmt.Sprintf("key-%d", i%1024))
	}
}
