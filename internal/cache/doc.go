/*
Package cache provides the tiered caching layer backing the memory engine.

The package combines three pieces: single-store caches behind one Store
interface, a semantic cache specialized for embedding vectors, and a
coordinator routing reads and writes across every registered store.

# Architecture

Stores register with the coordinator at a cache level; the semantic cache
runs beside it with its own pools and durable mirror:

	┌─────────────────────────────────────────────┐
	│                  Engine                     │
	│          (memory operations)                │
	└─────────────────────────────────────────────┘
	          │                        │
	┌──────────────────────┐ ┌──────────────────────┐
	│   CacheCoordinator   │ │    SemanticCache     │
	│  reverse index,      │ │  hot/warm pools,     │
	│  level scan,         │ │  keyword index,      │
	│  auto-promotion      │ │  write-behind mirror │
	└──────────────────────┘ └──────────────────────┘
	          │                        │
	┌─────────────────────────────────────────────┐
	│              Store backends                 │
	│                                             │
	│  HOT         MemoryStore[K,V]   (LRU, TTL)  │
	│  WARM        MemoryStore[K,V]               │
	│  COLD        RedisStore         (go-redis)  │
	│  PERSISTENT  DiskStore          (gzip+idx)  │
	│  EXTERNAL    ObjectStore        (S3)        │
	└─────────────────────────────────────────────┘

# Stores

Every backend satisfies the same Store interface: TTL-checked Get, Put
that evicts before inserting so occupancy never exceeds capacity, exact
Delete, Keys, Resize, Stats and maintenance notification. Mutations emit
events synchronously under the store lock, so listeners observe changes
in commit order. MemoryStore is generic over comparable keys; DiskStore,
RedisStore and ObjectStore specialize to string keys and byte values and
degrade to misses on backend failure instead of panicking.

# Coordination

The coordinator keeps a reverse index from keys to owning stores. Reads
probe claimed owners directly and fall back to a HOT→WARM→COLD→PERSISTENT
scan, copying sub-hot hits into every hot store. Writes fan out to the
target levels and, with write propagation, to the persistent stores.
Because the coordinator subscribes to every store it registers, writes
and deletes that bypass it still reach the index, and a maintenance loop
prunes claims whose owner dropped the key.

# Semantic cache

The semantic cache keys entries by the SHA-256 of their text and splits
them across a hot and a warm LRU pool by importance weight. Hot overflow
spills into warm with access history intact; warm overflow is dropped.
Accesses promote warm entries back to hot once they cross the promotion
threshold. A keyword index over tokenized text (CJK splits into single
runes) powers content search with substring and token-overlap scoring.
Puts are mirrored through a bounded write-behind queue to a durable
store, and misses repopulate from that mirror synchronously.

# Thread safety

Each store guards itself with one mutex; the coordinator's lock covers
only its registry and index. Store listeners run under the store's lock
and take only the coordinator's index lock, so the coordinator never
calls into a store while holding it. The semantic cache acquires its
pool locks in hot-then-warm order and performs mirror I/O with no pool
lock held.

# Usage

	coord, err := cache.NewCacheCoordinator(nil)
	if err != nil {
		return err
	}

	hot, err := cache.NewMemoryStore[string, []byte](&cache.StoreConfig{Capacity: 4096})
	if err != nil {
		return err
	}
	disk, err := cache.NewDiskStore(cache.DefaultDiskStoreConfig("/var/lib/mnemos/cache"))
	if err != nil {
		return err
	}

	if err := coord.Register("hot-memory", types.LevelHot, hot); err != nil {
		return err
	}
	if err := coord.Register("disk", types.LevelPersistent, disk); err != nil {
		return err
	}
	coord.Start()
	defer coord.Stop()

	coord.Put("record-1", payload, types.EntryMeta{Weight: 8.0})
	value, ok := coord.Get("record-1")

Configuration example:

	cache:
	  coordinator:
	    auto_promote: true
	    write_propagation: true
	    maintenance_interval: 5m
	  semantic:
	    hot_capacity: 128
	    warm_capacity: 1024
	    importance_threshold: 7.0
	    promotion_threshold: 3
	  disk:
	    directory: /var/lib/mnemos/cache
	    capacity: 4096
	    compression: true
*/
package cache
