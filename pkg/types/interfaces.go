package types

import (
	"context"
)

// Store is the contract every registered cache backend satisfies. The
// coordinator treats all backends uniformly through this interface; backends
// differ in where bytes live (process memory, disk, Redis, object storage),
// not in semantics.
//
// Get returns the value and true on a live, unexpired entry. Put replaces an
// existing entry. Delete reports whether an entry was removed. Keys and
// Contains exclude expired entries. Mutating calls emit their event
// synchronously before returning. Resize shrinks or grows the capacity;
// server-backed stores without a hard capacity treat it as advisory.
type Store interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte, meta EntryMeta)
	Delete(key string) bool
	Contains(key string) bool
	Keys() []string
	Len() int
	Resize(capacity int)
	Clear()
	Stats() CacheStats
	Subscribe(fn Listener[string])
	NotifyMaintenance()
	Close() error
}

// Row is one generic result row from the persistence collaborator
type Row map[string]any

// Executor is the persistence collaborator boundary. Execute runs a
// statement with commit-on-write semantics and returns the affected row
// count; Query returns generic rows. Statements use ?-style placeholders;
// adapters rewrite them where the driver requires positional markers.
type Executor interface {
	Execute(ctx context.Context, stmt string, args ...any) (int64, error)
	Query(ctx context.Context, stmt string, args ...any) ([]Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// Embedder is the embedding collaborator boundary. The cache layer is
// agnostic to vector dimensionality and representation.
type Embedder interface {
	Embed(text string, weight float64) ([]float32, error)
}
