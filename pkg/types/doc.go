/*
Package types provides the core interfaces, data structures, and type
definitions shared across the memory engine.

This package is the foundation of the system: it defines the contracts
between components and the vocabulary (levels, tiers, events) used
throughout the codebase.

# Architecture Overview

The engine follows a layered architecture with well-defined interfaces
between components:

	┌─────────────────────────────────────────────┐
	│               Engine Facade                 │
	│             (internal/engine)               │
	└─────────────────────────────────────────────┘
	          │          │          │
	┌─────────┴───┐ ┌────┴─────┐ ┌──┴──────────┐
	│ Coordinator │ │ Semantic │ │ Tier layer  │
	│  + stores   │ │  cache   │ │ (lifecycle) │
	└─────────────┘ └──────────┘ └─────────────┘
	          │          │          │
	┌─────────┴──────────┴──────────┴────────────┐
	│        Collaborator boundaries             │
	│   (Executor, Embedder, object storage)     │
	└─────────────────────────────────────────────┘

# Core Interfaces

Store:
The uniform contract for heterogeneous cache backends. The in-memory LRU
store, the disk store, the Redis store and the S3 object store all satisfy
it; the coordinator routes across them by registered level without knowing
which is which.

Executor:
The persistence collaborator boundary. The tier manager issues idempotent
schema creation and plain parametrized CRUD through it; concrete adapters
wrap Postgres and SQLite. No stored procedures, no fixed wire format.

Embedder:
The embedding collaborator boundary. Vector computation is external; the
cache layer only transports and stores whatever vector the collaborator
returns.

# Vocabulary

CacheLevel (HOT, WARM, COLD, PERSISTENT, EXTERNAL) classifies where a cached
artifact physically lives. Tier (CORE, ARCHIVE, LONG_TERM, SHORT_TERM)
classifies how important a memory record is. The two are orthogonal: levels
belong to the cache coordinator, tiers to the lifecycle engine.

EventType enumerates store mutations (INIT, PUT, DELETE, EVICT, CLEAR,
MAINTENANCE). Events are delivered synchronously, in commit order, under the
emitting store's lock; listeners must not call back into the emitting store.

# Thread Safety

All interfaces defined in this package are designed to be thread-safe when
properly implemented. Implementers must ensure:

  - Concurrent access safety for all methods
  - Proper synchronization for shared resources
  - Atomic operations for statistics counters
  - Context-aware cancellation handling on blocking operations
*/
package types
