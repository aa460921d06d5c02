// Package persistence provides the durable collaborators behind the tier
// manager and the cache coordinator's write-through mirroring.
//
// Architecture:
//
//	┌──────────────────┐     ┌──────────────────┐
//	│   TierManager    │     │ CacheCoordinator │
//	└────────┬─────────┘     └────────┬─────────┘
//	         │    types.Executor      │
//	         └───────────┬────────────┘
//	                     ▼
//	           ┌──────────────────┐
//	           │ GuardedExecutor  │  circuit breaker + bounded retry
//	           └────────┬─────────┘
//	                    ▼
//	     ┌──────────────┼──────────────┐
//	     ▼              ▼              ▼
//	 Postgres        SQLite         Memory
//	 (pgx pool)   (database/sql)  (in-process)
//
// # Contract
//
// Every adapter implements types.Executor: Execute for schema creation and
// parametrized CRUD with commit-on-write semantics, Query for generic row
// retrieval as []types.Row. Statements are written with ?-style placeholders;
// adapters whose driver wants another form rewrite them (Postgres rewrites
// to $n, SQLite takes ? natively). No stored procedures and no fixed wire
// format, so callers stay portable across backends.
//
// # Resilience
//
// Production deployments wrap an adapter in a GuardedExecutor. The breaker
// opens after consecutive failures and rejections surface as
// PersistenceUnavailable, which callers treat as a signal to continue
// memory-only rather than stall on a dead backend. Retries apply only to
// errors the adapters classify as transient (connection loss, timeouts);
// statement-level failures pass through after the bounded attempts.
//
// # Choosing an adapter
//
// Postgres suits shared deployments where several engine instances mirror
// into one database. SQLite suits single-process installs and keeps the
// whole state in one file (or in process memory with Path ":memory:").
// MemoryExecutor records statements and serves scripted results; it backs
// package tests across the engine and deployments that want mirroring
// wiring without a real backend.
package persistence
