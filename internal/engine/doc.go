/*
Package engine assembles the memory system end to end and is the only
package a host embeds directly.

# Assembly

New translates one Configuration tree into the component graph: the HOT
memory store, optional Redis, disk and S3 levels registered with the
cache coordinator, the semantic cache mirrored onto the disk store when
one exists, the tier manager over the configured persistence backend
(guarded by retry and a circuit breaker), the lifecycle engine, the
consistency synchronizer and the metrics collector. Collaborators the configuration
cannot express arrive through Options: the embedder, the canonical weight
source and, in tests, an injected executor and clock.

The wiring the components cannot do for themselves happens here. The
lifecycle engine's DeleteHook cascades hard deletes through the cache
fabric and the semantic cache; cycle and scan reports feed the Prometheus
counters; a snapshot callback keeps the entry and record gauges current.

# Surface

	engine, err := engine.New(ctx, cfg, &engine.Options{Embedder: emb})
	if err != nil {
		...
	}
	defer engine.Close()
	engine.Start(ctx)

	id, err := engine.Remember("the deploy key lives in vault", 8.5)
	hits := engine.Recall("deploy key", 5)
	value, ok := engine.Access(id)
	engine.Forget(id)

Remember mints a uuid record id, embeds the text, places it in the
semantic cache and the fabric, and assigns a tier by weight; records
past the importance cutoff also land in the EXTERNAL archive when an S3
store is registered. Recall
answers id-shaped queries from the fabric and everything else from the
semantic content search; the engine's record registry attaches ids to
semantic matches so callers can follow up with Access or Forget. Reweigh
moves an existing record when its importance is re-evaluated.

Start loads persisted assignments and rehydrates semantic placements for
records whose text survives in the fabric, then launches the background
loops; Stop halts them and flushes the semantic mirror. Health reports
per-component state including the persistence breaker, and Stats
aggregates the component counters.

ShrinkHot is the memory pressure valve: it cuts the HOT-level pools to a
fraction of their configured capacity, and RestoreCapacity reverses it.
Enabling monitoring.pressure has the engine run a memmon.PressureMonitor
over its own valve; hosts that watch memory themselves call the pair
directly instead.

# Degradation

Operations on the hot path return definite values. A failed embedding
falls back to keyword indexing, a failed assignment load starts the
ledger empty, and persistence outages are absorbed by the guard; all are
logged and counted, none surface as operation errors. Constructors and
configuration are where errors live.
*/
package engine
