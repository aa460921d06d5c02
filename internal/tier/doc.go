/*
Package tier implements memory tiering: weight classification, assignment
bookkeeping, the lifecycle state machine and consistency repair.

# Tiers

Four tiers order records by importance and retention strength:

	CORE       weight [9, 10]   never expires, never promoted further
	ARCHIVE    weight [7, 9)    settled knowledge
	LONG_TERM  weight [4, 7)    working knowledge
	SHORT_TERM weight [0, 4)    recent detail; excess is deleted

ClassifyWeight maps weights to tiers with inclusive lower bounds, and the
registry behind Info carries each tier's range, midpoint and retention
posture.

# Writers

The TierManager owns the assignment map in memory and mirrors every
mutation to the persistence collaborator when one is configured. Callers
assign records by weight, bump access counters and delete; they never move
a record between tiers. Transitions belong exclusively to the
LifecycleEngine, whose cycle expires stale records (demoting the ones
still worth keeping), promotes strong candidates one tier up, and trims
tiers over capacity. All transitions step between adjacent tiers; the only
exit below SHORT_TERM is deletion, which cascades through a DeleteHook
into the dependent stores.

# Consistency

The ConsistencySynchronizer enforces two invariants: an assignment's tier
matches what its weight classifies to, and the assignment weight tracks
the canonical record weight within 0.1. Validate reports violations as
structural data; Fix trusts the canonical weight for weight mismatches and
the tier's midpoint for tier mismatches. The same one-direction sync
primitives back the lifecycle engine's own writes, so a transition updates
tier and canonical weight together.

Ages and scores are measured against an injectable clock; tests drive
retention and promotion with simulated days instead of sleeping.
*/
package tier
