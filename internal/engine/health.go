package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemos/mnemos/internal/cache"
	"github.com/mnemos/mnemos/internal/circuit"
	"github.com/mnemos/mnemos/pkg/health"
)

// ComponentHealth is one component's view in a health report.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is a point-in-time health snapshot across components.
// Healthy is the conjunction of every component's state.
type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Health probes every component. The persistence probe respects ctx; the
// rest answer from in-memory state. A stopped engine reports its loops as
// idle, not unhealthy.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:    true,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  e.now(),
	}

	if e.executor != nil {
		h := ComponentHealth{Healthy: true}
		if err := e.executor.Ping(ctx); err != nil {
			h.Healthy = false
			h.Detail = err.Error()
			e.backends.RecordError("persistence", err)
		} else {
			e.backends.RecordSuccess("persistence")
		}
		if e.guard != nil {
			state := e.guard.State()
			if state != circuit.StateClosed {
				if h.Detail != "" {
					h.Detail += ", "
				}
				h.Detail += breakerDetail(state)
			}
			if state == circuit.StateOpen {
				h.Healthy = false
			}
		}
		report.Components["persistence"] = h
	}

	for id, st := range e.coordinator.Stats().Stores {
		h := ComponentHealth{
			Healthy: true,
			Detail:  fmt.Sprintf("%d entries", st.Size),
		}
		if id == storeS3 && e.objects != nil {
			if err := e.objects.HealthCheck(ctx); err != nil {
				h.Healthy = false
				h.Detail = err.Error()
			}
		}
		report.Components["store:"+id] = h
	}
	report.Components["semantic"] = ComponentHealth{
		Healthy: true,
		Detail:  fmt.Sprintf("%d hot, %d warm", e.semantic.Hot(), e.semantic.Warm()),
	}

	e.mu.Lock()
	running := e.started
	pressure := e.pressure
	e.mu.Unlock()
	loop := ComponentHealth{Healthy: true, Detail: "idle"}
	if running {
		loop.Detail = fmt.Sprintf("running, %d cycles", e.lifecycle.Cycles())
	}
	report.Components["lifecycle"] = loop

	if pressure != nil {
		ps := pressure.Stats()
		detail := fmt.Sprintf("%d samples, %d shrinks", ps.SampleCount, ps.Shrinks)
		if ps.Pressured {
			detail = "under pressure, " + detail
		}
		report.Components["pressure"] = ComponentHealth{Healthy: true, Detail: detail}
	}

	if last, ok := e.monitor.LastReport(); ok {
		report.Components["consistency"] = ComponentHealth{
			Healthy: true,
			Detail: fmt.Sprintf("rate %.2f over %d checked",
				last.ConsistencyRate, last.Checked),
		}
	}

	// Rolled-up backend states from the tracker; a degraded backend is
	// still operational (the engine runs memory-only against it), only
	// unavailable flips the component unhealthy.
	for name, ch := range e.backends.GetAllComponents() {
		detail := ch.State.String()
		if ch.LastErrorMessage != "" && ch.State != health.StateHealthy {
			detail += ": " + ch.LastErrorMessage
		}
		report.Components["backend:"+name] = ComponentHealth{
			Healthy: ch.State != health.StateUnavailable,
			Detail:  detail,
		}
	}

	for _, h := range report.Components {
		if !h.Healthy {
			report.Healthy = false
			break
		}
	}
	return report
}

// EngineStats aggregates counters across the engine's components.
type EngineStats struct {
	Coordinator cache.CoordinatorStats   `json:"coordinator"`
	Semantic    cache.SemanticCacheStats `json:"semantic"`
	Records     int                      `json:"records"`
	TierRecords map[string]int           `json:"tier_records"`
	Cycles      uint64                   `json:"cycles"`
}

// Backends exposes the backend health tracker, for hosts that subscribe
// to state changes or surface the states over their own API.
func (e *Engine) Backends() *health.Tracker {
	return e.backends
}

// Stats returns a point-in-time aggregate of component counters.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Coordinator: e.coordinator.Stats(),
		Semantic:    e.semantic.Stats(),
		Records:     e.tiers.Count(),
		TierRecords: make(map[string]int, len(allTiers)),
		Cycles:      e.lifecycle.Cycles(),
	}
	for _, t := range allTiers {
		stats.TierRecords[t.String()] = e.tiers.CountInTier(t)
	}
	return stats
}
