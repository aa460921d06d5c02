package types

import (
	"fmt"
	"strings"
	"time"
)

// CacheLevel classifies a registered cache store by speed and durability.
// Levels are orthogonal to memory tiers: a tier says how important a record
// is, a level says where a cached artifact physically lives.
type CacheLevel int

const (
	// LevelHot - in-process memory, fastest, first to be probed
	LevelHot CacheLevel = iota
	// LevelWarm - in-process memory, larger and colder than hot
	LevelWarm
	// LevelCold - out-of-process but cheap to reach (e.g. Redis)
	LevelCold
	// LevelPersistent - survives restarts (e.g. local disk)
	LevelPersistent
	// LevelExternal - remote object storage, never probed on the read path
	LevelExternal
)

// String returns the canonical level name
func (l CacheLevel) String() string {
	switch l {
	case LevelHot:
		return "HOT"
	case LevelWarm:
		return "WARM"
	case LevelCold:
		return "COLD"
	case LevelPersistent:
		return "PERSISTENT"
	case LevelExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// ParseCacheLevel parses a canonical level name
func ParseCacheLevel(s string) (CacheLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HOT":
		return LevelHot, nil
	case "WARM":
		return LevelWarm, nil
	case "COLD":
		return LevelCold, nil
	case "PERSISTENT":
		return LevelPersistent, nil
	case "EXTERNAL":
		return LevelExternal, nil
	default:
		return LevelHot, fmt.Errorf("unknown cache level: %q", s)
	}
}

// Tier classifies a memory record by importance and retention strength.
// Ordering is by value: SHORT_TERM < LONG_TERM < ARCHIVE < CORE, so
// promotion moves a record to a numerically higher tier and demotion to a
// lower one. Transitions are adjacent-only.
type Tier int

const (
	// TierShortTerm - weight [0,4), weakest retention, excess is deleted
	TierShortTerm Tier = iota
	// TierLongTerm - weight [4,7)
	TierLongTerm
	// TierArchive - weight [7,9)
	TierArchive
	// TierCore - weight [9,10], never expires, never auto-promoted further
	TierCore
)

// String returns the canonical tier name
func (t Tier) String() string {
	switch t {
	case TierCore:
		return "CORE"
	case TierArchive:
		return "ARCHIVE"
	case TierLongTerm:
		return "LONG_TERM"
	case TierShortTerm:
		return "SHORT_TERM"
	default:
		return "UNKNOWN"
	}
}

// ParseTier parses a canonical tier name
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CORE":
		return TierCore, nil
	case "ARCHIVE":
		return TierArchive, nil
	case "LONG_TERM":
		return TierLongTerm, nil
	case "SHORT_TERM":
		return TierShortTerm, nil
	default:
		return TierShortTerm, fmt.Errorf("unknown tier: %q", s)
	}
}

// Valid reports whether t is one of the four defined tiers
func (t Tier) Valid() bool {
	return t >= TierShortTerm && t <= TierCore
}

// EventType identifies a store mutation observed by listeners
type EventType int

const (
	// EventInit - store constructed and ready
	EventInit EventType = iota
	// EventPut - entry inserted or replaced
	EventPut
	// EventDelete - entry removed by an explicit delete
	EventDelete
	// EventEvict - entry removed by capacity pressure or TTL expiry
	EventEvict
	// EventClear - all entries removed
	EventClear
	// EventMaintenance - periodic maintenance broadcast, no entry mutated
	EventMaintenance
)

// String returns the canonical event name
func (e EventType) String() string {
	switch e {
	case EventInit:
		return "INIT"
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	case EventEvict:
		return "EVICT"
	case EventClear:
		return "CLEAR"
	case EventMaintenance:
		return "MAINTENANCE"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered synchronously to store listeners, in commit order,
// before the mutating call returns. Key is the zero value for INIT, CLEAR
// and MAINTENANCE events.
type Event[K comparable] struct {
	Type EventType `json:"type"`
	Key  K         `json:"key"`
	At   time.Time `json:"at"`
}

// Listener receives store events. Listeners run under the emitting store's
// lock and must not call back into that store.
type Listener[K comparable] func(Event[K])

// EntryMeta carries the typed per-entry metadata byte stores accept on Put.
// A zero TTL means the store default applies.
type EntryMeta struct {
	Weight float64       `json:"weight"`
	Source string        `json:"source,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// TierAssignment is the persisted placement of one memory record.
// PromotionScore is derived by the lifecycle engine for ranking only and is
// never authoritative.
type TierAssignment struct {
	RecordID       string    `json:"record_id"`
	Tier           Tier      `json:"tier"`
	Weight         float64   `json:"weight"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	AccessCount    int64     `json:"access_count"`
	PromotionScore float64   `json:"promotion_score,omitempty"`
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status     string            `json:"status"`
	LastCheck  time.Time         `json:"last_check"`
	Response   time.Duration     `json:"response_time"`
	ErrorCount int64             `json:"error_count"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details"`
}
