package tier

import (
	"fmt"
	"math"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
)

// Weight bounds for memory records
const (
	WeightMin = 0.0
	WeightMax = 10.0
)

// Tier lower bounds, inclusive
const (
	coreLowerBound     = 9.0
	archiveLowerBound  = 7.0
	longTermLowerBound = 4.0
)

// weightTolerance is the allowed drift between an assignment's weight and
// the canonical record weight before the pair counts as inconsistent.
// Clamping backs off upper bounds by the same margin so a clamped weight
// still classifies into its tier.
const weightTolerance = 0.1

// TierInfo describes one tier's weight range and retention posture.
// MinWeight is inclusive; MaxWeight is exclusive except for CORE, which
// owns the top of the scale.
type TierInfo struct {
	Name           string  `json:"name"`
	MinWeight      float64 `json:"min_weight"`
	MaxWeight      float64 `json:"max_weight"`
	MidWeight      float64 `json:"mid_weight"`
	RetentionDays  int     `json:"retention_days"` // 0 means unbounded
	RecommendedUse string  `json:"recommended_use"`
}

// Predefined tier information, ordered strongest retention first
var tierRegistry = map[types.Tier]TierInfo{
	types.TierCore: {
		Name:           "Core",
		MinWeight:      coreLowerBound,
		MaxWeight:      WeightMax,
		MidWeight:      9.5,
		RetentionDays:  0,
		RecommendedUse: "Identity-defining facts and standing instructions",
	},
	types.TierArchive: {
		Name:           "Archive",
		MinWeight:      archiveLowerBound,
		MaxWeight:      coreLowerBound,
		MidWeight:      8.0,
		RetentionDays:  365,
		RecommendedUse: "Settled knowledge referenced occasionally",
	},
	types.TierLongTerm: {
		Name:           "Long-term",
		MinWeight:      longTermLowerBound,
		MaxWeight:      archiveLowerBound,
		MidWeight:      5.5,
		RetentionDays:  90,
		RecommendedUse: "Working knowledge of ongoing topics",
	},
	types.TierShortTerm: {
		Name:           "Short-term",
		MinWeight:      WeightMin,
		MaxWeight:      longTermLowerBound,
		MidWeight:      2.0,
		RetentionDays:  7,
		RecommendedUse: "Recent conversational detail awaiting reinforcement",
	},
}

// Info returns the registry entry for t. Unknown tiers fall back to
// SHORT_TERM, the weakest posture.
func Info(t types.Tier) TierInfo {
	info, ok := tierRegistry[t]
	if !ok {
		return tierRegistry[types.TierShortTerm]
	}
	return info
}

// ClassifyWeight maps a weight to its tier; lower bounds are inclusive
func ClassifyWeight(w float64) types.Tier {
	switch {
	case w >= coreLowerBound:
		return types.TierCore
	case w >= archiveLowerBound:
		return types.TierArchive
	case w >= longTermLowerBound:
		return types.TierLongTerm
	default:
		return types.TierShortTerm
	}
}

// ValidateWeight rejects weights outside the [0, 10] scale
func ValidateWeight(w float64) error {
	if math.IsNaN(w) || w < WeightMin || w > WeightMax {
		return errors.NewError(errors.ErrCodeConfigValidation,
			fmt.Sprintf("weight %v is outside [%v, %v]", w, WeightMin, WeightMax)).
			WithComponent("tier")
	}
	return nil
}

// Promote returns the adjacent tier up. CORE is terminal and reports
// ok=false.
func Promote(t types.Tier) (types.Tier, bool) {
	if t >= types.TierCore {
		return types.TierCore, false
	}
	return t + 1, true
}

// Demote returns the adjacent tier down. SHORT_TERM has no lower tier and
// reports ok=false; its only further transition is deletion.
func Demote(t types.Tier) (types.Tier, bool) {
	if t <= types.TierShortTerm {
		return types.TierShortTerm, false
	}
	return t - 1, true
}

// ClampWeight pulls w into t's weight range. Exclusive upper bounds back
// off by the consistency tolerance so the clamped weight still classifies
// into t.
func ClampWeight(t types.Tier, w float64) float64 {
	info := Info(t)
	if w < info.MinWeight {
		return info.MinWeight
	}
	if t == types.TierCore {
		if w > WeightMax {
			return WeightMax
		}
		return w
	}
	if w >= info.MaxWeight {
		return info.MaxWeight - weightTolerance
	}
	return w
}
