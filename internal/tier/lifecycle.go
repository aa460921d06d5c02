package tier

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// Maintenance policy constants. A record survives expiry by demotion when
// it is still valuable (weight above the floor) or still consulted (access
// count above the floor); promotion takes only clear winners and at most a
// batch per tier per cycle.
const (
	promotionScoreCutoff = 0.7
	promotionBatchLimit  = 10
	demotionWeightFloor  = 3.0
	demotionAccessFloor  = 5
	defaultCycleInterval = time.Hour
)

// CycleReport summarizes one maintenance cycle
type CycleReport struct {
	ExpiredDeleted    int           `json:"expired_deleted"`
	ExpiredDemoted    int           `json:"expired_demoted"`
	Promoted          int           `json:"promoted"`
	RebalancedDemoted int           `json:"rebalanced_demoted"`
	RebalancedDeleted int           `json:"rebalanced_deleted"`
	Duration          time.Duration `json:"duration"`
}

// changes reports how many records the cycle touched
func (r CycleReport) changes() int {
	return r.ExpiredDeleted + r.ExpiredDemoted + r.Promoted +
		r.RebalancedDemoted + r.RebalancedDeleted
}

// DeleteHook cascades a hard deletion into dependent stores. The engine
// wires it to coordinator and semantic-cache deletes.
type DeleteHook func(recordID string)

// LifecycleConfig configures a LifecycleEngine
type LifecycleConfig struct {
	// Interval overrides the scheduler period; 0 collapses the per-tier
	// cleanup intervals to the smallest one
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Synchronizer, when set, pushes every transition's weight to the
	// canonical source so assignment and record stay aligned
	Synchronizer *ConsistencySynchronizer `yaml:"-" json:"-"`

	// DeleteHook receives every hard-deleted record id
	DeleteHook DeleteHook `yaml:"-" json:"-"`

	// OnCycle receives every finished cycle's report
	OnCycle func(CycleReport) `yaml:"-" json:"-"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`

	// Now is the clock ages and scores are measured against; tests inject
	// a simulated one
	Now func() time.Time `yaml:"-" json:"-"`
}

// LifecycleEngine is the only writer of tier transitions. Each maintenance
// cycle expires stale records, promotes winners and trims overfull tiers,
// in that order; transitions move between adjacent tiers only, and a
// SHORT_TERM record's only exit below is deletion.
type LifecycleEngine struct {
	manager      *TierManager
	synchronizer *ConsistencySynchronizer
	deleteHook   DeleteHook
	onCycle      func(CycleReport)
	logger       *utils.StructuredLogger
	ownsLogger   bool
	now          func() time.Time
	interval     time.Duration

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu    sync.Mutex
	cycles     uint64
	lastReport CycleReport
	hasReport  bool
}

// NewLifecycleEngine creates an engine over the manager's assignments
func NewLifecycleEngine(manager *TierManager, config *LifecycleConfig) (*LifecycleEngine, error) {
	if manager == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"lifecycle engine requires a tier manager").WithComponent("lifecycle_engine")
	}
	if config == nil {
		config = &LifecycleConfig{}
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	interval := config.Interval
	if interval <= 0 {
		interval = minCleanupInterval(manager)
	}

	return &LifecycleEngine{
		manager:      manager,
		synchronizer: config.Synchronizer,
		deleteHook:   config.DeleteHook,
		onCycle:      config.OnCycle,
		logger:       logger.WithComponent("lifecycle_engine"),
		ownsLogger:   ownsLogger,
		now:          now,
		interval:     interval,
	}, nil
}

// minCleanupInterval collapses the per-tier intervals to the smallest
func minCleanupInterval(manager *TierManager) time.Duration {
	interval := time.Duration(0)
	for _, t := range []types.Tier{types.TierShortTerm, types.TierLongTerm, types.TierArchive, types.TierCore} {
		if ci := manager.Policy(t).CleanupInterval; ci > 0 && (interval == 0 || ci < interval) {
			interval = ci
		}
	}
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	return interval
}

// RunCycle executes the three maintenance passes and reports what changed
func (e *LifecycleEngine) RunCycle() CycleReport {
	start := time.Now()

	var report CycleReport
	e.cleanupExpired(&report)
	e.promoteMemories(&report)
	e.balanceCapacity(&report)
	report.Duration = time.Since(start)

	e.statsMu.Lock()
	e.cycles++
	e.lastReport = report
	e.hasReport = true
	e.statsMu.Unlock()

	if report.changes() > 0 {
		e.logger.Info("Maintenance cycle finished", map[string]interface{}{
			"expired_deleted":    report.ExpiredDeleted,
			"expired_demoted":    report.ExpiredDemoted,
			"promoted":           report.Promoted,
			"rebalanced_demoted": report.RebalancedDemoted,
			"rebalanced_deleted": report.RebalancedDeleted,
			"duration":           report.Duration.String(),
		})
	}
	if e.onCycle != nil {
		e.onCycle(report)
	}
	return report
}

// cleanupExpired demotes or deletes records older than their tier's
// retention. CORE never expires; tiers with auto-demotion off keep their
// stale records in place. Tiers are scanned bottom-up so a record demoted
// in this pass lands in a tier already scanned and is not re-evaluated
// until the next cycle.
func (e *LifecycleEngine) cleanupExpired(report *CycleReport) {
	now := e.now()
	for _, t := range []types.Tier{types.TierShortTerm, types.TierLongTerm, types.TierArchive} {
		policy := e.manager.Policy(t)
		if policy.RetentionDays <= 0 || !policy.AutoDemotion {
			continue
		}

		for _, assignment := range e.manager.AssignmentsInTier(t) {
			if ageDays(now, assignment.CreatedAt) <= float64(policy.RetentionDays) {
				continue
			}

			// Still valuable or still consulted records step down one
			// tier instead of vanishing
			if assignment.Weight > demotionWeightFloor || assignment.AccessCount > demotionAccessFloor {
				if dest, ok := Demote(t); ok {
					if e.transition(assignment.RecordID, dest, ClampWeight(dest, assignment.Weight), assignment.PromotionScore) {
						report.ExpiredDemoted++
					}
					continue
				}
			}

			e.hardDelete(assignment.RecordID)
			report.ExpiredDeleted++
		}
	}
}

// promoteMemories lifts the strongest candidates one tier up. Tiers are
// scanned top-down so a record promoted in this pass lands in a tier
// already scanned; every record moves at most one step per cycle.
func (e *LifecycleEngine) promoteMemories(report *CycleReport) {
	now := e.now()
	for _, t := range []types.Tier{types.TierArchive, types.TierLongTerm, types.TierShortTerm} {
		policy := e.manager.Policy(t)
		if !policy.AutoPromotion {
			continue
		}
		dest, ok := Promote(t)
		if !ok {
			continue
		}
		destPolicy := e.manager.Policy(dest)

		type candidate struct {
			assignment types.TierAssignment
			score      float64
		}
		var candidates []candidate
		for _, assignment := range e.manager.AssignmentsInTier(t) {
			score := PromotionScore(assignment, now)
			if score <= promotionScoreCutoff {
				continue
			}
			if ClampWeight(dest, assignment.Weight+1.0) < destPolicy.WeightThreshold {
				continue
			}
			candidates = append(candidates, candidate{assignment, score})
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].assignment.RecordID < candidates[j].assignment.RecordID
		})
		if len(candidates) > promotionBatchLimit {
			candidates = candidates[:promotionBatchLimit]
		}

		for _, c := range candidates {
			weight := ClampWeight(dest, c.assignment.Weight+1.0)
			if e.transition(c.assignment.RecordID, dest, weight, c.score) {
				report.Promoted++
			}
		}
	}
}

// balanceCapacity trims tiers over their record cap, least valuable and
// least recently accessed first. Processing runs top-down so lower tiers
// absorb demotions before their own balancing.
func (e *LifecycleEngine) balanceCapacity(report *CycleReport) {
	for _, t := range []types.Tier{types.TierCore, types.TierArchive, types.TierLongTerm, types.TierShortTerm} {
		policy := e.manager.Policy(t)
		if policy.MaxRecords <= 0 {
			continue
		}

		assignments := e.manager.AssignmentsInTier(t)
		excess := len(assignments) - policy.MaxRecords
		if excess <= 0 {
			continue
		}

		sort.Slice(assignments, func(i, j int) bool {
			if assignments[i].Weight != assignments[j].Weight {
				return assignments[i].Weight < assignments[j].Weight
			}
			return assignments[i].LastAccessed.Before(assignments[j].LastAccessed)
		})

		for _, assignment := range assignments[:excess] {
			if dest, ok := Demote(t); ok {
				if e.transition(assignment.RecordID, dest, ClampWeight(dest, assignment.Weight), assignment.PromotionScore) {
					report.RebalancedDemoted++
				}
			} else {
				e.hardDelete(assignment.RecordID)
				report.RebalancedDeleted++
			}
		}
	}
}

// PromotionScore ranks a record for promotion. Access frequency and weight
// carry 40% each; recency carries 20% with a floor so age alone never
// zeroes a record out.
func PromotionScore(assignment types.TierAssignment, now time.Time) float64 {
	accessTerm := math.Min(float64(assignment.AccessCount)/10.0, 1.0)
	weightTerm := assignment.Weight / WeightMax
	recencyTerm := math.Max(0.1, 1.0-ageDays(now, assignment.CreatedAt)/30.0)
	return 0.4*accessTerm + 0.4*weightTerm + 0.2*recencyTerm
}

// ageDays measures a record's age in days, never negative
func ageDays(now, created time.Time) float64 {
	days := now.Sub(created).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

// transition applies one tier move through the manager and pushes the new
// weight to the canonical source
func (e *LifecycleEngine) transition(id string, dest types.Tier, weight, score float64) bool {
	if !e.manager.applyTransition(id, dest, weight, score) {
		return false
	}
	if e.synchronizer != nil {
		e.synchronizer.SyncLayerToWeight(id)
	}
	return true
}

// hardDelete removes the assignment and cascades through the delete hook
func (e *LifecycleEngine) hardDelete(id string) {
	e.manager.Delete(id)
	if e.deleteHook != nil {
		e.deleteHook(id)
	}
}

// Start launches the background scheduler. Starting twice is a no-op.
func (e *LifecycleEngine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.cycleLoop(e.stopCh, e.doneCh)
}

// Stop halts the scheduler and waits for an in-flight cycle. Stopping
// twice, or before start, is a no-op.
func (e *LifecycleEngine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.running {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.running = false
}

// cycleLoop runs cycles on the collapsed interval until stopped. A panic
// in one cycle is logged and the loop keeps running.
func (e *LifecycleEngine) cycleLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := recovery.Safe("lifecycle-cycle", func() error {
				e.RunCycle()
				return nil
			}); err != nil {
				e.logger.Error("Maintenance cycle panicked", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Interval reports the scheduler period
func (e *LifecycleEngine) Interval() time.Duration {
	return e.interval
}

// Cycles reports how many cycles have run
func (e *LifecycleEngine) Cycles() uint64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.cycles
}

// LastReport returns the most recent cycle's report
func (e *LifecycleEngine) LastReport() (CycleReport, bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastReport, e.hasReport
}

// Close stops the scheduler and releases engine resources
func (e *LifecycleEngine) Close() error {
	e.Stop()
	if e.ownsLogger {
		_ = e.logger.Close()
	}
	return nil
}
