package tier

import (
	"math"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/recovery"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// ViolationKind names one way an assignment can disagree with the record
type ViolationKind string

const (
	// ViolationWeightMismatch - assignment weight drifted from the
	// canonical record weight beyond the tolerance
	ViolationWeightMismatch ViolationKind = "weight_mismatch"
	// ViolationTierMismatch - assignment tier disagrees with what its own
	// weight classifies to
	ViolationTierMismatch ViolationKind = "tier_mismatch"
)

// Violation is one detected disagreement
type Violation struct {
	RecordID         string        `json:"record_id"`
	Kind             ViolationKind `json:"kind"`
	AssignmentWeight float64       `json:"assignment_weight"`
	CanonicalWeight  float64       `json:"canonical_weight,omitempty"`
	AssignmentTier   types.Tier    `json:"assignment_tier"`
	ExpectedTier     types.Tier    `json:"expected_tier"`
}

// Report is the outcome of one validation scan. Reports are structural
// data; a scan that finds violations is a successful scan.
type Report struct {
	Checked         int         `json:"checked"`
	Violations      []Violation `json:"violations"`
	ConsistencyRate float64     `json:"consistency_rate"`
}

// CanonicalSource supplies the authoritative weight for a record, in
// production the memory record table. Records it does not know are
// validated for internal tier/weight agreement only.
type CanonicalSource interface {
	Weight(id string) (float64, bool)
}

// CanonicalWriter is implemented by canonical sources that accept weight
// writes; without it SyncLayerToWeight has nowhere to push
type CanonicalWriter interface {
	SetWeight(id string, weight float64) bool
}

// SynchronizerConfig configures a ConsistencySynchronizer
type SynchronizerConfig struct {
	// Interval is the monitoring loop period; 0 disables the loop
	Interval time.Duration `yaml:"interval" json:"interval"`

	// AutoRepair makes the monitoring loop run Fix after a scan that
	// found violations; manual Validate/Fix never depends on it
	AutoRepair bool `yaml:"auto_repair" json:"auto_repair"`

	// OnReport receives every monitoring scan's report
	OnReport func(Report) `yaml:"-" json:"-"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// ConsistencySynchronizer checks and repairs the invariant that every
// assignment's tier matches what its weight classifies to, and that the
// assignment weight tracks the canonical record weight within tolerance.
type ConsistencySynchronizer struct {
	manager    *TierManager
	source     CanonicalSource
	autoRepair bool
	interval   time.Duration
	onReport   func(Report)
	logger     *utils.StructuredLogger
	ownsLogger bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu    sync.Mutex
	lastReport Report
	hasReport  bool
}

// NewConsistencySynchronizer creates a synchronizer. A nil source limits
// validation to internal tier/weight agreement.
func NewConsistencySynchronizer(manager *TierManager, source CanonicalSource, config *SynchronizerConfig) (*ConsistencySynchronizer, error) {
	if manager == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"consistency synchronizer requires a tier manager").WithComponent("consistency_sync")
	}
	if config == nil {
		config = &SynchronizerConfig{}
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	return &ConsistencySynchronizer{
		manager:    manager,
		source:     source,
		autoRepair: config.AutoRepair,
		interval:   config.Interval,
		onReport:   config.OnReport,
		logger:     logger.WithComponent("consistency_sync"),
		ownsLogger: ownsLogger,
	}, nil
}

// Validate scans every assignment. A weight mismatch against the canonical
// record subsumes the tier question for that record; tier mismatches are
// reported for records whose own weight and tier disagree.
func (s *ConsistencySynchronizer) Validate() Report {
	var report Report
	for _, assignment := range s.manager.All() {
		report.Checked++

		if s.source != nil {
			if canonical, ok := s.source.Weight(assignment.RecordID); ok {
				if math.Abs(assignment.Weight-canonical) >= weightTolerance {
					report.Violations = append(report.Violations, Violation{
						RecordID:         assignment.RecordID,
						Kind:             ViolationWeightMismatch,
						AssignmentWeight: assignment.Weight,
						CanonicalWeight:  canonical,
						AssignmentTier:   assignment.Tier,
						ExpectedTier:     ClassifyWeight(canonical),
					})
					continue
				}
			}
		}

		if expected := ClassifyWeight(assignment.Weight); expected != assignment.Tier {
			report.Violations = append(report.Violations, Violation{
				RecordID:         assignment.RecordID,
				Kind:             ViolationTierMismatch,
				AssignmentWeight: assignment.Weight,
				AssignmentTier:   assignment.Tier,
				ExpectedTier:     expected,
			})
		}
	}

	if report.Checked == 0 {
		report.ConsistencyRate = 1.0
	} else {
		report.ConsistencyRate = 1.0 - float64(len(report.Violations))/float64(report.Checked)
	}
	return report
}

// Fix scans and repairs. Weight mismatches trust the canonical weight and
// reclassify; tier mismatches trust the tier and settle the weight on its
// midpoint. Returns how many violations were repaired.
func (s *ConsistencySynchronizer) Fix() int {
	report := s.Validate()
	repaired := 0
	for _, violation := range report.Violations {
		switch violation.Kind {
		case ViolationWeightMismatch:
			if s.SyncWeightToLayer(violation.RecordID) {
				repaired++
			}
		case ViolationTierMismatch:
			if s.settleOnTierMidpoint(violation.RecordID) {
				repaired++
			}
		}
	}

	if repaired > 0 {
		s.logger.Info("Repaired consistency violations", map[string]interface{}{
			"found":    len(report.Violations),
			"repaired": repaired,
		})
	}
	return repaired
}

// SyncWeightToLayer pushes the canonical weight onto the assignment,
// reclassifying its tier. Returns false when the record is unknown to
// either side.
func (s *ConsistencySynchronizer) SyncWeightToLayer(id string) bool {
	if s.source == nil {
		return false
	}
	canonical, ok := s.source.Weight(id)
	if !ok {
		return false
	}
	assignment, ok := s.manager.Assignment(id)
	if !ok {
		return false
	}
	return s.manager.applyTransition(id, ClassifyWeight(canonical), canonical, assignment.PromotionScore)
}

// SyncLayerToWeight pushes the assignment weight onto the canonical
// record. Returns false when the record is unknown or the source does not
// accept writes.
func (s *ConsistencySynchronizer) SyncLayerToWeight(id string) bool {
	assignment, ok := s.manager.Assignment(id)
	if !ok {
		return false
	}
	writer, ok := s.source.(CanonicalWriter)
	if !ok {
		return false
	}
	return writer.SetWeight(id, assignment.Weight)
}

// settleOnTierMidpoint trusts the assignment tier and moves the weight to
// that tier's midpoint, pushing the settled weight canonical-ward
func (s *ConsistencySynchronizer) settleOnTierMidpoint(id string) bool {
	assignment, ok := s.manager.Assignment(id)
	if !ok {
		return false
	}
	mid := Info(assignment.Tier).MidWeight
	if !s.manager.applyTransition(id, assignment.Tier, mid, assignment.PromotionScore) {
		return false
	}
	s.SyncLayerToWeight(id)
	return true
}

// Start launches the monitoring loop when an interval is configured.
// Starting twice, or with no interval, is a no-op.
func (s *ConsistencySynchronizer) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running || s.interval <= 0 {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.monitorLoop(s.stopCh, s.doneCh)
}

// Stop halts the monitoring loop and waits for an in-flight scan.
// Stopping twice, or before start, is a no-op.
func (s *ConsistencySynchronizer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.running = false
}

// monitorLoop validates on the configured interval until stopped
func (s *ConsistencySynchronizer) monitorLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := recovery.Safe("consistency-scan", func() error {
				s.runScan()
				return nil
			}); err != nil {
				s.logger.Error("Consistency scan panicked", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// runScan is one monitoring iteration
func (s *ConsistencySynchronizer) runScan() {
	report := s.Validate()

	s.statsMu.Lock()
	s.lastReport = report
	s.hasReport = true
	s.statsMu.Unlock()

	if len(report.Violations) > 0 {
		s.logger.Warn("Consistency violations detected", map[string]interface{}{
			"checked":    report.Checked,
			"violations": len(report.Violations),
			"rate":       report.ConsistencyRate,
		})
		if s.autoRepair {
			s.Fix()
		}
	}
	if s.onReport != nil {
		s.onReport(report)
	}
}

// LastReport returns the most recent monitoring scan's report
func (s *ConsistencySynchronizer) LastReport() (Report, bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastReport, s.hasReport
}

// Close stops monitoring and releases synchronizer resources
func (s *ConsistencySynchronizer) Close() error {
	s.Stop()
	if s.ownsLogger {
		_ = s.logger.Close()
	}
	return nil
}
