package tier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// mirrorTimeout bounds every write-through call so a slow collaborator
// cannot stall callers
const mirrorTimeout = 5 * time.Second

// TierConfig holds one tier's lifecycle policy
type TierConfig struct {
	// MaxRecords caps the tier; 0 means unbounded
	MaxRecords int `yaml:"max_records" json:"max_records"`

	// CleanupInterval is how often this tier wants a maintenance cycle;
	// the scheduler collapses all tiers to the smallest interval
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// AutoPromotion allows the lifecycle engine to promote out of this tier
	AutoPromotion bool `yaml:"auto_promotion" json:"auto_promotion"`

	// AutoDemotion allows the lifecycle engine to demote stale records out
	// of this tier; with it off, expiry leaves the tier untouched
	AutoDemotion bool `yaml:"auto_demotion" json:"auto_demotion"`

	// RetentionDays is the age after which a record counts as stale;
	// 0 means unbounded
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	// WeightThreshold is the weight a record must carry after promotion
	// into this tier; raising it above the tier's lower bound makes
	// promotion stricter
	WeightThreshold float64 `yaml:"weight_threshold" json:"weight_threshold"`
}

// DefaultTierConfigs returns the per-tier policy defaults
func DefaultTierConfigs() map[types.Tier]TierConfig {
	return map[types.Tier]TierConfig{
		types.TierCore: {
			MaxRecords:      1000,
			CleanupInterval: 24 * time.Hour,
			AutoPromotion:   false,
			AutoDemotion:    false,
			RetentionDays:   0,
			WeightThreshold: coreLowerBound,
		},
		types.TierArchive: {
			MaxRecords:      5000,
			CleanupInterval: 12 * time.Hour,
			AutoPromotion:   true,
			AutoDemotion:    true,
			RetentionDays:   365,
			WeightThreshold: archiveLowerBound,
		},
		types.TierLongTerm: {
			MaxRecords:      10000,
			CleanupInterval: 6 * time.Hour,
			AutoPromotion:   true,
			AutoDemotion:    true,
			RetentionDays:   90,
			WeightThreshold: longTermLowerBound,
		},
		types.TierShortTerm: {
			MaxRecords:      2000,
			CleanupInterval: time.Hour,
			AutoPromotion:   true,
			AutoDemotion:    true,
			RetentionDays:   7,
			WeightThreshold: WeightMin,
		},
	}
}

// ManagerConfig configures a TierManager
type ManagerConfig struct {
	// Tiers overrides per-tier policies; missing tiers take defaults
	Tiers map[types.Tier]TierConfig `yaml:"tiers" json:"tiers"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`

	// Now is the clock; tests inject a simulated one
	Now func() time.Time `yaml:"-" json:"-"`
}

// TierManager owns tier assignments. The in-memory map is the source of
// truth; every mutation writes through to the persistence collaborator
// when one is configured, and a mirror failure degrades to a logged
// warning, never a failed operation. Tier transitions go exclusively
// through the lifecycle engine; callers only assign, access and delete.
type TierManager struct {
	mu          sync.RWMutex
	assignments map[string]*types.TierAssignment

	tiers    map[types.Tier]TierConfig
	executor types.Executor
	logger   *utils.StructuredLogger

	ownsLogger bool
	now        func() time.Time
}

// Idempotent schema for the assignment mirror. The promotion score column
// arrived after the initial schema and is added by a tolerated ALTER.
const (
	createAssignmentsTable = `CREATE TABLE IF NOT EXISTS tier_assignments (
		record_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		weight REAL NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_accessed TIMESTAMP NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	)`

	createTierIndex = `CREATE INDEX IF NOT EXISTS idx_tier_assignments_tier
		ON tier_assignments (tier)`

	addPromotionScoreColumn = `ALTER TABLE tier_assignments
		ADD COLUMN promotion_score REAL NOT NULL DEFAULT 0`

	upsertAssignment = `INSERT INTO tier_assignments
		(record_id, tier, weight, created_at, last_accessed, access_count, promotion_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			tier = excluded.tier,
			weight = excluded.weight,
			last_accessed = excluded.last_accessed,
			promotion_score = excluded.promotion_score`

	updateAccessStmt = `UPDATE tier_assignments
		SET access_count = ?, last_accessed = ?
		WHERE record_id = ?`

	deleteAssignmentStmt = `DELETE FROM tier_assignments WHERE record_id = ?`

	selectAssignments = `SELECT record_id, tier, weight, created_at,
		last_accessed, access_count, promotion_score
		FROM tier_assignments`
)

// NewTierManager creates a manager. A nil executor means memory-only
// operation; with one configured, the idempotent schema is issued before
// the manager accepts work.
func NewTierManager(executor types.Executor, config *ManagerConfig) (*TierManager, error) {
	if config == nil {
		config = &ManagerConfig{}
	}

	tiers := DefaultTierConfigs()
	for t, tc := range config.Tiers {
		if !t.Valid() {
			return nil, errors.NewError(errors.ErrCodeConfigValidation,
				fmt.Sprintf("unknown tier in config: %d", t)).WithComponent("tier_manager")
		}
		base := tiers[t]
		if tc.CleanupInterval <= 0 {
			tc.CleanupInterval = base.CleanupInterval
		}
		if tc.MaxRecords < 0 {
			tc.MaxRecords = 0
		}
		if tc.RetentionDays < 0 {
			tc.RetentionDays = 0
		}
		if err := ValidateWeight(tc.WeightThreshold); err != nil {
			return nil, err
		}
		tiers[t] = tc
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

	m := &TierManager{
		assignments: make(map[string]*types.TierAssignment),
		tiers:       tiers,
		executor:    executor,
		logger:      logger.WithComponent("tier_manager"),
		ownsLogger:  ownsLogger,
		now:         now,
	}

	if executor != nil {
		if err := m.ensureSchema(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ensureSchema issues the idempotent schema statements
func (m *TierManager) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	for _, stmt := range []string{createAssignmentsTable, createTierIndex} {
		if _, err := m.executor.Execute(ctx, stmt); err != nil {
			return errors.NewError(errors.ErrCodeSchemaFailed,
				fmt.Sprintf("schema setup failed: %v", err)).
				WithComponent("tier_manager").WithCause(err)
		}
	}

	// Databases created before the column existed reject the ALTER with a
	// duplicate-column error; that is the expected idempotent outcome
	if _, err := m.executor.Execute(ctx, addPromotionScoreColumn); err != nil {
		m.logger.Debug("Promotion score column already present", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// Policy returns the effective policy for t
func (m *TierManager) Policy(t types.Tier) TierConfig {
	if tc, ok := m.tiers[t]; ok {
		return tc
	}
	return m.tiers[types.TierShortTerm]
}

// AssignLayer places a record by weight, or by the forced tier when one is
// given. Inserts create the assignment; updates replace tier, weight and
// last-accessed but leave the access count untouched.
func (m *TierManager) AssignLayer(id string, weight float64, force ...types.Tier) (types.TierAssignment, error) {
	if id == "" {
		return types.TierAssignment{}, errors.NewError(errors.ErrCodeValidationFailed,
			"record id cannot be empty").WithComponent("tier_manager")
	}
	if err := ValidateWeight(weight); err != nil {
		return types.TierAssignment{}, err
	}

	target := ClassifyWeight(weight)
	if len(force) > 0 {
		if !force[0].Valid() {
			return types.TierAssignment{}, errors.NewError(errors.ErrCodeTierValidation,
				fmt.Sprintf("invalid forced tier: %d", force[0])).WithComponent("tier_manager")
		}
		target = force[0]
	}

	now := m.now()

	m.mu.Lock()
	assignment, ok := m.assignments[id]
	if ok {
		assignment.Tier = target
		assignment.Weight = weight
		assignment.LastAccessed = now
	} else {
		assignment = &types.TierAssignment{
			RecordID:     id,
			Tier:         target,
			Weight:       weight,
			CreatedAt:    now,
			LastAccessed: now,
		}
		m.assignments[id] = assignment
	}
	snapshot := *assignment
	m.mu.Unlock()

	m.mirrorUpsert(snapshot)
	return snapshot, nil
}

// UpdateAccess bumps the access count and last-accessed time. It never
// changes the tier; transitions belong to the lifecycle engine alone.
// Returns false for unknown records.
func (m *TierManager) UpdateAccess(id string) bool {
	m.mu.Lock()
	assignment, ok := m.assignments[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	assignment.AccessCount++
	assignment.LastAccessed = m.now()
	count := assignment.AccessCount
	accessed := assignment.LastAccessed
	m.mu.Unlock()

	if m.executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := m.executor.Execute(ctx, updateAccessStmt, count, accessed, id); err != nil {
			m.logger.Warn("Access mirror failed", map[string]interface{}{
				"record_id": id,
				"error":     err.Error(),
			})
		}
	}
	return true
}

// Assignment returns a copy of the record's assignment
func (m *TierManager) Assignment(id string) (types.TierAssignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	assignment, ok := m.assignments[id]
	if !ok {
		return types.TierAssignment{}, false
	}
	return *assignment, true
}

// AssignmentsInTier returns copies of every assignment in t
func (m *TierManager) AssignmentsInTier(t types.Tier) []types.TierAssignment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.TierAssignment
	for _, assignment := range m.assignments {
		if assignment.Tier == t {
			out = append(out, *assignment)
		}
	}
	return out
}

// All returns a snapshot of every assignment, ordered by record id for
// deterministic iteration
func (m *TierManager) All() []types.TierAssignment {
	m.mu.RLock()
	out := make([]types.TierAssignment, 0, len(m.assignments))
	for _, assignment := range m.assignments {
		out = append(out, *assignment)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Count reports how many records hold assignments
func (m *TierManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assignments)
}

// CountInTier reports how many records t holds
func (m *TierManager) CountInTier(t types.Tier) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, assignment := range m.assignments {
		if assignment.Tier == t {
			n++
		}
	}
	return n
}

// Delete removes the assignment and cascades to the collaborator. Returns
// false for unknown records; the mirror delete still runs so a row with no
// in-memory twin cannot survive.
func (m *TierManager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.assignments[id]
	delete(m.assignments, id)
	m.mu.Unlock()

	if m.executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := m.executor.Execute(ctx, deleteAssignmentStmt, id); err != nil {
			m.logger.Warn("Delete mirror failed", map[string]interface{}{
				"record_id": id,
				"error":     err.Error(),
			})
		}
	}
	return ok
}

// Load repopulates the in-memory map from the collaborator. Rows that fail
// to decode are dropped with a warning; the call reports how many loaded.
// Callers treat an error as a signal to continue memory-only.
func (m *TierManager) Load(ctx context.Context) (int, error) {
	if m.executor == nil {
		return 0, nil
	}

	rows, err := m.executor.Query(ctx, selectAssignments)
	if err != nil {
		return 0, err
	}

	loaded := make([]*types.TierAssignment, 0, len(rows))
	for _, row := range rows {
		assignment, err := assignmentFromRow(row)
		if err != nil {
			m.logger.Warn("Dropped undecodable assignment row", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		loaded = append(loaded, assignment)
	}

	m.mu.Lock()
	for _, assignment := range loaded {
		m.assignments[assignment.RecordID] = assignment
	}
	m.mu.Unlock()

	return len(loaded), nil
}

// Close releases manager resources. The executor's lifecycle belongs to
// the owner.
func (m *TierManager) Close() error {
	if m.ownsLogger {
		_ = m.logger.Close()
	}
	return nil
}

// applyTransition is the lifecycle engine's single-writer mutation path:
// it moves a record to the given tier and weight, records the ranking
// score, and mirrors the result. Access count and creation time are
// untouched. Returns false for unknown records.
func (m *TierManager) applyTransition(id string, target types.Tier, weight, score float64) bool {
	m.mu.Lock()
	assignment, ok := m.assignments[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	assignment.Tier = target
	assignment.Weight = weight
	assignment.PromotionScore = score
	snapshot := *assignment
	m.mu.Unlock()

	m.mirrorUpsert(snapshot)
	return true
}

// mirrorUpsert writes one assignment through to the collaborator
func (m *TierManager) mirrorUpsert(assignment types.TierAssignment) {
	if m.executor == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	_, err := m.executor.Execute(ctx, upsertAssignment,
		assignment.RecordID,
		assignment.Tier.String(),
		assignment.Weight,
		assignment.CreatedAt,
		assignment.LastAccessed,
		assignment.AccessCount,
		assignment.PromotionScore,
	)
	if err != nil {
		m.logger.Warn("Assignment mirror failed", map[string]interface{}{
			"record_id": assignment.RecordID,
			"tier":      assignment.Tier.String(),
			"error":     err.Error(),
		})
	}
}

// assignmentFromRow decodes one collaborator row. Drivers differ on scan
// types for timestamps and numerics, so values coerce loosely.
func assignmentFromRow(row types.Row) (*types.TierAssignment, error) {
	id := stringValue(row["record_id"])
	if id == "" {
		return nil, fmt.Errorf("row missing record_id")
	}

	t, err := types.ParseTier(stringValue(row["tier"]))
	if err != nil {
		return nil, fmt.Errorf("row for %s: %w", id, err)
	}

	return &types.TierAssignment{
		RecordID:       id,
		Tier:           t,
		Weight:         floatValue(row["weight"]),
		CreatedAt:      timeValue(row["created_at"]),
		LastAccessed:   timeValue(row["last_accessed"]),
		AccessCount:    intValue(row["access_count"]),
		PromotionScore: floatValue(row["promotion_score"]),
	}, nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// timestampLayouts covers pgx (time.Time already), sqlite's default text
// form and RFC 3339 variants
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func timeValue(v any) time.Time {
	switch ts := v.(type) {
	case time.Time:
		return ts
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, ts); err == nil {
				return parsed
			}
		}
		return time.Time{}
	case []byte:
		return timeValue(string(ts))
	default:
		return time.Time{}
	}
}
