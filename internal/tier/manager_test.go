package tier

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mnemos/mnemos/internal/persistence"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
)

// newTestManager builds a manager over the given executor with a manual
// clock. A nil executor means memory-only.
func newTestManager(t *testing.T, executor types.Executor) (*TierManager, *manualClock) {
	t.Helper()
	clock := newManualClock()
	manager, err := NewTierManager(executor, &ManagerConfig{
		Logger: quietLogger(t),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTierManager() error = %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager, clock
}

func TestNewTierManager_SchemaSetup(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	newTestManager(t, exec)

	stmts := exec.Executed()
	if len(stmts) != 3 {
		t.Fatalf("schema issued %d statements, want 3", len(stmts))
	}
	if !strings.HasPrefix(stmts[0].SQL, "CREATE TABLE IF NOT EXISTS tier_assignments") {
		t.Errorf("first statement = %q, want table creation", stmts[0].SQL)
	}
	if !strings.HasPrefix(stmts[1].SQL, "CREATE INDEX IF NOT EXISTS") {
		t.Errorf("second statement = %q, want index creation", stmts[1].SQL)
	}
	if !strings.HasPrefix(stmts[2].SQL, "ALTER TABLE tier_assignments") {
		t.Errorf("third statement = %q, want additive column", stmts[2].SQL)
	}
}

func TestNewTierManager_SchemaFailure(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	exec.SetExecuteError(errors.NewError(errors.ErrCodeStatementFailed, "no permission"))

	_, err := NewTierManager(exec, &ManagerConfig{Logger: quietLogger(t)})
	if err == nil {
		t.Fatal("NewTierManager() should fail when schema setup fails")
	}
	if !errors.IsCode(err, errors.ErrCodeSchemaFailed) {
		t.Errorf("error = %v, want code %v", err, errors.ErrCodeSchemaFailed)
	}
}

func TestTierManager_AssignLayer(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, clock := newTestManager(t, exec)

	assignment, err := manager.AssignLayer("r1", 5.5)
	if err != nil {
		t.Fatalf("AssignLayer() error = %v", err)
	}
	if assignment.Tier != types.TierLongTerm {
		t.Errorf("Tier = %v, want %v", assignment.Tier, types.TierLongTerm)
	}
	if assignment.Weight != 5.5 {
		t.Errorf("Weight = %v, want 5.5", assignment.Weight)
	}
	if !assignment.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want clock time %v", assignment.CreatedAt, clock.Now())
	}
	if assignment.AccessCount != 0 {
		t.Errorf("AccessCount = %d, want 0", assignment.AccessCount)
	}
	if manager.Count() != 1 {
		t.Errorf("Count() = %d, want 1", manager.Count())
	}

	// Write-through lands after the three schema statements
	stmts := exec.Executed()
	last := stmts[len(stmts)-1]
	if !strings.HasPrefix(last.SQL, "INSERT INTO tier_assignments") {
		t.Fatalf("mirror statement = %q, want upsert", last.SQL)
	}
	if last.Args[0] != "r1" || last.Args[1] != "LONG_TERM" || last.Args[2] != 5.5 {
		t.Errorf("mirror args = %v, want [r1 LONG_TERM 5.5 ...]", last.Args)
	}
}

func TestTierManager_AssignLayer_UpdateKeepsAccessCount(t *testing.T) {
	manager, clock := newTestManager(t, nil)

	first, err := manager.AssignLayer("r1", 5.5)
	if err != nil {
		t.Fatalf("AssignLayer() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		manager.UpdateAccess("r1")
	}

	clock.Advance(time.Hour)
	updated, err := manager.AssignLayer("r1", 8.0)
	if err != nil {
		t.Fatalf("AssignLayer() update error = %v", err)
	}
	if updated.Tier != types.TierArchive {
		t.Errorf("Tier = %v, want %v", updated.Tier, types.TierArchive)
	}
	if updated.AccessCount != 3 {
		t.Errorf("AccessCount = %d, want 3 (updates leave it untouched)", updated.AccessCount)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, updated.CreatedAt)
	}
	if !updated.LastAccessed.Equal(clock.Now()) {
		t.Errorf("LastAccessed = %v, want %v", updated.LastAccessed, clock.Now())
	}
	if manager.Count() != 1 {
		t.Errorf("Count() = %d, want 1", manager.Count())
	}
}

func TestTierManager_AssignLayer_ForcedTier(t *testing.T) {
	manager, _ := newTestManager(t, nil)

	assignment, err := manager.AssignLayer("r1", 5.5, types.TierCore)
	if err != nil {
		t.Fatalf("AssignLayer() error = %v", err)
	}
	if assignment.Tier != types.TierCore {
		t.Errorf("Tier = %v, want forced %v", assignment.Tier, types.TierCore)
	}
}

func TestTierManager_AssignLayer_Validation(t *testing.T) {
	manager, _ := newTestManager(t, nil)

	if _, err := manager.AssignLayer("", 5.5); !errors.IsCode(err, errors.ErrCodeValidationFailed) {
		t.Errorf("empty id error = %v, want code %v", err, errors.ErrCodeValidationFailed)
	}
	if _, err := manager.AssignLayer("r1", 11.0); !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("weight 11 error = %v, want code %v", err, errors.ErrCodeConfigValidation)
	}
	if _, err := manager.AssignLayer("r1", 5.5, types.Tier(9)); !errors.IsCode(err, errors.ErrCodeTierValidation) {
		t.Errorf("bad forced tier error = %v, want code %v", err, errors.ErrCodeTierValidation)
	}
	if manager.Count() != 0 {
		t.Errorf("Count() = %d after rejected assigns, want 0", manager.Count())
	}
}

func TestTierManager_UpdateAccess(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, clock := newTestManager(t, exec)

	if manager.UpdateAccess("absent") {
		t.Error("UpdateAccess(absent) = true, want false")
	}

	manager.AssignLayer("r1", 5.5)
	clock.Advance(time.Minute)
	if !manager.UpdateAccess("r1") {
		t.Fatal("UpdateAccess(r1) = false, want true")
	}

	assignment, _ := manager.Assignment("r1")
	if assignment.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", assignment.AccessCount)
	}
	if assignment.Tier != types.TierLongTerm {
		t.Errorf("Tier = %v, access must never move tiers", assignment.Tier)
	}
	if !assignment.LastAccessed.Equal(clock.Now()) {
		t.Errorf("LastAccessed = %v, want %v", assignment.LastAccessed, clock.Now())
	}

	stmts := exec.Executed()
	last := stmts[len(stmts)-1]
	if !strings.HasPrefix(last.SQL, "UPDATE tier_assignments") {
		t.Errorf("mirror statement = %q, want access update", last.SQL)
	}
}

func TestTierManager_Delete(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, _ := newTestManager(t, exec)

	manager.AssignLayer("r1", 5.5)
	if !manager.Delete("r1") {
		t.Error("Delete(r1) = false, want true")
	}
	if _, ok := manager.Assignment("r1"); ok {
		t.Error("assignment survived Delete")
	}
	if manager.Delete("r1") {
		t.Error("second Delete(r1) = true, want false")
	}

	// The mirror delete runs either way so no orphan row survives
	deletes := 0
	for _, stmt := range exec.Executed() {
		if strings.HasPrefix(stmt.SQL, "DELETE FROM tier_assignments") {
			deletes++
		}
	}
	if deletes != 2 {
		t.Errorf("mirror deletes = %d, want 2", deletes)
	}
}

func TestTierManager_TierQueries(t *testing.T) {
	manager, _ := newTestManager(t, nil)

	manager.AssignLayer("a", 2.0)
	manager.AssignLayer("b", 5.5)
	manager.AssignLayer("c", 5.8)
	manager.AssignLayer("d", 9.5)

	if got := manager.CountInTier(types.TierLongTerm); got != 2 {
		t.Errorf("CountInTier(LONG_TERM) = %d, want 2", got)
	}
	if got := len(manager.AssignmentsInTier(types.TierCore)); got != 1 {
		t.Errorf("AssignmentsInTier(CORE) len = %d, want 1", got)
	}
	if got := len(manager.AssignmentsInTier(types.TierArchive)); got != 0 {
		t.Errorf("AssignmentsInTier(ARCHIVE) len = %d, want 0", got)
	}

	all := manager.All()
	if len(all) != 4 {
		t.Fatalf("All() len = %d, want 4", len(all))
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if all[i].RecordID != want {
			t.Errorf("All()[%d] = %s, want %s (ordered by id)", i, all[i].RecordID, want)
		}
	}
}

func TestTierManager_Load(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, _ := newTestManager(t, exec)

	created := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	exec.QueueResult([]types.Row{
		{
			"record_id":       "r1",
			"tier":            "ARCHIVE",
			"weight":          8.0,
			"created_at":      created,
			"last_accessed":   created.Add(time.Hour),
			"access_count":    int64(4),
			"promotion_score": 0.8,
		},
		{
			// sqlite-shaped row: strings for text and timestamps
			"record_id":       "r2",
			"tier":            "SHORT_TERM",
			"weight":          2.5,
			"created_at":      "2026-01-05T08:30:00Z",
			"last_accessed":   "2026-01-05 09:00:00",
			"access_count":    int64(1),
			"promotion_score": 0.0,
		},
		{
			// missing record_id, dropped with a warning
			"tier":   "CORE",
			"weight": 9.5,
		},
		{
			"record_id": "r3",
			"tier":      "NOT_A_TIER",
			"weight":    5.0,
		},
	})

	loaded, err := manager.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != 2 {
		t.Errorf("Load() = %d, want 2 (undecodable rows dropped)", loaded)
	}

	r1, ok := manager.Assignment("r1")
	if !ok {
		t.Fatal("r1 missing after Load")
	}
	if r1.Tier != types.TierArchive || r1.Weight != 8.0 || r1.AccessCount != 4 {
		t.Errorf("r1 = %+v, want ARCHIVE/8.0/4", r1)
	}
	if !r1.CreatedAt.Equal(created) {
		t.Errorf("r1.CreatedAt = %v, want %v", r1.CreatedAt, created)
	}

	r2, ok := manager.Assignment("r2")
	if !ok {
		t.Fatal("r2 missing after Load")
	}
	if r2.Tier != types.TierShortTerm {
		t.Errorf("r2.Tier = %v, want SHORT_TERM", r2.Tier)
	}
	if r2.CreatedAt.IsZero() || r2.LastAccessed.IsZero() {
		t.Errorf("r2 timestamps not parsed: %v / %v", r2.CreatedAt, r2.LastAccessed)
	}
}

func TestTierManager_LoadFailure(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, _ := newTestManager(t, exec)
	exec.SetQueryError(errors.NewError(errors.ErrCodePersistenceUnavailable, "down"))

	_, err := manager.Load(context.Background())
	if !errors.IsPersistenceUnavailable(err) {
		t.Errorf("Load() error = %v, want PersistenceUnavailable for the caller to degrade on", err)
	}
}

func TestTierManager_MirrorFailureDegrades(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	manager, _ := newTestManager(t, exec)

	// Backend dies after schema setup; every operation still succeeds on
	// the in-memory state
	exec.SetExecuteError(errors.NewError(errors.ErrCodePersistenceUnavailable, "down"))

	assignment, err := manager.AssignLayer("r1", 5.5)
	if err != nil {
		t.Fatalf("AssignLayer() error = %v, mirror failures must not surface", err)
	}
	if assignment.Tier != types.TierLongTerm {
		t.Errorf("Tier = %v, want LONG_TERM", assignment.Tier)
	}
	if !manager.UpdateAccess("r1") {
		t.Error("UpdateAccess() = false with the mirror down")
	}
	if !manager.Delete("r1") {
		t.Error("Delete() = false with the mirror down")
	}
}

func TestTierManager_MemoryOnly(t *testing.T) {
	manager, _ := newTestManager(t, nil)

	if _, err := manager.AssignLayer("r1", 9.5); err != nil {
		t.Fatalf("AssignLayer() error = %v", err)
	}
	loaded, err := manager.Load(context.Background())
	if err != nil || loaded != 0 {
		t.Errorf("Load() = %d, %v, want 0, nil without a collaborator", loaded, err)
	}
}

func TestTierManager_PolicyOverrides(t *testing.T) {
	clock := newManualClock()
	manager, err := NewTierManager(nil, &ManagerConfig{
		Tiers: map[types.Tier]TierConfig{
			types.TierShortTerm: {MaxRecords: 50, RetentionDays: 3, AutoPromotion: true, AutoDemotion: true},
		},
		Logger: quietLogger(t),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTierManager() error = %v", err)
	}
	defer manager.Close()

	short := manager.Policy(types.TierShortTerm)
	if short.MaxRecords != 50 || short.RetentionDays != 3 {
		t.Errorf("override not applied: %+v", short)
	}
	if short.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want the default filled in", short.CleanupInterval)
	}
	if got := manager.Policy(types.TierCore).RetentionDays; got != 0 {
		t.Errorf("CORE RetentionDays = %d, want default 0", got)
	}
}

func TestNewTierManager_BadConfig(t *testing.T) {
	_, err := NewTierManager(nil, &ManagerConfig{
		Tiers: map[types.Tier]TierConfig{types.Tier(42): {}},
	})
	if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("unknown tier error = %v, want code %v", err, errors.ErrCodeConfigValidation)
	}

	_, err = NewTierManager(nil, &ManagerConfig{
		Tiers: map[types.Tier]TierConfig{types.TierCore: {WeightThreshold: 12}},
	})
	if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("threshold error = %v, want code %v", err, errors.ErrCodeConfigValidation)
	}
}
