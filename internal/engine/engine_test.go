package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mnemos/mnemos/internal/config"
	"github.com/mnemos/mnemos/internal/persistence"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/health"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

func quietLogger(t *testing.T) *utils.StructuredLogger {
	t.Helper()
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.ERROR,
		Output: io.Discard,
	})
	if err != nil {
		t.Fatalf("NewStructuredLogger() error = %v", err)
	}
	return logger
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubEmbedder hands back a tiny deterministic vector; setting err
// exercises the degraded keyword-only path.
type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubEmbedder) Embed(text string, weight float64) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []float32{float32(len(text)), float32(weight), 1}, nil
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Persistence.Backend = config.BackendNone
	cfg.Memory.Capacity = 64
	cfg.Semantic.HotCapacity = 8
	cfg.Semantic.WarmCapacity = 32
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Configuration, opts *Options) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger(t)
	}
	if opts.Embedder == nil {
		opts.Embedder = &stubEmbedder{}
	}
	engine, err := New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Capacity = 0

	_, err := New(context.Background(), cfg, &Options{Logger: quietLogger(t)})
	if err == nil {
		t.Fatal("Expected error for zero memory capacity")
	}
	if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("Expected CONFIG_VALIDATION, got %v", err)
	}
}

func TestRememberAssignsAndIndexes(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	id, err := e.Remember("the deploy key lives in the vault", 8.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if len(id) != 36 {
		t.Errorf("Expected a uuid record id, got %q", id)
	}

	stats := e.Stats()
	if stats.Records != 1 {
		t.Errorf("Expected 1 assignment, got %d", stats.Records)
	}
	if got := stats.TierRecords["ARCHIVE"]; got != 1 {
		t.Errorf("Expected weight 8.0 to land in ARCHIVE, got %v", stats.TierRecords)
	}
	if got := stats.Coordinator.Stores["memory"].Size; got != 1 {
		t.Errorf("Expected 1 entry in the memory store, got %d", got)
	}
	if stats.Semantic.Hot.Size+stats.Semantic.Warm.Size != 1 {
		t.Errorf("Expected 1 semantic entry, got %+v", stats.Semantic)
	}
}

func TestRememberValidation(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	if _, err := e.Remember("", 5.0); !errors.IsCode(err, errors.ErrCodeValidationFailed) {
		t.Errorf("Expected VALIDATION_FAILED for empty text, got %v", err)
	}
	if _, err := e.Remember("fine text", 10.5); !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("Expected weight rejection, got %v", err)
	}
	if got := e.Stats().Records; got != 0 {
		t.Errorf("Expected no assignments after rejected writes, got %d", got)
	}
}

func TestRememberEmbedderFailureDegrades(t *testing.T) {
	embedder := &stubEmbedder{err: fmt.Errorf("embedding service down")}
	e := newTestEngine(t, nil, &Options{Embedder: embedder})

	id, err := e.Remember("the staging cluster lives in frankfurt", 6.0)
	if err != nil {
		t.Fatalf("Remember() error = %v, want degraded success", err)
	}

	results := e.Recall("staging cluster", 5)
	if len(results) != 1 {
		t.Fatalf("Expected keyword recall to survive a failed embedding, got %d results", len(results))
	}
	if results[0].ID != id {
		t.Errorf("Expected recall to map to %s, got %q", id, results[0].ID)
	}
}

func TestRecallExactAndSemantic(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	idA, err := e.Remember("the deploy key lives in the vault", 8.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if _, err := e.Remember("standup moved to nine thirty on fridays", 3.0); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	results := e.Recall("deploy key", 5)
	if len(results) != 1 {
		t.Fatalf("Expected 1 semantic match, got %d", len(results))
	}
	if results[0].ID != idA || results[0].Exact {
		t.Errorf("Expected semantic match for %s, got %+v", idA, results[0])
	}
	if results[0].Score <= 0 || results[0].Weight != 8.0 {
		t.Errorf("Expected scored match carrying the stored weight, got %+v", results[0])
	}

	byID := e.Recall(idA, 5)
	if len(byID) != 1 {
		t.Fatalf("Expected exactly the exact hit for an id query, got %d", len(byID))
	}
	if !byID[0].Exact || byID[0].Text != "the deploy key lives in the vault" {
		t.Errorf("Expected exact fabric hit, got %+v", byID[0])
	}
	if byID[0].Weight != 8.0 || byID[0].Score != 1 {
		t.Errorf("Expected assignment weight on the exact hit, got %+v", byID[0])
	}
}

func TestRecallUnknownQuery(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	if results := e.Recall("nothing remembered yet", 5); len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestAccess(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	id, err := e.Remember("rotate the pager schedule every monday", 5.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	value, ok := e.Access(id)
	if !ok {
		t.Fatal("Expected Access to find the stored value")
	}
	if string(value) != "rotate the pager schedule every monday" {
		t.Errorf("Unexpected value: %q", value)
	}

	if _, ok := e.Access("no-such-record"); ok {
		t.Error("Expected miss for unknown id")
	}
}

func TestForget(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	id, err := e.Remember("temporary scratch thought", 2.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	if !e.Forget(id) {
		t.Fatal("Expected Forget to remove the record")
	}
	if _, ok := e.Access(id); ok {
		t.Error("Expected the value gone from the fabric")
	}
	if results := e.Recall("scratch thought", 5); len(results) != 0 {
		t.Errorf("Expected the semantic placement gone, got %d results", len(results))
	}
	if got := e.Stats().Records; got != 0 {
		t.Errorf("Expected no assignments left, got %d", got)
	}
	if e.Forget(id) {
		t.Error("Expected second Forget to report nothing removed")
	}
}

func TestReweigh(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	id, err := e.Remember("the incident review template", 2.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if got := e.Stats().TierRecords["SHORT_TERM"]; got != 1 {
		t.Fatalf("Expected SHORT_TERM placement, got %v", e.Stats().TierRecords)
	}

	if err := e.Reweigh(id, 9.5); err != nil {
		t.Fatalf("Reweigh() error = %v", err)
	}
	stats := e.Stats()
	if stats.TierRecords["CORE"] != 1 || stats.TierRecords["SHORT_TERM"] != 0 {
		t.Errorf("Expected record moved to CORE, got %v", stats.TierRecords)
	}
	if got := e.Recall(id, 1); len(got) != 1 || got[0].Weight != 9.5 {
		t.Errorf("Expected exact hit carrying the new weight, got %+v", got)
	}

	if err := e.Reweigh("unknown-id", 5.0); !errors.IsCode(err, errors.ErrCodeRecordNotFound) {
		t.Errorf("Expected RECORD_NOT_FOUND, got %v", err)
	}
	if err := e.Reweigh(id, 42.0); !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("Expected weight rejection, got %v", err)
	}
}

func TestLifecycleCascadeDeletes(t *testing.T) {
	clock := newManualClock()
	e := newTestEngine(t, nil, &Options{Now: clock.Now})

	id, err := e.Remember("scratch note about lunch plans", 1.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	// Past SHORT_TERM retention with no weight or accesses to save it,
	// the cycle hard-deletes and the cascade clears both caches.
	clock.Advance(8 * 24 * time.Hour)
	report := e.RunCycle()
	if report.ExpiredDeleted != 1 {
		t.Fatalf("Expected 1 expired deletion, got %+v", report)
	}
	if _, ok := e.Access(id); ok {
		t.Error("Expected the cascade to clear the fabric")
	}
	if results := e.Recall("scratch note", 5); len(results) != 0 {
		t.Errorf("Expected the cascade to clear the semantic cache, got %d results", len(results))
	}
	if got := e.Stats().Records; got != 0 {
		t.Errorf("Expected no assignments left, got %d", got)
	}
}

func TestStartStop(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Second Start() error = %v", err)
	}
	if detail := e.Health(ctx).Components["lifecycle"].Detail; !strings.HasPrefix(detail, "running") {
		t.Errorf("Expected lifecycle running, got %q", detail)
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if detail := e.Health(ctx).Components["lifecycle"].Detail; detail != "idle" {
		t.Errorf("Expected lifecycle idle after stop, got %q", detail)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Second Stop() error = %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Start(ctx); !errors.IsCode(err, errors.ErrCodeCacheClosed) {
		t.Errorf("Expected CACHE_CLOSED after Close, got %v", err)
	}
}

func TestStartLoadsAndRehydrates(t *testing.T) {
	dir := t.TempDir()
	exec := persistence.NewMemoryExecutor()
	clock := newManualClock()

	cfg := testConfig()
	cfg.Stores.Disk.Enabled = true
	cfg.Stores.Disk.Directory = dir

	first := newTestEngine(t, cfg, &Options{Executor: exec, Now: clock.Now})
	id, err := first.Remember("the database password rotates on mondays", 8.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	exec.QueueResult([]types.Row{{
		"record_id":       id,
		"tier":            "ARCHIVE",
		"weight":          8.0,
		"created_at":      clock.Now(),
		"last_accessed":   clock.Now(),
		"access_count":    int64(3),
		"promotion_score": 0.0,
	}})

	cfg2 := testConfig()
	cfg2.Stores.Disk.Enabled = true
	cfg2.Stores.Disk.Directory = dir
	second := newTestEngine(t, cfg2, &Options{Executor: exec, Now: clock.Now})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer second.Stop(context.Background())

	if got := second.Stats().Records; got != 1 {
		t.Fatalf("Expected 1 assignment after load, got %d", got)
	}
	value, ok := second.Access(id)
	if !ok {
		t.Fatal("Expected the rehydrated value to be served from disk")
	}
	if string(value) != "the database password rotates on mondays" {
		t.Errorf("Unexpected rehydrated value: %q", value)
	}
	results := second.Recall("database password", 5)
	if len(results) == 0 {
		t.Fatal("Expected recall to find the rehydrated memory")
	}
	if results[0].ID != id {
		t.Errorf("Expected recall to map back to %s, got %q", id, results[0].ID)
	}
}

func TestShrinkHotAndRestore(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	e.ShrinkHot(0.5)
	if got := e.Stats().Coordinator.Stores["memory"].Capacity; got != 32 {
		t.Errorf("Expected memory capacity 32 after shrink, got %d", got)
	}

	e.RestoreCapacity()
	if got := e.Stats().Coordinator.Stores["memory"].Capacity; got != 64 {
		t.Errorf("Expected memory capacity restored to 64, got %d", got)
	}

	e.ShrinkHot(0)
	e.ShrinkHot(1.5)
	if got := e.Stats().Coordinator.Stores["memory"].Capacity; got != 64 {
		t.Errorf("Expected out-of-range factors ignored, got %d", got)
	}
}

func TestPressureMonitorDrivesValve(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.Pressure = config.PressureConfig{
		Enabled:        true,
		SampleInterval: 10 * time.Millisecond,
		HeapBudgetMB:   1,
		HighWater:      0.5,
		LowWater:       0.25,
		ShrinkFactor:   0.5,
	}
	e := newTestEngine(t, cfg, nil)

	// The ballast keeps heap use far over the half-megabyte high water,
	// so the monitor's first sample trips the valve.
	ballast := make([]byte, 4<<20)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().Coordinator.Stores["memory"].Capacity >= 64 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the monitor to shrink the hot pools")
		}
		time.Sleep(5 * time.Millisecond)
	}
	runtime.KeepAlive(ballast)

	if _, ok := e.Health(context.Background()).Components["pressure"]; !ok {
		t.Error("Expected a pressure component while the monitor runs")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := e.Health(context.Background()).Components["pressure"]; ok {
		t.Error("Expected the pressure component to clear after Stop")
	}
}

func TestDisableCacheDropsAndReturns(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	id, err := e.Remember("the backup job runs nightly at two", 5.0)
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if _, ok := e.Access(id); !ok {
		t.Fatal("Expected hit before disabling")
	}

	if !e.DisableCache("memory") {
		t.Fatal("Expected DisableCache to find the memory store")
	}
	if e.DisableCache("no-such-store") {
		t.Error("Expected unknown store id to report false")
	}
	if _, ok := e.Access(id); ok {
		t.Error("Expected miss while the only store is disabled")
	}

	if !e.EnableCache("memory") {
		t.Fatal("Expected EnableCache to find the memory store")
	}
	if _, ok := e.Access(id); !ok {
		t.Error("Expected the disabled store to keep its data")
	}
}

func TestHealth(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	e := newTestEngine(t, nil, &Options{Executor: exec})
	ctx := context.Background()

	report := e.Health(ctx)
	if !report.Healthy {
		t.Fatalf("Expected healthy report, got %+v", report)
	}
	for _, name := range []string{"persistence", "store:memory", "semantic", "lifecycle"} {
		if _, ok := report.Components[name]; !ok {
			t.Errorf("Expected component %q in report, got %v", name, report.Components)
		}
	}

	exec.SetPingError(fmt.Errorf("backend down"))
	report = e.Health(ctx)
	if report.Healthy {
		t.Error("Expected unhealthy report while the backend is down")
	}
	if report.Components["persistence"].Healthy {
		t.Error("Expected the persistence component to go unhealthy")
	}
}

func TestBackendHealthTracking(t *testing.T) {
	exec := persistence.NewMemoryExecutor()
	e := newTestEngine(t, nil, &Options{Executor: exec})
	ctx := context.Background()

	report := e.Health(ctx)
	if got := report.Components["backend:persistence"]; !got.Healthy || got.Detail != "healthy" {
		t.Fatalf("Expected a healthy persistence backend, got %+v", got)
	}

	exec.SetPingError(fmt.Errorf("backend down"))
	for i := 0; i < 3; i++ {
		e.Health(ctx)
	}
	if state := e.Backends().GetState("persistence"); state != health.StateDegraded {
		t.Fatalf("Expected the backend degraded after repeated failures, got %s", state)
	}
	report = e.Health(ctx)
	if got := report.Components["backend:persistence"]; !got.Healthy {
		t.Error("Expected a degraded backend to stay operational in the report")
	}

	exec.SetPingError(nil)
	e.Health(ctx)
	e.Health(ctx)
	if state := e.Backends().GetState("persistence"); state != health.StateHealthy {
		t.Errorf("Expected recovery after consecutive successes, got %s", state)
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.Metrics.Enabled = true
	cfg.Monitoring.Metrics.ListenAddr = "127.0.0.1:0"
	e := newTestEngine(t, cfg, nil)

	if _, err := e.Remember("remember this fact for the scrape", 5.0); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}

	rec := httptest.NewRecorder()
	e.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from the metrics handler, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mnemos_operations_total") {
		t.Error("Expected operation counters in the scrape output")
	}

	disabled := newTestEngine(t, nil, nil)
	rec = httptest.NewRecorder()
	disabled.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with metrics disabled, got %d", rec.Code)
	}
}
