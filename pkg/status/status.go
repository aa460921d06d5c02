// Package status tracks the engine's maintenance runs and assembles the
// point-in-time system summary served over the HTTP surface.
package status

import (
	stderr "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/health"
)

var runIDCounter uint64

// RunStatus represents the state of a tracked maintenance run.
type RunStatus int

const (
	// StatusInProgress indicates the run is currently executing.
	StatusInProgress RunStatus = iota

	// StatusCompleted indicates the run finished successfully.
	StatusCompleted

	// StatusFailed indicates the run ended with an error.
	StatusFailed
)

// String returns the string representation of a run status.
func (s RunStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Run is one tracked maintenance run. Detail carries the run's outcome
// summary, for a lifecycle cycle the pass counts.
type Run struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    RunStatus              `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.EngineError    `json:"error,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Tracker records maintenance runs: an active set plus a bounded
// most-recent-first history. An optional health tracker folds backend
// states into the system summary.
type Tracker struct {
	mu         sync.RWMutex
	active     map[string]*Run
	history    []*Run
	maxHistory int
	completed  uint64
	failed     uint64
	backends   *health.Tracker
}

// TrackerConfig configures run tracking.
type TrackerConfig struct {
	// MaxHistorySize bounds the finished-run history.
	MaxHistorySize int `json:"max_history_size"`

	// Backends, when set, contributes backend health to SystemStatus.
	Backends *health.Tracker `json:"-"`
}

// DefaultTrackerConfig returns the default configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 200,
	}
}

// NewTracker creates a run tracker.
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 200
	}
	return &Tracker{
		active:     make(map[string]*Run),
		history:    make([]*Run, 0, config.MaxHistorySize),
		maxHistory: config.MaxHistorySize,
		backends:   config.Backends,
	}
}

// Begin starts tracking a run of the given type and returns a copy of
// the new record.
func (t *Tracker) Begin(runType string, detail map[string]interface{}) *Run {
	run := &Run{
		ID:        generateRunID(),
		Type:      runType,
		Status:    StatusInProgress,
		StartTime: time.Now(),
		Detail:    copyDetail(detail),
	}

	t.mu.Lock()
	t.active[run.ID] = run
	t.mu.Unlock()
	return run.copy()
}

// Complete marks a run finished, merging the outcome detail into the
// record before it moves to history.
func (t *Tracker) Complete(id string, detail map[string]interface{}) error {
	return t.finish(id, StatusCompleted, nil, detail)
}

// Fail marks a run failed with its cause.
func (t *Tracker) Fail(id string, cause error) error {
	return t.finish(id, StatusFailed, cause, nil)
}

func (t *Tracker) finish(id string, status RunStatus, cause error, detail map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.active[id]
	if !ok {
		return errors.NewError(errors.ErrCodeRecordNotFound, "run not found").
			WithComponent("status").WithContext("run_id", id)
	}

	run.Status = status
	now := time.Now()
	run.EndTime = &now
	for k, v := range detail {
		if run.Detail == nil {
			run.Detail = make(map[string]interface{})
		}
		run.Detail[k] = v
	}
	if cause != nil {
		var engineErr *errors.EngineError
		if stderr.As(cause, &engineErr) {
			run.Error = engineErr
		} else {
			run.Error = errors.NewError(errors.ErrCodeUnknownError, cause.Error())
		}
	}

	switch status {
	case StatusCompleted:
		t.completed++
	case StatusFailed:
		t.failed++
	}

	delete(t.active, id)
	t.history = append([]*Run{run}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	return nil
}

// Get returns a run by id, from the active set or the history.
func (t *Tracker) Get(id string) (*Run, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if run, ok := t.active[id]; ok {
		return run.copy(), nil
	}
	for _, run := range t.history {
		if run.ID == id {
			return run.copy(), nil
		}
	}
	return nil, errors.NewError(errors.ErrCodeRecordNotFound, "run not found").
		WithComponent("status").WithContext("run_id", id)
}

// Active returns copies of the currently executing runs.
func (t *Tracker) Active() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runs := make([]*Run, 0, len(t.active))
	for _, run := range t.active {
		runs = append(runs, run.copy())
	}
	return runs
}

// History returns up to limit finished runs, most recent first. A
// non-positive limit returns everything.
func (t *Tracker) History(limit int) []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	runs := make([]*Run, limit)
	for i := 0; i < limit; i++ {
		runs[i] = t.history[i].copy()
	}
	return runs
}

// SystemStatus is the point-in-time summary served at /status.
type SystemStatus struct {
	Timestamp     time.Time                          `json:"timestamp"`
	ActiveRuns    int                                `json:"active_runs"`
	RunsByType    map[string]int                     `json:"runs_by_type"`
	CompletedRuns uint64                             `json:"completed_runs"`
	FailedRuns    uint64                             `json:"failed_runs"`
	HealthState   string                             `json:"health_state,omitempty"`
	Backends      map[string]*health.ComponentHealth `json:"backends,omitempty"`
}

// GetSystemStatus assembles the summary, including backend health when
// a health tracker is wired.
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &SystemStatus{
		Timestamp:     time.Now(),
		ActiveRuns:    len(t.active),
		RunsByType:    make(map[string]int),
		CompletedRuns: t.completed,
		FailedRuns:    t.failed,
	}
	for _, run := range t.active {
		s.RunsByType[run.Type]++
	}
	if t.backends != nil {
		s.HealthState = t.backends.GetOverallHealth().String()
		s.Backends = t.backends.GetAllComponents()
	}
	return s
}

// copy returns a detached copy. Callers hold the tracker lock.
func (r *Run) copy() *Run {
	c := &Run{
		ID:        r.ID,
		Type:      r.Type,
		Status:    r.Status,
		StartTime: r.StartTime,
		Error:     r.Error,
		Detail:    copyDetail(r.Detail),
	}
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	return c
}

func copyDetail(detail map[string]interface{}) map[string]interface{} {
	if detail == nil {
		return nil
	}
	c := make(map[string]interface{}, len(detail))
	for k, v := range detail {
		c[k] = v
	}
	return c
}

// generateRunID returns a unique run id.
func generateRunID() string {
	counter := atomic.AddUint64(&runIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().Unix(), counter)
}
