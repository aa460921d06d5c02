// Package health provides backend health tracking and graceful degradation
// for the memory engine.
package health

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
)

// HealthState represents the overall health state of a backend
type HealthState int

const (
	// StateHealthy indicates the backend is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the backend is operational but the engine is
	// running memory-only against it
	StateDegraded

	// StateReadOnly indicates the backend can only serve read operations
	StateReadOnly

	// StateUnavailable indicates the backend is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific backend
type ComponentHealth struct {
	Name                 string                 `json:"name"`
	State                HealthState            `json:"state"`
	LastStateChange      time.Time              `json:"last_state_change"`
	LastHealthCheck      time.Time              `json:"last_health_check"`
	ConsecutiveErrors    int                    `json:"consecutive_errors"`
	ConsecutiveSuccesses int                    `json:"consecutive_successes"`
	LastError            error                  `json:"-"`
	LastErrorMessage     string                 `json:"last_error_message,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// Tracker tracks the health of the engine's backends and determines overall
// system health. The engine registers each backend (postgres, redis, s3,
// coordinator) and records the outcome of every guarded operation.
type Tracker struct {
	mu              sync.RWMutex
	components      map[string]*ComponentHealth
	config          TrackerConfig
	stateCallbacks  map[HealthState][]StateChangeCallback
	healthListeners []HealthListener
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a backend degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to recover a degraded backend
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`

	// HealthCheckInterval is the interval for automatic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// EnableAutoRecovery enables automatic recovery from degraded states
	EnableAutoRecovery bool `yaml:"enable_auto_recovery" json:"enable_auto_recovery"`
}

// StateChangeCallback is called when a backend's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// HealthListener is notified of all health events
type HealthListener interface {
	OnStateChange(component string, oldState, newState HealthState, err error)
	OnHealthCheck(component string, healthy bool, err error)
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
		HealthCheckInterval:  30 * time.Second,
		EnableAutoRecovery:   true,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold <= 0 {
		config.UnavailableThreshold = 10
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 2
	}

	return &Tracker{
		components:      make(map[string]*ComponentHealth),
		config:          config,
		stateCallbacks:  make(map[HealthState][]StateChangeCallback),
		healthListeners: make([]HealthListener, 0),
	}
}

// RegisterComponent registers a new backend for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
			Metadata:        make(map[string]interface{}),
		}
	}
}

// RecordSuccess records a successful operation for a backend. A backend in a
// non-healthy state recovers after RecoveryThreshold consecutive successes.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()

	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveSuccesses++
	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
	}

	if health.State != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transitionState(health, StateHealthy)
	}

	newState := health.State
	listeners := append([]HealthListener(nil), t.healthListeners...)
	var callbacks []StateChangeCallback
	if newState != oldState {
		callbacks = append(callbacks, t.stateCallbacks[newState]...)
	}
	t.mu.Unlock()

	for _, listener := range listeners {
		listener.OnHealthCheck(component, true, nil)
	}
	if newState != oldState {
		notifyStateChange(listeners, callbacks, component, oldState, newState, nil)
	}
}

// RecordError records an error for a backend
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()

	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveSuccesses = 0
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := oldState
	if health.ConsecutiveErrors >= t.config.UnavailableThreshold {
		newState = StateUnavailable
	} else if health.ConsecutiveErrors >= t.config.ErrorThreshold {
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}

	if newState != oldState {
		t.transitionState(health, newState)
	}

	listeners := append([]HealthListener(nil), t.healthListeners...)
	var callbacks []StateChangeCallback
	if newState != oldState {
		callbacks = append(callbacks, t.stateCallbacks[newState]...)
	}
	t.mu.Unlock()

	for _, listener := range listeners {
		listener.OnHealthCheck(component, false, err)
	}
	if newState != oldState {
		notifyStateChange(listeners, callbacks, component, oldState, newState, err)
	}
}

// GetState returns the current health state of a backend
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns the health information for a backend
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "backend not registered").
			WithComponent(component)
	}

	return copyHealth(health), nil
}

// GetAllComponents returns health information for all registered backends
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = copyHealth(health)
	}
	return result
}

// GetOverallHealth returns the overall system health. The worst backend
// state wins.
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}

	return overallState
}

// IsHealthy returns true if the backend is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the backend can serve read operations
func (t *Tracker) CanRead(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded || state == StateReadOnly
}

// CanWrite returns true if the backend can serve write operations
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for state changes to a specific state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// AddHealthListener registers a health listener
func (t *Tracker) AddHealthListener(listener HealthListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.healthListeners = append(t.healthListeners, listener)
}

// SetComponentMetadata sets metadata for a backend
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// transitionState transitions a backend to a new state (must be called with lock held)
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.ConsecutiveSuccesses = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

// notifyStateChange notifies callbacks and listeners of a state change.
// Runs outside the tracker lock so a listener can call back into the tracker.
func notifyStateChange(listeners []HealthListener, callbacks []StateChangeCallback, component string, oldState, newState HealthState, err error) {
	for _, callback := range callbacks {
		go callback(component, oldState, newState, err)
	}
	for _, listener := range listeners {
		go listener.OnStateChange(component, oldState, newState, err)
	}
}

// copyHealth returns a copy so callers cannot mutate tracker state.
func copyHealth(health *ComponentHealth) *ComponentHealth {
	metadata := make(map[string]interface{}, len(health.Metadata))
	for k, v := range health.Metadata {
		metadata[k] = v
	}
	return &ComponentHealth{
		Name:                 health.Name,
		State:                health.State,
		LastStateChange:      health.LastStateChange,
		LastHealthCheck:      health.LastHealthCheck,
		ConsecutiveErrors:    health.ConsecutiveErrors,
		ConsecutiveSuccesses: health.ConsecutiveSuccesses,
		LastError:            health.LastError,
		LastErrorMessage:     health.LastErrorMessage,
		Metadata:             metadata,
	}
}

// isWriteError checks if an error indicates a write failure while reads may
// still work. Statement and schema failures leave the connection usable;
// connection-level failures take reads down with them.
func isWriteError(err error) bool {
	if err == nil {
		return false
	}

	var engErr *errors.EngineError
	if stderr.As(err, &engErr) {
		switch engErr.Code {
		case errors.ErrCodeStatementFailed,
			errors.ErrCodeSchemaFailed:
			return true
		}
	}

	return false
}

// StartHealthChecks runs periodic health checks for all backends until the
// context is canceled.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(component string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(checkFn)
		}
	}
}

// performHealthChecks performs health checks on all registered backends
func (t *Tracker) performHealthChecks(checkFn func(component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		err := checkFn(component)
		if err != nil {
			t.RecordError(component, err)
		} else {
			t.RecordSuccess(component)
		}
	}
}
