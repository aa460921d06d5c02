// Package memmon watches process memory and drives the engine's
// hot-pool pressure valve.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemos/mnemos/pkg/utils"
)

// Target is the surface the monitor drives when heap pressure crosses
// the watermarks. The engine facade satisfies it.
type Target interface {
	// ShrinkHot cuts the HOT-level pools to factor of their configured
	// capacities.
	ShrinkHot(factor float64)

	// RestoreCapacity returns the pools to their configured sizes.
	RestoreCapacity()
}

// MonitorConfig configures pressure monitoring behavior.
type MonitorConfig struct {
	// SampleInterval is how often heap stats are read.
	SampleInterval time.Duration

	// HeapBudget is the heap-in-use budget in bytes. Zero disables
	// pressure handling; the monitor still samples and alerts.
	HeapBudget uint64

	// HighWater and LowWater are fractions of HeapBudget. Pressure
	// begins when heap use crosses HighWater and clears when it falls
	// back under LowWater, so the valve does not flap around one line.
	HighWater float64
	LowWater  float64

	// ShrinkFactor is passed to Target.ShrinkHot when pressure begins.
	ShrinkFactor float64

	// MaxSamples bounds the sample history.
	MaxSamples int

	// GoroutineGrowthPct alerts when the goroutine count grows past
	// this percentage over the baseline. Zero keeps the default.
	GoroutineGrowthPct float64

	// Logger for monitor events.
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults. HeapBudget stays
// zero; only the host knows its memory envelope.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:     30 * time.Second,
		HighWater:          0.90,
		LowWater:           0.75,
		ShrinkFactor:       0.5,
		MaxSamples:         100,
		GoroutineGrowthPct: 50.0,
	}
}

// Sample is one reading of the runtime memory state.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapSys       uint64    `json:"heap_sys"`
	HeapIdle      uint64    `json:"heap_idle"`
	NumGC         uint32    `json:"num_gc"`
	NumGoroutine  int       `json:"num_goroutine"`
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// AlertType classifies a monitor alert.
type AlertType int

const (
	AlertHeapPressure AlertType = iota
	AlertGoroutineGrowth
	AlertGCPressure
)

// String returns the string representation of an alert type.
func (t AlertType) String() string {
	switch t {
	case AlertHeapPressure:
		return "heap_pressure"
	case AlertGoroutineGrowth:
		return "goroutine_growth"
	case AlertGCPressure:
		return "gc_pressure"
	default:
		return "unknown"
	}
}

// Alert records one threshold crossing.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Value     uint64    `json:"value"`
	Limit     uint64    `json:"limit"`
}

// gcPressureFraction is the GC CPU share past which the monitor alerts.
const gcPressureFraction = 0.05

// PressureMonitor samples the runtime heap on an interval and shrinks
// the target's hot pools while usage sits over budget. A nil target
// turns the monitor into a pure observer.
type PressureMonitor struct {
	config MonitorConfig
	target Target
	logger *utils.StructuredLogger

	mu          sync.RWMutex
	samples     []Sample
	alerts      []Alert
	baselineSet bool
	baseline    Sample
	current     Sample
	pressured   bool
	shrinks     uint64
	restores    uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewPressureMonitor creates a monitor over the given target.
func NewPressureMonitor(target Target, config MonitorConfig) *PressureMonitor {
	if config.SampleInterval <= 0 {
		config.SampleInterval = 30 * time.Second
	}
	if config.HighWater <= 0 || config.HighWater > 1 {
		config.HighWater = 0.90
	}
	if config.LowWater <= 0 || config.LowWater >= config.HighWater {
		config.LowWater = config.HighWater * 0.8
	}
	if config.ShrinkFactor <= 0 || config.ShrinkFactor >= 1 {
		config.ShrinkFactor = 0.5
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = 100
	}
	if config.GoroutineGrowthPct <= 0 {
		config.GoroutineGrowthPct = 50.0
	}
	if config.Logger == nil {
		logger, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = logger
	}

	return &PressureMonitor{
		config: config,
		target: target,
		logger: config.Logger.WithComponent("memmon"),
		stopCh: make(chan struct{}),
	}
}

// Start begins sampling. Starting a running monitor is an error.
func (m *PressureMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	m.logger.Info("pressure monitor started", map[string]interface{}{
		"sample_interval": m.config.SampleInterval.String(),
		"heap_budget":     m.config.HeapBudget,
		"high_water":      m.config.HighWater,
		"low_water":       m.config.LowWater,
	})

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts sampling. Stopping a stopped monitor is a no-op.
func (m *PressureMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("pressure monitor stopped")
	return nil
}

func (m *PressureMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.observe(readSample())

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.observe(readSample())
		}
	}
}

// Sample takes one reading immediately, outside the schedule.
func (m *PressureMonitor) Sample() Sample {
	s := readSample()
	m.observe(s)
	return s
}

func readSample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		HeapIdle:      ms.HeapIdle,
		NumGC:         ms.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
	}
}

// observe records a sample and runs the watermark and alert checks
// against it.
func (m *PressureMonitor) observe(s Sample) {
	m.mu.Lock()
	if !m.baselineSet {
		m.baseline = s
		m.baselineSet = true
	}
	m.current = s
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}

	enterPressure, clearPressure := false, false
	if budget := m.config.HeapBudget; budget > 0 {
		high := uint64(float64(budget) * m.config.HighWater)
		low := uint64(float64(budget) * m.config.LowWater)
		if !m.pressured && s.HeapAlloc >= high {
			m.pressured = true
			m.shrinks++
			enterPressure = true
			m.alertLocked(AlertHeapPressure, fmt.Sprintf(
				"heap use %d over %d high water", s.HeapAlloc, high),
				s.HeapAlloc, high)
		} else if m.pressured && s.HeapAlloc <= low {
			m.pressured = false
			m.restores++
			clearPressure = true
		}
	}

	if m.baseline.NumGoroutine > 0 {
		growth := (float64(s.NumGoroutine) - float64(m.baseline.NumGoroutine)) /
			float64(m.baseline.NumGoroutine) * 100
		if growth > m.config.GoroutineGrowthPct {
			m.alertLocked(AlertGoroutineGrowth, fmt.Sprintf(
				"goroutine count grew %.1f%% from %d to %d",
				growth, m.baseline.NumGoroutine, s.NumGoroutine),
				uint64(s.NumGoroutine), uint64(m.baseline.NumGoroutine))
		}
	}
	if s.GCCPUFraction > gcPressureFraction {
		m.alertLocked(AlertGCPressure, fmt.Sprintf(
			"GC using %.1f%% of CPU", s.GCCPUFraction*100),
			uint64(s.GCCPUFraction*100), uint64(gcPressureFraction*100))
	}
	m.mu.Unlock()

	// Target calls happen outside the lock; ShrinkHot walks cache locks
	// of its own.
	if enterPressure && m.target != nil {
		m.target.ShrinkHot(m.config.ShrinkFactor)
		// Shrinking only unlinks entries; a collection makes the memory
		// actually come back before the next sample reads it.
		runtime.GC()
	}
	if clearPressure {
		if m.target != nil {
			m.target.RestoreCapacity()
		}
		m.logger.Info("heap pressure cleared", map[string]interface{}{
			"heap_alloc": s.HeapAlloc,
		})
	}
}

// alertLocked appends an alert and logs it. Callers hold mu.
func (m *PressureMonitor) alertLocked(t AlertType, message string, value, limit uint64) {
	m.alerts = append(m.alerts, Alert{
		Timestamp: time.Now(),
		Type:      t,
		Message:   message,
		Value:     value,
		Limit:     limit,
	})
	m.logger.Warn("memory alert", map[string]interface{}{
		"type":    t.String(),
		"message": message,
	})
}

// MonitorStats summarizes the monitor's observations.
type MonitorStats struct {
	Current     Sample `json:"current"`
	Baseline    Sample `json:"baseline"`
	Pressured   bool   `json:"pressured"`
	Shrinks     uint64 `json:"shrinks"`
	Restores    uint64 `json:"restores"`
	SampleCount int    `json:"sample_count"`
	AlertCount  int    `json:"alert_count"`
}

// Stats returns a snapshot of the monitor state.
func (m *PressureMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStats{
		Current:     m.current,
		Baseline:    m.baseline,
		Pressured:   m.pressured,
		Shrinks:     m.shrinks,
		Restores:    m.restores,
		SampleCount: len(m.samples),
		AlertCount:  len(m.alerts),
	}
}

// Alerts returns a copy of the recorded alerts.
func (m *PressureMonitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alerts := make([]Alert, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}

// Samples returns a copy of the sample history.
func (m *PressureMonitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := make([]Sample, len(m.samples))
	copy(samples, m.samples)
	return samples
}

// ResetBaseline repins the baseline to the current sample, for hosts
// whose startup allocations should not count as growth.
func (m *PressureMonitor) ResetBaseline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = m.current
}
