package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusStalled   ComponentStatus = "stalled"
)

// HealthCheck is a function that checks component health.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
}

// SystemHealth is the aggregate health of the entire process.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// HealthMonitor checks all registered components periodically.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
}

// NewHealthMonitor creates a monitor checking at the given interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
	}
}

// Register adds a component check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run executes checks until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *HealthMonitor) sweep(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		check := m.checks[name]
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		result := check(cctx)
		cancel()
		result.Name = name
		result.LastChecked = time.Now()

		m.mu.Lock()
		prev := m.results[name]
		m.results[name] = result
		m.mu.Unlock()

		if prev.Status != result.Status && result.Status != StatusHealthy {
			log.Warn().
				Str("component", name).
				Str("status", string(result.Status)).
				Str("message", result.Message).
				Msg("component health changed")
		}
	}
}

// Snapshot returns the aggregate system health. The worst component status
// wins.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := StatusHealthy
	components := make(map[string]ComponentHealth, len(m.results))
	for name, r := range m.results {
		components[name] = r
		switch r.Status {
		case StatusUnhealthy, StatusStalled:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return SystemHealth{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

// ---------------------------------------------------------------------------
// Stage watchdog — marks a stage Stalled when it goes silent
// ---------------------------------------------------------------------------

// StageWatchdog marks a stage Stalled when input keeps arriving but the
// stage has produced no output for twice its p99 latency budget. An idle
// stage with no input is healthy.
type StageWatchdog struct {
	name   string
	budget time.Duration

	mu         sync.Mutex
	lastInput  time.Time
	lastOutput time.Time
}

// NewStageWatchdog creates a watchdog with the stage's p99 latency budget.
func NewStageWatchdog(name string, p99 time.Duration) *StageWatchdog {
	return &StageWatchdog{name: name, budget: 2 * p99}
}

// Feed records input arriving at the stage.
func (w *StageWatchdog) Feed() {
	w.mu.Lock()
	w.lastInput = time.Now()
	w.mu.Unlock()
}

// Touch records stage output.
func (w *StageWatchdog) Touch() {
	w.mu.Lock()
	w.lastOutput = time.Now()
	w.mu.Unlock()
}

// Check is a HealthCheck for the stage.
func (w *StageWatchdog) Check(_ context.Context) ComponentHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastInput.IsZero() {
		return ComponentHealth{Status: StatusHealthy, Message: "no input yet"}
	}
	if w.lastInput.After(w.lastOutput) {
		if silence := time.Since(w.lastInput); silence > w.budget {
			return ComponentHealth{
				Status:  StatusStalled,
				Message: "no output for " + silence.String() + " despite input",
			}
		}
	}
	return ComponentHealth{Status: StatusHealthy}
}
