// Package health probes RPC endpoints in the background and aggregates
// component checks for the control surface.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the process.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSecs int64                      `json:"uptime_secs"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarn     AlertLevel = "warn"
	AlertCritical AlertLevel = "critical"
)

// Alert is emitted when a component changes status.
type Alert struct {
	Level     AlertLevel      `json:"level"`
	Component string          `json:"component"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"ts"`
}

// Monitor runs registered component checks on a ticker and on demand.
// Results of the last pass are replaced wholesale.
type Monitor struct {
	interval time.Duration
	started  time.Time
	alerts   chan Alert
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	checks  map[string]Check
	results map[string]ComponentHealth
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		interval: interval,
		started:  time.Now(),
		alerts:   make(chan Alert, 256),
		done:     make(chan struct{}),
		checks:   make(map[string]Check),
		results:  make(map[string]ComponentHealth),
	}
}

// Register adds a named check, replacing any check of the same name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs the checks every interval until ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Check runs every check now and returns the aggregate.
func (m *Monitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts returns the status-transition alert channel. Alerts are dropped
// when nobody drains it.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

// Component returns the latest result for name.
func (m *Monitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

func (m *Monitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]Check, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	fresh := make(map[string]ComponentHealth, len(checks))
	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Name = name
		result.LastChecked = time.Now()
		result.LatencyMs = time.Since(start).Milliseconds()
		fresh[name] = result
	}

	m.mu.Lock()
	previous := m.results
	m.results = fresh
	m.mu.Unlock()

	for _, name := range names {
		cur := fresh[name]
		prev, existed := previous[name]
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		if !existed || prev.Status != cur.Status {
			m.emitAlert(name, cur)
		}
	}
}

func (m *Monitor) emitAlert(name string, h ComponentHealth) {
	level := AlertInfo
	switch h.Status {
	case StatusUnhealthy:
		level = AlertCritical
	case StatusDegraded:
		level = AlertWarn
	}
	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}
	alert := Alert{
		Level:     level,
		Component: name,
		Status:    h.Status,
		Message:   msg,
		Timestamp: time.Now(),
	}

	log.WithLevel(level.zerolog()).
		Str("component", name).
		Str("status", string(h.Status)).
		Str("message", msg).
		Msg("health: component status changed")

	select {
	case m.alerts <- alert:
	default:
	}
}

func (m *Monitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if severity(h.Status) > severity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		UptimeSecs: int64(time.Since(m.started).Seconds()),
	}
}

func (l AlertLevel) zerolog() zerolog.Level {
	switch l {
	case AlertCritical:
		return zerolog.ErrorLevel
	case AlertWarn:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

var severities = map[ComponentStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func severity(s ComponentStatus) int {
	if v, ok := severities[s]; ok {
		return v
	}
	return -1
}
