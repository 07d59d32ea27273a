// Package endpoint keeps a ranked pool of RPC endpoints per chain and rotates
// them through Active, Degraded and Down as requests and probes succeed or fail.
package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/apperr"
)

// Status is the health state of an endpoint.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Endpoint is one RPC node. Higher Priority wins selection.
type Endpoint struct {
	Name                 string        `json:"name"`
	URL                  string        `json:"url"`
	WSURL                string        `json:"ws_url,omitempty"`
	ChainID              uint64        `json:"chain_id"`
	Priority             int           `json:"priority"`
	Enabled              bool          `json:"enabled"`
	Status               Status        `json:"status"`
	LastLatency          time.Duration `json:"last_latency"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	DownUntil            time.Time     `json:"down_until,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
	TotalFailures        uint64        `json:"total_failures"`
	TotalSuccesses       uint64        `json:"total_successes"`
}

// Config holds rotation thresholds.
type Config struct {
	FailureThreshold  int           // consecutive failures per demotion step
	Cooldown          time.Duration // time spent Down before probing back
	RecoverySuccesses int           // consecutive successes for Degraded -> Active
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		Cooldown:          time.Minute,
		RecoverySuccesses: 3,
	}
}

// RotateFunc is called (outside the lock) when a chain's primary changes.
// from or to may be empty.
type RotateFunc func(chainID uint64, from, to string)

// Manager owns the endpoint rankings. Reads dominate, so selection runs under
// a read lock and only cooldown expiry upgrades to a write lock.
type Manager struct {
	config Config

	mu      sync.RWMutex
	chains  map[uint64][]*Endpoint
	byURL   map[string]*Endpoint
	primary map[uint64]string

	onRotate []RotateFunc
	now      func() time.Time
}

func NewManager(config Config) *Manager {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.RecoverySuccesses <= 0 {
		config.RecoverySuccesses = def.RecoverySuccesses
	}
	return &Manager{
		config:  config,
		chains:  make(map[uint64][]*Endpoint),
		byURL:   make(map[string]*Endpoint),
		primary: make(map[uint64]string),
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnRotate registers a primary-rotation callback.
func (m *Manager) OnRotate(fn RotateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = append(m.onRotate, fn)
}

// Add registers an endpoint. New endpoints start Active unless a persisted
// status says otherwise.
func (m *Manager) Add(e Endpoint) error {
	if e.URL == "" {
		return apperr.Newf(apperr.Validation, "endpoint.add", "empty url")
	}
	if e.ChainID == 0 {
		return apperr.Newf(apperr.Validation, "endpoint.add", "%s: chain id is zero", e.URL)
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.Name == "" {
		e.Name = e.URL
	}

	m.mu.Lock()
	if _, dup := m.byURL[e.URL]; dup {
		m.mu.Unlock()
		return apperr.Newf(apperr.Validation, "endpoint.add", "duplicate endpoint %s", e.URL)
	}
	ep := e
	m.byURL[e.URL] = &ep
	m.chains[e.ChainID] = append(m.chains[e.ChainID], &ep)
	rotated := m.updatePrimaryLocked(e.ChainID)
	m.mu.Unlock()

	m.fireRotation(rotated)
	return nil
}

// Select returns the endpoint to use for chainID: the highest-priority Active
// one (ties by lowest latency, then URL), else the best Degraded one.
func (m *Manager) Select(chainID uint64) (Endpoint, error) {
	m.mu.RLock()
	expired := m.hasExpiredLocked(chainID)
	if !expired {
		best := m.bestLocked(chainID, false)
		m.mu.RUnlock()
		if best == nil {
			return Endpoint{}, apperr.Newf(apperr.Transport, "endpoint.select", "no available endpoint for chain %d", chainID)
		}
		return *best, nil
	}
	m.mu.RUnlock()

	m.ReviveExpired()

	m.mu.RLock()
	defer m.mu.RUnlock()
	best := m.bestLocked(chainID, false)
	if best == nil {
		return Endpoint{}, apperr.Newf(apperr.Transport, "endpoint.select", "no available endpoint for chain %d", chainID)
	}
	return *best, nil
}

// Primary returns the primary Active endpoint for chainID.
func (m *Manager) Primary(chainID uint64) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url := m.primary[chainID]
	if url == "" {
		return Endpoint{}, false
	}
	return *m.byURL[url], true
}

// Get returns a copy of the endpoint registered under url.
func (m *Manager) Get(url string) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byURL[url]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Endpoints returns the chain's endpoints in ranked order.
func (m *Manager) Endpoints(chainID uint64) []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranked := m.rankedLocked(chainID, true)
	out := make([]Endpoint, len(ranked))
	for i, ep := range ranked {
		out[i] = *ep
	}
	return out
}

// Snapshot returns every endpoint of every chain, ranked per chain.
func (m *Manager) Snapshot() []Endpoint {
	m.mu.RLock()
	chains := make([]uint64, 0, len(m.chains))
	for id := range m.chains {
		chains = append(chains, id)
	}
	m.mu.RUnlock()
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	var out []Endpoint
	for _, id := range chains {
		out = append(out, m.Endpoints(id)...)
	}
	return out
}

// ReportSuccess records a successful request or probe.
func (m *Manager) ReportSuccess(url string, latency time.Duration) {
	m.mu.Lock()
	ep, ok := m.byURL[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	ep.TotalSuccesses++
	ep.ConsecutiveFailures = 0
	ep.ConsecutiveSuccesses++
	if latency > 0 {
		ep.LastLatency = latency
	}

	prev := ep.Status
	switch ep.Status {
	case StatusDown:
		if !now.Before(ep.DownUntil) {
			ep.Status = StatusDegraded
			ep.DownUntil = time.Time{}
			ep.ConsecutiveSuccesses = 1
		}
	case StatusDegraded:
		if ep.ConsecutiveSuccesses >= m.config.RecoverySuccesses {
			ep.Status = StatusActive
			ep.ConsecutiveSuccesses = 0
			ep.LastError = ""
		}
	}
	changed := prev != ep.Status
	rotated := m.updatePrimaryLocked(ep.ChainID)
	snapshot := *ep
	m.mu.Unlock()

	if changed {
		logTransition(snapshot, prev)
	}
	m.fireRotation(rotated)
}

// ReportFailure records a failed request or probe. FailureThreshold
// consecutive failures demote Active to Degraded; as many again demote
// Degraded to Down for the cooldown.
func (m *Manager) ReportFailure(url string, cause error) {
	m.mu.Lock()
	ep, ok := m.byURL[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	ep.TotalFailures++
	ep.ConsecutiveSuccesses = 0
	ep.ConsecutiveFailures++
	if cause != nil {
		ep.LastError = cause.Error()
	}

	prev := ep.Status
	if ep.ConsecutiveFailures >= m.config.FailureThreshold {
		switch ep.Status {
		case StatusActive:
			ep.Status = StatusDegraded
			ep.ConsecutiveFailures = 0
		case StatusDegraded:
			ep.Status = StatusDown
			ep.DownUntil = m.now().Add(m.config.Cooldown)
			ep.ConsecutiveFailures = 0
		}
	}
	changed := prev != ep.Status
	rotated := m.updatePrimaryLocked(ep.ChainID)
	snapshot := *ep
	m.mu.Unlock()

	if changed {
		logTransition(snapshot, prev)
	}
	m.fireRotation(rotated)
}

// ReviveExpired moves Down endpoints whose cooldown has passed back to
// Degraded. Returns how many were revived.
func (m *Manager) ReviveExpired() int {
	m.mu.Lock()
	now := m.now()
	var revived []Endpoint
	var rotations []rotation
	touched := make(map[uint64]bool)
	for _, ep := range m.byURL {
		if ep.Status == StatusDown && !now.Before(ep.DownUntil) {
			ep.Status = StatusDegraded
			ep.DownUntil = time.Time{}
			ep.ConsecutiveFailures = 0
			ep.ConsecutiveSuccesses = 0
			revived = append(revived, *ep)
			touched[ep.ChainID] = true
		}
	}
	for chainID := range touched {
		if r := m.updatePrimaryLocked(chainID); r != nil {
			rotations = append(rotations, *r)
		}
	}
	m.mu.Unlock()

	for _, ep := range revived {
		logTransition(ep, StatusDown)
	}
	for i := range rotations {
		m.fireRotation(&rotations[i])
	}
	return len(revived)
}

// SetEnabled toggles an endpoint in or out of selection.
func (m *Manager) SetEnabled(url string, enabled bool) bool {
	m.mu.Lock()
	ep, ok := m.byURL[url]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ep.Enabled = enabled
	rotated := m.updatePrimaryLocked(ep.ChainID)
	m.mu.Unlock()
	m.fireRotation(rotated)
	return true
}

// Chains returns the registered chain IDs in ascending order.
func (m *Manager) Chains() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.chains))
	for id := range m.chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------------
// Ranking
// ---------------------------------------------------------------------------

// less orders endpoints: status, priority (desc), latency (asc, unknown
// last), URL.
func less(a, b *Endpoint) bool {
	if a.Status.rank() != b.Status.rank() {
		return a.Status.rank() < b.Status.rank()
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.LastLatency != b.LastLatency {
		if a.LastLatency == 0 {
			return false
		}
		if b.LastLatency == 0 {
			return true
		}
		return a.LastLatency < b.LastLatency
	}
	return a.URL < b.URL
}

func (m *Manager) rankedLocked(chainID uint64, includeDisabled bool) []*Endpoint {
	eps := m.chains[chainID]
	out := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Enabled || includeDisabled {
			out = append(out, ep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// bestLocked returns the best usable endpoint. activeOnly restricts the
// result to Active endpoints.
func (m *Manager) bestLocked(chainID uint64, activeOnly bool) *Endpoint {
	ranked := m.rankedLocked(chainID, false)
	if len(ranked) == 0 {
		return nil
	}
	best := ranked[0]
	switch {
	case best.Status == StatusActive:
		return best
	case best.Status == StatusDegraded && !activeOnly:
		return best
	}
	return nil
}

func (m *Manager) hasExpiredLocked(chainID uint64) bool {
	now := m.now()
	for _, ep := range m.chains[chainID] {
		if ep.Status == StatusDown && !now.Before(ep.DownUntil) {
			return true
		}
	}
	return false
}

type rotation struct {
	chainID  uint64
	from, to string
	handlers []RotateFunc
}

// updatePrimaryLocked recomputes the chain's primary and returns a rotation
// to fire after unlocking, or nil.
func (m *Manager) updatePrimaryLocked(chainID uint64) *rotation {
	next := ""
	if best := m.bestLocked(chainID, true); best != nil {
		next = best.URL
	}
	prev := m.primary[chainID]
	if prev == next {
		return nil
	}
	m.primary[chainID] = next
	handlers := make([]RotateFunc, len(m.onRotate))
	copy(handlers, m.onRotate)
	return &rotation{chainID: chainID, from: prev, to: next, handlers: handlers}
}

func (m *Manager) fireRotation(r *rotation) {
	if r == nil {
		return
	}
	if r.from != "" {
		evt := log.Info()
		if r.to == "" {
			evt = log.Warn()
		}
		evt.Uint64("chain_id", r.chainID).
			Str("from", r.from).
			Str("to", r.to).
			Msg("endpoint: primary rotated")
	}
	for _, fn := range r.handlers {
		fn(r.chainID, r.from, r.to)
	}
}

func logTransition(ep Endpoint, prev Status) {
	evt := log.Info()
	if ep.Status != StatusActive {
		evt = log.Warn()
	}
	evt.Str("url", ep.URL).
		Uint64("chain_id", ep.ChainID).
		Str("from", string(prev)).
		Str("to", string(ep.Status)).
		Str("last_error", ep.LastError).
		Msgf("endpoint: %s", transitionVerb(prev, ep.Status))
}

func transitionVerb(from, to Status) string {
	switch {
	case to == StatusDown:
		return "marked DOWN"
	case from == StatusDown:
		return "cooldown expired, probing as degraded"
	case to == StatusDegraded:
		return "degraded"
	default:
		return "recovered"
	}
}
