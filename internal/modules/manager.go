package modules

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/analyzer"
	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/bus"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/executor"
	"github.com/snipebot/snipebot/internal/gas"
	"github.com/snipebot/snipebot/internal/mempool"
	"github.com/snipebot/snipebot/internal/risk"
)

// ID names a module slot.
type ID string

const (
	Watcher  ID = "watcher"
	Analyzer ID = "analyzer"
	Risk     ID = "risk"
	Executor ID = "executor"
	Gas      ID = "gas"
	Policy   ID = "ai_policy"
)

// required modules must be present for Run.
var required = []ID{Watcher, Analyzer, Risk, Executor}

var allIDs = []ID{Watcher, Analyzer, Risk, Executor, Gas, Policy}

const producer = "modules"

// Sizer reports the approximate memory a module holds.
type Sizer interface {
	EstimatedBytes() int64
}

// CandidateSource is the watcher surface the pipeline consumes.
type CandidateSource interface {
	Candidates() <-chan mempool.Candidate
	OnDrop(fn func(mempool.Candidate))
	Pause()
	Resume()
	Paused() bool
}

type Config struct {
	MemoryLimitMB int
	EvictFraction float64
	Lanes         int
	LaneDepth     int
	PressureCheck time.Duration
	PairPoll      time.Duration // re-analysis interval for a token whose pair is not mined yet
	PairWait      time.Duration // after this a pending token is gated as unsimulated
	Snipe         config.SnipeConfig
	EventHistory  int
}

// ConfigFrom maps the YAML modules and snipe sections onto Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MemoryLimitMB: cfg.Modules.MemoryLimitMB,
		EvictFraction: cfg.Modules.EvictFraction,
		Lanes:         cfg.Modules.Lanes,
		PressureCheck: cfg.Modules.PressureCheck,
		PairPoll:      cfg.Modules.PairPoll,
		PairWait:      cfg.Modules.PairWait,
		Snipe:         cfg.Snipe,
	}
}

// Manager owns the module handles and drives candidates through
// analyze, assess, gate and execute. Modules never reference each other or
// the manager; lookups go through the registry by ID.
type Manager struct {
	config Config
	limits risk.Limits
	events *bus.Bus
	heap   func() uint64

	mu      sync.RWMutex
	modules map[ID]any

	running          atomic.Bool
	underPressure    atomic.Bool
	pausedByPressure atomic.Bool
	backlog          atomic.Int64

	dispatched     atomic.Uint64
	processed      atomic.Uint64
	gated          atomic.Uint64
	submitted      atomic.Uint64
	confirmed      atomic.Uint64
	failed         atomic.Uint64
	dropped        atomic.Uint64
	pressureEvents atomic.Uint64
	evicted        atomic.Uint64
	requeued       atomic.Uint64
}

// New creates a manager with no modules registered.
func New(cfg Config) (*Manager, error) {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 8
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = 64
	}
	if cfg.EvictFraction <= 0 {
		cfg.EvictFraction = 0.25
	}
	if cfg.PairPoll <= 0 {
		cfg.PairPoll = 2 * time.Second
	}
	if cfg.PairWait <= 0 {
		cfg.PairWait = 2 * time.Minute
	}
	limits, err := risk.LimitsFrom(cfg.Snipe)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:  cfg,
		limits:  limits,
		events:  bus.New(cfg.EventHistory),
		heap:    heapAlloc,
		modules: make(map[ID]any),
	}, nil
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// SetHeapReader replaces the runtime heap reading (tests).
func (m *Manager) SetHeapReader(fn func() uint64) { m.heap = fn }

// Register installs handle under id. The handle type must match the slot.
func (m *Manager) Register(id ID, handle any) error {
	if handle == nil {
		return apperr.Newf(apperr.Validation, "modules.register", "nil handle for %s", id)
	}
	ok := false
	switch id {
	case Watcher:
		_, ok = handle.(CandidateSource)
	case Analyzer:
		_, ok = handle.(*analyzer.Analyzer)
	case Risk:
		_, ok = handle.(*risk.Engine)
	case Executor:
		_, ok = handle.(*executor.Executor)
	case Gas:
		_, ok = handle.(*gas.Optimizer)
	case Policy:
		_, ok = handle.(risk.PolicySignal)
	default:
		return apperr.Newf(apperr.Validation, "modules.register", "unknown module %q", id)
	}
	if !ok {
		return apperr.Newf(apperr.Validation, "modules.register", "handle %T does not fit module %s", handle, id)
	}

	m.mu.Lock()
	m.modules[id] = handle
	m.mu.Unlock()

	// The policy is a risk factor; hand it over whichever side registers last.
	if p, ok := m.policy(); ok {
		if e := m.riskEngine(); e != nil {
			e.SetPolicy(p)
		}
	}
	log.Info().Str("module", string(id)).Str("type", fmt.Sprintf("%T", handle)).Msg("modules: registered")
	return nil
}

// Unregister removes a module. Run keeps the handles it started with.
func (m *Manager) Unregister(id ID) {
	m.mu.Lock()
	delete(m.modules, id)
	m.mu.Unlock()
	if id == Policy {
		if e := m.riskEngine(); e != nil {
			e.SetPolicy(nil)
		}
	}
}

// Module looks up a registered handle.
func (m *Manager) Module(id ID) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.modules[id]
	return h, ok
}

func (m *Manager) watcher() CandidateSource {
	h, _ := m.Module(Watcher)
	w, _ := h.(CandidateSource)
	return w
}

func (m *Manager) analyzer() *analyzer.Analyzer {
	h, _ := m.Module(Analyzer)
	a, _ := h.(*analyzer.Analyzer)
	return a
}

func (m *Manager) riskEngine() *risk.Engine {
	h, _ := m.Module(Risk)
	e, _ := h.(*risk.Engine)
	return e
}

func (m *Manager) executor() *executor.Executor {
	h, _ := m.Module(Executor)
	e, _ := h.(*executor.Executor)
	return e
}

func (m *Manager) gas() *gas.Optimizer {
	h, _ := m.Module(Gas)
	g, _ := h.(*gas.Optimizer)
	return g
}

func (m *Manager) policy() (risk.PolicySignal, bool) {
	h, ok := m.Module(Policy)
	if !ok {
		return nil, false
	}
	p, ok := h.(risk.PolicySignal)
	return p, ok
}

// Events returns the pipeline event bus.
func (m *Manager) Events() *bus.Bus { return m.events }

// Subscribe registers fn for every pipeline event.
func (m *Manager) Subscribe(fn bus.Handler) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// ModuleStatus describes one registry slot.
type ModuleStatus struct {
	ID             ID     `json:"id"`
	Present        bool   `json:"present"`
	Required       bool   `json:"required"`
	Type           string `json:"type,omitempty"`
	EstimatedBytes int64  `json:"estimated_bytes,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Status lists every slot in a fixed order.
func (m *Manager) Status() []ModuleStatus {
	out := make([]ModuleStatus, 0, len(allIDs))
	for _, id := range allIDs {
		st := ModuleStatus{ID: id, Required: isRequired(id)}
		if h, ok := m.Module(id); ok {
			st.Present = true
			st.Type = fmt.Sprintf("%T", h)
			if s, ok := h.(Sizer); ok {
				st.EstimatedBytes = s.EstimatedBytes()
			}
			st.Note = m.note(id, h)
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) note(id ID, h any) string {
	switch id {
	case Watcher:
		w := h.(CandidateSource)
		if w.Paused() {
			if m.pausedByPressure.Load() {
				return "paused (memory pressure)"
			}
			return "paused"
		}
	case Executor:
		if h.(*executor.Executor).Stats().DryRun {
			return "dry-run"
		}
	case Risk:
		e := h.(*risk.Engine)
		if e.Killed() {
			return "kill switch active"
		}
		if !e.IsActive() {
			return "frozen"
		}
	}
	return ""
}

func isRequired(id ID) bool {
	for _, r := range required {
		if r == id {
			return true
		}
	}
	return false
}

// CheckModuleIntegration returns a human-readable report of which modules
// are present and any wiring problems.
func (m *Manager) CheckModuleIntegration() string {
	statuses := m.Status()
	present := 0
	var problems []string
	var b strings.Builder

	for _, st := range statuses {
		if st.Present {
			present++
		}
	}
	fmt.Fprintf(&b, "modules: %d/%d present\n", present, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Present && st.Note != "":
			fmt.Fprintf(&b, "  [ok] %s (%s)\n", st.ID, st.Note)
		case st.Present:
			fmt.Fprintf(&b, "  [ok] %s\n", st.ID)
		case st.Required:
			fmt.Fprintf(&b, "  [!!] %s: missing (required)\n", st.ID)
			problems = append(problems, fmt.Sprintf("%s is required to run the pipeline", st.ID))
		default:
			fmt.Fprintf(&b, "  [--] %s: not registered (optional)\n", st.ID)
		}
	}

	if m.gas() == nil && m.riskEngine() != nil {
		problems = append(problems, "risk is assessed without the network congestion factor (no gas module)")
	}
	if e := m.riskEngine(); e != nil && e.Killed() {
		problems = append(problems, "kill switch is active; every candidate will be gated")
	}
	if m.config.MemoryLimitMB == 0 {
		problems = append(problems, "memory_limit_mb is 0; memory pressure checks are disabled")
	}
	if m.underPressure.Load() {
		problems = append(problems, "memory pressure detected at last check")
	}

	if len(problems) > 0 {
		b.WriteString("problems:\n")
		for _, p := range problems {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	status := "OK"
	if len(problems) > 0 {
		status = "DEGRADED"
	}
	for _, id := range required {
		if _, ok := m.Module(id); !ok {
			status = "BROKEN"
		}
	}
	fmt.Fprintf(&b, "status: %s", status)
	return b.String()
}

// EstimatedBytes sums the estimates of every module that reports one.
func (m *Manager) EstimatedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, h := range m.modules {
		if s, ok := h.(Sizer); ok {
			total += s.EstimatedBytes()
		}
	}
	return total
}

// MemoryPressureDetected compares module estimates plus the runtime heap to
// the configured limit. Under pressure it pauses the watcher and evicts the
// configured fraction of the analyzer cache in LRU order; once pressure
// clears it resumes a watcher it paused itself.
func (m *Manager) MemoryPressureDetected() bool {
	if m.config.MemoryLimitMB <= 0 {
		return false
	}
	limit := uint64(m.config.MemoryLimitMB) << 20
	modules := m.EstimatedBytes()
	used := m.heap() + uint64(modules)

	if used <= limit {
		m.underPressure.Store(false)
		if m.pausedByPressure.CompareAndSwap(true, false) {
			if w := m.watcher(); w != nil {
				w.Resume()
			}
			log.Info().Uint64("used_bytes", used).Uint64("limit_bytes", limit).Msg("modules: memory pressure cleared, watcher resumed")
		}
		return false
	}

	m.underPressure.Store(true)
	m.pressureEvents.Add(1)
	if w := m.watcher(); w != nil && !w.Paused() {
		w.Pause()
		m.pausedByPressure.Store(true)
	}
	evicted := 0
	if a := m.analyzer(); a != nil {
		evicted = a.EvictFraction(m.config.EvictFraction)
		m.evicted.Add(uint64(evicted))
	}
	log.Warn().
		Uint64("used_bytes", used).
		Int64("module_bytes", modules).
		Uint64("limit_bytes", limit).
		Int("evicted", evicted).
		Msg("modules: memory pressure")
	return true
}

// Pause stops candidate intake without touching in-flight trades.
func (m *Manager) Pause() error {
	w := m.watcher()
	if w == nil {
		return apperr.Newf(apperr.Validation, "modules.pause", "no watcher registered")
	}
	m.pausedByPressure.Store(false)
	w.Pause()
	return nil
}

// Resume restarts candidate intake.
func (m *Manager) Resume() error {
	w := m.watcher()
	if w == nil {
		return apperr.Newf(apperr.Validation, "modules.resume", "no watcher registered")
	}
	m.pausedByPressure.Store(false)
	w.Resume()
	return nil
}

type pipeline struct {
	watcher  CandidateSource
	analyzer *analyzer.Analyzer
	risk     *risk.Engine
	executor *executor.Executor
	gas      *gas.Optimizer

	// requeue hands a candidate back after PairPoll.
	requeue func(laneItem)
}

// Run consumes watcher candidates until ctx is cancelled. Candidates are
// sharded into lanes by token so one token is handled in arrival order while
// different tokens proceed concurrently.
func (m *Manager) Run(ctx context.Context) error {
	p := pipeline{
		watcher:  m.watcher(),
		analyzer: m.analyzer(),
		risk:     m.riskEngine(),
		executor: m.executor(),
		gas:      m.gas(),
	}
	if p.watcher == nil || p.analyzer == nil || p.risk == nil || p.executor == nil {
		return apperr.Newf(apperr.Validation, "modules.run", "pipeline incomplete:\n%s", m.CheckModuleIntegration())
	}
	if !m.running.CompareAndSwap(false, true) {
		return apperr.Newf(apperr.Validation, "modules.run", "already running")
	}
	defer m.running.Store(false)

	p.watcher.OnDrop(func(c mempool.Candidate) {
		m.dropped.Add(1)
		e := bus.NewEvent(producer, bus.KindDropped, c.Token.Address)
		e.TxHash = c.TxHash
		e.Detail = "evicted by back-pressure"
		m.events.Publish(e)
	})

	// Pending-pair timers stop with the run even when the watcher closes
	// its channel rather than ctx being cancelled.
	timerCtx, stopTimers := context.WithCancel(ctx)
	var timers sync.WaitGroup
	pending := make(chan laneItem, m.config.LaneDepth)
	p.requeue = func(item laneItem) {
		timers.Add(1)
		go func() {
			defer timers.Done()
			t := time.NewTimer(m.config.PairPoll)
			defer t.Stop()
			select {
			case <-timerCtx.Done():
				return
			case <-t.C:
			}
			select {
			case pending <- item:
			case <-timerCtx.Done():
			}
		}()
	}

	lanes := make([]chan laneItem, m.config.Lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan laneItem, m.config.LaneDepth)
		wg.Add(1)
		go func(ch <-chan laneItem) {
			defer wg.Done()
			for item := range ch {
				m.backlog.Add(-1)
				m.process(ctx, p, item)
			}
		}(lanes[i])
	}

	if m.config.MemoryLimitMB > 0 && m.config.PressureCheck > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.pressureLoop(ctx)
		}()
	}

	log.Info().Int("lanes", len(lanes)).Msg("modules: pipeline started")
	defer func() {
		stopTimers()
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
		timers.Wait()
		log.Info().Msg("modules: pipeline stopped")
	}()

	dispatch := func(item laneItem) error {
		m.backlog.Add(1)
		select {
		case lanes[laneOf(item.candidate.Token.Address, len(lanes))] <- item:
			return nil
		case <-ctx.Done():
			m.backlog.Add(-1)
			return ctx.Err()
		}
	}

	in := p.watcher.Candidates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				return nil
			}
			item := laneItem{candidate: c, correlation: uuid.New().String(), firstSeen: time.Now()}
			m.dispatched.Add(1)
			e := m.event(item, bus.KindDiscovered)
			e.TxHash = c.TxHash
			e.Detail = c.Method
			m.events.Publish(e)

			if err := dispatch(item); err != nil {
				return err
			}
		case item := <-pending:
			if err := dispatch(item); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) pressureLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.PressureCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MemoryPressureDetected()
		}
	}
}

type laneItem struct {
	candidate   mempool.Candidate
	correlation string
	firstSeen   time.Time
	attempts    int
}

func laneOf(token common.Address, lanes int) int {
	return int(xxhash.Sum64(token.Bytes()) % uint64(lanes))
}

func (m *Manager) event(item laneItem, kind bus.Kind) bus.Event {
	e := bus.NewEvent(producer, kind, item.candidate.Token.Address)
	e.CorrelationID = item.correlation
	return e
}

// process runs one candidate through the pipeline and publishes an event per
// stage. Gated candidates never reach the executor.
func (m *Manager) process(ctx context.Context, p pipeline, item laneItem) {
	if ctx.Err() != nil {
		return
	}
	m.processed.Add(1)
	c := item.candidate
	token := c.Token

	res, err := p.analyzer.Analyze(ctx, token)
	if err != nil {
		m.fail(item, "analyze", err)
		return
	}
	if token.Symbol == "" {
		token.Symbol = res.Symbol
	}
	if token.Decimals == 0 {
		token.Decimals = res.Decimals
	}
	e := m.event(item, bus.KindAnalyzed)
	e.Score = float64(res.RiskScore) / 100
	e.Reasons = res.Flags.Set()
	if res.PairPending {
		e.Detail = "pair pending"
	}
	m.events.Publish(e)

	// A liquidity add seen in the mempool has no pair until it is mined.
	if res.PairPending && p.requeue != nil && time.Since(item.firstSeen) < m.config.PairWait {
		item.attempts++
		m.requeued.Add(1)
		log.Debug().
			Str("token", token.Address.Hex()).
			Int("attempt", item.attempts).
			Dur("poll", m.config.PairPoll).
			Msg("modules: pair not mined yet, requeued")
		p.requeue(item)
		return
	}

	var network *evm.NetworkState
	if p.gas != nil {
		if st, ok := p.gas.State(); ok {
			network = &st
		}
	}
	assessment, err := p.risk.Assess(ctx, token, res, network)
	if err != nil {
		m.fail(item, "assess", err)
		return
	}
	decision := p.risk.Gate(assessment, res.Liquidity, m.limits)
	if !decision.Allowed {
		m.gated.Add(1)
		e := m.event(item, bus.KindGated)
		e.Score = assessment.Score
		e.Reasons = decision.ReasonCodes
		m.events.Publish(e)
		log.Info().
			Str("token", token.Address.Hex()).
			Float64("score", assessment.Score).
			Strs("reasons", decision.ReasonCodes).
			Msg("modules: candidate gated")
		return
	}

	m.submitted.Add(1)
	e = m.event(item, bus.KindSubmitted)
	e.Score = assessment.Score
	m.events.Publish(e)

	result, err := p.executor.Snipe(ctx, executor.Request{Token: token, Risk: assessment}, m.config.Snipe)
	if err != nil {
		m.failed.Add(1)
		e := m.event(item, bus.KindFailed)
		e.Score = assessment.Score
		e.Detail = apperr.Summary(err)
		if result != nil {
			e.SnipeID = result.ID
			e.TxHash = result.Tx.Hash
			if result.Reason != "" {
				e.Reasons = []string{result.Reason}
			}
		}
		m.events.Publish(e)
		return
	}

	m.confirmed.Add(1)
	e = m.event(item, bus.KindConfirmed)
	e.Score = assessment.Score
	e.SnipeID = result.ID
	e.TxHash = result.Tx.Hash
	if result.AmountOut != nil {
		e.Detail = "amount_out=" + result.AmountOut.String()
	}
	m.events.Publish(e)
}

func (m *Manager) fail(item laneItem, stage string, err error) {
	m.failed.Add(1)
	e := m.event(item, bus.KindFailed)
	e.Detail = stage + ": " + apperr.Summary(err)
	if r := apperr.ReasonOf(err); r != "" {
		e.Reasons = []string{r}
	}
	m.events.Publish(e)
	log.Warn().Err(err).Str("token", item.candidate.Token.Address.Hex()).Str("stage", stage).Msg("modules: candidate failed")
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Running          bool      `json:"running"`
	Lanes            int       `json:"lanes"`
	Backlog          int64     `json:"backlog"`
	Dispatched       uint64    `json:"dispatched"`
	Processed        uint64    `json:"processed"`
	Gated            uint64    `json:"gated"`
	Submitted        uint64    `json:"submitted"`
	Confirmed        uint64    `json:"confirmed"`
	Failed           uint64    `json:"failed"`
	Dropped          uint64    `json:"dropped"`
	PressureEvents   uint64    `json:"pressure_events"`
	Evicted          uint64    `json:"evicted"`
	Requeued         uint64    `json:"requeued"`
	UnderPressure    bool      `json:"under_pressure"`
	PausedByPressure bool      `json:"paused_by_pressure"`
	EstimatedBytes   int64     `json:"estimated_bytes"`
	Modules          []ID      `json:"modules"`
	Events           bus.Stats `json:"events"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	ids := make([]ID, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return Stats{
		Running:          m.running.Load(),
		Lanes:            m.config.Lanes,
		Backlog:          m.backlog.Load(),
		Dispatched:       m.dispatched.Load(),
		Processed:        m.processed.Load(),
		Gated:            m.gated.Load(),
		Submitted:        m.submitted.Load(),
		Confirmed:        m.confirmed.Load(),
		Failed:           m.failed.Load(),
		Dropped:          m.dropped.Load(),
		PressureEvents:   m.pressureEvents.Load(),
		Evicted:          m.evicted.Load(),
		Requeued:         m.requeued.Load(),
		UnderPressure:    m.underPressure.Load(),
		PausedByPressure: m.pausedByPressure.Load(),
		EstimatedBytes:   m.EstimatedBytes(),
		Modules:          ids,
		Events:           m.events.Stats(),
	}
}
