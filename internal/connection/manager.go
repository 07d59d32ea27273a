// Package connection provides pooled, rate-limited, timed access to the RPC
// endpoints chosen by the endpoint manager, with retried failover.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/endpoint"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/retry"
)

// LatencyObserver receives the latency of every successful request.
type LatencyObserver interface {
	ObserveLatency(url string, d time.Duration)
}

// Func is a unit of RPC work run against one leased client.
type Func func(ctx context.Context, c evm.Client) error

// Doer runs fn against a healthy client for chainID and returns the number
// of attempts. *Manager implements it.
type Doer interface {
	Do(ctx context.Context, chainID uint64, fn Func) (int, error)
}

// Direct runs every call once on a single client (dry runs and tests).
type Direct struct {
	Client evm.Client
}

func (d Direct) Do(ctx context.Context, _ uint64, fn Func) (int, error) {
	return 1, fn(ctx, d.Client)
}

// Config mirrors the connection section of the configuration.
type Config struct {
	MaxConnections int
	ConnectTimeout time.Duration
	IdleTTL        time.Duration
	RequestTimeout time.Duration
	RateLimitRPS   float64
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: 8,
		ConnectTimeout: 3 * time.Second,
		IdleTTL:        2 * time.Minute,
		RequestTimeout: 5 * time.Second,
	}
}

// Manager routes requests to the endpoint manager's current choice.
type Manager struct {
	config    Config
	endpoints *endpoint.Manager
	policy    *retry.Policy
	dial      evm.Dialer

	mu        sync.Mutex
	pools     map[string]*Pool
	observers []LatencyObserver

	requests  atomic.Uint64
	failures  atomic.Uint64
	failovers atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewManager(config Config, endpoints *endpoint.Manager, policy *retry.Policy, dial evm.Dialer) *Manager {
	def := DefaultConfig()
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	return &Manager{
		config:    config,
		endpoints: endpoints,
		policy:    policy,
		dial:      dial,
		pools:     make(map[string]*Pool),
		stopCh:    make(chan struct{}),
	}
}

// AddObserver registers a latency observer. Call before Start.
func (m *Manager) AddObserver(o LatencyObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Start launches the idle-connection janitor.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.janitor()
	log.Info().
		Int("max_connections", m.config.MaxConnections).
		Dur("idle_ttl", m.config.IdleTTL).
		Msg("connection: manager started")
}

// Stop halts the janitor and closes idle clients.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	interval := m.config.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.ReapIdle(now)
		}
	}
}

// ReapIdle closes clients idle for longer than IdleTTL in every pool.
func (m *Manager) ReapIdle(now time.Time) int {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	n := 0
	for _, p := range pools {
		n += p.ReapIdle(now, m.config.IdleTTL)
	}
	return n
}

func (m *Manager) pool(url string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[url]
	if !ok {
		p = NewPool(url, m.dial, m.config.MaxConnections, m.config.RateLimitRPS)
		m.pools[url] = p
	}
	return p
}

// Do runs fn against the endpoint currently selected for chainID, retrying
// transient and rate-limited failures under the retry policy. Each retry
// re-selects, so an endpoint demoted by the failure is replaced by the next
// one in rank. Returns the number of attempts.
func (m *Manager) Do(ctx context.Context, chainID uint64, fn Func) (int, error) {
	var lastURL string
	return m.policy.Do(ctx, "rpc", func(ctx context.Context, attempt int) error {
		ep, err := m.endpoints.Select(chainID)
		if err != nil {
			return err
		}
		if attempt > 0 && lastURL != "" && ep.URL != lastURL {
			m.failovers.Add(1)
			log.Warn().
				Uint64("chain_id", chainID).
				Str("from", lastURL).
				Str("to", ep.URL).
				Int("attempt", attempt+1).
				Msg("connection: failing over")
		}
		lastURL = ep.URL
		return m.run(ctx, ep.URL, fn, false)
	})
}

// DoOn runs fn once against a specific endpoint, waiting for a slot.
func (m *Manager) DoOn(ctx context.Context, url string, fn Func) error {
	return m.run(ctx, url, fn, false)
}

// TryDoOn runs fn once against url only if a slot is free immediately.
// Health probes use it so they never queue behind trade traffic.
func (m *Manager) TryDoOn(ctx context.Context, url string, fn Func) error {
	return m.run(ctx, url, fn, true)
}

func (m *Manager) run(ctx context.Context, url string, fn Func, nonBlocking bool) error {
	p := m.pool(url)

	var conn *Conn
	var err error
	if nonBlocking {
		conn, err = p.TryAcquire(ctx, m.config.ConnectTimeout)
	} else {
		conn, err = p.Acquire(ctx, m.config.ConnectTimeout)
	}
	if err != nil {
		// A saturated pool is local back-pressure, not an endpoint fault.
		if !errors.Is(err, ErrPoolExhausted) && apperr.ClassOf(err) == apperr.Transport {
			m.endpoints.ReportFailure(url, err)
		}
		return err
	}

	if err := p.Wait(ctx); err != nil {
		conn.Release()
		return err
	}

	m.requests.Add(1)
	reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	start := time.Now()
	err = fn(reqCtx, conn.Client())
	elapsed := time.Since(start)
	cancel()

	if err == nil {
		conn.Release()
		m.endpoints.ReportSuccess(url, elapsed)
		m.observe(url, elapsed)
		return nil
	}

	m.failures.Add(1)
	class := apperr.ClassOf(err)
	if class == apperr.Transport && ctx.Err() != nil {
		// The caller's deadline, not the endpoint.
		class = apperr.ClassOf(ctx.Err())
	}

	switch class {
	case apperr.Transport:
		conn.Discard()
		m.endpoints.ReportFailure(url, err)
	case apperr.RateLimited, apperr.Auth:
		conn.Release()
		m.endpoints.ReportFailure(url, err)
	case apperr.Canceled:
		conn.Release()
	default:
		// The node answered; a revert or decode failure says nothing about
		// endpoint health.
		conn.Release()
		m.endpoints.ReportSuccess(url, elapsed)
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.New(class, "rpc", fmt.Errorf("%s: %w", url, err))
}

func (m *Manager) observe(url string, d time.Duration) {
	m.mu.Lock()
	observers := m.observers
	m.mu.Unlock()
	for _, o := range observers {
		o.ObserveLatency(url, d)
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Requests  uint64      `json:"requests"`
	Failures  uint64      `json:"failures"`
	Failovers uint64      `json:"failovers"`
	Pools     []PoolStats `json:"pools"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pools := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p.Stats())
	}
	m.mu.Unlock()
	sort.Slice(pools, func(i, j int) bool { return pools[i].URL < pools[j].URL })
	return Stats{
		Requests:  m.requests.Load(),
		Failures:  m.failures.Load(),
		Failovers: m.failovers.Load(),
		Pools:     pools,
	}
}
