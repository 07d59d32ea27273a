package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/evm"
)

// ErrPoolExhausted is wrapped by acquisition timeouts and by TryAcquire when
// every slot is in use. It says nothing about endpoint health.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("connection pool closed")

type idleClient struct {
	client   evm.Client
	lastUsed time.Time
}

// Pool is a bounded set of clients for one endpoint. A slot is taken for the
// duration of a request; dialed clients are kept idle for reuse until idleTTL.
type Pool struct {
	url     string
	dial    evm.Dialer
	slots   chan struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	idle   []idleClient
	open   int
	closed bool

	acquired atomic.Uint64
	timeouts atomic.Uint64
	dials    atomic.Uint64
	reaped   atomic.Uint64
}

// NewPool creates a pool with max slots. rps <= 0 disables rate limiting.
func NewPool(url string, dial evm.Dialer, max int, rps float64) *Pool {
	if max <= 0 {
		max = 1
	}
	limit := rate.Inf
	burst := max
	if rps > 0 {
		limit = rate.Limit(rps)
		if b := int(rps); b > burst {
			burst = b
		}
	}
	return &Pool{
		url:     url,
		dial:    dial,
		slots:   make(chan struct{}, max),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Conn is a leased client. Exactly one of Release or Discard must be called.
type Conn struct {
	pool   *Pool
	client evm.Client
	done   bool
}

func (c *Conn) Client() evm.Client { return c.client }

// Release returns the client to the idle set.
func (c *Conn) Release() {
	if c.done {
		return
	}
	c.done = true
	c.pool.put(c.client, true)
}

// Discard closes the client (e.g. after a transport error) and frees the slot.
func (c *Conn) Discard() {
	if c.done {
		return
	}
	c.done = true
	c.pool.put(c.client, false)
}

// Acquire waits up to timeout for a free slot and returns a connected client.
// A timeout surfaces as a Transport error wrapping apperr.ErrTimeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case p.slots <- struct{}{}:
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, apperr.New(apperr.ClassOf(err), "connection.acquire", err)
		}
		p.timeouts.Add(1)
		return nil, apperr.New(apperr.Transport, "connection.acquire",
			fmt.Errorf("%s: %w after %s: %w", p.url, ErrPoolExhausted, timeout, apperr.ErrTimeout))
	}
	return p.lease(actx)
}

// TryAcquire takes a slot only if one is free right now.
func (p *Pool) TryAcquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	select {
	case p.slots <- struct{}{}:
	default:
		return nil, apperr.New(apperr.Transport, "connection.try_acquire", fmt.Errorf("%s: %w", p.url, ErrPoolExhausted))
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.lease(actx)
}

// lease runs with a slot held; it reuses an idle client or dials a new one.
func (p *Pool) lease(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, apperr.New(apperr.Transport, "connection.acquire", fmt.Errorf("%s: %w", p.url, ErrPoolClosed))
	}
	if n := len(p.idle); n > 0 {
		// Most recently used first; older clients age out via the janitor.
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.acquired.Add(1)
		return &Conn{pool: p, client: ic.client}, nil
	}
	p.open++
	p.mu.Unlock()

	p.dials.Add(1)
	client, err := p.dial(ctx, p.url)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		<-p.slots
		if apperr.ClassOf(err) == apperr.Fatal {
			err = apperr.New(apperr.Transport, "connection.dial", err)
		}
		return nil, err
	}
	p.acquired.Add(1)
	return &Conn{pool: p, client: client}, nil
}

func (p *Pool) put(client evm.Client, reuse bool) {
	p.mu.Lock()
	if reuse && !p.closed {
		p.idle = append(p.idle, idleClient{client: client, lastUsed: time.Now()})
		p.mu.Unlock()
	} else {
		p.open--
		p.mu.Unlock()
		client.Close()
	}
	<-p.slots
}

// Wait blocks until the rate limiter admits one request.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return apperr.New(apperr.ClassOf(ctx.Err()), "connection.rate_limit", ctx.Err())
		}
		return apperr.New(apperr.RateLimited, "connection.rate_limit", fmt.Errorf("%s: %w", p.url, err))
	}
	return nil
}

// ReapIdle closes idle clients unused for longer than ttl.
func (p *Pool) ReapIdle(now time.Time, ttl time.Duration) int {
	p.mu.Lock()
	var stale []evm.Client
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if now.Sub(ic.lastUsed) > ttl {
			stale = append(stale, ic.client)
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	p.open -= len(stale)
	p.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 {
		p.reaped.Add(uint64(len(stale)))
		log.Debug().Str("url", p.url).Int("closed", len(stale)).Msg("connection: reaped idle clients")
	}
	return len(stale)
}

// Close closes every idle client. Leased clients are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()
	for _, ic := range idle {
		ic.client.Close()
	}
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	URL      string `json:"url"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
	Acquired uint64 `json:"acquired"`
	Timeouts uint64 `json:"timeouts"`
	Dials    uint64 `json:"dials"`
	Reaped   uint64 `json:"reaped"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	open, idle := p.open, len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		URL:      p.url,
		Capacity: cap(p.slots),
		InUse:    len(p.slots),
		Open:     open,
		Idle:     idle,
		Acquired: p.acquired.Load(),
		Timeouts: p.timeouts.Load(),
		Dials:    p.dials.Load(),
		Reaped:   p.reaped.Load(),
	}
}
