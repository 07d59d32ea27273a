package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/endpoint"
	"github.com/snipebot/snipebot/internal/evm"
)

// Target runs one request against a specific endpoint without queueing.
// *connection.Manager implements it and reports the outcome to the
// endpoint manager.
type Target interface {
	TryDoOn(ctx context.Context, url string, fn connection.Func) error
}

type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Alpha        float64 // EWMA weight of the newest sample
	Parallel     int
}

func ProberConfigFrom(cfg config.HealthConfig) ProberConfig {
	return ProberConfig{
		Interval:     cfg.Interval,
		ProbeTimeout: cfg.ProbeTimeout,
		Alpha:        cfg.LatencyAlpha,
	}
}

// Prober checks every endpoint on a fixed interval. It never blocks the
// trade path: probes skip endpoints whose connection pool is busy.
type Prober struct {
	config    ProberConfig
	endpoints *endpoint.Manager
	target    Target

	mu      sync.RWMutex
	latency map[string]float64 // EWMA, nanoseconds

	rounds   atomic.Uint64
	probes   atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	revived  atomic.Uint64
}

func NewProber(cfg ProberConfig, endpoints *endpoint.Manager, target Target) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Prober{
		config:    cfg,
		endpoints: endpoints,
		target:    target,
		latency:   make(map[string]float64),
	}
}

// ObserveLatency folds a request or probe latency into the endpoint's EWMA.
func (p *Prober) ObserveLatency(url string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.latency[url]
	if !ok {
		p.latency[url] = float64(d)
		return
	}
	p.latency[url] = p.config.Alpha*float64(d) + (1-p.config.Alpha)*prev
}

// Latency returns the smoothed latency of url.
func (p *Prober) Latency(url string) (time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.latency[url]
	return time.Duration(v), ok
}

// Run probes every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.config.Interval).Msg("health: prober started")
	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health: prober stopped")
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll revives Down endpoints whose cooldown has passed, then probes
// every enabled endpoint that is not cooling down. It returns the number of
// probes that failed.
func (p *Prober) ProbeAll(ctx context.Context) int {
	p.rounds.Add(1)
	if n := p.endpoints.ReviveExpired(); n > 0 {
		p.revived.Add(uint64(n))
	}

	var failed atomic.Int64
	swg := sizedwaitgroup.New(p.config.Parallel)
	for _, ep := range p.endpoints.Snapshot() {
		if !ep.Enabled || ep.Status == endpoint.StatusDown {
			continue
		}
		if err := swg.AddWithContext(ctx); err != nil {
			break
		}
		go func(url string) {
			defer swg.Done()
			if err := p.probe(ctx, url); err != nil {
				failed.Add(1)
			}
		}(ep.URL)
	}
	swg.Wait()
	return int(failed.Load())
}

func (p *Prober) probe(ctx context.Context, url string) error {
	pctx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
	defer cancel()

	p.probes.Add(1)
	err := p.target.TryDoOn(pctx, url, func(ctx context.Context, c evm.Client) error {
		_, err := c.BlockNumber(ctx)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connection.ErrPoolExhausted):
		p.skipped.Add(1)
		return nil
	default:
		p.failures.Add(1)
		log.Debug().Err(err).Str("endpoint", url).Msg("health: probe failed")
		return err
	}
}

// EndpointCheck reports the endpoint pool as a component: unhealthy when a
// chain has no usable endpoint, degraded when a chain has no Active one or
// some endpoints are Down.
func (p *Prober) EndpointCheck() Check {
	return func(ctx context.Context) ComponentHealth {
		h := ComponentHealth{Status: StatusHealthy, Details: map[string]any{}}
		chains := p.endpoints.Chains()
		if len(chains) == 0 {
			h.Status = StatusUnhealthy
			h.Message = "no endpoints configured"
			return h
		}
		for _, chainID := range chains {
			counts := map[endpoint.Status]int{}
			for _, ep := range p.endpoints.Endpoints(chainID) {
				if ep.Enabled {
					counts[ep.Status]++
				}
			}
			key := fmt.Sprintf("chain_%d", chainID)
			h.Details[key] = map[string]int{
				"active":   counts[endpoint.StatusActive],
				"degraded": counts[endpoint.StatusDegraded],
				"down":     counts[endpoint.StatusDown],
			}
			if primary, ok := p.endpoints.Primary(chainID); ok {
				h.Details[key+"_primary"] = primary.URL
			}

			switch {
			case counts[endpoint.StatusActive]+counts[endpoint.StatusDegraded] == 0:
				h.Status = StatusUnhealthy
				h.Message = fmt.Sprintf("chain %d has no usable endpoint", chainID)
			case counts[endpoint.StatusActive] == 0 || counts[endpoint.StatusDown] > 0:
				if h.Status == StatusHealthy {
					h.Status = StatusDegraded
					h.Message = fmt.Sprintf("chain %d: %d active, %d down",
						chainID, counts[endpoint.StatusActive], counts[endpoint.StatusDown])
				}
			}
		}
		return h
	}
}

// ProberStats is a snapshot of prober counters.
type ProberStats struct {
	Rounds    uint64           `json:"rounds"`
	Probes    uint64           `json:"probes"`
	Failures  uint64           `json:"failures"`
	Skipped   uint64           `json:"skipped_busy"`
	Revived   uint64           `json:"revived"`
	LatencyMs map[string]int64 `json:"latency_ewma_ms"`
}

func (p *Prober) Stats() ProberStats {
	p.mu.RLock()
	lat := make(map[string]int64, len(p.latency))
	for url, v := range p.latency {
		lat[url] = time.Duration(v).Milliseconds()
	}
	p.mu.RUnlock()
	return ProberStats{
		Rounds:    p.rounds.Load(),
		Probes:    p.probes.Load(),
		Failures:  p.failures.Load(),
		Skipped:   p.skipped.Load(),
		Revived:   p.revived.Load(),
		LatencyMs: lat,
	}
}
