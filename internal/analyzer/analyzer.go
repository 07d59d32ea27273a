// Package analyzer inspects a token contract before any money touches it:
// bytecode capability patterns, a buy-then-sell simulation, and a 0..100
// risk score. Results are cached in memory and persisted through a Store.
package analyzer

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

// Config holds analyzer parameters.
type Config struct {
	ChainID           uint64
	HoneypotThreshold float64  // honeypot when sell output < threshold * buy amount
	HighFeePct        float64  // round-trip loss above this sets high_fee
	SimBuyAmount      *big.Int // quote-token base units
	QuoteDecimals     uint8
	CacheTTL          time.Duration
	CacheSize         int
	Workers           int // simulation pool and batch concurrency
	Weights           map[string]int
}

func DefaultConfig() Config {
	return Config{
		HoneypotThreshold: 0.5,
		HighFeePct:        10,
		SimBuyAmount:      evm.ToWei(decimal.RequireFromString("0.01"), 18),
		QuoteDecimals:     18,
		CacheTTL:          30 * time.Minute,
		CacheSize:         10_000,
		Workers:           4,
		Weights:           DefaultWeights,
	}
}

// ConfigFrom maps the YAML analyzer section onto Config.
func ConfigFrom(chainID uint64, cfg config.AnalyzerConfig) (Config, error) {
	out := DefaultConfig()
	out.ChainID = chainID
	if cfg.HoneypotThreshold > 0 {
		out.HoneypotThreshold = cfg.HoneypotThreshold
	}
	if cfg.HighFeePct > 0 {
		out.HighFeePct = cfg.HighFeePct
	}
	if cfg.SimBuyAmount != "" {
		amt, err := decimal.NewFromString(cfg.SimBuyAmount)
		if err != nil || !amt.IsPositive() {
			return out, apperr.Newf(apperr.Validation, "analyzer.config", "invalid sim_buy_amount %q", cfg.SimBuyAmount)
		}
		out.SimBuyAmount = evm.ToWei(amt, out.QuoteDecimals)
	}
	if cfg.CacheTTL > 0 {
		out.CacheTTL = cfg.CacheTTL
	}
	if cfg.CacheSize > 0 {
		out.CacheSize = cfg.CacheSize
	}
	if cfg.Workers > 0 {
		out.Workers = cfg.Workers
	}
	return out, nil
}

// Analyzer produces and caches token analyses.
type Analyzer struct {
	config  Config
	backend Backend
	sim     Simulator
	cache   *Cache
	store   Store
	pool    sizedwaitgroup.SizedWaitGroup // bounds concurrent simulations
	now     func() time.Time

	analyzed  atomic.Uint64
	cacheHits atomic.Uint64
	storeHits atomic.Uint64
	misses    atomic.Uint64
	honeypots atomic.Uint64
	failures  atomic.Uint64
	evicted   atomic.Uint64

	unsimulated atomic.Uint64
}

// NewAnalyzer creates an analyzer. sim and store may be nil.
func NewAnalyzer(config Config, backend Backend, sim Simulator, store Store) *Analyzer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Weights == nil {
		config.Weights = DefaultWeights
	}
	if config.QuoteDecimals == 0 {
		config.QuoteDecimals = 18
	}
	if config.SimBuyAmount == nil {
		config.SimBuyAmount = DefaultConfig().SimBuyAmount
	}
	return &Analyzer{
		config:  config,
		backend: backend,
		sim:     sim,
		cache:   NewCache(config.CacheSize, config.CacheTTL),
		store:   store,
		pool:    sizedwaitgroup.New(config.Workers),
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests).
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
	a.cache.now = now
}

// Analyze returns the analysis for token, from cache when fresh.
func (a *Analyzer) Analyze(ctx context.Context, token evm.TokenInfo) (*Result, error) {
	addr := token.Address
	if r, ok := a.cache.Get(addr); ok {
		a.cacheHits.Add(1)
		r.Cached = true
		return r, nil
	}
	if a.store != nil {
		r, err := a.store.Load(ctx, addr)
		if err != nil {
			log.Warn().Err(err).Str("token", addr.Hex()).Msg("analyzer: store lookup failed")
		} else if r != nil && (r.Simulated || a.sim == nil) {
			a.storeHits.Add(1)
			a.cache.put(r, r.AnalyzedAt)
			r.Cached = true
			return r, nil
		}
	}
	a.misses.Add(1)

	r, err := a.analyze(ctx, token)
	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	a.analyzed.Add(1)
	if r.Flags.Honeypot {
		a.honeypots.Add(1)
	}

	if r.Simulated || a.sim == nil {
		a.cache.Put(r)
		if a.store != nil {
			if err := a.store.Save(ctx, r); err != nil {
				log.Warn().Err(err).Str("token", addr.Hex()).Msg("analyzer: store write failed")
			}
		}
	} else {
		a.unsimulated.Add(1)
	}

	log.Info().
		Str("token", addr.Hex()).
		Str("symbol", r.Symbol).
		Int("risk_score", r.RiskScore).
		Strs("flags", r.Flags.Set()).
		Str("liquidity", r.Liquidity.StringFixed(4)).
		Int64("latency_ms", r.LatencyMs).
		Bool("simulated", r.Simulated).
		Bool("pair_pending", r.PairPending).
		Msg("analyzer: token analyzed")
	return r, nil
}

func (a *Analyzer) analyze(ctx context.Context, token evm.TokenInfo) (*Result, error) {
	start := a.now()
	addr := token.Address

	code, err := a.backend.CodeAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("analyzer: fetch code: %w", err)
	}
	if len(code) == 0 {
		return nil, apperr.Newf(apperr.Validation, "analyzer.analyze", "no contract code at %s", addr.Hex())
	}

	r := &Result{
		Address:  addr,
		ChainID:  token.ChainID,
		Symbol:   token.Symbol,
		Decimals: token.Decimals,
	}
	if r.ChainID == 0 {
		r.ChainID = a.config.ChainID
	}
	a.fetchMetadata(ctx, r)

	found := scanBytecode(code)
	flags := make([]string, 0, len(found))
	for flag := range found {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for _, flag := range flags {
		r.note(fmt.Sprintf("%s: %s", flag, found[flag]))
	}
	_, r.Flags.Mintable = found[FlagMintable]
	_, r.Flags.Blacklist = found[FlagBlacklist]
	_, r.Flags.Whitelist = found[FlagWhitelist]
	_, r.Flags.Cooldown = found[FlagCooldown]
	_, r.Flags.AntiWhale = found[FlagAntiWhale]

	if a.sim != nil {
		sim, err := a.simulate(ctx, addr)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			r.note("simulation unavailable: " + apperr.Summary(err))
		default:
			r.Simulated = a.applySimulation(r, sim)
		}
	}
	// The reserve model and the router quote cannot see a transfer tax.
	if _, ok := found[flagFeeSetter]; ok {
		if r.Simulated && !r.Flags.HighFee {
			r.note("high_fee: adjustable transfer fee not observable in simulation")
		}
		r.Flags.HighFee = true
	}

	r.RiskScore = r.Flags.Score(a.config.Weights)
	r.AnalyzedAt = a.now()
	r.LatencyMs = r.AnalyzedAt.Sub(start).Milliseconds()
	return r, nil
}

// applySimulation sets honeypot, high_fee and liquidity from sim and reports
// whether a round trip was actually measured.
func (a *Analyzer) applySimulation(r *Result, sim *SimResult) bool {
	r.Simulation = sim
	if sim.QuoteReserve != nil {
		r.Liquidity = evm.FromWei(sim.QuoteReserve, a.config.QuoteDecimals)
	}
	if sim.NoPair {
		r.PairPending = true
		r.note("no liquidity pair yet")
		return false
	}

	buy := decimal.NewFromBigInt(sim.BuyAmount, 0)
	sell := decimal.Zero
	if sim.SellOut != nil {
		sell = decimal.NewFromBigInt(sim.SellOut, 0)
	}
	if sim.SellFailed || sell.LessThan(buy.Mul(decimal.NewFromFloat(a.config.HoneypotThreshold))) {
		r.Flags.Honeypot = true
		reason := sim.RevertReason
		if reason == "" {
			reason = fmt.Sprintf("sell returns %.2f%% of buy", 100-sim.RoundTripLoss)
		}
		r.note("honeypot: " + reason)
	}
	if !sim.SellFailed && sim.RoundTripLoss > a.config.HighFeePct {
		r.Flags.HighFee = true
		r.note(fmt.Sprintf("high_fee: round trip loses %.2f%%", sim.RoundTripLoss))
	}
	return true
}

// simulate runs the simulator on the bounded worker pool.
func (a *Analyzer) simulate(ctx context.Context, token common.Address) (*SimResult, error) {
	if err := a.pool.AddWithContext(ctx); err != nil {
		return nil, err
	}
	type outcome struct {
		res *SimResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer a.pool.Done()
		res, err := a.sim.Simulate(ctx, token, a.config.SimBuyAmount)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Analyzer) fetchMetadata(ctx context.Context, r *Result) {
	addr := r.Address
	if r.Symbol == "" {
		out, err := a.backend.Call(ctx, ethereum.CallMsg{To: &addr, Data: contracts.PackSymbol()})
		if err == nil {
			r.Symbol, err = contracts.UnpackSymbol(out)
		}
		if err != nil {
			r.note("symbol unavailable")
		}
	}
	if r.Decimals == 0 {
		out, err := a.backend.Call(ctx, ethereum.CallMsg{To: &addr, Data: contracts.PackDecimals()})
		if err == nil {
			r.Decimals, err = contracts.UnpackDecimals(out)
		}
		if err != nil {
			r.Decimals = 18
			r.note("decimals unavailable, assuming 18")
		}
	}
}

// BatchResult pairs a token with its analysis or error.
type BatchResult struct {
	Token  evm.TokenInfo
	Result *Result
	Err    error
}

// AnalyzeBatch analyzes tokens concurrently, at most Workers at a time.
// Results are in input order.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, tokens []evm.TokenInfo) []BatchResult {
	out := make([]BatchResult, len(tokens))
	swg := sizedwaitgroup.New(a.config.Workers)
	for i, t := range tokens {
		out[i].Token = t
		if err := swg.AddWithContext(ctx); err != nil {
			out[i].Err = err
			continue
		}
		go func(i int, t evm.TokenInfo) {
			defer swg.Done()
			out[i].Result, out[i].Err = a.Analyze(ctx, t)
		}(i, t)
	}
	swg.Wait()
	return out
}

// Cached returns the cached analysis of addr without touching the chain.
func (a *Analyzer) Cached(addr common.Address) (*Result, bool) {
	return a.cache.Get(addr)
}

// EvictLRU drops the n least recently used cache entries.
func (a *Analyzer) EvictLRU(n int) int {
	removed := a.cache.EvictLRU(n)
	a.evicted.Add(uint64(removed))
	return removed
}

// EvictFraction drops the given fraction of cache entries in LRU order.
func (a *Analyzer) EvictFraction(f float64) int {
	if f <= 0 {
		return 0
	}
	n := int(float64(a.cache.Len())*f + 0.999)
	return a.EvictLRU(n)
}

func (a *Analyzer) EstimatedBytes() int64 { return a.cache.EstimatedBytes() }

// Run purges expired cache entries until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	interval := a.config.CacheTTL / 4
	if interval <= 0 || interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.cache.PurgeExpired(); n > 0 {
				log.Debug().Int("expired", n).Msg("analyzer: cache entries expired")
			}
		}
	}
}

// Close waits for in-flight simulations and closes the store.
func (a *Analyzer) Close() error {
	a.pool.Wait()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// Stats is a point-in-time view of the analyzer.
type Stats struct {
	Analyzed       uint64 `json:"analyzed"`
	CacheHits      uint64 `json:"cache_hits"`
	StoreHits      uint64 `json:"store_hits"`
	Misses         uint64 `json:"misses"`
	Honeypots      uint64 `json:"honeypots"`
	Errors         uint64 `json:"errors"`
	Evicted        uint64 `json:"evicted"`
	Unsimulated    uint64 `json:"unsimulated"` // not cached, analyzed again on next sighting
	CacheLen       int    `json:"cache_len"`
	EstimatedBytes int64  `json:"estimated_bytes"`
}

func (a *Analyzer) Stats() Stats {
	return Stats{
		Analyzed:       a.analyzed.Load(),
		CacheHits:      a.cacheHits.Load(),
		StoreHits:      a.storeHits.Load(),
		Misses:         a.misses.Load(),
		Honeypots:      a.honeypots.Load(),
		Errors:         a.failures.Load(),
		Evicted:        a.evicted.Load(),
		Unsimulated:    a.unsimulated.Load(),
		CacheLen:       a.cache.Len(),
		EstimatedBytes: a.cache.EstimatedBytes(),
	}
}
