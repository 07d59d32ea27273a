package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/snipebot/snipebot/internal/analyzer"
	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/evm"
)

// Engine scores candidates and gates trades.
// SAFETY > PROFIT > SPEED
//
// The kill switch is checked first on every gate, lock-free, and stays
// engaged until restart.
type Engine struct {
	config Config

	mu        sync.RWMutex
	policy    PolicySignal
	sentiment SentimentSource

	killed atomic.Bool
	frozen atomic.Bool

	assessed atomic.Int64
	allowed  atomic.Int64
	denied   atomic.Int64
	freezes  atomic.Int64
}

// Factor names.
const (
	FactorToken      = "token"
	FactorCongestion = "congestion"
	FactorPolicy     = "policy"
	FactorSentiment  = "sentiment"
)

// Config holds factor weights and thresholds.
type Config struct {
	CongestionThreshold float64 // percent; at or above this congestion scores 1
	HoneypotFloor       float64
	TokenWeight         float64
	CongestionWeight    float64
	PolicyWeight        float64
	SentimentWeight     float64
}

func DefaultConfig() Config {
	return Config{
		CongestionThreshold: 80,
		HoneypotFloor:       0.9,
		TokenWeight:         0.6,
		CongestionWeight:    0.15,
		PolicyWeight:        0.15,
		SentimentWeight:     0.1,
	}
}

// ConfigFrom maps the YAML risk section onto Config.
func ConfigFrom(cfg config.RiskConfig) Config {
	return Config{
		CongestionThreshold: cfg.CongestionThreshold,
		HoneypotFloor:       cfg.HoneypotFloor,
		TokenWeight:         cfg.TokenWeight,
		CongestionWeight:    cfg.CongestionWeight,
		PolicyWeight:        cfg.PolicyWeight,
		SentimentWeight:     cfg.SentimentWeight,
	}
}

// PolicySignal is an external trading policy (e.g. a learned model). It
// returns a risk in [0,1]; ok=false means no opinion.
type PolicySignal interface {
	Risk(ctx context.Context, token evm.TokenInfo) (risk float64, ok bool, err error)
}

// SentimentSource returns market sentiment for a token in [-1,1], where -1
// is maximally bearish; ok=false means no data.
type SentimentSource interface {
	Sentiment(ctx context.Context, token evm.TokenInfo) (score float64, ok bool, err error)
}

// Factor is one scored input of an Assessment.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"` // renormalized over present factors
	Score       float64 `json:"score"`  // [0,1]
	Description string  `json:"description"`
}

// Assessment is the composed risk of one candidate.
type Assessment struct {
	Token           common.Address  `json:"token"`
	Score           float64         `json:"score"`   // [0,1]
	Factors         []Factor        `json:"factors"` // sorted by name
	HoneypotFloored bool            `json:"honeypot_floored"`
	Simulated       bool            `json:"simulated"`
	TokenScore      int             `json:"token_score"` // analyzer 0..100
	Liquidity       decimal.Decimal `json:"liquidity"`
	AssessedAt      time.Time       `json:"assessed_at"`
}

// Limits are the per-trade thresholds applied by Gate.
type Limits struct {
	MaxRiskScore float64
	MinLiquidity decimal.Decimal
}

// LimitsFrom reads the gate thresholds from the snipe section.
func LimitsFrom(cfg config.SnipeConfig) (Limits, error) {
	l := Limits{MaxRiskScore: cfg.MaxRiskScore}
	if cfg.MinLiquidity != "" {
		minLiq, err := decimal.NewFromString(cfg.MinLiquidity)
		if err != nil {
			return l, apperr.Newf(apperr.Validation, "risk.limits", "invalid min_liquidity %q", cfg.MinLiquidity)
		}
		l.MinLiquidity = minLiq
	}
	return l, nil
}

// Decision represents a risk decision.
type Decision struct {
	Token       common.Address `json:"token"`
	Allowed     bool           `json:"allowed"`
	ReasonCodes []string       `json:"reason_codes"`
	Score       float64        `json:"score"`
	Timestamp   int64          `json:"ts"`
}

// New creates a new risk engine.
func New(cfg Config) *Engine {
	if cfg.HoneypotFloor <= 0 {
		cfg.HoneypotFloor = 0.9
	}
	if cfg.CongestionThreshold <= 0 {
		cfg.CongestionThreshold = 80
	}
	return &Engine{config: cfg}
}

// SetPolicy installs an optional policy signal.
func (e *Engine) SetPolicy(p PolicySignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// SetSentiment installs an optional sentiment source.
func (e *Engine) SetSentiment(s SentimentSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sentiment = s
}

// Assess composes the present factors into a score in [0,1]. The token
// factor is required; network, policy and sentiment are used when available.
func (e *Engine) Assess(ctx context.Context, token evm.TokenInfo, result *analyzer.Result, network *evm.NetworkState) (*Assessment, error) {
	if result == nil {
		return nil, apperr.Newf(apperr.Validation, "risk.assess", "no analysis for %s", token.Address.Hex())
	}
	factors := map[string]float64{
		FactorToken: clamp01(float64(result.RiskScore) / 100),
	}
	notes := map[string]string{
		FactorToken: tokenDescription(result),
	}
	if network != nil {
		factors[FactorCongestion] = e.congestion(network.Congestion)
		notes[FactorCongestion] = fmt.Sprintf("network congestion %.0f%%, threshold %.0f%%", network.Congestion, e.config.CongestionThreshold)
	}

	e.mu.RLock()
	policy, sentiment := e.policy, e.sentiment
	e.mu.RUnlock()

	if policy != nil {
		if v, ok, err := policy.Risk(ctx, token); err != nil {
			log.Warn().Err(err).Str("token", token.Address.Hex()).Msg("risk: policy signal failed, ignoring")
		} else if ok {
			factors[FactorPolicy] = clamp01(v)
			notes[FactorPolicy] = fmt.Sprintf("policy signal %.2f", v)
		}
	}
	if sentiment != nil {
		if v, ok, err := sentiment.Sentiment(ctx, token); err != nil {
			log.Warn().Err(err).Str("token", token.Address.Hex()).Msg("risk: sentiment source failed, ignoring")
		} else if ok {
			// -1 (bearish) maps to risk 1, +1 to risk 0.
			factors[FactorSentiment] = clamp01((1 - v) / 2)
			notes[FactorSentiment] = fmt.Sprintf("market sentiment %+.2f", v)
		}
	}

	weights := e.renormalize(factors)
	score := 0.0
	list := make([]Factor, 0, len(factors))
	for name, v := range factors {
		score += weights[name] * v
		list = append(list, Factor{Name: name, Weight: weights[name], Score: v, Description: notes[name]})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	a := &Assessment{
		Token:      token.Address,
		Factors:    list,
		Simulated:  result.Simulated,
		TokenScore: result.RiskScore,
		Liquidity:  result.Liquidity,
		AssessedAt: time.Now(),
	}
	if result.Flags.Honeypot {
		a.HoneypotFloored = true
		if score < e.config.HoneypotFloor {
			score = e.config.HoneypotFloor
		}
	}
	a.Score = clamp01(score)
	e.assessed.Add(1)

	log.Debug().
		Str("token", token.Address.Hex()).
		Float64("score", a.Score).
		Interface("factors", factors).
		Bool("honeypot_floor", a.HoneypotFloored).
		Msg("risk: candidate assessed")
	return a, nil
}

func (e *Engine) congestion(pct float64) float64 {
	if pct >= e.config.CongestionThreshold {
		return 1
	}
	return clamp01(pct / 100)
}

func (e *Engine) weight(name string) float64 {
	switch name {
	case FactorToken:
		return e.config.TokenWeight
	case FactorCongestion:
		return e.config.CongestionWeight
	case FactorPolicy:
		return e.config.PolicyWeight
	case FactorSentiment:
		return e.config.SentimentWeight
	}
	return 0
}

// renormalize scales the configured weights of the present factors to sum
// to 1. If they are all zero the token factor carries everything.
func (e *Engine) renormalize(factors map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(factors))
	total := 0.0
	for name := range factors {
		total += e.weight(name)
	}
	if total <= 0 {
		out[FactorToken] = 1
		return out
	}
	for name := range factors {
		out[name] = e.weight(name) / total
	}
	return out
}

// Gate reason codes. Codes with detail carry it after a colon.
const (
	ReasonKillSwitch   = "KILL_SWITCH_ACTIVE"
	ReasonFrozen       = "SYSTEM_FROZEN"
	ReasonNoAnalysis   = "NO_ANALYSIS"
	ReasonNotSimulated = "NOT_SIMULATED"
	ReasonHoneypot     = "HONEYPOT"
	ReasonRiskTooHigh  = "RISK_TOO_HIGH"
	ReasonLowLiquidity = "LIQUIDITY_TOO_LOW"
)

// Gate decides whether a candidate may be traded.
func (e *Engine) Gate(a *Assessment, liquidity decimal.Decimal, limits Limits) Decision {
	d := Decision{
		Allowed:   true,
		Timestamp: time.Now().UnixMicro(),
	}

	// Kill switch check - ALWAYS first, atomic, no lock needed
	if e.killed.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonKillSwitch)
		e.denied.Add(1)
		return d
	}
	if e.frozen.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonFrozen)
		e.denied.Add(1)
		return d
	}

	if a == nil {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonNoAnalysis)
		e.denied.Add(1)
		return d
	}
	d.Token = a.Token
	d.Score = a.Score

	// A token that was never round-tripped has no honeypot verdict.
	if !a.Simulated {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonNotSimulated)
	}
	if a.HoneypotFloored {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonHoneypot)
	}
	if a.Score > limits.MaxRiskScore {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf(ReasonRiskTooHigh+":score=%.2f,limit=%.2f", a.Score, limits.MaxRiskScore))
	}
	if liquidity.LessThan(limits.MinLiquidity) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf(ReasonLowLiquidity+":have=%s,min=%s", liquidity.StringFixed(4), limits.MinLiquidity.String()))
	}

	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Str("token", a.Token.Hex()).Float64("score", a.Score).Msg("risk: gate ALLOW")
	} else {
		e.denied.Add(1)
		log.Warn().Str("token", a.Token.Hex()).Strs("reasons", d.ReasonCodes).Msg("risk: gate DENY")
	}
	return d
}

// Kill activates the kill switch. Immediate and in-process.
func (e *Engine) Kill() {
	if e.killed.CompareAndSwap(false, true) {
		log.Error().Msg("KILL SWITCH ACTIVATED - All trading stopped")
	}
}

// Killed reports whether the kill switch is engaged.
func (e *Engine) Killed() bool { return e.killed.Load() }

// Freeze freezes trading (can be resumed, unlike kill).
func (e *Engine) Freeze(reason string) {
	if e.frozen.CompareAndSwap(false, true) {
		e.freezes.Add(1)
		log.Warn().Str("reason", reason).Msg("SYSTEM FROZEN")
	}
}

// Resume unfreezes trading.
func (e *Engine) Resume() {
	if e.killed.Load() {
		log.Warn().Msg("Cannot resume: kill switch is active (requires restart)")
		return
	}
	if e.frozen.CompareAndSwap(true, false) {
		log.Info().Msg("System resumed")
	}
}

// IsActive returns true if the system is not killed or frozen.
func (e *Engine) IsActive() bool {
	return !e.killed.Load() && !e.frozen.Load()
}

// Metrics returns risk engine metrics.
func (e *Engine) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"killed":         e.killed.Load(),
		"frozen":         e.frozen.Load(),
		"assessed_total": e.assessed.Load(),
		"allowed_total":  e.allowed.Load(),
		"denied_total":   e.denied.Load(),
		"freezes_total":  e.freezes.Load(),
	}
}

// FactorNames returns the factor names of a, sorted.
func (a *Assessment) FactorNames() []string {
	out := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		out = append(out, f.Name)
	}
	return out
}

// Factor looks up a factor by name.
func (a *Assessment) Factor(name string) (Factor, bool) {
	for _, f := range a.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

func tokenDescription(r *analyzer.Result) string {
	desc := fmt.Sprintf("analyzer score %d/100", r.RiskScore)
	if flags := r.Flags.Set(); len(flags) > 0 {
		desc += ", flags " + strings.Join(flags, ",")
	}
	if !r.Simulated {
		desc += ", not simulated"
	}
	return desc
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
