package analyzer

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Flag names, also used as risk-weight keys.
const (
	FlagHoneypot  = "honeypot"
	FlagMintable  = "mintable"
	FlagBlacklist = "blacklist"
	FlagWhitelist = "whitelist"
	FlagCooldown  = "cooldown"
	FlagAntiWhale = "anti_whale"
	FlagHighFee   = "high_fee"

	flagFeeSetter = "fee_setter" // pattern only; always feeds high_fee
)

// DefaultWeights is the contribution of each set flag to the 0..100 score.
var DefaultWeights = map[string]int{
	FlagHoneypot:  70,
	FlagMintable:  20,
	FlagBlacklist: 20,
	FlagWhitelist: 15,
	FlagCooldown:  5,
	FlagAntiWhale: 5,
	FlagHighFee:   25,
}

// Flags are the risk properties of a token.
type Flags struct {
	Honeypot  bool `json:"honeypot"`
	Mintable  bool `json:"mintable"`
	Blacklist bool `json:"blacklist"`
	Whitelist bool `json:"whitelist"`
	Cooldown  bool `json:"cooldown"`
	AntiWhale bool `json:"anti_whale"`
	HighFee   bool `json:"high_fee"`
}

// Set returns the names of the set flags, sorted.
func (f Flags) Set() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(f.Honeypot, FlagHoneypot)
	add(f.Mintable, FlagMintable)
	add(f.Blacklist, FlagBlacklist)
	add(f.Whitelist, FlagWhitelist)
	add(f.Cooldown, FlagCooldown)
	add(f.AntiWhale, FlagAntiWhale)
	add(f.HighFee, FlagHighFee)
	sort.Strings(out)
	return out
}

// Score sums the weights of the set flags, clamped to [0,100].
func (f Flags) Score(weights map[string]int) int {
	score := 0
	for _, name := range f.Set() {
		score += weights[name]
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Result is the analysis of one token. Only results whose round trip was
// measured are cached; a token without a pair yet is analyzed again.
type Result struct {
	Address    common.Address  `json:"address"`
	ChainID    uint64          `json:"chain_id"`
	Symbol     string          `json:"symbol"`
	Decimals   uint8           `json:"decimals"`
	Flags      Flags           `json:"flags"`
	RiskScore  int             `json:"risk_score"` // 0..100
	Notes      []string        `json:"notes,omitempty"`
	Simulation *SimResult      `json:"simulation,omitempty"`
	Liquidity  decimal.Decimal `json:"liquidity"` // quote-token reserve, human units
	AnalyzedAt time.Time       `json:"analyzed_at"`
	LatencyMs  int64           `json:"latency_ms"`

	// Simulated is set when a buy-then-sell round trip was measured.
	Simulated bool `json:"simulated"`
	// PairPending is set when no pair held liquidity at the analyzed block.
	PairPending bool `json:"pair_pending,omitempty"`

	Cached bool `json:"-"`
}

func (r *Result) note(msg string) { r.Notes = append(r.Notes, msg) }

func (r *Result) clone() *Result {
	out := *r
	out.Notes = append([]string(nil), r.Notes...)
	if r.Simulation != nil {
		sim := *r.Simulation
		out.Simulation = &sim
	}
	return &out
}

// estimatedSize approximates the memory held by a cached result.
func (r *Result) estimatedSize() int64 {
	size := int64(256)
	for _, n := range r.Notes {
		size += int64(len(n)) + 16
	}
	if r.Simulation != nil {
		size += 192
	}
	return size
}
