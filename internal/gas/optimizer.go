// Package gas tracks network fee conditions and prices transactions.
package gas

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/evm"
)

// ---------------------------------------------------------------------------
// Dynamic EIP-1559 pricing
// normal: node tip; congested: 2x tip; fee cap = 2 * base fee + tip; hard
// ceiling from configuration.
// ---------------------------------------------------------------------------

const (
	// DefaultRefreshInterval is how often network state is refreshed.
	DefaultRefreshInterval = 3 * time.Second

	// MinBumpPct is the replacement bump most nodes require.
	MinBumpPct = 10
)

// ReasonCeiling is the error reason when the ceiling rules out a price.
const ReasonCeiling = "GasCeiling"

// Config configures the optimizer.
type Config struct {
	ChainID             uint64
	RefreshInterval     time.Duration
	Ceiling             *big.Int // max fee per gas in wei; nil = none
	BumpPct             int
	CongestionThreshold float64 // percent
}

// Quote is the fee to attach to one transaction.
type Quote struct {
	GasFeeCap  *big.Int `json:"gas_fee_cap"`
	GasTipCap  *big.Int `json:"gas_tip_cap"`
	BaseFee    *big.Int `json:"base_fee"`
	GasPrice   *big.Int `json:"gas_price,omitempty"` // legacy chains only
	Legacy     bool     `json:"legacy"`
	Congestion float64  `json:"congestion"`
	Capped     bool     `json:"capped"`

	ceiling *big.Int
}

// MaxFee is the most the quote can cost per gas.
func (q Quote) MaxFee() *big.Int {
	if q.Legacy {
		return q.GasPrice
	}
	return q.GasFeeCap
}

// Optimizer refreshes NetworkState and prices transactions from it.
type Optimizer struct {
	config Config
	conns  connection.Doer

	mu        sync.RWMutex
	state     evm.NetworkState
	have      bool
	lastBlock uint64
	lastTime  uint64

	refreshes atomic.Uint64
	failures  atomic.Uint64
	capped    atomic.Uint64
	bumps     atomic.Uint64

	stopCh chan struct{}
}

func NewOptimizer(config Config, conns connection.Doer) *Optimizer {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.BumpPct < MinBumpPct {
		config.BumpPct = MinBumpPct
	}
	if config.CongestionThreshold <= 0 {
		config.CongestionThreshold = 80
	}
	return &Optimizer{config: config, conns: conns, stopCh: make(chan struct{})}
}

// Start refreshes network state periodically until ctx ends or Stop.
func (o *Optimizer) Start(ctx context.Context) {
	if _, err := o.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("gas: initial refresh failed")
	}

	ticker := time.NewTicker(o.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if _, err := o.Refresh(ctx); err != nil {
				log.Debug().Err(err).Msg("gas: refresh failed")
			}
		}
	}
}

// Stop terminates the refresh loop.
func (o *Optimizer) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
}

// Refresh reads the latest header, fee suggestions and pending count.
func (o *Optimizer) Refresh(ctx context.Context) (evm.NetworkState, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st evm.NetworkState
	var headerTime uint64
	_, err := o.conns.Do(fetchCtx, o.config.ChainID, func(ctx context.Context, c evm.Client) error {
		h, err := c.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		st.BlockNumber = h.Number.Uint64()
		st.BaseFee = h.BaseFee
		headerTime = h.Time
		if h.GasLimit > 0 {
			st.Congestion = float64(h.GasUsed) / float64(h.GasLimit) * 100
		}
		if st.GasPrice, err = c.SuggestGasPrice(ctx); err != nil {
			return err
		}
		if h.BaseFee != nil {
			if st.TipCap, err = c.SuggestGasTipCap(ctx); err != nil {
				return err
			}
		}
		pending, err := c.PendingTransactionCount(ctx)
		if err != nil {
			return err
		}
		st.PendingTxCount = pending
		return nil
	})
	if err != nil {
		o.failures.Add(1)
		return evm.NetworkState{}, err
	}
	st.UpdatedAt = time.Now()

	o.mu.Lock()
	if o.lastBlock > 0 && st.BlockNumber > o.lastBlock && headerTime > o.lastTime {
		per := float64(headerTime-o.lastTime) / float64(st.BlockNumber-o.lastBlock)
		st.BlockTime = time.Duration(per * float64(time.Second))
	} else if o.have {
		st.BlockTime = o.state.BlockTime
	}
	if st.BlockNumber != o.lastBlock {
		o.lastBlock, o.lastTime = st.BlockNumber, headerTime
	}
	o.state = st
	o.have = true
	o.mu.Unlock()
	o.refreshes.Add(1)

	log.Debug().
		Uint64("block", st.BlockNumber).
		Str("base_fee_gwei", gwei(st.BaseFee)).
		Str("tip_gwei", gwei(st.TipCap)).
		Float64("congestion", st.Congestion).
		Uint("pending", st.PendingTxCount).
		Msg("gas: network state updated")
	return st, nil
}

// State returns the last network state, if any.
func (o *Optimizer) State() (evm.NetworkState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state, o.have
}

// Quote prices a transaction from the current state, refreshing when the
// state is missing or older than two refresh intervals.
func (o *Optimizer) Quote(ctx context.Context) (Quote, error) {
	return o.QuoteWithin(ctx, nil)
}

// QuoteWithin is Quote under the tighter of the configured ceiling and
// ceiling (nil or zero means the configured one only).
func (o *Optimizer) QuoteWithin(ctx context.Context, ceiling *big.Int) (Quote, error) {
	st, ok := o.State()
	if !ok || time.Since(st.UpdatedAt) > 2*o.config.RefreshInterval {
		var err error
		if st, err = o.Refresh(ctx); err != nil {
			return Quote{}, err
		}
	}
	limit := o.config.Ceiling
	if ceiling != nil && ceiling.Sign() > 0 && (limit == nil || ceiling.Cmp(limit) < 0) {
		limit = ceiling
	}
	return o.quote(st, limit)
}

func (o *Optimizer) quote(st evm.NetworkState, ceiling *big.Int) (Quote, error) {
	q := Quote{Congestion: st.Congestion, ceiling: ceiling}
	congested := st.Congestion >= o.config.CongestionThreshold

	if st.BaseFee == nil {
		q.Legacy = true
		q.GasPrice = new(big.Int).Set(st.GasPrice)
		if congested {
			q.GasPrice.Mul(q.GasPrice, big.NewInt(2))
		}
		if ceiling != nil && q.GasPrice.Cmp(ceiling) > 0 {
			q.GasPrice = new(big.Int).Set(ceiling)
			q.Capped = true
			o.capped.Add(1)
		}
		return q, nil
	}

	q.BaseFee = new(big.Int).Set(st.BaseFee)
	if ceiling != nil && q.BaseFee.Cmp(ceiling) >= 0 {
		return Quote{}, apperr.WithReason(apperr.Validation, "gas.quote", ReasonCeiling,
			errCeiling(q.BaseFee, ceiling))
	}

	tip := big.NewInt(1_000_000_000) // 1 gwei floor when the node has no opinion
	if st.TipCap != nil && st.TipCap.Sign() > 0 {
		tip = new(big.Int).Set(st.TipCap)
	}
	if congested {
		tip.Mul(tip, big.NewInt(2))
	}
	feeCap := new(big.Int).Mul(q.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	if ceiling != nil && feeCap.Cmp(ceiling) > 0 {
		feeCap = new(big.Int).Set(ceiling)
		q.Capped = true
		o.capped.Add(1)
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	q.GasFeeCap, q.GasTipCap = feeCap, tip
	return q, nil
}

// Bump raises a quote by BumpPct for a same-nonce replacement. It fails when
// the ceiling leaves no room for a valid replacement.
func (o *Optimizer) Bump(q Quote) (Quote, error) {
	pct := big.NewInt(int64(100 + o.config.BumpPct))
	hundred := big.NewInt(100)
	scale := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, pct)
		return out.Quo(out, hundred)
	}
	// Replacement needs both caps at least MinBumpPct above the original.
	minimum := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, big.NewInt(100+MinBumpPct))
		return out.Quo(out, hundred)
	}

	ceiling := q.ceiling
	if ceiling == nil {
		ceiling = o.config.Ceiling
	}
	out := q
	out.Capped = false
	if q.Legacy {
		out.GasPrice = scale(q.GasPrice)
		if ceiling != nil && out.GasPrice.Cmp(ceiling) > 0 {
			out.GasPrice = new(big.Int).Set(ceiling)
			out.Capped = true
		}
		if out.GasPrice.Cmp(minimum(q.GasPrice)) < 0 {
			return q, apperr.WithReason(apperr.Validation, "gas.bump", ReasonCeiling, errCeiling(out.GasPrice, ceiling))
		}
		o.bumps.Add(1)
		return out, nil
	}

	out.GasTipCap = scale(q.GasTipCap)
	out.GasFeeCap = scale(q.GasFeeCap)
	if ceiling != nil && out.GasFeeCap.Cmp(ceiling) > 0 {
		out.GasFeeCap = new(big.Int).Set(ceiling)
		out.Capped = true
	}
	if out.GasTipCap.Cmp(out.GasFeeCap) > 0 {
		out.GasTipCap = new(big.Int).Set(out.GasFeeCap)
	}
	if out.GasFeeCap.Cmp(minimum(q.GasFeeCap)) < 0 || out.GasTipCap.Cmp(minimum(q.GasTipCap)) < 0 {
		return q, apperr.WithReason(apperr.Validation, "gas.bump", ReasonCeiling, errCeiling(out.GasFeeCap, ceiling))
	}
	o.bumps.Add(1)
	log.Debug().
		Str("fee_cap_gwei", gwei(out.GasFeeCap)).
		Str("tip_gwei", gwei(out.GasTipCap)).
		Msg("gas: quote bumped")
	return out, nil
}

// Stats returns optimizer counters and the current state.
type Stats struct {
	State     evm.NetworkState `json:"state"`
	Refreshes uint64           `json:"refreshes"`
	Failures  uint64           `json:"failures"`
	Capped    uint64           `json:"capped"`
	Bumps     uint64           `json:"bumps"`
}

func (o *Optimizer) Stats() Stats {
	st, _ := o.State()
	return Stats{
		State:     st,
		Refreshes: o.refreshes.Load(),
		Failures:  o.failures.Load(),
		Capped:    o.capped.Load(),
		Bumps:     o.bumps.Load(),
	}
}

type ceilingError struct {
	fee, ceiling *big.Int
}

func (e ceilingError) Error() string {
	return "fee " + gwei(e.fee) + " gwei does not fit under ceiling " + gwei(e.ceiling) + " gwei"
}

func errCeiling(fee, ceiling *big.Int) error { return ceilingError{fee: fee, ceiling: ceiling} }

func gwei(v *big.Int) string {
	if v == nil {
		return "n/a"
	}
	return evm.Gwei(v)
}
