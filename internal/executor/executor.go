// Package executor submits approvals and swaps, tracks each swap to
// inclusion and recovers from the reverts a snipe can reasonably retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/gas"
	"github.com/snipebot/snipebot/internal/risk"
)

// ---------------------------------------------------------------------------
// Trade Executor
// approve -> quote -> price gas -> submit -> wait (one replacement) ->
// classify revert -> at most one adjusted retry
// ---------------------------------------------------------------------------

// Failure reasons carried on errors and SnipeResult.Reason.
const (
	ReasonSlippage    = "Slippage"
	ReasonDeadline    = "Deadline"
	ReasonLiquidity   = "Liquidity"
	ReasonGeneric     = "Generic"
	ReasonNoAnalysis  = "NoAnalysis"
	ReasonRiskTooHigh = "RiskTooHigh"
	ReasonNotIncluded = "NotIncluded"
	ReasonCanceled    = "Canceled"
)

// Config configures the executor. Per-trade limits come from
// config.SnipeConfig on each call.
type Config struct {
	ChainID         uint64
	Router          common.Address
	WETH            common.Address
	DryRun          bool
	SwapGasLimit    uint64
	ApproveGasLimit uint64
}

func DefaultConfig() Config {
	return Config{
		SwapGasLimit:    350_000,
		ApproveGasLimit: 80_000,
	}
}

// Request asks for one buy.
type Request struct {
	Token    evm.TokenInfo
	AmountIn *big.Int // quote token wei; nil spends snipe.max_amount_in
	Risk     *risk.Assessment
}

// SnipeResult is the outcome of a buy or sell.
type SnipeResult struct {
	ID          string          `json:"id"`
	Token       common.Address  `json:"token_address"`
	AmountIn    *big.Int        `json:"amount_in"`
	AmountOut   *big.Int        `json:"amount_out"`
	Tx          evm.Transaction `json:"tx"`
	LatencyMs   int64           `json:"latency_ms"`
	Attempts    int             `json:"attempts"`
	Success     bool            `json:"success"`
	Reason      string          `json:"reason,omitempty"`
	SlippageBps int             `json:"slippage_bps"`
	DryRun      bool            `json:"dry_run"`
}

// ApproveOutcome is returned by ApproveToken. AlreadySufficient means no
// transaction was sent.
type ApproveOutcome struct {
	AlreadySufficient bool             `json:"already_sufficient"`
	Allowance         *big.Int         `json:"allowance"`
	Tx                *evm.Transaction `json:"tx,omitempty"`
}

type approveKey struct {
	token, spender common.Address
}

func (k approveKey) String() string { return k.token.Hex() + ":" + k.spender.Hex() }

// Executor executes trades for one wallet on one chain.
type Executor struct {
	config  Config
	conns   connection.Doer
	wallet  *evm.Wallet
	gas     *gas.Optimizer
	nonces  *NonceManager
	chainID *big.Int

	approving singleflight.Group // one approval in flight per (token, spender)

	mu           sync.Mutex
	dryAllowance map[approveKey]*big.Int

	graceWG sync.WaitGroup

	snipes        atomic.Uint64
	sells         atomic.Uint64
	confirmed     atomic.Uint64
	failed        atomic.Uint64
	refused       atomic.Uint64
	canceled      atomic.Uint64
	resubmits     atomic.Uint64
	revertRetries atomic.Uint64
	approvals     atomic.Uint64
	approveSkips  atomic.Uint64
	graceResolved atomic.Uint64
	graceExpired  atomic.Uint64
	inFlight      atomic.Int64
}

func New(cfg Config, conns connection.Doer, wallet *evm.Wallet, optimizer *gas.Optimizer) *Executor {
	def := DefaultConfig()
	if cfg.SwapGasLimit == 0 {
		cfg.SwapGasLimit = def.SwapGasLimit
	}
	if cfg.ApproveGasLimit == 0 {
		cfg.ApproveGasLimit = def.ApproveGasLimit
	}
	return &Executor{
		config:       cfg,
		conns:        conns,
		wallet:       wallet,
		gas:          optimizer,
		nonces:       NewNonceManager(conns, cfg.ChainID, wallet.Address()),
		chainID:      new(big.Int).SetUint64(cfg.ChainID),
		dryAllowance: make(map[approveKey]*big.Int),
	}
}

// Nonces exposes the wallet's nonce manager.
func (e *Executor) Nonces() *NonceManager { return e.nonces }

// trace counts transport retries across the RPCs of one trade.
type trace struct {
	retries int
}

func (e *Executor) do(ctx context.Context, t *trace, fn connection.Func) error {
	n, err := e.conns.Do(ctx, e.config.ChainID, fn)
	if t != nil && n > 1 {
		t.retries += n - 1
	}
	return err
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// ApproveToken makes sure spender may move amount of token. Concurrent calls
// for the same (token, spender) share one approval, so repeating a call with
// the same amount sends at most one transaction.
func (e *Executor) ApproveToken(ctx context.Context, token, spender common.Address, amount *big.Int) (*ApproveOutcome, error) {
	return e.approve(ctx, nil, token, spender, amount, config.SnipeConfig{})
}

// approve joins the approval in flight for (token, spender), or starts one.
// A caller that joined an approval for a smaller amount starts its own once
// that one lands.
func (e *Executor) approve(ctx context.Context, t *trace, token, spender common.Address, amount *big.Int, cfg config.SnipeConfig) (*ApproveOutcome, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperr.Newf(apperr.Validation, "executor.approve", "amount must be positive")
	}
	key := approveKey{token: token, spender: spender}
	for {
		var led bool
		v, err, _ := e.approving.Do(key.String(), func() (interface{}, error) {
			led = true
			return e.approveOnce(ctx, t, key, amount, cfg)
		})
		if led {
			if err != nil {
				return nil, err
			}
			return v.(*ApproveOutcome), nil
		}
		if err != nil {
			// the leader's deadline is not ours
			if ctx.Err() == nil && isContextErr(err) {
				continue
			}
			return nil, err
		}
		shared := v.(*ApproveOutcome)
		if shared.Allowance != nil && shared.Allowance.Cmp(amount) >= 0 {
			e.approveSkips.Add(1)
			return &ApproveOutcome{AlreadySufficient: true, Allowance: new(big.Int).Set(shared.Allowance)}, nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) approveOnce(ctx context.Context, t *trace, key approveKey, amount *big.Int, cfg config.SnipeConfig) (*ApproveOutcome, error) {
	token, spender := key.token, key.spender
	if e.config.DryRun {
		e.mu.Lock()
		have := e.dryAllowance[key]
		sufficient := have != nil && have.Cmp(amount) >= 0
		if !sufficient {
			e.dryAllowance[key] = new(big.Int).Set(amount)
		}
		e.mu.Unlock()
		if sufficient {
			e.approveSkips.Add(1)
			return &ApproveOutcome{AlreadySufficient: true, Allowance: new(big.Int).Set(have)}, nil
		}
		e.approvals.Add(1)
		rec := evm.Transaction{
			Hash:    syntheticHash("approve", token.Hex(), spender.Hex(), amount.String()),
			From:    e.wallet.Address(),
			To:      token,
			Value:   new(big.Int),
			Success: true,
		}
		log.Info().Str("token", token.Hex()).Str("spender", spender.Hex()).Msg("executor: DRY RUN approve")
		return &ApproveOutcome{Allowance: new(big.Int).Set(amount), Tx: &rec}, nil
	}

	current, err := e.allowance(ctx, t, token, spender)
	if err != nil {
		return nil, err
	}
	if current.Cmp(amount) >= 0 {
		e.approveSkips.Add(1)
		return &ApproveOutcome{AlreadySufficient: true, Allowance: current}, nil
	}

	q, err := e.gas.QuoteWithin(ctx, ceilingOf(cfg))
	if err != nil {
		return nil, err
	}
	data := contracts.PackApprove(spender, amount)
	signed, _, err := e.sendNew(ctx, t, func(nonce uint64) *types.Transaction {
		return e.buildTx(nonce, token, data, e.config.ApproveGasLimit, q)
	})
	if err != nil {
		return nil, err
	}

	timeout := cfg.InclusionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	r, err := e.waitReceipt(waitCtx, t, []common.Hash{signed.Hash()}, pollOf(cfg))
	cancel()
	if err != nil {
		return nil, apperr.New(apperr.ClassOf(err), "executor.approve", fmt.Errorf("approve %s: %w", signed.Hash().Hex(), err))
	}
	rec := evm.TransactionFromReceipt(signed, e.wallet.Address(), r)
	if !rec.Success {
		return nil, apperr.WithReason(apperr.DomainRevert, "executor.approve", ReasonGeneric,
			fmt.Errorf("approve %s reverted", rec.Hash.Hex()))
	}
	e.approvals.Add(1)
	log.Info().
		Str("token", token.Hex()).
		Str("spender", spender.Hex()).
		Str("amount", amount.String()).
		Str("tx", rec.Hash.Hex()).
		Msg("executor: allowance approved")
	return &ApproveOutcome{Allowance: new(big.Int).Set(amount), Tx: &rec}, nil
}

func (e *Executor) allowance(ctx context.Context, t *trace, token, spender common.Address) (*big.Int, error) {
	owner := e.wallet.Address()
	var out *big.Int
	err := e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
		data, err := c.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: contracts.PackAllowance(owner, spender)}, nil)
		if err != nil {
			return err
		}
		out, err = contracts.UnpackUint256("allowance", data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read allowance of %s: %w", token.Hex(), err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Snipe / Sell
// ---------------------------------------------------------------------------

// Snipe buys req.Token with the quote token. It refuses without a risk
// assessment or when the assessment exceeds cfg.MaxRiskScore.
func (e *Executor) Snipe(ctx context.Context, req Request, cfg config.SnipeConfig) (*SnipeResult, error) {
	res := &SnipeResult{
		ID:     uuid.New().String()[:12],
		Token:  req.Token.Address,
		DryRun: e.config.DryRun,
	}
	if req.Risk == nil {
		e.refused.Add(1)
		return res, apperr.WithReason(apperr.Validation, "executor.snipe", ReasonNoAnalysis,
			fmt.Errorf("no risk analysis for %s", req.Token.Address.Hex()))
	}
	if req.Risk.Token != req.Token.Address {
		e.refused.Add(1)
		return res, apperr.WithReason(apperr.Validation, "executor.snipe", ReasonNoAnalysis,
			fmt.Errorf("risk analysis is for %s, not %s", req.Risk.Token.Hex(), req.Token.Address.Hex()))
	}
	if req.Risk.Score > cfg.MaxRiskScore {
		e.refused.Add(1)
		log.Warn().
			Str("token", req.Token.Address.Hex()).
			Float64("score", req.Risk.Score).
			Float64("max", cfg.MaxRiskScore).
			Msg("executor: snipe refused, risk too high")
		return res, apperr.WithReason(apperr.Validation, "executor.snipe", ReasonRiskTooHigh,
			fmt.Errorf("risk score %.2f exceeds %.2f", req.Risk.Score, cfg.MaxRiskScore))
	}
	amountIn, err := amountInFor(req.AmountIn, cfg)
	if err != nil {
		e.refused.Add(1)
		return res, err
	}
	res.AmountIn = amountIn
	e.snipes.Add(1)

	log.Info().
		Str("snipe_id", res.ID).
		Str("token", req.Token.Address.Hex()).
		Str("symbol", req.Token.Symbol).
		Str("amount_in", evm.FromWei(amountIn, 18).String()).
		Float64("risk", req.Risk.Score).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: EXECUTING SNIPE")

	return e.execute(ctx, res, []common.Address{e.config.WETH, req.Token.Address}, amountIn, cfg)
}

// Sell swaps amount of token back to the quote token along the reversed
// path. No risk check applies to exits.
func (e *Executor) Sell(ctx context.Context, token evm.TokenInfo, amount *big.Int, cfg config.SnipeConfig) (*SnipeResult, error) {
	res := &SnipeResult{
		ID:       uuid.New().String()[:12],
		Token:    token.Address,
		AmountIn: amount,
		DryRun:   e.config.DryRun,
	}
	if amount == nil || amount.Sign() <= 0 {
		return res, apperr.Newf(apperr.Validation, "executor.sell", "amount must be positive")
	}
	e.sells.Add(1)
	log.Info().
		Str("snipe_id", res.ID).
		Str("token", token.Address.Hex()).
		Str("amount", amount.String()).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: EXECUTING SELL")
	return e.execute(ctx, res, []common.Address{token.Address, e.config.WETH}, amount, cfg)
}

func amountInFor(requested *big.Int, cfg config.SnipeConfig) (*big.Int, error) {
	var limit *big.Int
	if cfg.MaxAmountIn != "" {
		d, err := decimal.NewFromString(cfg.MaxAmountIn)
		if err != nil {
			return nil, apperr.Newf(apperr.Validation, "executor.snipe", "invalid max_amount_in %q", cfg.MaxAmountIn)
		}
		limit = evm.ToWei(d, 18)
	}
	switch {
	case requested == nil && limit == nil:
		return nil, apperr.Newf(apperr.Validation, "executor.snipe", "no amount and no max_amount_in")
	case requested == nil:
		return limit, nil
	case requested.Sign() <= 0:
		return nil, apperr.Newf(apperr.Validation, "executor.snipe", "amount must be positive")
	case limit != nil && requested.Cmp(limit) > 0:
		return nil, apperr.Newf(apperr.Validation, "executor.snipe", "amount %s exceeds max_amount_in %s", requested, limit)
	}
	return requested, nil
}

// execute runs approve + swap with at most one revert retry under the
// snipe budget. Attempts = 1 + transport retries + revert retries.
func (e *Executor) execute(ctx context.Context, res *SnipeResult, path []common.Address, amountIn *big.Int, cfg config.SnipeConfig) (*SnipeResult, error) {
	start := time.Now()
	budget := cfg.SnipeBudget()
	bctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	t := &trace{}
	revertRetries := 0
	defer func() {
		res.Attempts = 1 + revertRetries + t.retries
		res.LatencyMs = time.Since(start).Milliseconds()
	}()

	if _, err := e.approve(bctx, t, path[0], e.config.Router, amountIn, cfg); err != nil {
		if ierr := e.interrupted(ctx, bctx, res, nil, cfg); ierr != nil {
			return res, ierr
		}
		return e.fail(res, err)
	}

	sp := swapParams{id: res.ID, path: path, amountIn: amountIn, slippageBps: cfg.SlippageBps}
	for {
		out, err := e.swapOnce(bctx, t, sp, cfg)
		res.SlippageBps = sp.slippageBps
		if out != nil && out.record != nil {
			res.Tx = *out.record
		}
		if err == nil {
			res.Success = true
			res.AmountOut = out.amountOut
			e.confirmed.Add(1)
			log.Info().
				Str("snipe_id", res.ID).
				Str("token", res.Token.Hex()).
				Str("tx", res.Tx.Hash.Hex()).
				Uint64("block", res.Tx.BlockNumber).
				Str("amount_out", amountString(res.AmountOut)).
				Int("slippage_bps", sp.slippageBps).
				Msg("executor: swap CONFIRMED")
			return res, nil
		}
		if ierr := e.interrupted(ctx, bctx, res, out, cfg); ierr != nil {
			return res, ierr
		}
		if apperr.ClassOf(err) != apperr.DomainRevert {
			return e.fail(res, err)
		}

		reason := apperr.ReasonOf(err)
		res.Reason = reason
		if revertRetries > 0 {
			return e.fail(res, apperr.WithReason(apperr.Fatal, "executor.swap", reason,
				fmt.Errorf("reverted again after adjustment: %w", err)))
		}
		switch reason {
		case ReasonSlippage:
			widened := sp.slippageBps * 3 / 2
			if widened > cfg.MaxSlippageBps {
				widened = cfg.MaxSlippageBps
			}
			if widened <= sp.slippageBps {
				return e.fail(res, apperr.WithReason(apperr.Fatal, "executor.swap", reason,
					fmt.Errorf("slippage already at max_slippage_bps %d: %w", cfg.MaxSlippageBps, err)))
			}
			sp.slippageBps = widened
		case ReasonDeadline:
			if out == nil {
				return e.fail(res, apperr.WithReason(apperr.Fatal, "executor.swap", reason, err))
			}
			bumped, berr := e.gas.Bump(out.quote)
			if berr != nil {
				return e.fail(res, apperr.WithReason(apperr.Fatal, "executor.swap", reason,
					fmt.Errorf("cannot bump gas for retry: %v: %w", berr, err)))
			}
			sp.quote = &bumped
		default:
			return e.fail(res, apperr.WithReason(apperr.Fatal, "executor.swap", reason, err))
		}
		revertRetries++
		e.revertRetries.Add(1)
		log.Warn().
			Str("snipe_id", res.ID).
			Str("reason", reason).
			Int("slippage_bps", sp.slippageBps).
			Msg("executor: swap reverted, retrying with adjusted parameters")
	}
}

func (e *Executor) fail(res *SnipeResult, err error) (*SnipeResult, error) {
	res.Success = false
	if res.Reason == "" {
		res.Reason = apperr.ReasonOf(err)
	}
	if res.Reason == "" {
		res.Reason = string(apperr.ClassOf(err))
	}
	e.failed.Add(1)
	log.Error().
		Err(err).
		Str("snipe_id", res.ID).
		Str("token", res.Token.Hex()).
		Str("reason", res.Reason).
		Msg("executor: trade FAILED")
	return res, err
}

// interrupted maps caller cancellation and budget exhaustion to errors and
// hands any unresolved submission to a grace waiter. It returns nil when
// neither context has ended.
func (e *Executor) interrupted(ctx, bctx context.Context, res *SnipeResult, out *swapOutcome, cfg config.SnipeConfig) error {
	if bctx.Err() == nil {
		return nil
	}
	if out != nil && out.sub != nil && !out.sub.IsTerminal() {
		e.graceWait(out.sub, cfg)
	}
	res.Success = false
	if ctx.Err() != nil {
		e.canceled.Add(1)
		res.Reason = ReasonCanceled
		log.Warn().Str("snipe_id", res.ID).Str("token", res.Token.Hex()).Msg("executor: trade canceled")
		if errors.Is(ctx.Err(), context.Canceled) {
			return apperr.WithReason(apperr.Canceled, "executor.snipe", ReasonCanceled, ctx.Err())
		}
		return apperr.WithReason(apperr.Transport, "executor.snipe", ReasonCanceled, ctx.Err())
	}
	e.failed.Add(1)
	res.Reason = ReasonNotIncluded
	log.Error().Str("snipe_id", res.ID).Dur("budget", cfg.SnipeBudget()).Msg("executor: snipe budget exhausted")
	return apperr.WithReason(apperr.Transport, "executor.snipe", ReasonNotIncluded,
		fmt.Errorf("budget %s exhausted: %w", cfg.SnipeBudget(), apperr.ErrTimeout))
}

// ---------------------------------------------------------------------------
// Swap submission
// ---------------------------------------------------------------------------

type swapParams struct {
	id          string
	path        []common.Address
	amountIn    *big.Int
	slippageBps int
	quote       *gas.Quote // nil prices fresh
}

type swapOutcome struct {
	sub       *Submission
	quote     gas.Quote
	record    *evm.Transaction
	expected  *big.Int
	minOut    *big.Int
	amountOut *big.Int
}

// minAmountOut = expected * (10000 - bps) / 10000.
func minAmountOut(expected *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(int64(10_000-bps)))
	return out.Quo(out, big.NewInt(10_000))
}

func (e *Executor) swapOnce(ctx context.Context, t *trace, p swapParams, cfg config.SnipeConfig) (*swapOutcome, error) {
	tokenOut := p.path[len(p.path)-1]
	out := &swapOutcome{}

	expected, err := e.expectedOut(ctx, t, p.amountIn, p.path)
	if err != nil {
		return nil, err
	}
	out.expected = expected
	out.minOut = minAmountOut(expected, p.slippageBps)

	if p.quote != nil {
		out.quote = *p.quote
	} else if out.quote, err = e.gas.QuoteWithin(ctx, ceilingOf(cfg)); err != nil {
		return nil, err
	}

	deadline := big.NewInt(time.Now().Add(time.Duration(cfg.DeadlineSecs) * time.Second).Unix())
	data := contracts.PackSwapExactTokensForTokens(p.amountIn, out.minOut, p.path, e.wallet.Address(), deadline)
	out.sub = newSubmission(p.id, tokenOut)

	if e.config.DryRun {
		hash := syntheticHash("swap", p.id, out.minOut.String(), deadline.String())
		_ = out.sub.Transition(EventSubmit, hash, "")
		_ = out.sub.Transition(EventConfirm, common.Hash{}, "")
		out.record = &evm.Transaction{
			Hash:    hash,
			From:    e.wallet.Address(),
			To:      e.config.Router,
			Value:   new(big.Int),
			Success: true,
		}
		out.amountOut = expected
		log.Info().
			Str("snipe_id", p.id).
			Str("expected_out", expected.String()).
			Str("min_out", out.minOut.String()).
			Msg("executor: DRY RUN swap (no real transaction)")
		return out, nil
	}

	before, berr := e.balanceOf(ctx, t, tokenOut)

	signed, nonce, err := e.sendNew(ctx, t, func(nonce uint64) *types.Transaction {
		return e.buildTx(nonce, e.config.Router, data, e.config.SwapGasLimit, out.quote)
	})
	if err != nil {
		_ = out.sub.Transition(EventFail, common.Hash{}, "SendFailed")
		return nil, err
	}
	out.sub.Nonce = nonce
	_ = out.sub.Transition(EventSubmit, signed.Hash(), "")
	rec := evm.TransactionFromReceipt(signed, e.wallet.Address(), nil)
	out.record = &rec
	sent := map[common.Hash]*types.Transaction{signed.Hash(): signed}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	inclusion := cfg.InclusionTimeout
	if inclusion <= 0 {
		inclusion = 30 * time.Second
	}
	inclCtx, cancel := context.WithTimeout(ctx, inclusion)
	r, err := e.waitReceipt(inclCtx, t, out.sub.TxHashes(), pollOf(cfg))
	cancel()
	if err != nil && ctx.Err() == nil {
		if replacement := e.resubmit(ctx, t, out, signed, nonce, data); replacement != nil {
			sent[replacement.Hash()] = replacement
		}
		r, err = e.waitReceipt(ctx, t, out.sub.TxHashes(), pollOf(cfg))
	}
	if err != nil {
		return out, err
	}

	mined := sent[r.TxHash]
	if mined == nil {
		mined = signed
	}
	rec = evm.TransactionFromReceipt(mined, e.wallet.Address(), r)
	out.record = &rec

	if rec.Success {
		_ = out.sub.Transition(EventConfirm, common.Hash{}, "")
		out.amountOut = expected
		if berr == nil {
			if after, err := e.balanceOf(ctx, t, tokenOut); err == nil {
				out.amountOut = new(big.Int).Sub(after, before)
			}
		}
		return out, nil
	}

	raw := e.revertReason(ctx, t, mined, r.BlockNumber)
	reason := classifyRevert(raw)
	_ = out.sub.Transition(EventFail, common.Hash{}, reason)
	log.Warn().
		Str("snipe_id", p.id).
		Str("tx", rec.Hash.Hex()).
		Str("revert", raw).
		Str("class", reason).
		Msg("executor: swap reverted")
	return out, apperr.WithReason(apperr.DomainRevert, "executor.swap", reason,
		fmt.Errorf("tx %s reverted: %s", rec.Hash.Hex(), orUnknown(raw)))
}

// resubmit replaces a stuck swap with the same nonce at bumped gas. It
// returns nil when no replacement was sent.
func (e *Executor) resubmit(ctx context.Context, t *trace, out *swapOutcome, original *types.Transaction, nonce uint64, data []byte) *types.Transaction {
	bumped, err := e.gas.Bump(out.quote)
	if err != nil {
		log.Warn().Err(err).Str("tx", original.Hash().Hex()).Msg("executor: not included, cannot bump; still waiting")
		return nil
	}
	replacement, err := e.send(ctx, t, e.buildTx(nonce, e.config.Router, data, e.config.SwapGasLimit, bumped))
	if err != nil {
		log.Warn().Err(err).Str("tx", original.Hash().Hex()).Msg("executor: replacement rejected; still waiting")
		return nil
	}
	if err := out.sub.Transition(EventResubmit, replacement.Hash(), ""); err != nil {
		log.Warn().Err(err).Msg("executor: replacement not recorded")
		return nil
	}
	out.quote = bumped
	e.resubmits.Add(1)
	log.Warn().
		Str("snipe_id", out.sub.SnipeID).
		Str("original", original.Hash().Hex()).
		Str("replacement", replacement.Hash().Hex()).
		Str("fee_cap_gwei", evm.Gwei(bumped.MaxFee())).
		Msg("executor: not included in time, resubmitted with bumped gas")
	return replacement
}

func (e *Executor) expectedOut(ctx context.Context, t *trace, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	var amounts []*big.Int
	router := e.config.Router
	err := e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
		data, err := c.CallContract(ctx, ethereum.CallMsg{To: &router, Data: contracts.PackGetAmountsOut(amountIn, path)}, nil)
		if err != nil {
			return err
		}
		amounts, err = contracts.UnpackAmounts(data)
		return err
	})
	if err != nil {
		if apperr.ClassOf(err) == apperr.DomainRevert {
			return nil, apperr.WithReason(apperr.DomainRevert, "executor.quote", ReasonLiquidity,
				fmt.Errorf("getAmountsOut reverted: %s", orUnknown(contracts.RevertReason(err))))
		}
		return nil, err
	}
	expected := amounts[len(amounts)-1]
	if expected.Sign() == 0 {
		return nil, apperr.WithReason(apperr.DomainRevert, "executor.quote", ReasonLiquidity, errors.New("router quotes zero output"))
	}
	return expected, nil
}

func (e *Executor) balanceOf(ctx context.Context, t *trace, token common.Address) (*big.Int, error) {
	owner := e.wallet.Address()
	var bal *big.Int
	err := e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
		data, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: contracts.PackBalanceOf(owner)}, nil)
		if err != nil {
			return err
		}
		bal, err = contracts.UnpackUint256("balanceOf", data)
		return err
	})
	return bal, err
}

// revertReason replays the mined call at its block to read the reason.
func (e *Executor) revertReason(ctx context.Context, t *trace, tx *types.Transaction, block *big.Int) string {
	var reason string
	from := e.wallet.Address()
	_ = e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
		_, err := c.CallContract(ctx, ethereum.CallMsg{
			From:  from,
			To:    tx.To(),
			Gas:   tx.Gas(),
			Value: tx.Value(),
			Data:  tx.Data(),
		}, block)
		reason = contracts.RevertReason(err)
		if apperr.ClassOf(err) == apperr.DomainRevert {
			return nil
		}
		return err
	})
	return reason
}

// classifyRevert maps a UniswapV2 revert string to a retry reason.
func classifyRevert(reason string) string {
	r := strings.ToUpper(reason)
	switch {
	case strings.Contains(r, "INSUFFICIENT_OUTPUT_AMOUNT"):
		return ReasonSlippage
	case strings.Contains(r, "EXPIRED"):
		return ReasonDeadline
	case strings.Contains(r, "INSUFFICIENT_LIQUIDITY"):
		return ReasonLiquidity
	}
	return ReasonGeneric
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (e *Executor) buildTx(nonce uint64, to common.Address, data []byte, gasLimit uint64, q gas.Quote) *types.Transaction {
	if q.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gasLimit,
			GasPrice: q.GasPrice,
			Value:    new(big.Int),
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: q.GasTipCap,
		GasFeeCap: q.GasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
}

func (e *Executor) send(ctx context.Context, t *trace, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := e.wallet.Sign(tx, e.chainID)
	if err != nil {
		return nil, err
	}
	err = e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
		if err := c.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// sendNew signs and sends a transaction built for a fresh nonce. A "nonce
// too low" rejection resyncs the nonce and retries once.
func (e *Executor) sendNew(ctx context.Context, t *trace, build func(nonce uint64) *types.Transaction) (*types.Transaction, uint64, error) {
	for try := 0; ; try++ {
		nonce, err := e.nonces.Next(ctx)
		if err != nil {
			return nil, 0, err
		}
		signed, err := e.send(ctx, t, build(nonce))
		if err == nil {
			return signed, nonce, nil
		}
		if isNonceTooLow(err) && try == 0 {
			log.Warn().Uint64("nonce", nonce).Msg("executor: nonce too low, resyncing")
			e.nonces.Reset()
			continue
		}
		e.nonces.Rollback(nonce)
		return nil, 0, err
	}
}

// waitReceipt polls until one of hashes has a receipt or ctx ends. Poll
// failures are logged and retried; the transaction is already out.
func (e *Executor) waitReceipt(ctx context.Context, t *trace, hashes []common.Hash, poll time.Duration) (*types.Receipt, error) {
	for {
		var found *types.Receipt
		err := e.do(ctx, t, func(ctx context.Context, c evm.Client) error {
			for _, h := range hashes {
				r, err := c.TransactionReceipt(ctx, h)
				if errors.Is(err, ethereum.NotFound) {
					continue
				}
				if err != nil {
					return err
				}
				found = r
				return nil
			}
			return nil
		})
		if found != nil {
			return found, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			log.Debug().Err(err).Msg("executor: receipt poll failed")
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// graceWait keeps awaiting a submission the caller gave up on, so its
// outcome is still logged and recorded.
func (e *Executor) graceWait(sub *Submission, cfg config.SnipeConfig) {
	grace := cfg.ReceiptGrace
	if grace <= 0 {
		return
	}
	hashes := sub.TxHashes()
	poll := pollOf(cfg)

	e.graceWG.Add(1)
	go func() {
		defer e.graceWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		r, err := e.waitReceipt(ctx, nil, hashes, poll)
		if err != nil {
			e.graceExpired.Add(1)
			_ = sub.Transition(EventFail, common.Hash{}, "GraceExpired")
			log.Warn().Str("snipe_id", sub.SnipeID).Dur("grace", grace).Msg("executor: no receipt within grace window")
			return
		}
		e.graceResolved.Add(1)
		if r.Status == types.ReceiptStatusSuccessful {
			_ = sub.Transition(EventConfirm, common.Hash{}, "")
		} else {
			_ = sub.Transition(EventFail, common.Hash{}, "Reverted")
		}
		log.Info().
			Str("snipe_id", sub.SnipeID).
			Str("tx", r.TxHash.Hex()).
			Uint64("status", r.Status).
			Msg("executor: late receipt after cancellation")
	}()
}

// WaitGrace blocks until all grace waiters finish or ctx ends.
func (e *Executor) WaitGrace(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.graceWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

type Stats struct {
	Snipes        uint64 `json:"snipes"`
	Sells         uint64 `json:"sells"`
	Confirmed     uint64 `json:"confirmed"`
	Failed        uint64 `json:"failed"`
	Refused       uint64 `json:"refused"`
	Canceled      uint64 `json:"canceled"`
	Resubmits     uint64 `json:"resubmits"`
	RevertRetries uint64 `json:"revert_retries"`
	Approvals     uint64 `json:"approvals"`
	ApproveSkips  uint64 `json:"approve_skips"`
	GraceResolved uint64 `json:"grace_resolved"`
	GraceExpired  uint64 `json:"grace_expired"`
	InFlight      int64  `json:"in_flight"`
	DryRun        bool   `json:"dry_run"`
}

func (e *Executor) Stats() Stats {
	return Stats{
		Snipes:        e.snipes.Load(),
		Sells:         e.sells.Load(),
		Confirmed:     e.confirmed.Load(),
		Failed:        e.failed.Load(),
		Refused:       e.refused.Load(),
		Canceled:      e.canceled.Load(),
		Resubmits:     e.resubmits.Load(),
		RevertRetries: e.revertRetries.Load(),
		Approvals:     e.approvals.Load(),
		ApproveSkips:  e.approveSkips.Load(),
		GraceResolved: e.graceResolved.Load(),
		GraceExpired:  e.graceExpired.Load(),
		InFlight:      e.inFlight.Load(),
		DryRun:        e.config.DryRun,
	}
}

// EstimatedBytes approximates memory held by approval bookkeeping.
func (e *Executor) EstimatedBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.dryAllowance)) * 96
}

func ceilingOf(cfg config.SnipeConfig) *big.Int {
	if cfg.GasPriceCeiling == 0 {
		return nil
	}
	return new(big.Int).SetUint64(cfg.GasPriceCeiling)
}

func pollOf(cfg config.SnipeConfig) time.Duration {
	if cfg.ReceiptPoll > 0 {
		return cfg.ReceiptPoll
	}
	return time.Second
}

func syntheticHash(parts ...string) common.Hash {
	return crypto.Keccak256Hash([]byte("dryrun:" + strings.Join(parts, ":")))
}

func amountString(v *big.Int) string {
	if v == nil {
		return "n/a"
	}
	return v.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown reason"
	}
	return s
}
