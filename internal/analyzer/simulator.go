package analyzer

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

// Backend is the read-only chain access the analyzer needs.
type Backend interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

type connBackend struct {
	conns   connection.Doer
	chainID uint64
}

// NewConnBackend reads through the connection manager so analyzer calls fail
// over with everything else.
func NewConnBackend(conns connection.Doer, chainID uint64) Backend {
	return &connBackend{conns: conns, chainID: chainID}
}

func (b *connBackend) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	_, err := b.conns.Do(ctx, b.chainID, func(ctx context.Context, c evm.Client) error {
		var err error
		code, err = c.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

func (b *connBackend) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	_, err := b.conns.Do(ctx, b.chainID, func(ctx context.Context, c evm.Client) error {
		var err error
		out, err = c.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

type clientBackend struct{ c evm.Client }

// NewClientBackend reads from a single client.
func NewClientBackend(c evm.Client) Backend { return clientBackend{c: c} }

func (b clientBackend) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return b.c.CodeAt(ctx, addr, nil)
}

func (b clientBackend) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return b.c.CallContract(ctx, msg, nil)
}

// SimResult is the outcome of a buy-then-sell simulation. Amounts are raw
// token units.
type SimResult struct {
	Pair          common.Address `json:"pair"`
	NoPair        bool           `json:"no_pair,omitempty"`
	QuoteReserve  *big.Int       `json:"quote_reserve,omitempty"`
	TokenReserve  *big.Int       `json:"token_reserve,omitempty"`
	BuyAmount     *big.Int       `json:"buy_amount,omitempty"`
	TokensOut     *big.Int       `json:"tokens_out,omitempty"`
	SellOut       *big.Int       `json:"sell_out,omitempty"`
	SellFailed    bool           `json:"sell_failed,omitempty"`
	RevertReason  string         `json:"revert_reason,omitempty"`
	RoundTripLoss float64        `json:"round_trip_loss_pct"` // percent of buy amount lost
}

// Simulator runs a buy of buyAmount quote units followed by a sell of the
// proceeds.
type Simulator interface {
	Simulate(ctx context.Context, token common.Address, buyAmount *big.Int) (*SimResult, error)
}

// UniswapV2 fee: 0.3% of input.
var (
	feeNumerator   = big.NewInt(997)
	feeDenominator = big.NewInt(1000)
)

// AMMSimulator models the trade on a UniswapV2 pair snapshot taken at the
// latest block, and probes the router's sell quote.
type AMMSimulator struct {
	backend Backend
	factory common.Address
	router  common.Address
	quote   common.Address // WETH
}

func NewAMMSimulator(backend Backend, factory, router, quote common.Address) *AMMSimulator {
	return &AMMSimulator{backend: backend, factory: factory, router: router, quote: quote}
}

func (s *AMMSimulator) Simulate(ctx context.Context, token common.Address, buyAmount *big.Int) (*SimResult, error) {
	if buyAmount == nil || buyAmount.Sign() <= 0 {
		return nil, apperr.Newf(apperr.Validation, "analyzer.simulate", "buy amount must be positive")
	}
	res := &SimResult{BuyAmount: new(big.Int).Set(buyAmount)}

	pair, err := s.address(ctx, contracts.Factory, s.factory, "getPair", contracts.PackGetPair(token, s.quote))
	if err != nil {
		return nil, err
	}
	if pair == (common.Address{}) {
		res.NoPair = true
		return res, nil
	}
	res.Pair = pair

	out, err := s.backend.Call(ctx, ethereum.CallMsg{To: &pair, Data: contracts.PackGetReserves()})
	if err != nil {
		return nil, err
	}
	r0, r1, err := contracts.UnpackReserves(out)
	if err != nil {
		return nil, err
	}
	token0, err := s.address(ctx, contracts.Pair, pair, "token0", contracts.PackToken0())
	if err != nil {
		return nil, err
	}
	rQuote, rToken := r0, r1
	if token0 == token {
		rQuote, rToken = r1, r0
	}
	res.QuoteReserve, res.TokenReserve = rQuote, rToken
	if rQuote.Sign() == 0 || rToken.Sign() == 0 {
		res.NoPair = true
		return res, nil
	}

	res.TokensOut = amountOut(buyAmount, rQuote, rToken)
	if res.TokensOut.Sign() == 0 {
		res.SellFailed = true
		res.RevertReason = "buy yields zero tokens"
		res.SellOut = new(big.Int)
		res.RoundTripLoss = 100
		return res, nil
	}

	// Sell into the reserves as they stand after our buy.
	postQuote := new(big.Int).Add(rQuote, buyAmount)
	postToken := new(big.Int).Sub(rToken, res.TokensOut)
	res.SellOut = amountOut(res.TokensOut, postToken, postQuote)

	// The router must quote the sell path; a revert there means the path
	// cannot be sold at all. A quote below the model wins.
	probe := contracts.PackGetAmountsOut(res.TokensOut, []common.Address{token, s.quote})
	if out, err := s.backend.Call(ctx, ethereum.CallMsg{To: &s.router, Data: probe}); err != nil {
		if apperr.ClassOf(err) != apperr.DomainRevert {
			return nil, err
		}
		res.SellFailed = true
		res.RevertReason = contracts.RevertReason(err)
	} else if amounts, err := contracts.UnpackAmounts(out); err != nil || len(amounts) < 2 || amounts[len(amounts)-1].Sign() == 0 {
		res.SellFailed = true
		res.RevertReason = "sell quote unavailable"
	} else if quoted := amounts[len(amounts)-1]; quoted.Cmp(res.SellOut) < 0 {
		res.SellOut = new(big.Int).Set(quoted)
	}

	if res.SellFailed {
		res.SellOut = new(big.Int)
	}
	res.RoundTripLoss = lossPct(buyAmount, res.SellOut)

	log.Debug().
		Str("token", token.Hex()).
		Str("pair", pair.Hex()).
		Str("buy", buyAmount.String()).
		Str("tokens_out", res.TokensOut.String()).
		Str("sell_out", res.SellOut.String()).
		Float64("loss_pct", res.RoundTripLoss).
		Bool("sell_failed", res.SellFailed).
		Msg("analyzer: buy-then-sell simulation")
	return res, nil
}

func (s *AMMSimulator) address(ctx context.Context, parsed abi.ABI, to common.Address, method string, data []byte) (common.Address, error) {
	out, err := s.backend.Call(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", method, err)
	}
	return contracts.UnpackAddress(parsed, method, out)
}

// amountOut is UniswapV2Library.getAmountOut.
func amountOut(in, reserveIn, reserveOut *big.Int) *big.Int {
	inWithFee := new(big.Int).Mul(in, feeNumerator)
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, feeDenominator)
	den.Add(den, inWithFee)
	if den.Sign() == 0 {
		return new(big.Int)
	}
	return num.Quo(num, den)
}

func lossPct(buy, sell *big.Int) float64 {
	if buy.Sign() == 0 {
		return 0
	}
	b := decimal.NewFromBigInt(buy, 0)
	s := decimal.NewFromBigInt(sell, 0)
	loss, _ := b.Sub(s).Div(b).Mul(decimal.NewFromInt(100)).Float64()
	if loss < 0 {
		return 0
	}
	return loss
}
