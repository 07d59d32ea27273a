package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/snipebot/snipebot/internal/apperr"
)

// CallKind groups the router and factory methods that signal a token.
type CallKind string

const (
	KindAddLiquidity CallKind = "add_liquidity"
	KindCreatePair   CallKind = "create_pair"
	KindSwap         CallKind = "swap"
)

// RouterCall is a decoded router or factory call.
type RouterCall struct {
	Method       string
	Kind         CallKind
	Tokens       []common.Address // every token named by the call, in argument order
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Deadline     *big.Int
}

var watchedMethods = map[string]CallKind{
	"addLiquidity":             KindAddLiquidity,
	"addLiquidityETH":          KindAddLiquidity,
	"createPair":               KindCreatePair,
	"swapExactETHForTokens":    KindSwap,
	"swapETHForExactTokens":    KindSwap,
	"swapExactTokensForTokens": KindSwap,
	"swapExactETHForTokensSupportingFeeOnTransferTokens": KindSwap,
}

// ErrNotWatched is returned for calldata that is not a watched method.
var ErrNotWatched = errors.New("not a watched router call")

// DecodeRouterCall decodes calldata sent to a UniswapV2-compatible router or
// factory. Unknown selectors return ErrNotWatched; malformed arguments return
// a Protocol error.
func DecodeRouterCall(data []byte) (*RouterCall, error) {
	if len(data) < 4 {
		return nil, ErrNotWatched
	}
	method, ok := lookup(data[:4])
	if !ok {
		return nil, ErrNotWatched
	}
	kind, ok := watchedMethods[method.Name]
	if !ok {
		return nil, ErrNotWatched
	}

	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, apperr.New(apperr.Protocol, "contracts.decode", fmt.Errorf("%s: %w", method.Name, err))
	}

	call := &RouterCall{Method: method.Name, Kind: kind}
	for _, in := range method.Inputs {
		switch in.Name {
		case "token", "tokenA", "tokenB":
			if a, ok := args[in.Name].(common.Address); ok {
				call.Tokens = append(call.Tokens, a)
			}
		case "path":
			if p, ok := args[in.Name].([]common.Address); ok {
				call.Tokens = append(call.Tokens, p...)
			}
		case "amountIn", "amountTokenDesired", "amountADesired":
			call.AmountIn, _ = args[in.Name].(*big.Int)
		case "amountOutMin", "amountOut":
			call.AmountOutMin, _ = args[in.Name].(*big.Int)
		case "deadline":
			call.Deadline, _ = args[in.Name].(*big.Int)
		}
	}
	if len(call.Tokens) == 0 {
		return nil, apperr.Newf(apperr.Protocol, "contracts.decode", "%s: no token arguments", method.Name)
	}
	return call, nil
}

func lookup(selector []byte) (*abi.Method, bool) {
	if m, err := Router.MethodById(selector); err == nil {
		return m, true
	}
	if m, err := Factory.MethodById(selector); err == nil {
		return m, true
	}
	return nil, false
}

// CandidateToken returns the last token in call that is not one of bases.
// Swaps name their output token last; liquidity and pair calls name the new
// token next to the base.
func (c *RouterCall) CandidateToken(bases ...common.Address) (common.Address, bool) {
	for i := len(c.Tokens) - 1; i >= 0; i-- {
		t := c.Tokens[i]
		if t == (common.Address{}) || isBase(t, bases) {
			continue
		}
		return t, true
	}
	return common.Address{}, false
}

func isBase(t common.Address, bases []common.Address) bool {
	for _, b := range bases {
		if t == b {
			return true
		}
	}
	return false
}
