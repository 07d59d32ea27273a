// Package contracts packs and unpacks calldata for the ERC-20 and UniswapV2
// contracts the pipeline talks to, and decodes router calls seen in the
// mempool.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/snipebot/snipebot/internal/apperr"
)

// Selector returns the 4-byte method ID of name in parsed.
func Selector(parsed abi.ABI, name string) []byte {
	m, ok := parsed.Methods[name]
	if !ok {
		panic("contracts: unknown method " + name)
	}
	return m.ID
}

func pack(parsed abi.ABI, name string, args ...interface{}) []byte {
	data, err := parsed.Pack(name, args...)
	if err != nil {
		// Arguments are typed by the helpers below; a failure is a programming error.
		panic(fmt.Sprintf("contracts: pack %s: %v", name, err))
	}
	return data
}

func unpack(parsed abi.ABI, name string, data []byte) ([]interface{}, error) {
	out, err := parsed.Unpack(name, data)
	if err != nil {
		return nil, apperr.New(apperr.Protocol, "contracts.unpack", fmt.Errorf("%s: %w", name, err))
	}
	if len(out) == 0 {
		return nil, apperr.Newf(apperr.Protocol, "contracts.unpack", "%s: empty result", name)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ERC-20
// ---------------------------------------------------------------------------

func PackAllowance(owner, spender common.Address) []byte {
	return pack(ERC20, "allowance", owner, spender)
}

func PackApprove(spender common.Address, amount *big.Int) []byte {
	return pack(ERC20, "approve", spender, amount)
}

func PackBalanceOf(owner common.Address) []byte {
	return pack(ERC20, "balanceOf", owner)
}

func PackSymbol() []byte   { return pack(ERC20, "symbol") }
func PackDecimals() []byte { return pack(ERC20, "decimals") }

// UnpackUint256 decodes a single uint256 return value of an ERC-20 method.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	out, err := unpack(ERC20, method, data)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, apperr.Newf(apperr.Protocol, "contracts.unpack", "%s: unexpected type %T", method, out[0])
	}
	return v, nil
}

// UnpackSymbol decodes symbol(). Some legacy tokens return bytes32; those are
// trimmed of trailing zeros.
func UnpackSymbol(data []byte) (string, error) {
	out, err := unpack(ERC20, "symbol", data)
	if err == nil {
		if s, ok := out[0].(string); ok {
			return s, nil
		}
	}
	if len(data) == 32 {
		return strings.TrimRight(string(data), "\x00"), nil
	}
	if err == nil {
		err = apperr.Newf(apperr.Protocol, "contracts.unpack", "symbol: unexpected type %T", out[0])
	}
	return "", err
}

func UnpackDecimals(data []byte) (uint8, error) {
	out, err := unpack(ERC20, "decimals", data)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, apperr.Newf(apperr.Protocol, "contracts.unpack", "decimals: unexpected type %T", out[0])
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Router / Factory / Pair
// ---------------------------------------------------------------------------

func PackGetAmountsOut(amountIn *big.Int, path []common.Address) []byte {
	return pack(Router, "getAmountsOut", amountIn, path)
}

// UnpackAmounts decodes getAmountsOut.
func UnpackAmounts(data []byte) ([]*big.Int, error) {
	out, err := unpack(Router, "getAmountsOut", data)
	if err != nil {
		return nil, err
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, apperr.Newf(apperr.Protocol, "contracts.unpack", "getAmountsOut: malformed result")
	}
	return amounts, nil
}

// PackSwapExactTokensForTokens packs the fee-on-transfer tolerant swap used
// for buys.
func PackSwapExactTokensForTokens(amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline *big.Int) []byte {
	return pack(Router, "swapExactTokensForTokensSupportingFeeOnTransferTokens", amountIn, minOut, path, to, deadline)
}

func PackGetPair(a, b common.Address) []byte {
	return pack(Factory, "getPair", a, b)
}

func UnpackAddress(parsed abi.ABI, method string, data []byte) (common.Address, error) {
	out, err := unpack(parsed, method, data)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, apperr.Newf(apperr.Protocol, "contracts.unpack", "%s: unexpected type %T", method, out[0])
	}
	return addr, nil
}

func PackGetReserves() []byte { return pack(Pair, "getReserves") }
func PackToken0() []byte      { return pack(Pair, "token0") }

// UnpackReserves decodes getReserves into (reserve0, reserve1).
func UnpackReserves(data []byte) (*big.Int, *big.Int, error) {
	out, err := unpack(Pair, "getReserves", data)
	if err != nil {
		return nil, nil, err
	}
	if len(out) < 2 {
		return nil, nil, apperr.Newf(apperr.Protocol, "contracts.unpack", "getReserves: short result")
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, apperr.Newf(apperr.Protocol, "contracts.unpack", "getReserves: unexpected types")
	}
	return r0, r1, nil
}

// ---------------------------------------------------------------------------
// Revert reasons
// ---------------------------------------------------------------------------

// RevertReason extracts the Error(string) reason from a failed eth_call. It
// understands JSON-RPC data errors and "execution reverted: X" messages.
// Returns "" when no reason is available.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	const marker = "execution reverted: "
	if i := strings.Index(msg, marker); i >= 0 {
		return strings.TrimSpace(msg[i+len(marker):])
	}
	return ""
}

// PackRevert encodes reason as Error(string) revert data.
func PackRevert(reason string) []byte {
	strType, _ := abi.NewType("string", "", nil)
	args := abi.Arguments{{Type: strType}}
	body, err := args.Pack(reason)
	if err != nil {
		panic(fmt.Sprintf("contracts: pack revert: %v", err))
	}
	// keccak256("Error(string)")[:4]
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, body...)
}
