package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Token & chain types
// ---------------------------------------------------------------------------

// TokenInfo describes a token observed in the mempool. It is a value type;
// enrichment returns a copy.
type TokenInfo struct {
	Address         common.Address `json:"address"`
	ChainID         uint64         `json:"chain_id"`
	Symbol          string         `json:"symbol,omitempty"`
	Decimals        uint8          `json:"decimals"`
	LiquiditySource string         `json:"liquidity_source"` // e.g. "0x7a25...:addLiquidityETH"
	DiscoveredAt    time.Time      `json:"discovered_at"`
}

// WithMetadata returns a copy with symbol and decimals set.
func (t TokenInfo) WithMetadata(symbol string, decimals uint8) TokenInfo {
	t.Symbol = symbol
	t.Decimals = decimals
	return t
}

// Transaction is the confirmed record of a submitted transaction.
type Transaction struct {
	Hash        common.Hash    `json:"hash"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *big.Int       `json:"value"`
	GasUsed     uint64         `json:"gas_used"`
	GasPrice    *big.Int       `json:"gas_price"`
	BlockNumber uint64         `json:"block_number"`
	Success     bool           `json:"success"`
}

// TransactionFromReceipt builds a Transaction record from a signed tx and its
// receipt.
func TransactionFromReceipt(tx *types.Transaction, from common.Address, r *types.Receipt) Transaction {
	out := Transaction{
		Hash:  tx.Hash(),
		From:  from,
		Value: new(big.Int).Set(tx.Value()),
	}
	if tx.To() != nil {
		out.To = *tx.To()
	}
	gasPrice := tx.GasPrice()
	if r == nil {
		out.GasPrice = gasPrice
		return out
	}
	if r.EffectiveGasPrice != nil {
		gasPrice = r.EffectiveGasPrice
	}
	out.GasPrice = new(big.Int).Set(gasPrice)
	out.GasUsed = r.GasUsed
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	out.Success = r.Status == types.ReceiptStatusSuccessful
	return out
}

// NetworkState is refreshed each block by the gas optimizer.
type NetworkState struct {
	BlockNumber    uint64        `json:"block_number"`
	GasPrice       *big.Int      `json:"gas_price"`
	BaseFee        *big.Int      `json:"base_fee"`
	TipCap         *big.Int      `json:"tip_cap"`
	Congestion     float64       `json:"congestion"` // 0..100, gas used / gas limit
	BlockTime      time.Duration `json:"block_time"`
	PendingTxCount uint          `json:"pending_tx_count"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Unit conversion
// ---------------------------------------------------------------------------

// ToWei converts a human amount to base units with the given decimals.
func ToWei(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromWei converts base units to a human amount.
func FromWei(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// Gwei renders wei as a gwei string for logs.
func Gwei(wei *big.Int) string {
	return FromWei(wei, 9).StringFixed(2)
}
