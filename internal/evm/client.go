package evm

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/snipebot/snipebot/internal/apperr"
)

// ---------------------------------------------------------------------------
// Client Interface
// ---------------------------------------------------------------------------

// Client is the subset of an EVM JSON-RPC client used by the pipeline.
// Implementations: *ethclient.Client (live node), StubClient (testing).
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	PendingTransactionCount(ctx context.Context) (uint, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Dialer opens a Client for an endpoint URL.
type Dialer func(ctx context.Context, url string) (Client, error)

// NewDialer returns a Dialer that connects over HTTP(S) or WS(S) with the
// given per-request HTTP timeout.
func NewDialer(timeout time.Duration) Dialer {
	httpClient := &http.Client{Timeout: timeout}
	return func(ctx context.Context, url string) (Client, error) {
		rpcClient, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
		if err != nil {
			return nil, apperr.New(apperr.Transport, "evm.dial", fmt.Errorf("dial %s: %w", url, err))
		}
		return ethclient.NewClient(rpcClient), nil
	}
}
