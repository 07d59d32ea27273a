package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ---------------------------------------------------------------------------
// Stub Client (for testing and dry runs)
// ---------------------------------------------------------------------------

// CallHandler answers an eth_call for one (contract, selector) pair.
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

// MineFunc decides the receipt for a sent transaction. Returning nil leaves
// the transaction pending.
type MineFunc func(tx *types.Transaction) *types.Receipt

type callKey struct {
	to       common.Address
	selector [4]byte
}

// StubClient is an in-memory Client. By default every sent transaction is
// mined immediately with a successful receipt.
type StubClient struct {
	mu sync.RWMutex

	chainID      *big.Int
	blockNumber  uint64
	baseFee      *big.Int
	gasPrice     *big.Int
	tipCap       *big.Int
	gasUsedRatio float64
	pendingCount uint
	nonces       map[common.Address]uint64

	code     map[common.Address][]byte
	calls    map[callKey]CallHandler
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
	sent     []*types.Transaction

	mine      MineFunc
	failErr   error
	failNext  int
	callCount map[string]int
	closed    bool
	latency   time.Duration
}

// NewStubClient creates a stub for chainID with sane fee defaults.
func NewStubClient(chainID uint64) *StubClient {
	s := &StubClient{
		chainID:      new(big.Int).SetUint64(chainID),
		blockNumber:  1_000,
		baseFee:      big.NewInt(20_000_000_000), // 20 gwei
		gasPrice:     big.NewInt(22_000_000_000),
		tipCap:       big.NewInt(1_500_000_000),
		gasUsedRatio: 0.5,
		nonces:       make(map[common.Address]uint64),
		code:         make(map[common.Address][]byte),
		calls:        make(map[callKey]CallHandler),
		receipts:     make(map[common.Hash]*types.Receipt),
		txs:          make(map[common.Hash]*types.Transaction),
		callCount:    make(map[string]int),
	}
	s.mine = s.successReceipt
	return s
}

// SetCode registers contract bytecode.
func (s *StubClient) SetCode(addr common.Address, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code[addr] = code
}

// HandleCall registers an eth_call handler for (to, selector).
func (s *StubClient) HandleCall(to common.Address, selector []byte, h CallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var k callKey
	k.to = to
	copy(k.selector[:], selector)
	s.calls[k] = h
}

// SetMine overrides how sent transactions are mined. fn runs under the stub
// lock and must not call back into the stub.
func (s *StubClient) SetMine(fn MineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mine = fn
}

// SetFees sets base fee, suggested gas price and tip.
func (s *StubClient) SetFees(baseFee, gasPrice, tip *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseFee, s.gasPrice, s.tipCap = baseFee, gasPrice, tip
}

// SetGasUsedRatio sets the head block's gas used / gas limit.
func (s *StubClient) SetGasUsedRatio(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasUsedRatio = r
}

// SetBlockNumber sets the head block.
func (s *StubClient) SetBlockNumber(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockNumber = n
}

// SetNonce sets the pending nonce of an account.
func (s *StubClient) SetNonce(addr common.Address, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[addr] = n
}

// SetPendingCount sets the txpool pending count.
func (s *StubClient) SetPendingCount(n uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCount = n
}

// SetLatency delays every call by d (honouring ctx).
func (s *StubClient) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetFailErr makes every call fail with err until cleared with nil.
func (s *StubClient) SetFailErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = 0
	s.failErr = err
}

// SetFailNext makes the next n calls fail with err.
func (s *StubClient) SetFailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Sent returns the transactions sent so far.
func (s *StubClient) Sent() []*types.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Transaction, len(s.sent))
	copy(out, s.sent)
	return out
}

// CallCount returns how many times method was invoked.
func (s *StubClient) CallCount(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callCount[method]
}

// Closed reports whether Close was called.
func (s *StubClient) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Mine sets the receipt for a previously pending transaction.
func (s *StubClient) Mine(hash common.Hash, status uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockNumber++
	s.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		GasUsed:     150_000,
		BlockNumber: new(big.Int).SetUint64(s.blockNumber),
	}
}

func (s *StubClient) successReceipt(tx *types.Transaction) *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           150_000,
		EffectiveGasPrice: tx.GasFeeCap(),
		BlockNumber:       new(big.Int).SetUint64(s.blockNumber + 1),
	}
}

// enter records a call and applies injected failures and latency.
func (s *StubClient) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	s.callCount[method]++
	latency := s.latency
	var err error
	if s.failErr != nil {
		err = s.failErr
		if s.failNext > 0 {
			s.failNext--
			if s.failNext == 0 {
				s.failErr = nil
			}
		}
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("stub %s: %w", method, err)
	}
	return ctx.Err()
}

func (s *StubClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := s.enter(ctx, "eth_chainId"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.chainID), nil
}

func (s *StubClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := s.enter(ctx, "eth_blockNumber"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockNumber, nil
}

func (s *StubClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := s.enter(ctx, "eth_getBlockByNumber"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	const gasLimit = 30_000_000
	return &types.Header{
		Number:   new(big.Int).SetUint64(s.blockNumber),
		GasLimit: gasLimit,
		GasUsed:  uint64(float64(gasLimit) * s.gasUsedRatio),
		BaseFee:  cloneBig(s.baseFee),
		Time:     uint64(time.Now().Unix()),
	}, nil
}

func (s *StubClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := s.enter(ctx, "eth_gasPrice"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBig(s.gasPrice), nil
}

func (s *StubClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := s.enter(ctx, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBig(s.tipCap), nil
}

func (s *StubClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := s.enter(ctx, "eth_getTransactionCount"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[account], nil
}

func (s *StubClient) PendingTransactionCount(ctx context.Context) (uint, error) {
	if err := s.enter(ctx, "eth_getBlockTransactionCountByNumber"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingCount, nil
}

func (s *StubClient) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := s.enter(ctx, "eth_getCode"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code[account], nil
}

func (s *StubClient) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := s.enter(ctx, "eth_call"); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("stub eth_call: missing target or selector")
	}
	var k callKey
	k.to = *msg.To
	copy(k.selector[:], msg.Data[:4])

	s.mu.RLock()
	h, ok := s.calls[k]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return h(msg)
}

func (s *StubClient) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	if err := s.enter(ctx, "eth_estimateGas"); err != nil {
		return 0, err
	}
	return 200_000, nil
}

func (s *StubClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := s.enter(ctx, "eth_sendRawTransaction"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, tx)
	s.txs[tx.Hash()] = tx
	if s.mine != nil {
		if r := s.mine(tx); r != nil {
			s.blockNumber++
			if r.BlockNumber == nil {
				r.BlockNumber = new(big.Int).SetUint64(s.blockNumber)
			}
			s.receipts[tx.Hash()] = r
		}
	}
	return nil
}

func (s *StubClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := s.enter(ctx, "eth_getTransactionReceipt"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (s *StubClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := s.enter(ctx, "eth_getTransactionByHash"); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := s.receipts[hash]
	return tx, !mined, nil
}

// AddPendingTx makes tx resolvable through TransactionByHash.
func (s *StubClient) AddPendingTx(tx *types.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.Hash()] = tx
}

func (s *StubClient) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
