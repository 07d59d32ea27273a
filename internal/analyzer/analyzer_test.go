package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

var (
	token   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	weth    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	factory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	router  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	pair    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func ether(s string) *big.Int { return evm.ToWei(decimal.RequireFromString(s), 18) }

// bytecode builds a fake dispatcher containing PUSH4 <selector> for each
// signature.
func bytecode(signatures ...string) []byte {
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	for _, sig := range signatures {
		code = append(code, push4)
		code = append(code, SelectorOf(sig)...)
		code = append(code, 0x14, 0x61, 0x00, 0x42, 0x57)
	}
	return code
}

func packOut(t *testing.T, method string, parsed func() ([]byte, error)) []byte {
	t.Helper()
	out, err := parsed()
	require.NoError(t, err, method)
	return out
}

type chain struct {
	stub *evm.StubClient
}

// newChain wires a token with a WETH pair holding quoteReserve WETH against
// 1,000,000 tokens.
func newChain(t *testing.T, code []byte, quoteReserve *big.Int) *chain {
	t.Helper()
	stub := evm.NewStubClient(1)
	stub.SetCode(token, code)

	symbol := packOut(t, "symbol", func() ([]byte, error) { return contracts.ERC20.Methods["symbol"].Outputs.Pack("TKN") })
	stub.HandleCall(token, contracts.Selector(contracts.ERC20, "symbol"), func(ethereum.CallMsg) ([]byte, error) { return symbol, nil })
	decimals := packOut(t, "decimals", func() ([]byte, error) { return contracts.ERC20.Methods["decimals"].Outputs.Pack(uint8(18)) })
	stub.HandleCall(token, contracts.Selector(contracts.ERC20, "decimals"), func(ethereum.CallMsg) ([]byte, error) { return decimals, nil })

	pairOut := packOut(t, "getPair", func() ([]byte, error) { return contracts.Factory.Methods["getPair"].Outputs.Pack(pair) })
	stub.HandleCall(factory, contracts.Selector(contracts.Factory, "getPair"), func(ethereum.CallMsg) ([]byte, error) { return pairOut, nil })

	reserves := packOut(t, "getReserves", func() ([]byte, error) {
		return contracts.Pair.Methods["getReserves"].Outputs.Pack(ether("1000000"), quoteReserve, uint32(0))
	})
	stub.HandleCall(pair, contracts.Selector(contracts.Pair, "getReserves"), func(ethereum.CallMsg) ([]byte, error) { return reserves, nil })
	token0 := packOut(t, "token0", func() ([]byte, error) { return contracts.Pair.Methods["token0"].Outputs.Pack(token) })
	stub.HandleCall(pair, contracts.Selector(contracts.Pair, "token0"), func(ethereum.CallMsg) ([]byte, error) { return token0, nil })

	c := &chain{stub: stub}
	c.quoteSell(ether("1"))
	return c
}

// quoteSell makes the router quote every sell at out.
func (c *chain) quoteSell(out *big.Int) {
	c.stub.HandleCall(router, contracts.Selector(contracts.Router, "getAmountsOut"), func(ethereum.CallMsg) ([]byte, error) {
		return contracts.Router.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{big.NewInt(1), out})
	})
}

func (c *chain) analyzer(store Store) *Analyzer {
	backend := NewClientBackend(c.stub)
	cfg := DefaultConfig()
	cfg.ChainID = 1
	return NewAnalyzer(cfg, backend, NewAMMSimulator(backend, factory, router, weth), store)
}

func tokenInfo() evm.TokenInfo {
	return evm.TokenInfo{Address: token, ChainID: 1}
}

func TestAnalyze_CleanToken(t *testing.T) {
	a := newChain(t, bytecode("transfer(address,uint256)"), ether("100")).analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.Equal(t, "TKN", r.Symbol)
	assert.Equal(t, uint8(18), r.Decimals)
	assert.Empty(t, r.Flags.Set())
	assert.Equal(t, 0, r.RiskScore)
	require.NotNil(t, r.Simulation)
	assert.False(t, r.Simulation.SellFailed)
	assert.Less(t, r.Simulation.RoundTripLoss, 1.0)
	assert.True(t, r.Liquidity.Equal(decimal.NewFromInt(100)))
	assert.True(t, r.Simulated)
	assert.False(t, r.PairPending)
	assert.False(t, r.Cached)
}

func TestAnalyze_PatternFlags(t *testing.T) {
	code := bytecode("mint(address,uint256)", "setBlacklist(address,bool)", "setMaxTxAmount(uint256)")
	a := newChain(t, code, ether("100")).analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.Equal(t, []string{FlagAntiWhale, FlagBlacklist, FlagMintable}, r.Flags.Set())
	assert.Equal(t, DefaultWeights[FlagMintable]+DefaultWeights[FlagBlacklist]+DefaultWeights[FlagAntiWhale], r.RiskScore)
	assert.Contains(t, r.Notes, "mintable: mint(address,uint256)")
}

func TestAnalyze_HoneypotWhenSellReverts(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	c.stub.HandleCall(router, contracts.Selector(contracts.Router, "getAmountsOut"), func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted: TRANSFER_FAILED")
	})
	a := c.analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.True(t, r.Flags.Honeypot)
	assert.False(t, r.Flags.HighFee)
	assert.True(t, r.Simulation.SellFailed)
	assert.Equal(t, "TRANSFER_FAILED", r.Simulation.RevertReason)
	assert.GreaterOrEqual(t, r.RiskScore, DefaultWeights[FlagHoneypot])
	assert.Equal(t, uint64(1), a.Stats().Honeypots)
}

func TestAnalyze_HoneypotWhenSellReturnsTooLittle(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	c.quoteSell(big.NewInt(1000))
	a := c.analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.True(t, r.Flags.Honeypot)
	assert.True(t, r.Flags.HighFee)
	assert.False(t, r.Simulation.SellFailed)
	assert.Equal(t, int64(1000), r.Simulation.SellOut.Int64())
	assert.Greater(t, r.Simulation.RoundTripLoss, 99.0)
}

func TestAnalyze_HighFeeWithoutHoneypot(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	c.quoteSell(ether("0.008")) // 20% round-trip loss on a 0.01 buy
	a := c.analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.False(t, r.Flags.Honeypot)
	assert.True(t, r.Flags.HighFee)
	assert.InDelta(t, 20.0, r.Simulation.RoundTripLoss, 0.01)
	assert.Equal(t, DefaultWeights[FlagHighFee], r.RiskScore)
}

func TestAnalyze_NoPairFallsBackToFeePattern(t *testing.T) {
	c := newChain(t, bytecode("setTaxFeePercent(uint256)"), ether("100"))
	noPair := packOut(t, "getPair", func() ([]byte, error) { return contracts.Factory.Methods["getPair"].Outputs.Pack(common.Address{}) })
	c.stub.HandleCall(factory, contracts.Selector(contracts.Factory, "getPair"), func(ethereum.CallMsg) ([]byte, error) { return noPair, nil })
	a := c.analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.True(t, r.Simulation.NoPair)
	assert.True(t, r.PairPending)
	assert.False(t, r.Simulated)
	assert.True(t, r.Flags.HighFee)
	assert.False(t, r.Flags.Honeypot)
	assert.True(t, r.Liquidity.IsZero())
	assert.Contains(t, r.Notes, "no liquidity pair yet")
}

func TestAnalyze_PendingPairIsReanalyzedOnceMined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := OpenFileStore(path, time.Hour)
	require.NoError(t, err)

	c := newChain(t, bytecode(), ether("100"))
	var mined atomic.Bool
	noPair := packOut(t, "getPair", func() ([]byte, error) { return contracts.Factory.Methods["getPair"].Outputs.Pack(common.Address{}) })
	withPair := packOut(t, "getPair", func() ([]byte, error) { return contracts.Factory.Methods["getPair"].Outputs.Pack(pair) })
	c.stub.HandleCall(factory, contracts.Selector(contracts.Factory, "getPair"), func(ethereum.CallMsg) ([]byte, error) {
		if mined.Load() {
			return withPair, nil
		}
		return noPair, nil
	})
	a := c.analyzer(store)

	before, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	assert.True(t, before.PairPending)
	assert.False(t, before.Simulated)
	assert.Equal(t, 0, a.Stats().CacheLen, "pending results are not cached")
	assert.Equal(t, 0, store.Len(), "pending results are not persisted")
	assert.Equal(t, uint64(1), a.Stats().Unsimulated)

	mined.Store(true)
	after, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	assert.False(t, after.Cached)
	assert.False(t, after.PairPending)
	assert.True(t, after.Simulated)
	assert.True(t, after.Liquidity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, a.Stats().CacheLen)
	assert.Equal(t, 1, store.Len())
}

func TestAnalyze_FeeSetterFlaggedWithLivePair(t *testing.T) {
	a := newChain(t, bytecode("setTaxFeePercent(uint256)"), ether("100")).analyzer(nil)

	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.True(t, r.Simulated)
	assert.False(t, r.Flags.Honeypot)
	assert.True(t, r.Flags.HighFee, "transfer tax cannot be seen by the reserve model")
	assert.Equal(t, DefaultWeights[FlagHighFee], r.RiskScore)
	assert.Contains(t, r.Notes, "high_fee: adjustable transfer fee not observable in simulation")
}

func TestAnalyze_UnsimulatedStoreEntryIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := OpenFileStore(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &Result{Address: token, ChainID: 1, AnalyzedAt: time.Now()}))

	c := newChain(t, bytecode(), ether("100"))
	r, err := c.analyzer(store).Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	assert.False(t, r.Cached)
	assert.True(t, r.Simulated)
	assert.Equal(t, 1, c.stub.CallCount("eth_getCode"))
}

func TestAnalyze_NoCodeIsValidationError(t *testing.T) {
	a := newChain(t, nil, ether("100")).analyzer(nil)

	_, err := a.Analyze(context.Background(), tokenInfo())
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
	assert.Equal(t, uint64(1), a.Stats().Errors)
}

func TestAnalyze_TransportErrorPropagates(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	c.stub.SetFailErr(errors.New("connection refused"))

	_, err := c.analyzer(nil).Analyze(context.Background(), tokenInfo())
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.ClassOf(err))
}

func TestAnalyze_SecondCallHitsCache(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	a := c.analyzer(nil)

	first, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, 1, c.stub.CallCount("eth_getCode"))
	assert.Equal(t, uint64(1), a.Stats().CacheHits)
}

func TestAnalyze_ExpiredEntryIsReanalyzed(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	a := c.analyzer(nil)
	now := time.Unix(1_700_000_000, 0)
	a.SetClock(func() time.Time { return now })

	_, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	now = now.Add(31 * time.Minute)
	r, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)

	assert.False(t, r.Cached)
	assert.Equal(t, 2, c.stub.CallCount("eth_getCode"))
}

func TestAnalyze_StoreWriteThroughSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store, err := OpenFileStore(path, time.Hour)
	require.NoError(t, err)

	a := newChain(t, bytecode("mint(uint256)"), ether("100")).analyzer(store)
	first, err := a.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	reopened, err := OpenFileStore(path, time.Hour)
	require.NoError(t, err)
	c2 := newChain(t, bytecode("mint(uint256)"), ether("100"))
	b := c2.analyzer(reopened)

	r, err := b.Analyze(context.Background(), tokenInfo())
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Equal(t, first.RiskScore, r.RiskScore)
	assert.True(t, r.Flags.Mintable)
	assert.Equal(t, 0, c2.stub.CallCount("eth_getCode"))
	assert.Equal(t, uint64(1), b.Stats().StoreHits)
}

func TestAnalyzeBatch_PreservesOrder(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	a := c.analyzer(nil)

	results := a.AnalyzeBatch(context.Background(), []evm.TokenInfo{
		tokenInfo(),
		{Address: other, ChainID: 1},
		tokenInfo(),
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, apperr.Validation, apperr.ClassOf(results[1].Err))
	assert.Equal(t, other, results[1].Token.Address)
	assert.NoError(t, results[2].Err)
}

func TestAnalyze_ConcurrentCallsAreSafe(t *testing.T) {
	a := newChain(t, bytecode(), ether("100")).analyzer(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Analyze(context.Background(), tokenInfo())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, a.Stats().CacheLen)
}

func TestFlagsScore_Clamped(t *testing.T) {
	all := Flags{Honeypot: true, Mintable: true, Blacklist: true, Whitelist: true, Cooldown: true, AntiWhale: true, HighFee: true}
	assert.Equal(t, 100, all.Score(DefaultWeights))
	assert.Equal(t, 0, Flags{}.Score(DefaultWeights))
	assert.Equal(t, 0, Flags{Mintable: true}.Score(map[string]int{FlagMintable: -5}))
}

func TestAMMSimulator_RejectsNonPositiveBuy(t *testing.T) {
	c := newChain(t, bytecode(), ether("100"))
	sim := NewAMMSimulator(NewClientBackend(c.stub), factory, router, weth)

	_, err := sim.Simulate(context.Background(), token, big.NewInt(0))
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
}

func TestAmountOut_MatchesUniswapV2(t *testing.T) {
	// 1 ETH into 10/10000 reserves: 997*10000 / (10*1000 + 997) = 906
	got := amountOut(big.NewInt(1), big.NewInt(10), big.NewInt(10000))
	assert.Equal(t, int64(906), got.Int64())
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(i)))
}

func TestCache_EvictLRUAcrossShards(t *testing.T) {
	c := NewCache(100, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	for i := 1; i <= 10; i++ {
		now = now.Add(time.Second)
		c.Put(&Result{Address: addr(i)})
	}
	// Touch 1 and 2 so they become most recent.
	now = now.Add(time.Second)
	_, ok := c.Get(addr(1))
	require.True(t, ok)
	_, ok = c.Get(addr(2))
	require.True(t, ok)

	assert.Equal(t, 3, c.EvictLRU(3))
	assert.Equal(t, 7, c.Len())
	for _, gone := range []int{3, 4, 5} {
		_, ok := c.Get(addr(gone))
		assert.False(t, ok, "entry %d should be evicted", gone)
	}
	for _, kept := range []int{1, 2, 6, 10} {
		_, ok := c.Get(addr(kept))
		assert.True(t, ok, "entry %d should be kept", kept)
	}
}

func TestCache_TTLAndPurge(t *testing.T) {
	c := NewCache(100, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.Put(&Result{Address: addr(1)})
	now = now.Add(30 * time.Second)
	c.Put(&Result{Address: addr(2)})
	now = now.Add(40 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired())
	_, ok := c.Get(addr(2))
	assert.True(t, ok)
}

func TestCache_ShardCapacityEvictsOldest(t *testing.T) {
	c := NewCache(cacheShards, time.Hour) // one entry per shard
	// Same last byte, same shard.
	a1 := common.HexToAddress("0x0100000000000000000000000000000000000001")
	a2 := common.HexToAddress("0x0200000000000000000000000000000000000001")
	c.Put(&Result{Address: a1})
	c.Put(&Result{Address: a2})

	_, ok := c.Get(a1)
	assert.False(t, ok)
	_, ok = c.Get(a2)
	assert.True(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(100, time.Hour)
	c.Put(&Result{Address: addr(1), Notes: []string{"a"}})

	r, _ := c.Get(addr(1))
	r.Notes[0] = "mutated"
	again, _ := c.Get(addr(1))
	assert.Equal(t, "a", again.Notes[0])
}

func TestCache_EstimatedBytesGrows(t *testing.T) {
	c := NewCache(100, time.Hour)
	assert.Zero(t, c.EstimatedBytes())
	c.Put(&Result{Address: addr(1)})
	one := c.EstimatedBytes()
	c.Put(&Result{Address: addr(2), Notes: []string{"mintable: mint(uint256)"}})
	assert.Greater(t, c.EstimatedBytes(), 2*one-1)
}

func TestAnalyzer_EvictFraction(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), nil, nil, nil)
	for i := 1; i <= 8; i++ {
		a.cache.Put(&Result{Address: addr(i)})
	}
	assert.Equal(t, 2, a.EvictFraction(0.25))
	assert.Equal(t, 6, a.Stats().CacheLen)
	assert.Equal(t, uint64(2), a.Stats().Evicted)
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

func TestFileStore_ExpiryAndMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	s, err := OpenFileStore(path, time.Minute)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	got, err := s.Load(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(context.Background(), &Result{Address: token, Symbol: "TKN", RiskScore: 20}))
	got, err = s.Load(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TKN", got.Symbol)

	now = now.Add(2 * time.Minute)
	got, err = s.Load(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "test:", time.Hour)
	r := &Result{Address: token, ChainID: 1, Symbol: "TKN", RiskScore: 15}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	key := "test:0x1111111111111111111111111111111111111111"

	mock.ExpectSet(key, string(data), time.Hour).SetVal("OK")
	require.NoError(t, s.Save(context.Background(), r))

	mock.ExpectGet(key).SetVal(string(data))
	got, err := s.Load(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TKN", got.Symbol)
	assert.Equal(t, 15, got.RiskScore)

	mock.ExpectGet(key).RedisNil()
	got, err = s.Load(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	_, err = s.Load(context.Background(), token)
	assert.Equal(t, apperr.Transport, apperr.ClassOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
