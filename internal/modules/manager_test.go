package modules

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/analyzer"
	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/bus"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/executor"
	"github.com/snipebot/snipebot/internal/gas"
	"github.com/snipebot/snipebot/internal/mempool"
	"github.com/snipebot/snipebot/internal/risk"
)

var (
	honeypotToken = common.HexToAddress("0xAAA0000000000000000000000000000000000001")
	cleanToken    = common.HexToAddress("0xBBB0000000000000000000000000000000000002")
	weth          = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	router        = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
)

func ether(s string) *big.Int { return evm.ToWei(decimal.RequireFromString(s), 18) }

func snipeConfig() config.SnipeConfig {
	return config.SnipeConfig{
		MaxAmountIn:      "0.05",
		SlippageBps:      300,
		MaxSlippageBps:   1500,
		DeadlineSecs:     60,
		MaxRiskScore:     0.5,
		InclusionTimeout: 5 * time.Second,
		ReceiptGrace:     time.Second,
		GasBumpPct:       15,
		ReceiptPoll:      5 * time.Millisecond,
	}
}

// fakeSim sells back honeypot tokens with a revert and everything else at a
// 1% loss. Tokens in unmined report no pair for that many calls.
type fakeSim struct {
	honeypots map[common.Address]bool
	unmined   map[common.Address]*atomic.Int32
}

func (f fakeSim) Simulate(_ context.Context, token common.Address, buy *big.Int) (*analyzer.SimResult, error) {
	if left, ok := f.unmined[token]; ok && left.Add(-1) >= 0 {
		return &analyzer.SimResult{BuyAmount: buy, NoPair: true}, nil
	}
	res := &analyzer.SimResult{
		Pair:         common.HexToAddress("0x2222"),
		QuoteReserve: ether("100"),
		TokenReserve: ether("1000000"),
		BuyAmount:    buy,
		TokensOut:    ether("990"),
	}
	if f.honeypots[token] {
		res.SellFailed = true
		res.RevertReason = "TRANSFER_FROM_FAILED"
		res.RoundTripLoss = 100
		return res, nil
	}
	res.SellOut = new(big.Int).Div(new(big.Int).Mul(buy, big.NewInt(99)), big.NewInt(100))
	res.RoundTripLoss = 1
	return res, nil
}

type rig struct {
	stub     *evm.StubClient
	watcher  *mempool.Watcher
	analyzer *analyzer.Analyzer
	risk     *risk.Engine
	executor *executor.Executor
	manager  *Manager
}

func newRig(t *testing.T, honeypots ...common.Address) *rig {
	t.Helper()
	stub := evm.NewStubClient(1)
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	hp := map[common.Address]bool{}
	for _, a := range honeypots {
		hp[a] = true
	}
	stub.SetCode(honeypotToken, code)
	stub.SetCode(cleanToken, code)
	for i := 0; i < 16; i++ {
		stub.SetCode(tokenAddr(i), code)
	}
	stub.HandleCall(router, contracts.Selector(contracts.Router, "getAmountsOut"), func(ethereum.CallMsg) ([]byte, error) {
		return contracts.Router.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{big.NewInt(1), ether("1000")})
	})

	conns := connection.Direct{Client: stub}
	acfg := analyzer.DefaultConfig()
	acfg.ChainID = 1
	an := analyzer.NewAnalyzer(acfg, analyzer.NewClientBackend(stub), fakeSim{honeypots: hp}, nil)

	w := mempool.NewWatcher(mempool.Config{
		ChainID:     1,
		Targets:     []common.Address{router},
		BaseTokens:  []common.Address{weth},
		QueueDepth:  64,
		DedupWindow: time.Minute,
	}, nil)

	wallet, err := evm.GenerateWallet()
	require.NoError(t, err)
	optimizer := gas.NewOptimizer(gas.Config{ChainID: 1, RefreshInterval: time.Minute, BumpPct: 15}, conns)
	ex := executor.New(executor.Config{ChainID: 1, Router: router, WETH: weth, DryRun: true}, conns, wallet, optimizer)

	engine := risk.New(risk.DefaultConfig())

	m, err := New(Config{Lanes: 4, Snipe: snipeConfig()})
	require.NoError(t, err)
	require.NoError(t, m.Register(Watcher, w))
	require.NoError(t, m.Register(Analyzer, an))
	require.NoError(t, m.Register(Risk, engine))
	require.NoError(t, m.Register(Executor, ex))

	return &rig{stub: stub, watcher: w, analyzer: an, risk: engine, executor: ex, manager: m}
}

func tokenAddr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x10000 + i)))
}

var txNonce atomic.Uint64

func swapTx(t *testing.T, token common.Address) *types.Transaction {
	t.Helper()
	data, err := contracts.Router.Pack("swapExactETHForTokens",
		big.NewInt(1), []common.Address{weth, token}, common.HexToAddress("0x01"), big.NewInt(1e10))
	require.NoError(t, err)
	return routerTx(data)
}

func addLiquidityTx(t *testing.T, token common.Address) *types.Transaction {
	t.Helper()
	data, err := contracts.Router.Pack("addLiquidityETH",
		token, big.NewInt(1000), big.NewInt(1000), big.NewInt(1e18), common.HexToAddress("0x01"), big.NewInt(1e10))
	require.NoError(t, err)
	return routerTx(data)
}

func routerTx(data []byte) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     txNonce.Add(1),
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       300_000,
		To:        &router,
		Value:     big.NewInt(0),
		Data:      data,
	})
}

// recorder collects events per token.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds(token common.Address) []bus.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Kind
	for _, e := range r.events {
		if e.Token == token {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *recorder) last(token common.Address) (bus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Token == token {
			return r.events[i], true
		}
	}
	return bus.Event{}, false
}

func (r *recorder) terminal(token common.Address) bool {
	e, ok := r.last(token)
	return ok && e.Terminal()
}

func start(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.Stats().Running }, time.Second, time.Millisecond)
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("manager did not stop")
		}
	}
}

func TestRun_HoneypotIsGatedAndNeverSubmitted(t *testing.T) {
	r := newRig(t, honeypotToken)
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	stop := start(t, r.manager)
	defer stop()

	require.True(t, r.watcher.Ingest(swapTx(t, honeypotToken)))
	require.Eventually(t, func() bool { return rec.terminal(honeypotToken) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []bus.Kind{bus.KindDiscovered, bus.KindAnalyzed, bus.KindGated}, rec.kinds(honeypotToken))
	gated, _ := rec.last(honeypotToken)
	assert.GreaterOrEqual(t, gated.Score, 0.9)
	assert.Contains(t, gated.Reasons, "HONEYPOT")

	st := r.executor.Stats()
	assert.Zero(t, st.Snipes)
	assert.Zero(t, st.Refused)
	assert.Empty(t, r.stub.Sent())
	assert.Equal(t, uint64(1), r.manager.Stats().Gated)
	assert.Zero(t, r.manager.Stats().Submitted)
}

func TestRun_CleanTokenIsExecuted(t *testing.T) {
	r := newRig(t)
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	stop := start(t, r.manager)
	defer stop()

	require.True(t, r.watcher.Ingest(swapTx(t, cleanToken)))
	require.Eventually(t, func() bool { return rec.terminal(cleanToken) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t,
		[]bus.Kind{bus.KindDiscovered, bus.KindAnalyzed, bus.KindSubmitted, bus.KindConfirmed},
		rec.kinds(cleanToken))
	confirmed, _ := rec.last(cleanToken)
	assert.NotEmpty(t, confirmed.SnipeID)
	assert.NotEqual(t, common.Hash{}, confirmed.TxHash)
	assert.Equal(t, uint64(1), r.executor.Stats().Confirmed)
}

func TestRun_KillSwitchGatesEverything(t *testing.T) {
	r := newRig(t)
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	r.risk.Kill()
	stop := start(t, r.manager)
	defer stop()

	require.True(t, r.watcher.Ingest(swapTx(t, cleanToken)))
	require.Eventually(t, func() bool { return rec.terminal(cleanToken) }, 2*time.Second, 5*time.Millisecond)

	gated, _ := rec.last(cleanToken)
	assert.Equal(t, bus.KindGated, gated.Kind)
	assert.Contains(t, gated.Reasons, "KILL_SWITCH_ACTIVE")
	assert.Zero(t, r.executor.Stats().Snipes)
}

func TestRun_PerTokenOrderAcrossLanes(t *testing.T) {
	tokens := make([]common.Address, 12)
	var honeypots []common.Address
	for i := range tokens {
		tokens[i] = tokenAddr(i)
		if i%3 == 0 {
			honeypots = append(honeypots, tokens[i])
		}
	}
	r := newRig(t, honeypots...)
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	stop := start(t, r.manager)
	defer stop()

	for _, tok := range tokens {
		require.True(t, r.watcher.Ingest(swapTx(t, tok)))
	}
	require.Eventually(t, func() bool {
		for _, tok := range tokens {
			if !rec.terminal(tok) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	stage := map[bus.Kind]int{
		bus.KindDiscovered: 0, bus.KindAnalyzed: 1, bus.KindGated: 2,
		bus.KindSubmitted: 2, bus.KindConfirmed: 3, bus.KindFailed: 3,
	}
	for _, tok := range tokens {
		kinds := rec.kinds(tok)
		require.NotEmpty(t, kinds)
		assert.Equal(t, bus.KindDiscovered, kinds[0], tok.Hex())
		for i := 1; i < len(kinds); i++ {
			assert.Greater(t, stage[kinds[i]], stage[kinds[i-1]], "%s: %v", tok.Hex(), kinds)
		}
	}

	// one correlation ID per candidate
	rec.mu.Lock()
	byToken := map[common.Address]map[string]bool{}
	for _, e := range rec.events {
		if byToken[e.Token] == nil {
			byToken[e.Token] = map[string]bool{}
		}
		byToken[e.Token][e.CorrelationID] = true
	}
	rec.mu.Unlock()
	for tok, ids := range byToken {
		assert.Len(t, ids, 1, tok.Hex())
	}

	st := r.manager.Stats()
	assert.Equal(t, uint64(len(tokens)), st.Dispatched)
	assert.Equal(t, uint64(len(honeypots)), st.Gated)
	assert.Equal(t, uint64(len(tokens)-len(honeypots)), st.Confirmed)
}

// pendingPairManager rebuilds the rig's manager around an analyzer whose
// simulator sees no pair for token during the first polls calls.
func pendingPairManager(t *testing.T, r *rig, token common.Address, polls int32, wait time.Duration) *Manager {
	t.Helper()
	left := &atomic.Int32{}
	left.Store(polls)
	acfg := analyzer.DefaultConfig()
	acfg.ChainID = 1
	sim := fakeSim{unmined: map[common.Address]*atomic.Int32{token: left}}
	an := analyzer.NewAnalyzer(acfg, analyzer.NewClientBackend(r.stub), sim, nil)

	m, err := New(Config{Lanes: 2, PairPoll: 10 * time.Millisecond, PairWait: wait, Snipe: snipeConfig()})
	require.NoError(t, err)
	require.NoError(t, m.Register(Watcher, r.watcher))
	require.NoError(t, m.Register(Analyzer, an))
	require.NoError(t, m.Register(Risk, r.risk))
	require.NoError(t, m.Register(Executor, r.executor))
	return m
}

func TestRun_LiquidityAddSnipedOncePairIsMined(t *testing.T) {
	r := newRig(t)
	m := pendingPairManager(t, r, cleanToken, 3, time.Minute)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	stop := start(t, m)
	defer stop()

	require.True(t, r.watcher.Ingest(addLiquidityTx(t, cleanToken)))
	require.Eventually(t, func() bool { return rec.terminal(cleanToken) }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, []bus.Kind{
		bus.KindDiscovered,
		bus.KindAnalyzed, bus.KindAnalyzed, bus.KindAnalyzed, bus.KindAnalyzed,
		bus.KindSubmitted, bus.KindConfirmed,
	}, rec.kinds(cleanToken))

	rec.mu.Lock()
	ids := map[string]bool{}
	pending := 0
	for _, e := range rec.events {
		ids[e.CorrelationID] = true
		if e.Kind == bus.KindAnalyzed && e.Detail == "pair pending" {
			pending++
		}
	}
	rec.mu.Unlock()
	assert.Len(t, ids, 1, "requeued candidate keeps its correlation ID")
	assert.Equal(t, 3, pending)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, uint64(3), st.Requeued)
	assert.Equal(t, uint64(1), st.Confirmed)
	assert.Zero(t, st.Gated)
	assert.Equal(t, uint64(3), analyzerStats(m).Unsimulated)
}

func TestRun_PairNeverMinedIsGatedUnsimulated(t *testing.T) {
	r := newRig(t)
	m := pendingPairManager(t, r, cleanToken, 1_000_000, 50*time.Millisecond)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	stop := start(t, m)
	defer stop()

	require.True(t, r.watcher.Ingest(addLiquidityTx(t, cleanToken)))
	require.Eventually(t, func() bool { return rec.terminal(cleanToken) }, 3*time.Second, 5*time.Millisecond)

	gated, _ := rec.last(cleanToken)
	assert.Equal(t, bus.KindGated, gated.Kind)
	assert.Contains(t, gated.Reasons, risk.ReasonNotSimulated)
	assert.NotContains(t, rec.kinds(cleanToken), bus.KindSubmitted)
	assert.Zero(t, r.executor.Stats().Snipes)
	assert.Positive(t, m.Stats().Requeued)
}

func TestRun_AnalyzeFailurePublishesFailed(t *testing.T) {
	r := newRig(t)
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	stop := start(t, r.manager)
	defer stop()

	noCode := common.HexToAddress("0xDEAD000000000000000000000000000000000003")
	require.True(t, r.watcher.Ingest(swapTx(t, noCode)))
	require.Eventually(t, func() bool { return rec.terminal(noCode) }, 2*time.Second, 5*time.Millisecond)

	failed, _ := rec.last(noCode)
	assert.Equal(t, bus.KindFailed, failed.Kind)
	assert.True(t, strings.HasPrefix(failed.Detail, "analyze: "), failed.Detail)
}

func TestRun_RequiresCoreModules(t *testing.T) {
	m, err := New(Config{Snipe: snipeConfig()})
	require.NoError(t, err)

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
	assert.Contains(t, err.Error(), "watcher: missing (required)")
}

// fakeSource is a CandidateSource driven by the test.
type fakeSource struct {
	ch     chan mempool.Candidate
	mu     sync.Mutex
	onDrop []func(mempool.Candidate)
	paused atomic.Bool
}

func (f *fakeSource) Candidates() <-chan mempool.Candidate { return f.ch }
func (f *fakeSource) OnDrop(fn func(mempool.Candidate)) {
	f.mu.Lock()
	f.onDrop = append(f.onDrop, fn)
	f.mu.Unlock()
}
func (f *fakeSource) Pause()       { f.paused.Store(true) }
func (f *fakeSource) Resume()      { f.paused.Store(false) }
func (f *fakeSource) Paused() bool { return f.paused.Load() }

func (f *fakeSource) drop(c mempool.Candidate) {
	f.mu.Lock()
	handlers := f.onDrop
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func TestRun_DroppedCandidatesArePublished(t *testing.T) {
	r := newRig(t)
	src := &fakeSource{ch: make(chan mempool.Candidate)}
	require.NoError(t, r.manager.Register(Watcher, src))
	rec := &recorder{}
	r.manager.Subscribe(rec.handle)
	stop := start(t, r.manager)
	defer stop()

	// OnDrop is registered right after Run reports running
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.onDrop) > 0
	}, time.Second, time.Millisecond)
	src.drop(mempool.Candidate{Token: evm.TokenInfo{Address: cleanToken}, TxHash: common.HexToHash("0x01")})

	assert.Equal(t, []bus.Kind{bus.KindDropped}, rec.kinds(cleanToken))
	assert.Equal(t, uint64(1), r.manager.Stats().Dropped)
}

func TestRegister_RejectsMismatchedHandle(t *testing.T) {
	m, err := New(Config{Snipe: snipeConfig()})
	require.NoError(t, err)

	assert.Error(t, m.Register(Analyzer, risk.New(risk.DefaultConfig())))
	assert.Error(t, m.Register(ID("bogus"), struct{}{}))
	assert.Error(t, m.Register(Risk, nil))
	_, ok := m.Module(Analyzer)
	assert.False(t, ok)
}

type constPolicy float64

func (p constPolicy) Risk(context.Context, evm.TokenInfo) (float64, bool, error) {
	return float64(p), true, nil
}

func TestRegister_PolicyFeedsRiskEngine(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.manager.Register(Policy, constPolicy(1)))

	res := &analyzer.Result{Address: cleanToken, RiskScore: 0, Simulated: true}
	a, err := r.risk.Assess(context.Background(), evm.TokenInfo{Address: cleanToken}, res, nil)
	require.NoError(t, err)
	assert.Contains(t, a.FactorNames(), risk.FactorPolicy)

	r.manager.Unregister(Policy)
	a, err = r.risk.Assess(context.Background(), evm.TokenInfo{Address: cleanToken}, res, nil)
	require.NoError(t, err)
	assert.NotContains(t, a.FactorNames(), risk.FactorPolicy)
}

func TestCheckModuleIntegration(t *testing.T) {
	m, err := New(Config{Snipe: snipeConfig()})
	require.NoError(t, err)
	report := m.CheckModuleIntegration()
	assert.Contains(t, report, "modules: 0/6 present")
	assert.Contains(t, report, "[!!] executor: missing (required)")
	assert.Contains(t, report, "[--] ai_policy: not registered (optional)")
	assert.True(t, strings.HasSuffix(report, "status: BROKEN"), report)

	r := newRig(t)
	report = r.manager.CheckModuleIntegration()
	assert.Contains(t, report, "modules: 4/6 present")
	assert.Contains(t, report, "[ok] executor (dry-run)")
	assert.Contains(t, report, "no gas module")
	assert.True(t, strings.HasSuffix(report, "status: DEGRADED"), report)

	r.risk.Kill()
	assert.Contains(t, r.manager.CheckModuleIntegration(), "[ok] risk (kill switch active)")
}

func TestMemoryPressure_PausesEvictsAndResumes(t *testing.T) {
	r := newRig(t)
	m, err := New(Config{MemoryLimitMB: 1, EvictFraction: 0.5, Snipe: snipeConfig()})
	require.NoError(t, err)
	require.NoError(t, m.Register(Watcher, r.watcher))
	require.NoError(t, m.Register(Analyzer, r.analyzer))

	for i := 0; i < 8; i++ {
		_, err := r.analyzer.Analyze(context.Background(), evm.TokenInfo{Address: tokenAddr(i), ChainID: 1})
		require.NoError(t, err)
	}
	require.Equal(t, 8, r.analyzer.Stats().CacheLen)

	var heap atomic.Uint64
	m.SetHeapReader(heap.Load)

	heap.Store(2 << 20)
	assert.True(t, m.MemoryPressureDetected())
	assert.True(t, r.watcher.Paused())
	assert.Equal(t, 4, r.analyzer.Stats().CacheLen)
	assert.True(t, m.Stats().PausedByPressure)
	assert.Contains(t, m.CheckModuleIntegration(), "[ok] watcher (paused (memory pressure))")

	heap.Store(0)
	assert.False(t, m.MemoryPressureDetected())
	assert.False(t, r.watcher.Paused())
	assert.Equal(t, uint64(1), m.Stats().PressureEvents)
	assert.Equal(t, uint64(4), m.Stats().Evicted)
}

func TestMemoryPressure_DoesNotResumeOperatorPause(t *testing.T) {
	r := newRig(t)
	m, err := New(Config{MemoryLimitMB: 1, Snipe: snipeConfig()})
	require.NoError(t, err)
	require.NoError(t, m.Register(Watcher, r.watcher))

	var heap atomic.Uint64
	m.SetHeapReader(heap.Load)
	require.NoError(t, m.Pause())

	heap.Store(2 << 20)
	assert.True(t, m.MemoryPressureDetected())
	heap.Store(0)
	assert.False(t, m.MemoryPressureDetected())
	assert.True(t, r.watcher.Paused())

	require.NoError(t, m.Resume())
	assert.False(t, r.watcher.Paused())
}

func TestMemoryPressure_DisabledWithoutLimit(t *testing.T) {
	m, err := New(Config{Snipe: snipeConfig()})
	require.NoError(t, err)
	m.SetHeapReader(func() uint64 { return 1 << 40 })
	assert.False(t, m.MemoryPressureDetected())
}

func TestLaneOf_StableAndInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := tokenAddr(i)
		l := laneOf(a, 7)
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 7)
		assert.Equal(t, l, laneOf(a, 7))
	}
}

func TestNew_InvalidMinLiquidity(t *testing.T) {
	cfg := snipeConfig()
	cfg.MinLiquidity = "lots"
	_, err := New(Config{Snipe: cfg})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
}

func analyzerStats(m *Manager) analyzer.Stats {
	h, _ := m.Module(Analyzer)
	return h.(*analyzer.Analyzer).Stats()
}
