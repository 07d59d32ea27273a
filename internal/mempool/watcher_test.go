package mempool

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

var (
	router  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	factory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	weth    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func newTestWatcher(depth int, window time.Duration) *Watcher {
	return NewWatcher(Config{
		ChainID:     1,
		Targets:     []common.Address{router, factory},
		BaseTokens:  []common.Address{weth},
		QueueDepth:  depth,
		DedupWindow: window,
	}, nil)
}

func tokenAddr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x10000 + i)))
}

var nonce atomic.Uint64

func routerTx(t *testing.T, to common.Address, data []byte) *types.Transaction {
	t.Helper()
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce.Add(1),
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       300_000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
}

func swapTx(t *testing.T, token common.Address) *types.Transaction {
	t.Helper()
	data, err := contracts.Router.Pack("swapExactETHForTokens",
		big.NewInt(1), []common.Address{weth, token}, common.HexToAddress("0x01"), big.NewInt(1e10))
	require.NoError(t, err)
	return routerTx(t, router, data)
}

func addLiquidityTx(t *testing.T, token common.Address) *types.Transaction {
	t.Helper()
	data, err := contracts.Router.Pack("addLiquidityETH",
		token, big.NewInt(1000), big.NewInt(1000), big.NewInt(1e18), common.HexToAddress("0x01"), big.NewInt(1e10))
	require.NoError(t, err)
	return routerTx(t, router, data)
}

func TestIngestEmitsCandidate(t *testing.T) {
	w := newTestWatcher(16, time.Minute)
	token := tokenAddr(1)

	require.True(t, w.Ingest(addLiquidityTx(t, token)))

	select {
	case c := <-w.Candidates():
		assert.Equal(t, token, c.Token.Address)
		assert.Equal(t, uint64(1), c.Token.ChainID)
		assert.Equal(t, "addLiquidityETH", c.Method)
		assert.Equal(t, contracts.KindAddLiquidity, c.Kind)
		assert.Equal(t, router, c.Router)
		assert.Contains(t, c.Token.LiquiditySource, "addLiquidityETH")
	default:
		t.Fatal("expected a candidate")
	}
}

func TestIngestCreatePairOnFactory(t *testing.T) {
	w := newTestWatcher(16, time.Minute)
	data, err := contracts.Factory.Pack("createPair", weth, tokenAddr(2))
	require.NoError(t, err)

	require.True(t, w.Ingest(routerTx(t, factory, data)))
	c := <-w.Candidates()
	assert.Equal(t, tokenAddr(2), c.Token.Address)
	assert.Equal(t, contracts.KindCreatePair, c.Kind)
}

func TestIngestIgnoresUnrelatedTraffic(t *testing.T) {
	w := newTestWatcher(16, time.Minute)

	// Same calldata to a contract that is not watched.
	other := swapTx(t, tokenAddr(3))
	other = routerTx(t, common.HexToAddress("0xdead"), other.Data())
	assert.False(t, w.Ingest(other))

	// Plain transfer to the router.
	assert.False(t, w.Ingest(routerTx(t, router, nil)))

	// Watched router, unwatched method.
	assert.False(t, w.Ingest(routerTx(t, router, contracts.PackGetAmountsOut(big.NewInt(1), []common.Address{weth, tokenAddr(3)}))))

	// Watched selector with garbage arguments.
	bad := append(append([]byte{}, contracts.Selector(contracts.Router, "addLiquidityETH")...), 0x01)
	assert.False(t, w.Ingest(routerTx(t, router, bad)))

	// Contract creation.
	assert.False(t, w.Ingest(types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 1, GasPrice: big.NewInt(1), Data: []byte{0x60}})))

	stats := w.Stats()
	assert.Equal(t, uint64(0), stats.Emitted)
	assert.Equal(t, uint64(1), stats.DecodeErrors)
	assert.Equal(t, uint64(5), stats.Ingested)
}

func TestDedupWithinWindow(t *testing.T) {
	w := newTestWatcher(16, 10*time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })
	token := tokenAddr(4)

	assert.True(t, w.Ingest(swapTx(t, token)))
	assert.False(t, w.Ingest(addLiquidityTx(t, token)), "second sighting inside the window")

	now = now.Add(5 * time.Minute)
	assert.False(t, w.Ingest(swapTx(t, token)))

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Emitted)
	assert.Equal(t, uint64(2), stats.Duplicates)
	assert.Equal(t, 1, stats.QueueLen)

	// Once the window has passed the token may be reported again.
	now = now.Add(6 * time.Minute)
	assert.True(t, w.Ingest(swapTx(t, token)))
}

func TestDedupExpire(t *testing.T) {
	d := NewDedup(time.Minute)
	t0 := time.Now()
	require.True(t, d.Check(tokenAddr(1), t0))
	require.True(t, d.Check(tokenAddr(2), t0.Add(30*time.Second)))

	assert.Equal(t, 1, d.Expire(t0.Add(time.Minute)))
	assert.Equal(t, 1, d.Len())
}

func TestBackpressureDropsOldest(t *testing.T) {
	w := newTestWatcher(256, time.Hour)
	var dropped []common.Address
	w.OnDrop(func(c Candidate) { dropped = append(dropped, c.Token.Address) })

	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.True(t, w.Ingest(swapTx(t, tokenAddr(i))))
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	stats := w.Stats()
	assert.Equal(t, uint64(744), stats.Dropped)
	assert.Equal(t, 256, stats.QueueLen)
	require.Len(t, dropped, 744)
	assert.Equal(t, tokenAddr(0), dropped[0])
	assert.Equal(t, tokenAddr(743), dropped[743])

	first := <-w.Candidates()
	assert.Equal(t, tokenAddr(744), first.Token.Address, "the newest 256 survive")
}

func TestQueueConcurrentProducersAndConsumers(t *testing.T) {
	q := NewQueue(8)
	var received atomic.Uint64
	ctx, cancel := context.WithCancel(context.Background())

	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.C():
					received.Add(1)
				}
			}
		}()
	}

	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func(p int) {
			defer producers.Done()
			for i := 0; i < 250; i++ {
				q.Push(Candidate{Token: evm.TokenInfo{Address: tokenAddr(p*1000 + i)}})
			}
		}(p)
	}
	producers.Wait()
	require.Eventually(t, func() bool {
		return received.Load()+q.Dropped() == 1000
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	consumers.Wait()
}

func TestPauseDiscards(t *testing.T) {
	w := newTestWatcher(16, time.Minute)
	w.Pause()
	assert.True(t, w.Paused())
	assert.False(t, w.Ingest(swapTx(t, tokenAddr(5))))
	assert.Equal(t, uint64(1), w.Stats().Discarded)

	w.Resume()
	assert.True(t, w.Ingest(swapTx(t, tokenAddr(5))), "discarded tx did not enter the dedup set")
}

func TestEstimatedBytesGrows(t *testing.T) {
	w := newTestWatcher(16, time.Minute)
	before := w.EstimatedBytes()
	w.Ingest(swapTx(t, tokenAddr(6)))
	assert.Greater(t, w.EstimatedBytes(), before)
}

// ---------------------------------------------------------------------------
// WebSocket source
// ---------------------------------------------------------------------------

func newPendingTxServer(t *testing.T, notifications func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || len(req.Params) == 0 || req.Params[0] != "newPendingTransactions" {
			conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "bad subscribe"}})
			return
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xabc"})
		notifications(conn)

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func notify(conn *websocket.Conn, result any) {
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params":  map[string]any{"subscription": "0xabc", "result": result},
	})
}

func TestWSSourceFeedsWatcher(t *testing.T) {
	wallet, err := evm.GenerateWallet()
	require.NoError(t, err)

	byHash, err := wallet.Sign(swapTx(t, tokenAddr(7)), big.NewInt(1))
	require.NoError(t, err)
	full, err := wallet.Sign(addLiquidityTx(t, tokenAddr(8)), big.NewInt(1))
	require.NoError(t, err)
	fullJSON, err := json.Marshal(full)
	require.NoError(t, err)

	srv := newPendingTxServer(t, func(conn *websocket.Conn) {
		notify(conn, byHash.Hash().Hex())
		notify(conn, json.RawMessage(fullJSON))
		notify(conn, "not-a-hash")
	})

	var resolves atomic.Int32
	resolver := func(_ context.Context, hash common.Hash) (*types.Transaction, error) {
		resolves.Add(1)
		if hash == byHash.Hash() {
			return byHash, nil
		}
		return nil, errors.New("not found")
	}

	w := NewWatcher(Config{
		ChainID:     1,
		Targets:     []common.Address{router},
		BaseTokens:  []common.Address{weth},
		QueueDepth:  16,
		DedupWindow: time.Minute,
	}, resolver)
	src := NewWSSource(WSConfig{Name: "test", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	w.AddSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	got := map[common.Address]bool{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case c := <-w.Candidates():
			got[c.Token.Address] = true
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.True(t, got[tokenAddr(7)])
	assert.True(t, got[tokenAddr(8)])
	assert.Equal(t, int32(1), resolves.Load(), "full objects are not resolved")

	stats := src.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, "0xabc", stats.Subscription)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.False(t, src.Connected())
}

func TestWSSourceSkipsInactiveEndpoint(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects.Add(1)
	}))
	defer srv.Close()

	src := NewWSSource(WSConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 10 * time.Millisecond,
		IsActive:       func() bool { return false },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, src.Run(ctx, make(chan Notification, 1)))
	assert.Equal(t, int32(0), connects.Load())
}
