package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/evm"
)

func gweiInt(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000)) }

func newOptimizer(stub *evm.StubClient, ceiling *big.Int) *Optimizer {
	return NewOptimizer(Config{
		ChainID:         1,
		RefreshInterval: time.Minute,
		Ceiling:         ceiling,
		BumpPct:         15,
	}, connection.Direct{Client: stub})
}

func TestRefresh_ReadsNetworkState(t *testing.T) {
	stub := evm.NewStubClient(1)
	stub.SetGasUsedRatio(0.25)
	stub.SetPendingCount(42)
	o := newOptimizer(stub, nil)

	st, err := o.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), st.BlockNumber)
	assert.Equal(t, gweiInt(20), st.BaseFee)
	assert.InDelta(t, 25.0, st.Congestion, 0.001)
	assert.Equal(t, uint(42), st.PendingTxCount)

	cached, ok := o.State()
	assert.True(t, ok)
	assert.Equal(t, st.BlockNumber, cached.BlockNumber)
}

func TestQuote_NormalNetwork(t *testing.T) {
	stub := evm.NewStubClient(1)
	o := newOptimizer(stub, nil)

	q, err := o.Quote(context.Background())
	require.NoError(t, err)

	// 2 * 20 gwei + 1.5 gwei
	assert.Equal(t, big.NewInt(41_500_000_000), q.GasFeeCap)
	assert.Equal(t, big.NewInt(1_500_000_000), q.GasTipCap)
	assert.False(t, q.Capped)
	assert.False(t, q.Legacy)
}

func TestQuote_CongestionDoublesTip(t *testing.T) {
	stub := evm.NewStubClient(1)
	stub.SetGasUsedRatio(0.95)
	o := newOptimizer(stub, nil)

	q, err := o.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000_000), q.GasTipCap)
	assert.Equal(t, big.NewInt(43_000_000_000), q.GasFeeCap)
}

func TestQuote_RespectsCeiling(t *testing.T) {
	stub := evm.NewStubClient(1)
	o := newOptimizer(stub, gweiInt(30))

	q, err := o.Quote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Capped)
	assert.Equal(t, gweiInt(30), q.GasFeeCap)
	assert.Equal(t, 1, q.MaxFee().Cmp(q.BaseFee))
}

func TestQuote_BaseFeeAboveCeilingFails(t *testing.T) {
	stub := evm.NewStubClient(1)
	stub.SetFees(gweiInt(50), gweiInt(52), gweiInt(2))
	o := newOptimizer(stub, gweiInt(40))

	_, err := o.Quote(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
	assert.Equal(t, ReasonCeiling, apperr.ReasonOf(err))
}

func TestQuote_LegacyChain(t *testing.T) {
	stub := evm.NewStubClient(1)
	stub.SetFees(nil, gweiInt(5), nil)
	o := newOptimizer(stub, nil)

	q, err := o.Quote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Legacy)
	assert.Equal(t, gweiInt(5), q.GasPrice)
	assert.Equal(t, gweiInt(5), q.MaxFee())
}

func TestQuote_RefreshFailurePropagates(t *testing.T) {
	stub := evm.NewStubClient(1)
	stub.SetFailErr(errors.New("connection refused"))
	o := newOptimizer(stub, nil)

	_, err := o.Quote(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(1), o.Stats().Failures)
}

func TestBump_RaisesBothCaps(t *testing.T) {
	o := newOptimizer(evm.NewStubClient(1), nil)
	q := Quote{GasFeeCap: gweiInt(40), GasTipCap: gweiInt(2), BaseFee: gweiInt(19)}

	b, err := o.Bump(q)
	require.NoError(t, err)
	assert.Equal(t, gweiInt(46), b.GasFeeCap)
	assert.Equal(t, big.NewInt(2_300_000_000), b.GasTipCap)
	assert.Equal(t, uint64(1), o.Stats().Bumps)
}

func TestBump_FailsAtCeiling(t *testing.T) {
	o := newOptimizer(evm.NewStubClient(1), gweiInt(42))
	q := Quote{GasFeeCap: gweiInt(40), GasTipCap: gweiInt(2), BaseFee: gweiInt(19)}

	_, err := o.Bump(q)
	require.Error(t, err)
	assert.Equal(t, ReasonCeiling, apperr.ReasonOf(err))
}

func TestBump_ClampsToCeilingWhenRoomRemains(t *testing.T) {
	o := newOptimizer(evm.NewStubClient(1), gweiInt(45))
	q := Quote{GasFeeCap: gweiInt(40), GasTipCap: gweiInt(2), BaseFee: gweiInt(19)}

	b, err := o.Bump(q)
	require.NoError(t, err)
	assert.True(t, b.Capped)
	assert.Equal(t, gweiInt(45), b.GasFeeCap)
}

func TestStartStop(t *testing.T) {
	stub := evm.NewStubClient(1)
	o := newOptimizer(stub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { _, ok := o.State(); return ok }, time.Second, 5*time.Millisecond)
	o.Stop()
	o.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("optimizer did not stop")
	}
}

func TestQuoteWithin_TighterCeilingWins(t *testing.T) {
	o := newOptimizer(evm.NewStubClient(1), gweiInt(45))

	q, err := o.QuoteWithin(context.Background(), gweiInt(35))
	require.NoError(t, err)
	assert.True(t, q.Capped)
	assert.Equal(t, gweiInt(35), q.GasFeeCap)

	// the per-trade ceiling also bounds the replacement
	_, err = o.Bump(q)
	require.Error(t, err)
	assert.Equal(t, ReasonCeiling, apperr.ReasonOf(err))
}

func TestQuoteWithin_LooserCeilingIgnored(t *testing.T) {
	o := newOptimizer(evm.NewStubClient(1), gweiInt(30))

	q, err := o.QuoteWithin(context.Background(), gweiInt(100))
	require.NoError(t, err)
	assert.Equal(t, gweiInt(30), q.GasFeeCap)
}
