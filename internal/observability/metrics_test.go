package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/bus"
	"github.com/snipebot/snipebot/internal/endpoint"
)

var tokenA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func event(kind bus.Kind, corr string, at time.Time) bus.Event {
	e := bus.NewEvent("test", kind, tokenA)
	e.CorrelationID = corr
	e.Timestamp = at
	return e
}

func TestObserve_CountsKindsAndReasons(t *testing.T) {
	m := NewMetrics("")
	t0 := time.Now()

	m.Observe(event(bus.KindDiscovered, "c1", t0))
	m.Observe(event(bus.KindAnalyzed, "c1", t0.Add(10*time.Millisecond)))
	gated := event(bus.KindGated, "c1", t0.Add(20*time.Millisecond))
	gated.Reasons = []string{"HONEYPOT", "LIQUIDITY_TOO_LOW:have=0.5000,min=2"}
	m.Observe(gated)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("discovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("gated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDenials.WithLabelValues("HONEYPOT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDenials.WithLabelValues("LIQUIDITY_TOO_LOW")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PipelineLatency))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestObserve_SnipeOutcomes(t *testing.T) {
	m := NewMetrics("")
	t0 := time.Now()

	m.Observe(event(bus.KindDiscovered, "ok", t0))
	m.Observe(event(bus.KindDiscovered, "bad", t0))
	m.Observe(event(bus.KindDiscovered, "pending", t0))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InFlight))

	confirmed := event(bus.KindConfirmed, "ok", t0.Add(time.Second))
	confirmed.SnipeID = "s1"
	m.Observe(confirmed)
	failed := event(bus.KindFailed, "bad", t0.Add(time.Second))
	failed.SnipeID = "s2"
	m.Observe(failed)
	// analysis failures carry no snipe id
	m.Observe(event(bus.KindFailed, "", t0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snipes.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snipes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PipelineLatency))
}

func TestObserve_Dropped(t *testing.T) {
	m := NewMetrics("")
	m.Observe(bus.NewEvent("mempool", bus.KindDropped, tokenA))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
}

func TestUpdateEndpoints_StatusAndFailover(t *testing.T) {
	eps := endpoint.NewManager(endpoint.Config{FailureThreshold: 1, Cooldown: time.Minute, RecoverySuccesses: 1})
	require.NoError(t, eps.Add(endpoint.Endpoint{URL: "http://a", ChainID: 1, Priority: 10, Enabled: true}))
	require.NoError(t, eps.Add(endpoint.Endpoint{URL: "http://b", ChainID: 1, Priority: 5, Enabled: true}))
	m := NewMetrics("")

	m.UpdateEndpoints(eps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointStatus.WithLabelValues("1", "http://a", "active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EndpointStatus.WithLabelValues("1", "http://a", "degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Failovers.WithLabelValues("1")))

	eps.ReportFailure("http://a", errors.New("timeout"))
	m.UpdateEndpoints(eps)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EndpointStatus.WithLabelValues("1", "http://a", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointStatus.WithLabelValues("1", "http://a", "degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failovers.WithLabelValues("1")))

	m.UpdateEndpoints(eps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failovers.WithLabelValues("1")), "unchanged primary is not a failover")
}

func TestObserveLatency(t *testing.T) {
	m := NewMetrics("")
	m.ObserveLatency("http://a", 30*time.Millisecond)
	m.ObserveLatency("http://a", 40*time.Millisecond)
	m.ObserveLatency("http://b", time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(m.RPCLatency))
}

func TestStatsCollector(t *testing.T) {
	c := NewStatsCollector("")
	c.Add("executor", func() map[string]float64 {
		return map[string]float64{"snipes": 3, "refused": 1}
	})
	c.Add("bus", func() map[string]float64 {
		return map[string]float64{"published": 42}
	})
	assert.Equal(t, 3, testutil.CollectAndCount(c))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "snipebot_component_stat", families[0].GetName())
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := NewMetrics("snipebot")
	m.Observe(bus.NewEvent("test", bus.KindDiscovered, tokenA))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `snipebot_pipeline_events_total{kind="discovered"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestFromStats_KeepsNumbersAndBools(t *testing.T) {
	type stats struct {
		Snipes  uint64   `json:"snipes"`
		DryRun  bool     `json:"dry_run"`
		Name    string   `json:"name"`
		Modules []string `json:"modules"`
	}
	fn := FromStats(func() stats {
		return stats{Snipes: 4, DryRun: true, Name: "x", Modules: []string{"a"}}
	})
	assert.Equal(t, map[string]float64{"snipes": 4, "dry_run": 1}, fn())
}
