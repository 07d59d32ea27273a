// Package observability exports pipeline metrics to Prometheus.
package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snipebot/snipebot/internal/bus"
	"github.com/snipebot/snipebot/internal/endpoint"
)

// DefaultLatencyBuckets covers RPC round trips and full pipeline passes, in seconds.
var DefaultLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds every collector. Each instance owns its registry, so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	GateDenials     *prometheus.CounterVec
	Snipes          *prometheus.CounterVec
	Dropped         prometheus.Counter
	PipelineLatency *prometheus.HistogramVec
	RPCLatency      *prometheus.HistogramVec
	EndpointStatus  *prometheus.GaugeVec
	Failovers       *prometheus.CounterVec
	InFlight        prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time // correlation id -> discovered at
	primary map[uint64]string
}

// maxTracked bounds the in-flight correlation map if terminal events go missing.
const maxTracked = 10_000

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "snipebot"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Pipeline events published, by kind",
		}, []string{"kind"}),
		GateDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "gate_denials_total",
			Help:      "Gate denials by reason code",
		}, []string{"reason"}),
		Snipes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "snipes_total",
			Help:      "Finished snipes by outcome",
		}, []string{"outcome"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "dropped_total",
			Help:      "Candidates dropped before analysis",
		}),
		PipelineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "latency_seconds",
			Help:      "Time from discovery to the terminal event, by terminal kind",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"kind"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "latency_seconds",
			Help:      "Successful RPC request latency by endpoint",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"endpoint"}),
		EndpointStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_status",
			Help:      "1 for the endpoint's current status, 0 otherwise",
		}, []string{"chain", "endpoint", "status"}),
		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "failovers_total",
			Help:      "Primary endpoint changes by chain",
		}, []string{"chain"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Candidates discovered without a terminal event yet",
		}),
		started: make(map[string]time.Time),
		primary: make(map[uint64]string),
	}
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe is a bus.Handler.
func (m *Metrics) Observe(e bus.Event) {
	m.Events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case bus.KindGated:
		for _, r := range e.Reasons {
			code, _, _ := strings.Cut(r, ":")
			m.GateDenials.WithLabelValues(code).Inc()
		}
	case bus.KindConfirmed:
		m.Snipes.WithLabelValues("confirmed").Inc()
	case bus.KindFailed:
		if e.SnipeID != "" {
			m.Snipes.WithLabelValues("failed").Inc()
		}
	case bus.KindDropped:
		m.Dropped.Inc()
	}

	if e.CorrelationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Kind == bus.KindDiscovered {
		if len(m.started) < maxTracked {
			m.started[e.CorrelationID] = e.Timestamp
		}
	} else if e.Terminal() {
		if at, ok := m.started[e.CorrelationID]; ok {
			delete(m.started, e.CorrelationID)
			m.PipelineLatency.WithLabelValues(string(e.Kind)).Observe(e.Timestamp.Sub(at).Seconds())
		}
	}
	m.InFlight.Set(float64(len(m.started)))
}

// ObserveLatency implements connection.LatencyObserver.
func (m *Metrics) ObserveLatency(url string, d time.Duration) {
	m.RPCLatency.WithLabelValues(url).Observe(d.Seconds())
}

// UpdateEndpoints refreshes status gauges and counts primary changes.
func (m *Metrics) UpdateEndpoints(eps *endpoint.Manager) {
	statuses := []endpoint.Status{endpoint.StatusActive, endpoint.StatusDegraded, endpoint.StatusDown}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chainID := range eps.Chains() {
		chain := chainLabel(chainID)
		for _, ep := range eps.Endpoints(chainID) {
			for _, s := range statuses {
				v := 0.0
				if ep.Status == s {
					v = 1
				}
				m.EndpointStatus.WithLabelValues(chain, ep.URL, string(s)).Set(v)
			}
		}
		p, ok := eps.Primary(chainID)
		if !ok {
			continue
		}
		if prev, seen := m.primary[chainID]; seen && prev != p.URL {
			m.Failovers.WithLabelValues(chain).Inc()
		}
		m.primary[chainID] = p.URL
	}
}
