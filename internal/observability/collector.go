package observability

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatFunc returns a component's numeric counters at scrape time.
type StatFunc func() map[string]float64

// StatsCollector turns component Stats() snapshots into gauges, read only
// when Prometheus scrapes.
type StatsCollector struct {
	desc *prometheus.Desc

	mu      sync.RWMutex
	sources map[string]StatFunc
}

func NewStatsCollector(namespace string) *StatsCollector {
	if namespace == "" {
		namespace = "snipebot"
	}
	return &StatsCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "component", "stat"),
			"Component counters sampled at scrape time",
			[]string{"component", "stat"}, nil,
		),
		sources: make(map[string]StatFunc),
	}
}

// Add registers or replaces the source for component.
func (c *StatsCollector) Add(component string, fn StatFunc) {
	c.mu.Lock()
	c.sources[component] = fn
	c.mu.Unlock()
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make(map[string]StatFunc, len(c.sources))
	for k, v := range c.sources {
		sources[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		for stat, v := range sources[name]() {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, name, stat)
		}
	}
}

// FromStats adapts a Stats() method to a StatFunc. Numeric and boolean
// top-level JSON fields become stats; everything else is skipped.
func FromStats[T any](fn func() T) StatFunc {
	return func() map[string]float64 {
		raw, err := json.Marshal(fn())
		if err != nil {
			return nil
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil
		}
		out := make(map[string]float64, len(fields))
		for k, v := range fields {
			switch x := v.(type) {
			case float64:
				out[k] = x
			case bool:
				if x {
					out[k] = 1
				} else {
					out[k] = 0
				}
			}
		}
		return out
	}
}

func chainLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
