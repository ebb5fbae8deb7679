// Package metrics provides the key agent's optional Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "enchive_agent"

// Metrics tracks the key agent's cache-serving behavior.
type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Active      prometheus.Gauge
}

// Default returns a Metrics registered against the default Prometheus
// registry, for use by cmd/enchive-agent when --metrics-addr is set.
func Default() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers Metrics against reg, letting tests use
// a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Number of extract requests served from the cached protection key.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Number of client connections that failed to get a cached protection key.",
		}),
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "1 while the agent is listening, 0 once it has exited.",
		}),
	}
}

// RecordHit records a successful key hand-off to a connecting client.
func (m *Metrics) RecordHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordMiss records a client connection that did not get a key, e.g. a
// write failure mid hand-off.
func (m *Metrics) RecordMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// SetActive reports whether the agent is currently listening.
func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Active.Set(1)
	} else {
		m.Active.Set(0)
	}
}
