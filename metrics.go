package redis

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "slotcache"

// Refresh results.
const (
	refreshOK       = "ok"
	refreshDeduped  = "deduped"
	refreshTimeout  = "timeout"
	refreshError    = "error"
	refreshCanceled = "canceled"
)

// metrics holds the Prometheus collectors of one slot cache.
type metrics struct {
	refreshes         *prometheus.CounterVec
	refreshDuration   prometheus.Histogram
	evictions         *prometheus.CounterVec
	closeErrors       prometheus.Counter
	discoveryFailures prometheus.Counter
	nodes             *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refreshes_total",
				Help:      "Topology refresh attempts by result",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of successful topology refreshes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evicted_pools_total",
				Help:      "Pools closed because their node left the topology",
			},
			[]string{"role"},
		),
		closeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pool_close_errors_total",
				Help:      "Errors returned by pool Close during eviction or teardown",
			},
		),
		discoveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discovery_failures_total",
				Help:      "Discovery nodes that could not be dialed or queried",
			},
		),
		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "nodes",
				Help:      "Nodes in the cached topology",
			},
			[]string{"role"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.refreshes,
			m.refreshDuration,
			m.evictions,
			m.closeErrors,
			m.discoveryFailures,
			m.nodes,
		)
	}
	return m
}
