// Package metrics registers the bridge's Prometheus collectors. Grounded on
// the teacher's internal/metrics package: small, focused collectors per
// component, registered eagerly via promauto so every package that imports
// metrics "just works" when /metrics is scraped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus

	BusEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Total events published to the bus.",
	})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Total buffered events dropped for lagging subscribers.",
	})

	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse",
		Subsystem: "bus",
		Name:      "subscribers",
		Help:      "Current number of live bus subscribers.",
	})

	// Adapter handle

	AdapterState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "muse",
		Subsystem: "adapter",
		Name:      "state",
		Help:      "Adapter handle state (1 = current state, 0 = not current) by prefix and state label.",
	}, []string{"prefix", "state"})

	AdapterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "adapter",
		Name:      "retries_total",
		Help:      "Total retry attempts per adapter.",
	}, []string{"prefix"})

	// Zone aggregator

	ZoneCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "muse",
		Subsystem: "zone",
		Name:      "count",
		Help:      "Current number of zones known to the aggregator.",
	})

	// Circuit breaker

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "muse",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (1 = current state, 0 = not current) by breaker name and state label.",
	}, []string{"name", "state"})

	// Reporter

	ReporterEventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "reporter",
		Name:      "events_forwarded_total",
		Help:      "Total events accepted into the reporter's pending batch.",
	})

	ReporterEventsDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "reporter",
		Name:      "events_debounced_total",
		Help:      "Total events suppressed by the debounce window.",
	})

	ReporterFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muse",
		Subsystem: "reporter",
		Name:      "flushes_total",
		Help:      "Total batch flushes, labeled by outcome.",
	}, []string{"outcome"})

	// Command router

	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "muse",
		Subsystem: "command",
		Name:      "dispatch_duration_seconds",
		Help:      "Latency of command dispatch through the router.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action", "outcome"})
)
