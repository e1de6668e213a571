package projection

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A single Metrics value
// is shared by all handlers of a registry.
type Metrics struct {
	eventsApplied *prometheus.CounterVec
	eventsSkipped *prometheus.CounterVec
	eventFailures *prometheus.CounterVec
	batchErrors   *prometheus.CounterVec
	lag           *prometheus.GaugeVec
	batchDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer for the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "events_applied_total",
			Help:      "Events successfully reduced into the read model.",
		}, []string{"projection"}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "events_skipped_total",
			Help:      "Events skipped by the filter predicate or quarantined past max retries.",
		}, []string{"projection"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "event_failures_total",
			Help:      "Reducer failures recorded in the failed-event ledger.",
		}, []string{"projection"}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "batch_errors_total",
			Help:      "Batch-level errors (transient database failures).",
		}, []string{"projection"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "lag",
			Help:      "Log head position minus projection cursor position.",
		}, []string{"projection"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "readside",
			Subsystem: "projection",
			Name:      "batch_duration_seconds",
			Help:      "Duration of a single batch transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"projection"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied,
			m.eventsSkipped,
			m.eventFailures,
			m.batchErrors,
			m.lag,
			m.batchDuration,
		)
	}
	return m
}

// NopMetrics returns unregistered collectors, for tests.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
