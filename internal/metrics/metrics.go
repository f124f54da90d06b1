// Package metrics exposes pipeline counters to Prometheus.
//
// All methods are safe on a nil *Metrics, so components can be wired
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "errorpipe"

// Metrics holds the pipeline collectors.
type Metrics struct {
	reportsIngested  *prometheus.CounterVec
	alertsDispatched *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
	durableFailures  prometheus.Counter
	cleanupDeleted   prometheus.Counter
	queryDuration    *prometheus.HistogramVec
	forecasts        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reportsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_ingested_total",
				Help:      "Error occurrences ingested, by outcome and severity",
			},
			[]string{"outcome", "severity"}, // outcome: created, deduplicated, fallback
		),
		alertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "deliveries_total",
				Help:      "Channel delivery attempts, by kind, channel and final status",
			},
			[]string{"kind", "channel", "status"},
		),
		alertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "suppressed_total",
				Help:      "Alerts not dispatched, by reason",
			},
			[]string{"reason"},
		),
		durableFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "durable_write_failures_total",
			Help:      "Report snapshots that never reached the durable store",
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "cleanup_deleted_total",
			Help:      "Reports removed by retention cleanup",
		}),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Duration of analytics and forecast queries",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"query"},
		),
		forecasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "series_total",
				Help:      "Forecast series requested, by result",
			},
			[]string{"result"}, // result: generated, insufficient_data, error
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.reportsIngested,
			m.alertsDispatched,
			m.alertsSuppressed,
			m.durableFailures,
			m.cleanupDeleted,
			m.queryDuration,
			m.forecasts,
		)
	}
	return m
}

// ObserveIngest counts one ReportError call.
func (m *Metrics) ObserveIngest(outcome, severity string) {
	if m == nil {
		return
	}
	m.reportsIngested.WithLabelValues(outcome, severity).Inc()
}

// ObserveDispatch counts one channel delivery.
func (m *Metrics) ObserveDispatch(kind, channel, status string) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(kind, channel, status).Inc()
}

// ObserveSuppressed counts an alert that was not dispatched.
func (m *Metrics) ObserveSuppressed(reason string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(reason).Inc()
}

// ObserveDurableFailure counts lost durable writes.
func (m *Metrics) ObserveDurableFailure(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.durableFailures.Add(float64(n))
}

// ObserveCleanup counts reports deleted by retention.
func (m *Metrics) ObserveCleanup(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

// ObserveQuery records how long a named query took.
func (m *Metrics) ObserveQuery(query string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// ObserveForecast counts one forecast series by result.
func (m *Metrics) ObserveForecast(result string) {
	if m == nil {
		return
	}
	m.forecasts.WithLabelValues(result).Inc()
}
