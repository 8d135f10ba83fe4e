// Package metrics exposes Prometheus instruments for detection runs.
//
// All methods are safe on a nil *Metrics so components can be built without
// instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sequelwatch"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	lookups       *prometheus.CounterVec
	matches       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	userRuns      *prometheus.CounterVec
	tokenChecks   *prometheus.CounterVec
	batchDuration prometheus.Histogram
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_lookups_total",
			Help:      "Metadata enrichment lookups by outcome.",
		}, []string{"outcome"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_matches_total",
			Help:      "Successor matches produced by the detector.",
		}, []string{"match_type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Dispatch results (created, duplicate, suppressed).",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by result.",
		}, []string{"result"}),
		userRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_runs_total",
			Help:      "Per-user detection runs by outcome.",
		}, []string{"outcome"}),
		tokenChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Action token validations by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of full detection batches.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.lookups,
		m.matches,
		m.notifications,
		m.deliveries,
		m.userRuns,
		m.tokenChecks,
		m.batchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Lookup counts an enrichment lookup outcome.
func (m *Metrics) Lookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// Match counts a detector match.
func (m *Metrics) Match(matchType string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(matchType).Inc()
}

// Notification counts a dispatch result.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// Delivery counts a delivery result.
func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// UserRun counts a per-user run outcome.
func (m *Metrics) UserRun(outcome string) {
	if m == nil {
		return
	}
	m.userRuns.WithLabelValues(outcome).Inc()
}

// TokenCheck counts a token validation.
func (m *Metrics) TokenCheck(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.tokenChecks.WithLabelValues(result).Inc()
}

// ObserveBatch records a batch duration.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}
