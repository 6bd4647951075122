// ABOUTME: Prometheus instrumentation for turns, messages, and tracked jobs
// ABOUTME: All record methods are nil-safe so wiring metrics stays optional

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry,
// so tests can create instances without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	MessagesTotal *prometheus.CounterVec
	JobsTotal     *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	PollAttempts  prometheus.Histogram
}

// New creates a metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "turns_total",
				Help:      "Total turns submitted by agent",
			},
			[]string{"agent"},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "messages_appended_total",
				Help:      "Total messages appended by role",
			},
			[]string{"role"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "jobs_total",
				Help:      "Total tracked jobs by terminal outcome",
			},
			[]string{"outcome"},
		),
		JobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "parley",
				Name:      "jobs_active",
				Help:      "Number of jobs currently being tracked",
			},
		),
		PollAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "parley",
				Name:      "job_poll_attempts",
				Help:      "Poll attempts per job before a terminal state",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),
	}
}

// RecordTurn counts one submitted turn.
func (m *Metrics) RecordTurn(agentID string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(agentID).Inc()
}

// RecordMessage counts one appended message.
func (m *Metrics) RecordMessage(role string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(role).Inc()
}

// RecordJobStart marks a tracked job as active.
func (m *Metrics) RecordJobStart() {
	if m == nil {
		return
	}
	m.JobsActive.Inc()
}

// RecordJobDone counts a terminal job outcome and its attempt cost.
func (m *Metrics) RecordJobDone(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.JobsActive.Dec()
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.PollAttempts.Observe(float64(attempts))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
