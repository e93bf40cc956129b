// Package telemetry exposes engine counters to Prometheus. A nil *Metrics
// is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stocksync"

type Metrics struct {
	transitions    *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
	rateLimited    prometheus.Counter
	reconciliation *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	attemptLatency prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_transitions_total",
			Help:      "Operation status transitions by target status.",
		}, []string{"status"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote order-service calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Token bucket rejections seen by the remote client.",
		}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_orders_total",
			Help:      "Orders examined by reconciliation by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted by kind and delivery result.",
		}, []string{"kind", "delivered"}),
		attemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of one processing attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.transitions, m.remoteCalls, m.rateLimited, m.reconciliation, m.alerts, m.attemptLatency)
	return m
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RemoteCall(op, outcome string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciliation.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Alert(kind string, delivered bool) {
	if m == nil {
		return
	}
	d := "true"
	if !delivered {
		d = "false"
	}
	m.alerts.WithLabelValues(kind, d).Inc()
}

func (m *Metrics) Attempt(d time.Duration) {
	if m == nil {
		return
	}
	m.attemptLatency.Observe(d.Seconds())
}
