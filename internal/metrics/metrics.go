// Package metrics exposes circulation counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	loans          *prometheus.CounterVec
	denials        *prometheus.CounterVec
	payments       *prometheus.CounterVec
	gatewayLatency prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circulation",
			Name:      "loan_transitions_total",
			Help:      "Committed loan state transitions by kind.",
		}, []string{"transition"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circulation",
			Name:      "borrow_denials_total",
			Help:      "Borrow requests refused, by reason code.",
		}, []string{"reason"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circulation",
			Name:      "payments_total",
			Help:      "Payments reaching a status.",
		}, []string{"status"}),
		gatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "circulation",
			Name:      "gateway_request_seconds",
			Help:      "Latency of payment gateway initiate calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.loans, m.denials, m.payments, m.gatewayLatency)
	return m
}

func (m *Metrics) LoanTransition(transition string, n int) {
	if m == nil {
		return
	}
	m.loans.WithLabelValues(transition).Add(float64(n))
}

func (m *Metrics) BorrowDenied(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) Payment(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

func (m *Metrics) GatewayLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.Observe(d.Seconds())
}
