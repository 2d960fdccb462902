// Package metrics defines the Prometheus collectors for the request
// wrapper and the session state machine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. A nil *Metrics disables recording.
type Metrics struct {
	RequestAttempts    *prometheus.CounterVec
	RequestRetries     prometheus.Counter
	SessionTransitions *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionkit_request_attempts_total",
			Help: "Outbound request attempts by outcome.",
		}, []string{"outcome"}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_request_retries_total",
			Help: "Retries performed by the request wrapper.",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionkit_session_transitions_total",
			Help: "Session state transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.RequestAttempts, m.RequestRetries, m.SessionTransitions)
	return m
}

// ObserveAttempt records a request attempt outcome. Nil-safe.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.RequestAttempts.WithLabelValues(outcome).Inc()
}

// ObserveRetry records a retry. Nil-safe.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RequestRetries.Inc()
}

// ObserveTransition records a session transition. Nil-safe.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}
