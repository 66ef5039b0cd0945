// Package metrics defines the Prometheus collectors used by the agent.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	frappeRequests  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	csrfFetches     *prometheus.CounterVec
	bulkItems       *prometheus.CounterVec
	bulkRetries     prometheus.Counter
	bulkRuns        *prometheus.CounterVec
	intakeRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frappeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frappe_agent_requests_total",
				Help: "Total number of requests sent to the Frappe API",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frappe_agent_request_duration_seconds",
				Help:    "Latency of requests sent to the Frappe API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		csrfFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frappe_agent_csrf_fetches_total",
				Help: "CSRF token fetch attempts by result",
			},
			[]string{"result"},
		),
		bulkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frappe_agent_bulk_items_total",
				Help: "Bulk creation items by final outcome",
			},
			[]string{"outcome"},
		),
		bulkRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frappe_agent_bulk_retries_total",
				Help: "Retry attempts issued by the bulk pipeline",
			},
		),
		bulkRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frappe_agent_bulk_runs_total",
				Help: "Bulk creation runs by terminal state",
			},
			[]string{"state"},
		),
		intakeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frappe_agent_intake_requests_total",
				Help: "Requests received on the intake endpoints",
			},
			[]string{"endpoint", "status"},
		),
	}

	reg.MustRegister(
		m.frappeRequests,
		m.requestDuration,
		m.csrfFetches,
		m.bulkItems,
		m.bulkRetries,
		m.bulkRuns,
		m.intakeRequests,
	)

	return m
}

// ObserveRequest records one Frappe API call. status is the HTTP status code,
// or 0 when no response was received.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.frappeRequests.WithLabelValues(method, label).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// CSRFFetch records a CSRF fetch outcome: success, failure or cooldown.
func (m *Metrics) CSRFFetch(result string) {
	if m == nil {
		return
	}
	m.csrfFetches.WithLabelValues(result).Inc()
}

// BulkItem records the final outcome of one bulk item.
func (m *Metrics) BulkItem(success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "completed"
	}
	m.bulkItems.WithLabelValues(outcome).Inc()
}

// BulkRetry records one retry attempt.
func (m *Metrics) BulkRetry() {
	if m == nil {
		return
	}
	m.bulkRetries.Inc()
}

// BulkRun records a finished run by its terminal state.
func (m *Metrics) BulkRun(state string) {
	if m == nil {
		return
	}
	m.bulkRuns.WithLabelValues(state).Inc()
}

// IntakeRequest records a request handled by the intake surface.
func (m *Metrics) IntakeRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.intakeRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}
