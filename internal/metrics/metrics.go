// Package metrics holds all Prometheus metrics for the loan platform.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered once per process and shared by the HTTP layer,
// workers and the WebSocket hub.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Job queue metrics
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	// Loan metrics
	LoansCreated      *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec

	// Realtime metrics
	WSConnections prometheus.Gauge
	NotifyEvents  *prometheus.CounterVec
}

// NewMetrics registers the metric set on reg. Pass
// prometheus.DefaultRegisterer in mains; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loan_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_jobs_processed_total",
				Help: "Queue jobs by queue name and outcome",
			},
			[]string{"queue", "outcome"}, // outcome: completed, failed, retried
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loan_job_duration_seconds",
				Help:    "Job processing time per queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"queue"},
		),

		LoansCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_applications_created_total",
				Help: "Applications created by country",
			},
			[]string{"country"},
		),

		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_status_transitions_total",
				Help: "Lifecycle transitions by from/to status",
			},
			[]string{"from", "to"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loan_websocket_connections",
				Help: "Currently connected WebSocket clients",
			},
		),

		NotifyEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_notify_events_total",
				Help: "LISTEN/NOTIFY events dispatched by operation",
			},
			[]string{"operation"}, // operation: INSERT, UPDATE
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordJob records a job outcome. Retried failures count as "retried",
// terminal failures as "failed".
func (m *Metrics) RecordJob(queue, outcome string, duration time.Duration) {
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (m *Metrics) RecordLoanCreated(country string) {
	m.LoansCreated.WithLabelValues(country).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}
