// Package telemetry provides Prometheus metrics for monitoring.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Evaluation metrics
	ShiftsEvaluated    *prometheus.CounterVec
	RuleMatches        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EvaluationErrors   prometheus.Counter

	// Lifecycle metrics
	StatusTransitions *prometheus.CounterVec

	// Reprocess metrics
	ReprocessRuns     *prometheus.CounterVec
	ReprocessShifts   *prometheus.CounterVec
	ReprocessRunning  prometheus.Gauge
	ReprocessDuration prometheus.Histogram

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ShiftsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "shifts_total",
			Help:      "Shifts evaluated, by lifecycle outcome",
		}, []string{"outcome"}),
		RuleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "rule_matches_total",
			Help:      "Rule matches by rule code and severity",
		}, []string{"code", "severity"}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "duration_seconds",
			Help:      "Time to evaluate and record one shift",
			Buckets:   prometheus.DefBuckets,
		}),
		EvaluationErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "errors_total",
			Help:      "Shift evaluations that failed",
		}),

		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "status_transitions_total",
			Help:      "Admin status transitions by target status and result",
		}, []string{"to", "result"}),

		ReprocessRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "runs_total",
			Help:      "Reprocess runs by how they ended",
		}, []string{"result"}),
		ReprocessShifts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "shifts_total",
			Help:      "Shifts handled by reprocess runs, by outcome",
		}, []string{"outcome"}),
		ReprocessRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "running",
			Help:      "1 while a reprocess run is active",
		}),
		ReprocessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reprocess",
			Name:      "duration_seconds",
			Help:      "Wall time of completed reprocess runs",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one shift evaluation.
func (m *Metrics) RecordEvaluation(outcome string, codes, severities []string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
	if err != nil {
		m.EvaluationErrors.Inc()
		return
	}
	m.ShiftsEvaluated.WithLabelValues(outcome).Inc()
	for i, code := range codes {
		m.RuleMatches.WithLabelValues(code, severities[i]).Inc()
	}
}

// RecordTransition records an admin status change attempt.
func (m *Metrics) RecordTransition(to string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.StatusTransitions.WithLabelValues(to, result).Inc()
}

// RecordReprocessShift records one shift handled by a reprocess run.
func (m *Metrics) RecordReprocessShift(outcome string) {
	if m == nil {
		return
	}
	m.ReprocessShifts.WithLabelValues(outcome).Inc()
}

// ReprocessStarted marks a run as active.
func (m *Metrics) ReprocessStarted() {
	if m == nil {
		return
	}
	m.ReprocessRunning.Set(1)
}

// ReprocessFinished records the end of a run.
func (m *Metrics) ReprocessFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReprocessRunning.Set(0)
	m.ReprocessRuns.WithLabelValues(result).Inc()
	m.ReprocessDuration.Observe(d.Seconds())
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
