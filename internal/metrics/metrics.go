// Package metrics exports Prometheus collectors for the control plane.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "controlplane"

// Metrics holds every collector the control plane records into.
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	InboundMessages *prometheus.CounterVec
	PipelinesTotal  *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	ProviderCalls   *prometheus.CounterVec
	BudgetDenials   prometheus.Counter
	TokensRecorded  prometheus.Counter
	ApprovalsTotal  *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		InboundMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound chat events by classified intent",
			},
			[]string{"intent"},
		),
		PipelinesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_total",
				Help:      "Pipeline state transitions by target status",
			},
			[]string{"status"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_step_duration_seconds",
				Help:      "Duration of pipeline steps by role",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"role"},
		),
		ProviderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Generative backend calls",
			},
			[]string{"backend", "task_kind", "outcome"},
		),
		BudgetDenials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Calls refused by the budget guard",
		}),
		TokensRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_recorded_total",
			Help:      "Tokens recorded against workspace usage counters",
		}),
		ApprovalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Approval requests by event (proposed, approved, rejected)",
			},
			[]string{"event"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_queue_inflight",
			Help:      "Pipeline runs currently executing on the worker pool",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) Inbound(intent string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(intent).Inc()
}

func (m *Metrics) PipelineStatus(status string) {
	if m == nil {
		return
	}
	m.PipelinesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Step(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) ProviderCall(backend, taskKind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(backend, taskKind, outcome).Inc()
}

func (m *Metrics) BudgetDenied() {
	if m == nil {
		return
	}
	m.BudgetDenials.Inc()
}

func (m *Metrics) Tokens(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRecorded.Add(float64(n))
}

func (m *Metrics) Approval(event string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.QueueDepth.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.QueueDepth.Dec()
}
