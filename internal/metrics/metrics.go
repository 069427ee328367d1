// Package metrics provides Prometheus metrics for the knowledge agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	BackendCalls       *prometheus.CounterVec
	BackendDuration    *prometheus.HistogramVec
	Judgments          *prometheus.CounterVec
	ThreadDrift        *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	SideEffectFailures *prometheus.CounterVec
	SkippedMessages    *prometheus.CounterVec
	Feedback           *prometheus.CounterVec
	AnswersDelivered   *prometheus.CounterVec
	TenantAppsActive   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BackendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_backend_calls_total",
				Help: "Inference backend calls by call variant and outcome.",
			},
			[]string{"variant", "outcome"},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "knowledge_agent_backend_call_duration_seconds",
				Help:    "Inference backend call latency by call variant.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
			},
			[]string{"variant"},
		),
		Judgments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_judgments_total",
				Help: "Fast-vs-slow answer judgments by result.",
			},
			[]string{"judgment"},
		),
		ThreadDrift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_thread_drift_total",
				Help: "Thread drift checks by outcome (unchanged, adapted, fallback).",
			},
			[]string{"outcome"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_deliveries_total",
				Help: "Slack deliveries by mode (post, update) and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_side_effect_failures_total",
				Help: "Best-effort side effect failures by effect.",
			},
			[]string{"effect"},
		),
		SkippedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_skipped_messages_total",
				Help: "Inbound messages not answered, by reason.",
			},
			[]string{"reason"},
		),
		Feedback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_feedback_total",
				Help: "Answer feedback button clicks by tenant and value.",
			},
			[]string{"tenant", "value"},
		),
		AnswersDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knowledge_agent_answers_delivered_total",
				Help: "Answers delivered to Slack by tenant and conversation kind.",
			},
			[]string{"tenant", "kind"},
		),
		TenantAppsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "knowledge_agent_tenant_apps_active",
				Help: "Number of live per-tenant Slack apps.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.BackendCalls,
		m.BackendDuration,
		m.Judgments,
		m.ThreadDrift,
		m.Deliveries,
		m.SideEffectFailures,
		m.SkippedMessages,
		m.Feedback,
		m.AnswersDelivered,
		m.TenantAppsActive,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBackendCall records one inference backend call.
func (m *Metrics) ObserveBackendCall(variant, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(variant, outcome).Inc()
	m.BackendDuration.WithLabelValues(variant).Observe(elapsed.Seconds())
}

// RecordJudgment increments the judgment counter.
func (m *Metrics) RecordJudgment(judgment string) {
	if m == nil {
		return
	}
	m.Judgments.WithLabelValues(judgment).Inc()
}

// RecordThreadDrift increments the drift counter.
func (m *Metrics) RecordThreadDrift(outcome string) {
	if m == nil {
		return
	}
	m.ThreadDrift.WithLabelValues(outcome).Inc()
}

// RecordDelivery increments the delivery counter.
func (m *Metrics) RecordDelivery(mode, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(mode, outcome).Inc()
}

// RecordSideEffectFailure increments the side effect failure counter.
func (m *Metrics) RecordSideEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(effect).Inc()
}

// RecordSkip increments the skipped message counter.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.SkippedMessages.WithLabelValues(reason).Inc()
}

// RecordFeedback increments the feedback counter.
func (m *Metrics) RecordFeedback(tenantID, value string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(tenantID, value).Inc()
}

// RecordAnswerDelivered is the analytics event for a delivered answer.
func (m *Metrics) RecordAnswerDelivered(tenantID, kind string) {
	if m == nil {
		return
	}
	m.AnswersDelivered.WithLabelValues(tenantID, kind).Inc()
}

// SetTenantApps sets the live tenant app count.
func (m *Metrics) SetTenantApps(count int) {
	if m == nil {
		return
	}
	m.TenantAppsActive.Set(float64(count))
}
