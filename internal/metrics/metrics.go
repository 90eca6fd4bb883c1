// Package metrics exposes Prometheus collectors for the remediation cycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can be constructed without a registry in tests.
//
// Metrics:
//   - lucid_cycles_total{outcome}
//   - lucid_dream_duration_seconds{strategy}
//   - lucid_dream_score{strategy}
//   - lucid_dream_failures_total{strategy,stage}
//   - lucid_actions_total{kind,result}
//   - lucid_perception_flow_failures_total{profile,flow}
//   - lucid_reasoning_fallbacks_total{call}
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	DreamDuration      *prometheus.HistogramVec
	DreamScore         *prometheus.HistogramVec
	DreamFailures      *prometheus.CounterVec
	ActionsTotal       *prometheus.CounterVec
	FlowFailures       *prometheus.CounterVec
	ReasoningFallbacks *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() to keep
// tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_cycles_total",
			Help: "Remediation cycles by terminal outcome.",
		}, []string{"outcome"}),
		DreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lucid_dream_duration_seconds",
			Help:    "Wall-clock duration of one sandboxed strategy trial.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"strategy"}),
		DreamScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lucid_dream_score",
			Help:    "Aggregate score of sandboxed strategy trials.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"strategy"}),
		DreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_dream_failures_total",
			Help: "Strategy trials that errored, by stage.",
		}, []string{"strategy", "stage"}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_actions_total",
			Help: "Dispatched production actions by kind and result.",
		}, []string{"kind", "result"}),
		FlowFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_perception_flow_failures_total",
			Help: "Critical flows that failed during perception.",
		}, []string{"profile", "flow"}),
		ReasoningFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_reasoning_fallbacks_total",
			Help: "Reasoning calls that degraded to their documented default.",
		}, []string{"call"}),
	}
}

func (m *Metrics) ObserveCycle(outcome string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDream(strategy string, d time.Duration, score float64) {
	if m == nil {
		return
	}
	m.DreamDuration.WithLabelValues(strategy).Observe(d.Seconds())
	m.DreamScore.WithLabelValues(strategy).Observe(score)
}

func (m *Metrics) ObserveDreamFailure(strategy, stage string) {
	if m == nil {
		return
	}
	m.DreamFailures.WithLabelValues(strategy, stage).Inc()
}

func (m *Metrics) ObserveAction(kind string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.ActionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveFlowFailure(profile, flow string) {
	if m == nil {
		return
	}
	m.FlowFailures.WithLabelValues(profile, flow).Inc()
}

func (m *Metrics) ObserveReasoningFallback(call string) {
	if m == nil {
		return
	}
	m.ReasoningFallbacks.WithLabelValues(call).Inc()
}
