package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Transition outcomes used as the "outcome" label.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeReplayed  = "replayed"
)

// Metrics holds all Prometheus metric instruments for the flow engine.
type Metrics struct {
	// Flow metrics
	FlowStartsTotal      *prometheus.CounterVec
	FlowCompletionsTotal *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	TransitionDuration   *prometheus.HistogramVec
	ConflictsTotal       *prometheus.CounterVec

	// Ledger metrics
	PointsCreditedTotal prometheus.Counter

	// Cache metrics
	RoleCacheHitsTotal   prometheus.Counter
	RoleCacheMissesTotal prometheus.Counter

	// System metrics
	TemplatesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_flow_starts_total",
			Help: "Total number of flows started.",
		}, []string{"template_id"}),
		FlowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_flow_completions_total",
			Help: "Total number of flows reaching a terminal state.",
		}, []string{"template_id", "wf_status"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"template_id", "step", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workorder_transition_duration_seconds",
			Help:    "Transition duration in seconds, including the transaction.",
			Buckets: transitionDurationBuckets,
		}, []string{"template_id", "step"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_transition_conflicts_total",
			Help: "Total number of transitions that lost a race on the same flow.",
		}, []string{"template_id"}),

		PointsCreditedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_points_credited_total",
			Help: "Total points credited to executors on settlement.",
		}),

		RoleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_role_cache_hits_total",
			Help: "Total role resolution cache hits.",
		}),
		RoleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_role_cache_misses_total",
			Help: "Total role resolution cache misses.",
		}),

		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workorder_templates_loaded",
			Help: "Number of registered flow templates.",
		}),
	}

	reg.MustRegister(
		m.FlowStartsTotal,
		m.FlowCompletionsTotal,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.ConflictsTotal,
		m.PointsCreditedTotal,
		m.RoleCacheHitsTotal,
		m.RoleCacheMissesTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---
// All helpers are safe to call on a nil *Metrics.

// RecordFlowStart records a flow start.
func (m *Metrics) RecordFlowStart(templateID string) {
	if m == nil {
		return
	}
	m.FlowStartsTotal.WithLabelValues(templateID).Inc()
}

// RecordFlowCompletion records a flow entering a terminal state.
func (m *Metrics) RecordFlowCompletion(templateID, wfStatus string) {
	if m == nil {
		return
	}
	m.FlowCompletionsTotal.WithLabelValues(templateID, wfStatus).Inc()
}

// RecordTransition records one transition attempt.
func (m *Metrics) RecordTransition(templateID, step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(templateID, step, outcome).Inc()
	m.TransitionDuration.WithLabelValues(templateID, step).Observe(duration.Seconds())
}

// RecordConflict records a lost race.
func (m *Metrics) RecordConflict(templateID string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(templateID).Inc()
}

// RecordPointsCredited records points credited to an executor.
func (m *Metrics) RecordPointsCredited(points int) {
	if m == nil || points <= 0 {
		return
	}
	m.PointsCreditedTotal.Add(float64(points))
}

// RecordRoleCacheHit records a role cache hit.
func (m *Metrics) RecordRoleCacheHit() {
	if m == nil {
		return
	}
	m.RoleCacheHitsTotal.Inc()
}

// RecordRoleCacheMiss records a role cache miss.
func (m *Metrics) RecordRoleCacheMiss() {
	if m == nil {
		return
	}
	m.RoleCacheMissesTotal.Inc()
}

// SetTemplatesLoaded sets the number of registered templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}
