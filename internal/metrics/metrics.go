package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the pipeline's Prometheus instruments. All methods are safe
// on a nil receiver so components can run without metrics wiring.
type Metrics struct {
	resolutions       *prometheus.CounterVec
	reviewQueue       prometheus.Counter
	inferenceFailures *prometheus.CounterVec
	bundleMatches     *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	terminalClaims    *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	shortCircuits     prometheus.Counter
	breakerState      prometheus.Gauge
}

// New registers the instruments on registerer. A nil registerer uses the
// default Prometheus registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_resolutions_total",
			Help: "Facility code resolutions by source.",
		}, []string{"source"}),
		reviewQueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_resolver_review_total",
			Help: "AI resolutions accepted with gray-zone confidence that need human review.",
		}),
		inferenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_resolver_inference_failures_total",
			Help: "AI inference calls that produced no usable code, by reason.",
		}, []string{"reason"}),
		bundleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_pricing_bundle_matches_total",
			Help: "Bundle definitions applied during pricing.",
		}, []string{"bundle_id"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_stage_transitions_total",
			Help: "Claim stage transitions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		terminalClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_claims_terminal_total",
			Help: "Claims reaching a terminal stage, by stage and reason.",
		}, []string{"stage", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_gateway_attempts_total",
			Help: "Upstream submission attempts by outcome.",
		}, []string{"outcome"}),
		shortCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_gateway_short_circuits_total",
			Help: "Submissions refused fast while the upstream circuit was open.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimflow_gateway_breaker_state",
			Help: "Upstream circuit state: 0 closed, 1 half-open, 2 open.",
		}),
	}

	registerer.MustRegister(
		m.resolutions,
		m.reviewQueue,
		m.inferenceFailures,
		m.bundleMatches,
		m.stageTransitions,
		m.stageDuration,
		m.terminalClaims,
		m.attempts,
		m.shortCircuits,
		m.breakerState,
	)
	return m
}

// RecordResolution counts a resolution by source.
func (m *Metrics) RecordResolution(source string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strings.TrimSpace(source)).Inc()
}

// RecordNeedsReview increments the human review counter.
func (m *Metrics) RecordNeedsReview() {
	if m == nil {
		return
	}
	m.reviewQueue.Inc()
}

// RecordInferenceFailure counts an unusable AI inference.
func (m *Metrics) RecordInferenceFailure(reason string) {
	if m == nil {
		return
	}
	m.inferenceFailures.WithLabelValues(reason).Inc()
}

// RecordBundleMatch counts a bundle application.
func (m *Metrics) RecordBundleMatch(bundleID string) {
	if m == nil {
		return
	}
	m.bundleMatches.WithLabelValues(bundleID).Inc()
}

// RecordTransition counts a stage transition.
func (m *Metrics) RecordTransition(stage, outcome string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage, outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTerminal counts a claim reaching a terminal stage.
func (m *Metrics) RecordTerminal(stage, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.terminalClaims.WithLabelValues(stage, reason).Inc()
}

// RecordAttempt counts an upstream attempt by outcome.
func (m *Metrics) RecordAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// RecordShortCircuit counts a submission refused by the open circuit.
func (m *Metrics) RecordShortCircuit() {
	if m == nil {
		return
	}
	m.shortCircuits.Inc()
}

// SetBreakerState publishes the circuit state (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// ReviewCount returns the current value of the human review counter.
func (m *Metrics) ReviewCount() float64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.reviewQueue.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
