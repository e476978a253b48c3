package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordResolution("ai")
	m.RecordResolution("ai")
	m.RecordNeedsReview()
	m.RecordTransition("Pricing", "completed")
	m.RecordTerminal("Failed", "")
	m.RecordAttempt("transient")
	m.RecordShortCircuit()
	m.SetBreakerState(2)
	m.ObserveStage("Signing", 15*time.Millisecond)

	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("ai")); got != 2 {
		t.Errorf("resolutions{ai}: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reviewQueue); got != 1 {
		t.Errorf("review queue: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stageTransitions.WithLabelValues("Pricing", "completed")); got != 1 {
		t.Errorf("transitions: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.terminalClaims.WithLabelValues("Failed", "none")); got != 1 {
		t.Errorf("terminal: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.breakerState); got != 2 {
		t.Errorf("breaker state: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.shortCircuits); got != 1 {
		t.Errorf("short circuits: got %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordResolution("cache")
	m.RecordNeedsReview()
	m.RecordInferenceFailure("timeout")
	m.RecordBundleMatch("B1")
	m.RecordTransition("Signing", "failed")
	m.ObserveStage("Signing", time.Second)
	m.RecordTerminal("Failed", "signing_failed")
	m.RecordAttempt("accepted")
	m.RecordShortCircuit()
	m.SetBreakerState(0)
}

func TestReviewCount(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordNeedsReview()
	if got := m.ReviewCount(); got != 1 {
		t.Fatalf("ReviewCount: got %v, want 1", got)
	}
}
