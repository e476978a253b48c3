// Package audit records claim stage transitions to the log, the claim store
// and the metrics registry.
package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
)

// Sink receives every stage transition.
type Sink interface {
	Record(ctx context.Context, t model.StageTransition) error
}

// TransitionStore persists transitions alongside the claim state.
type TransitionStore interface {
	AppendTransition(ctx context.Context, t model.StageTransition) error
}

// LogSink writes one structured log line per transition.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, t model.StageTransition) error {
	ev := s.log.Info()
	if t.Outcome == model.OutcomeFailed || t.Outcome == model.OutcomeRetryable {
		ev = s.log.Warn()
	}
	ev.Str("correlation_id", t.CorrelationID).
		Str("stage", string(t.Stage)).
		Str("outcome", t.Outcome).
		Time("at", t.At)
	if t.Reason != "" {
		ev.Str("reason", t.Reason)
	}
	ev.Msg("stage transition")
	return nil
}

// StoreSink appends transitions to durable storage.
type StoreSink struct {
	store TransitionStore
}

func NewStoreSink(store TransitionStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, t model.StageTransition) error {
	return s.store.AppendTransition(ctx, t)
}

// MetricsSink counts transitions and terminal outcomes.
type MetricsSink struct {
	m *metrics.Metrics
}

func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Record(_ context.Context, t model.StageTransition) error {
	s.m.RecordTransition(string(t.Stage), t.Outcome)
	if t.Stage.Terminal() {
		s.m.RecordTerminal(string(t.Stage), t.Reason)
	}
	return nil
}

// Multi fans a transition out to every sink. All sinks are called even when
// one fails; the errors are joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, t model.StageTransition) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder collects transitions in memory.
type Recorder struct {
	mu          sync.Mutex
	transitions []model.StageTransition
}

func (r *Recorder) Record(_ context.Context, t model.StageTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

// For returns the recorded transitions of one claim in order.
func (r *Recorder) For(correlationID string) []model.StageTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.StageTransition
	for _, t := range r.transitions {
		if t.CorrelationID == correlationID {
			out = append(out, t)
		}
	}
	return out
}
