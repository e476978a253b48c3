// Package pipeline drives a claim through Received, Resolving, Pricing,
// Signing and Submitting to Accepted, Rejected or Failed. Intermediate
// results are checkpointed after every stage, so a resumed claim re-enters
// at the stage that failed and never repeats a completed one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gyeh/claimflow/internal/audit"
	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/lock"
	"github.com/gyeh/claimflow/internal/logging"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
)

const tracerName = "github.com/gyeh/claimflow/internal/pipeline"

type Resolver interface {
	ResolveAll(ctx context.Context, facilityID string, items []model.ServiceLineItem) ([]model.ResolvedItem, error)
}

type Pricer interface {
	PriceClaim(ctx context.Context, claim model.Claim, items []model.ServiceLineItem) (*model.PricedClaim, error)
}

type Signer interface {
	Sign(ctx context.Context, facilityID string, p *model.PricedClaim) (*model.SignedPayload, error)
}

// Submitter is the submission gateway.
type Submitter interface {
	Submit(ctx context.Context, correlationID string, p *model.SignedPayload) (*model.TransactionRecord, error)
	Exhausted(rec *model.TransactionRecord) bool
}

// ClaimStore persists orchestration checkpoints. Get returns db.ErrNotFound
// for an unknown correlation id.
type ClaimStore interface {
	Save(ctx context.Context, st *model.ClaimState) error
	AppendTransition(ctx context.Context, t model.StageTransition) error
	Get(ctx context.Context, correlationID string) (*model.ClaimState, error)
	ListResumable(ctx context.Context, limit int) ([]string, error)
}

// Deps are the stage implementations and the checkpoint store.
type Deps struct {
	Resolver Resolver
	Pricer   Pricer
	Signer   Signer
	Gateway  Submitter
	Store    ClaimStore
}

// StageError reports where and why a claim stopped.
type StageError struct {
	CorrelationID string
	Stage         model.Stage
	Reason        string
	Resumable     bool
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Stage)), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one claim in a batch.
type Result struct {
	CorrelationID string
	State         *model.ClaimState
	Err           error
}

type Orchestrator struct {
	deps        Deps
	sink        audit.Sink
	locker      lock.Locker
	clock       clock.Clock
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	concurrency int
	log         zerolog.Logger
}

type Option func(*Orchestrator)

// WithSink replaces the default audit fan-out (log, store, metrics).
func WithSink(s audit.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithLocker(l lock.Locker) Option { return func(o *Orchestrator) { o.locker = l } }

func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithConcurrency bounds how many claims a batch processes at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func New(deps Deps, log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		locker:      lock.NewKeyed(),
		clock:       clock.Real(),
		concurrency: 4,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.sink == nil {
		o.sink = audit.Multi{
			audit.NewLogSink(log),
			audit.NewStoreSink(deps.Store),
			audit.NewMetricsSink(o.metrics),
		}
	}
	return o
}

// Process runs a claim to completion or to its first failure. A claim whose
// correlation id is already known is not restarted: a terminal claim is
// returned as is and an unfinished one is resumed.
func (o *Orchestrator) Process(ctx context.Context, claim model.Claim) (*model.ClaimState, error) {
	if claim.CorrelationID == "" {
		return nil, claimerr.InvalidClaim("process", "claim has no correlation id", nil)
	}
	release, err := o.locker.Acquire(ctx, claim.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	defer release()

	st, err := o.deps.Store.Get(ctx, claim.CorrelationID)
	switch {
	case err == nil:
		if st.Status.Terminal() {
			return st, nil
		}
		return o.run(ctx, st)
	case !errors.Is(err, db.ErrNotFound):
		return nil, claimerr.Transient("load claim state", err)
	}

	now := o.clock.Now()
	st = &model.ClaimState{
		CorrelationID: claim.CorrelationID,
		FacilityID:    claim.FacilityID,
		Status:        model.StageReceived,
		Claim:         claim,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.save(ctx, st); err != nil {
		return nil, err
	}
	o.record(ctx, st, model.StageReceived, model.OutcomeEntered, "")
	return o.run(ctx, st)
}

// Resume re-enters an unfinished claim at the stage it stopped at.
func (o *Orchestrator) Resume(ctx context.Context, correlationID string) (*model.ClaimState, error) {
	release, err := o.locker.Acquire(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	defer release()

	st, err := o.deps.Store.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("claim %s: %w", correlationID, err)
		}
		return nil, claimerr.Transient("load claim state", err)
	}
	if st.Status.Terminal() {
		return st, nil
	}
	return o.run(ctx, st)
}

// Status returns the caller-facing view of a claim.
func (o *Orchestrator) Status(ctx context.Context, correlationID string) (model.ClaimStatus, error) {
	st, err := o.deps.Store.Get(ctx, correlationID)
	if err != nil {
		return model.ClaimStatus{}, fmt.Errorf("claim %s: %w", correlationID, err)
	}
	return st.StatusView(), nil
}

// RunBatch processes claims concurrently. Each claim's stages stay
// sequential and one claim's failure does not stop the others. Results are
// in input order.
func (o *Orchestrator) RunBatch(ctx context.Context, claims []model.Claim) []Result {
	results := make([]Result, len(claims))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, c := range claims {
		g.Go(func() error {
			st, err := o.Process(ctx, c)
			results[i] = Result{CorrelationID: c.CorrelationID, State: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ResumePending resumes up to limit claims parked at a resumable failure.
func (o *Orchestrator) ResumePending(ctx context.Context, limit int) ([]Result, error) {
	ids, err := o.deps.Store.ListResumable(ctx, limit)
	if err != nil {
		return nil, claimerr.Transient("list resumable claims", err)
	}
	results := make([]Result, len(ids))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			st, err := o.Resume(ctx, id)
			results[i] = Result{CorrelationID: id, State: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// outcome is where a successful stage sends the claim next.
type outcome struct {
	next   model.Stage
	reason string
}

func (o *Orchestrator) run(ctx context.Context, st *model.ClaimState) (*model.ClaimState, error) {
	log := logging.ForClaim(o.log, st.CorrelationID, st.FacilityID)

	if st.Status == model.StageReceived {
		o.record(ctx, st, model.StageReceived, model.OutcomeCompleted, "")
		if err := o.advance(ctx, st, outcome{next: model.StageResolving}); err != nil {
			return st, err
		}
	}

	for !st.Status.Terminal() {
		stage := st.Status
		if err := ctx.Err(); err != nil {
			return st, o.fail(ctx, st, stage, err, log)
		}
		out, err := o.execute(ctx, st, stage, log)
		if err != nil {
			return st, o.fail(ctx, st, stage, err, log)
		}
		o.record(ctx, st, stage, model.OutcomeCompleted, "")
		if err := o.advance(ctx, st, out); err != nil {
			return st, err
		}
	}

	log.Info().Str("stage", string(st.Status)).Str("reason", st.Reason).Msg("claim finished")
	return st, nil
}

func (o *Orchestrator) execute(ctx context.Context, st *model.ClaimState, stage model.Stage, log zerolog.Logger) (outcome, error) {
	ctx, span := o.tracer.Start(ctx, "claim."+strings.ToLower(string(stage)), trace.WithAttributes(
		attribute.String("claim.correlation_id", st.CorrelationID),
		attribute.String("claim.facility_id", st.FacilityID),
	))
	defer span.End()

	o.record(ctx, st, stage, model.OutcomeEntered, "")
	start := time.Now()

	var (
		out outcome
		err error
	)
	switch stage {
	case model.StageResolving:
		out, err = o.resolve(ctx, st, log)
	case model.StagePricing:
		out, err = o.price(ctx, st)
	case model.StageSigning:
		out, err = o.sign(ctx, st)
	case model.StageSubmitting:
		out, err = o.submit(ctx, st, log)
	default:
		err = fmt.Errorf("no handler for stage %q", stage)
	}
	o.metrics.ObserveStage(string(stage), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, claimerr.Reason(err))
		return outcome{}, err
	}
	span.SetAttributes(attribute.String("claim.next_stage", string(out.next)))
	return out, nil
}

func (o *Orchestrator) resolve(ctx context.Context, st *model.ClaimState, log zerolog.Logger) (outcome, error) {
	if len(st.Resolutions) != len(st.Claim.Items) {
		resolved, err := o.deps.Resolver.ResolveAll(ctx, st.FacilityID, st.Claim.Items)
		if err != nil {
			return outcome{}, err
		}
		st.Resolutions = make([]model.ResolutionResult, len(resolved))
		for i, r := range resolved {
			st.Resolutions[i] = r.Resolution
			if r.Resolution.NeedsReview {
				log.Warn().
					Int("line", i).
					Str("facility_code", r.Resolution.FacilityCode).
					Str("resolved_code", r.Resolution.ResolvedCode).
					Float64("confidence", r.Resolution.Confidence).
					Msg("low-confidence resolution needs review")
			}
		}
	}
	return outcome{next: model.StagePricing}, nil
}

func (o *Orchestrator) price(ctx context.Context, st *model.ClaimState) (outcome, error) {
	if st.Priced == nil {
		items, err := resolvedItems(st)
		if err != nil {
			return outcome{}, err
		}
		priced, err := o.deps.Pricer.PriceClaim(ctx, st.Claim, items)
		if err != nil {
			return outcome{}, err
		}
		st.Priced = priced
	}
	return outcome{next: model.StageSigning}, nil
}

// sign never signs a claim twice: a persisted payload is reused.
func (o *Orchestrator) sign(ctx context.Context, st *model.ClaimState) (outcome, error) {
	if st.Signed == nil {
		if st.Priced == nil {
			return outcome{}, claimerr.InvalidClaim("sign", "claim has not been priced", nil)
		}
		signed, err := o.deps.Signer.Sign(ctx, st.FacilityID, st.Priced)
		if err != nil {
			return outcome{}, err
		}
		st.Signed = signed
	}
	return outcome{next: model.StageSubmitting}, nil
}

func (o *Orchestrator) submit(ctx context.Context, st *model.ClaimState, log zerolog.Logger) (outcome, error) {
	if st.Signed == nil {
		return outcome{}, claimerr.InvalidClaim("submit", "claim has not been signed", nil)
	}
	rec, err := o.deps.Gateway.Submit(ctx, st.CorrelationID, st.Signed)
	if rec != nil {
		st.Transaction = rec
	}
	if err != nil {
		return outcome{}, err
	}

	switch {
	case rec.Status == model.StatusAccepted:
		return outcome{next: model.StageAccepted}, nil
	case rec.Status == model.StatusRejected:
		log.Warn().Int("response_code", rec.ResponseCode).Msg("upstream rejected claim")
		return outcome{next: model.StageRejected, reason: claimerr.ReasonUpstreamRejected}, nil
	case o.deps.Gateway.Exhausted(rec):
		return outcome{next: model.StageFailed, reason: claimerr.ReasonRetriesExhausted}, nil
	default:
		return outcome{}, claimerr.Transient("submit", fmt.Errorf("transaction left %s after %d attempts", rec.Status, rec.AttemptCount))
	}
}

func resolvedItems(st *model.ClaimState) ([]model.ServiceLineItem, error) {
	if len(st.Resolutions) != len(st.Claim.Items) {
		return nil, claimerr.InvalidClaim("price", "claim has unresolved lines", nil)
	}
	items := make([]model.ServiceLineItem, len(st.Claim.Items))
	for i, item := range st.Claim.Items {
		items[i] = item.WithResolvedCode(st.Resolutions[i].ResolvedCode)
	}
	return items, nil
}

// advance moves the claim to out.next and checkpoints it.
func (o *Orchestrator) advance(ctx context.Context, st *model.ClaimState, out outcome) error {
	prev := st.Status
	st.Status = out.next
	st.Reason = out.reason
	st.Resumable = false
	st.FailedStage = ""
	if out.next == model.StageFailed {
		st.FailedStage = prev
	}
	if err := o.save(ctx, st); err != nil {
		return err
	}
	if out.next.Terminal() {
		o.record(ctx, st, out.next, model.OutcomeCompleted, out.reason)
	}
	return nil
}

// fail classifies a stage error. Resumable failures park the claim at the
// failed stage; terminal ones move it to Failed. A claim cancelled after its
// payload was signed is failed explicitly, keeping the payload.
func (o *Orchestrator) fail(ctx context.Context, st *model.ClaimState, stage model.Stage, err error, log zerolog.Logger) error {
	se := &StageError{CorrelationID: st.CorrelationID, Stage: stage, Err: err}

	switch {
	case ctx.Err() != nil && st.Signed != nil:
		se.Reason = claimerr.ReasonCancelledAfterSigning
	case ctx.Err() != nil:
		se.Reason = claimerr.ReasonCancelled
		se.Resumable = true
	default:
		se.Reason = claimerr.Reason(err)
		se.Resumable = claimerr.IsResumable(err)
	}

	ev := log.Error()
	if se.Resumable {
		ev = log.Warn()
	}
	ev.Err(err).Str("stage", string(stage)).Str("reason", se.Reason).Bool("resumable", se.Resumable).Msg("stage failed")

	if se.Resumable {
		st.FailedStage = stage
		st.Reason = se.Reason
		st.Resumable = true
		o.record(ctx, st, stage, model.OutcomeRetryable, se.Reason)
		if saveErr := o.save(ctx, st); saveErr != nil {
			return errors.Join(se, saveErr)
		}
		return se
	}

	o.record(ctx, st, stage, model.OutcomeFailed, se.Reason)
	if advErr := o.advance(ctx, st, outcome{next: model.StageFailed, reason: se.Reason}); advErr != nil {
		return errors.Join(se, advErr)
	}
	return se
}

// save checkpoints st. It is not cancelled with ctx so that a cancelled
// claim still records where it stopped.
func (o *Orchestrator) save(ctx context.Context, st *model.ClaimState) error {
	st.UpdatedAt = o.clock.Now()
	if err := o.deps.Store.Save(context.WithoutCancel(ctx), st); err != nil {
		return claimerr.Transient("save claim state", err)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, st *model.ClaimState, stage model.Stage, result, reason string) {
	t := model.StageTransition{
		CorrelationID: st.CorrelationID,
		Stage:         stage,
		Outcome:       result,
		Reason:        reason,
		At:            o.clock.Now(),
	}
	st.Transitions = append(st.Transitions, t)
	if err := o.sink.Record(context.WithoutCancel(ctx), t); err != nil {
		o.log.Error().Err(err).
			Str("correlation_id", st.CorrelationID).
			Str("stage", string(stage)).
			Msg("record stage transition")
	}
}
