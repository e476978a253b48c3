package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gyeh/claimflow/internal/audit"
	"github.com/gyeh/claimflow/internal/cache"
	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/gateway"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/pricing"
	"github.com/gyeh/claimflow/internal/registry"
	"github.com/gyeh/claimflow/internal/resolver"
	"github.com/gyeh/claimflow/internal/signer"
)

var epoch = time.Date(2026, 3, 1, 6, 30, 15, 0, time.UTC)

// upstream answers every call with code.
type upstream struct {
	code  atomic.Int32
	calls atomic.Int32
}

func (u *upstream) Send(context.Context, *model.SignedPayload) (*gateway.Response, error) {
	u.calls.Add(1)
	return &gateway.Response{StatusCode: int(u.code.Load())}, nil
}

type countingResolver struct {
	inner Resolver
	calls atomic.Int32
}

func (r *countingResolver) ResolveAll(ctx context.Context, fid string, items []model.ServiceLineItem) ([]model.ResolvedItem, error) {
	r.calls.Add(1)
	return r.inner.ResolveAll(ctx, fid, items)
}

type countingPricer struct {
	inner Pricer
	calls atomic.Int32
}

func (p *countingPricer) PriceClaim(ctx context.Context, c model.Claim, items []model.ServiceLineItem) (*model.PricedClaim, error) {
	p.calls.Add(1)
	return p.inner.PriceClaim(ctx, c, items)
}

type countingSigner struct {
	inner Signer
	calls atomic.Int32
}

func (s *countingSigner) Sign(ctx context.Context, fid string, p *model.PricedClaim) (*model.SignedPayload, error) {
	s.calls.Add(1)
	return s.inner.Sign(ctx, fid, p)
}

// scriptedSubmitter returns errs in order, then defers to inner.
type scriptedSubmitter struct {
	inner Submitter
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSubmitter) Submit(ctx context.Context, id string, p *model.SignedPayload) (*model.TransactionRecord, error) {
	s.mu.Lock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.Submit(ctx, id, p)
}

func (s *scriptedSubmitter) Exhausted(rec *model.TransactionRecord) bool { return s.inner.Exhausted(rec) }

type env struct {
	orch     *Orchestrator
	deps     Deps
	claims   *db.MemoryClaimStore
	txs      *db.MemoryTransactionStore
	upstream *upstream
	mappings *db.MemoryMappingStore
	gw       *gateway.Gateway
	resolver *countingResolver
	pricer   *countingPricer
	signer   *countingSigner
	audit    *audit.Recorder
	pub      ed25519.PublicKey
}

func newEnv(t *testing.T, maxAttempts int) *env {
	t.Helper()

	base := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "f1.pem"), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	reg, err := registry.NewStatic(
		registry.Facility{ID: "F1", Tier: "1.15", KeyPath: "f1.pem"},
		registry.Facility{ID: "F9", Tier: "1", KeyPath: "../escape.pem"},
	)
	require.NoError(t, err)

	catalog, err := pricing.NewCatalog(pricing.Bundle{
		ID:         "B1",
		FixedPrice: decimal.RequireFromString("130.00"),
		Components: []pricing.Component{{Code: "85025", MinQuantity: 1}, {Code: "80053", MinQuantity: 1}},
	})
	require.NoError(t, err)

	mappings := db.NewMemoryMappingStore(
		model.Mapping{FacilityID: "F1", FacilityCode: "LAB-CBC", OfficialCode: "85025"},
		model.Mapping{FacilityID: "F1", FacilityCode: "LAB-CHEM", OfficialCode: "80053"},
		model.Mapping{FacilityID: "F9", FacilityCode: "LAB-CBC", OfficialCode: "85025"},
	)

	m := metrics.New(prometheus.NewRegistry())
	clk := clock.NewFakeClock(epoch)
	log := zerolog.Nop()

	res := resolver.New(cache.NewMemoryResolutionCache(time.Hour), mappings, nil,
		resolver.Config{ConfidenceFloor: 0.5, ReviewCeiling: 0.8, InferenceTimeout: time.Second}, m, log)

	up := &upstream{}
	up.code.Store(200)
	txs := db.NewMemoryTransactionStore()
	gw := gateway.New(up, txs, gateway.Config{
		MaxAttempts:             maxAttempts,
		BreakerFailureThreshold: 100,
		BreakerCooldown:         time.Minute,
	}, log,
		gateway.WithClock(clk),
		gateway.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)

	e := &env{
		claims:   db.NewMemoryClaimStore(),
		txs:      txs,
		upstream: up,
		mappings: mappings,
		gw:       gw,
		resolver: &countingResolver{inner: res},
		pricer:   &countingPricer{inner: pricing.NewEngine(catalog, reg, "SAR", m, log)},
		signer:   &countingSigner{inner: signer.New(signer.NewKeyStore(base, reg), clk, log)},
		audit:    &audit.Recorder{},
		pub:      pub,
	}
	e.deps = Deps{Resolver: e.resolver, Pricer: e.pricer, Signer: e.signer, Gateway: gw, Store: e.claims}
	e.orch = New(e.deps, log,
		WithClock(clk),
		WithMetrics(m),
		WithSink(audit.Multi{e.audit, audit.NewStoreSink(e.claims)}),
		WithConcurrency(4),
	)
	return e
}

func (e *env) rebuild(opts ...Option) {
	e.orch = New(e.deps, zerolog.Nop(), append([]Option{
		WithClock(clock.NewFakeClock(epoch)),
		WithSink(audit.Multi{e.audit, audit.NewStoreSink(e.claims)}),
	}, opts...)...)
}

func claim(id string, codes ...string) model.Claim {
	prices := map[string]string{"LAB-CBC": "100.00", "LAB-CHEM": "50.00", "IMG-XR": "80.00"}
	c := model.Claim{CorrelationID: id, FacilityID: "F1", Currency: "SAR", ReceivedAt: epoch}
	for _, code := range codes {
		price, ok := prices[code]
		if !ok {
			price = "10.00"
		}
		c.Items = append(c.Items, model.ServiceLineItem{
			FacilityCode: code,
			Quantity:     1,
			UnitPrice:    decimal.RequireFromString(price),
		})
	}
	return c
}

func stages(ts []model.StageTransition) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t.Stage) + ":" + t.Outcome
	}
	return out
}

func TestProcess_Accepted(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()

	st, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC", "LAB-CHEM"))
	require.NoError(t, err)
	assert.Equal(t, model.StageAccepted, st.Status)
	assert.Empty(t, st.Reason)
	assert.False(t, st.Resumable)

	require.NotNil(t, st.Priced)
	assert.True(t, st.Priced.TotalAmount.Equal(decimal.RequireFromString("130.00")), "total %s", st.Priced.TotalAmount)
	assert.Equal(t, []string{"B1"}, st.Priced.BundleIDs())

	require.NotNil(t, st.Signed)
	assert.NoError(t, signer.Verify(st.Signed, e.pub))

	require.NotNil(t, st.Transaction)
	assert.Equal(t, model.StatusAccepted, st.Transaction.Status)
	assert.Equal(t, int32(1), e.upstream.calls.Load())

	assert.Equal(t, []string{
		"Received:entered", "Received:completed",
		"Resolving:entered", "Resolving:completed",
		"Pricing:entered", "Pricing:completed",
		"Signing:entered", "Signing:completed",
		"Submitting:entered", "Submitting:completed",
		"Accepted:completed",
	}, stages(e.audit.For("c-1")))

	stored, err := e.claims.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAccepted, stored.Status)
	assert.Len(t, stored.Transitions, 11)
	for _, tr := range stored.Transitions {
		assert.Equal(t, "c-1", tr.CorrelationID)
		assert.False(t, tr.At.IsZero())
	}
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Name()
	}
	return out
}

func TestProcess_SpanPerStage(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := newEnv(t, 3)
	e.rebuild(WithTracer(tp.Tracer("pipeline-test")))

	_, err := e.orch.Process(context.Background(), claim("c-1", "LAB-CBC", "LAB-CHEM"))
	require.NoError(t, err)

	spans := rec.Ended()
	assert.Equal(t, []string{"claim.resolving", "claim.pricing", "claim.signing", "claim.submitting"}, spanNames(spans))
	for _, s := range spans {
		assert.Equal(t, codes.Unset, s.Status().Code, s.Name())
		var cid string
		for _, kv := range s.Attributes() {
			if kv.Key == "claim.correlation_id" {
				cid = kv.Value.AsString()
			}
		}
		assert.Equal(t, "c-1", cid, s.Name())
	}
}

func TestProcess_FailedStageSpanHasErrorStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := newEnv(t, 3)
	e.rebuild(WithTracer(tp.Tracer("pipeline-test")))

	_, err := e.orch.Process(context.Background(), claim("c-1", "UNKNOWN-999"))
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "claim.resolving", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, claimerr.ReasonCodeNotFound, spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestProcess_TerminalClaimIsNotReprocessed(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()

	first, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC"))
	require.NoError(t, err)
	second, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC"))
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, int32(1), e.resolver.calls.Load())
	assert.Equal(t, int32(1), e.signer.calls.Load())
	assert.Equal(t, int32(1), e.upstream.calls.Load())
}

func TestProcess_UnknownCodeFails(t *testing.T) {
	e := newEnv(t, 3)

	st, err := e.orch.Process(context.Background(), claim("c-1", "LAB-CBC", "UNKNOWN-999"))
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageResolving, se.Stage)
	assert.False(t, se.Resumable)
	assert.Equal(t, claimerr.KindNotFound, claimerr.KindOf(err))

	assert.Equal(t, model.StageFailed, st.Status)
	assert.Equal(t, model.StageResolving, st.FailedStage)
	assert.Equal(t, claimerr.ReasonCodeNotFound, st.Reason)
	assert.Zero(t, e.pricer.calls.Load())
	assert.Zero(t, e.upstream.calls.Load())

	view, err := e.orch.Status(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, view.Stage)
	assert.Equal(t, claimerr.ReasonCodeNotFound, view.Reason)
}

func TestProcess_SigningCustodyFailure(t *testing.T) {
	e := newEnv(t, 3)
	c := claim("c-1", "LAB-CBC")
	c.FacilityID = "F9"

	st, err := e.orch.Process(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, model.StageFailed, st.Status)
	assert.Equal(t, model.StageSigning, st.FailedStage)
	assert.Equal(t, claimerr.ReasonSigningFailed, st.Reason)
	assert.NotContains(t, claimerr.Sanitize(err), "escape.pem")
	assert.Zero(t, e.upstream.calls.Load())
}

func TestProcess_UpstreamRejected(t *testing.T) {
	e := newEnv(t, 3)
	e.upstream.code.Store(422)

	st, err := e.orch.Process(context.Background(), claim("c-1", "LAB-CBC"))
	require.NoError(t, err)
	assert.Equal(t, model.StageRejected, st.Status)
	assert.Equal(t, claimerr.ReasonUpstreamRejected, st.Reason)
	assert.Equal(t, int32(1), e.upstream.calls.Load())
}

func TestProcess_RetriesExhausted(t *testing.T) {
	e := newEnv(t, 2)
	e.upstream.code.Store(503)

	st, err := e.orch.Process(context.Background(), claim("c-1", "LAB-CBC"))
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, st.Status)
	assert.Equal(t, model.StageSubmitting, st.FailedStage)
	assert.Equal(t, claimerr.ReasonRetriesExhausted, st.Reason)
	assert.False(t, st.Resumable)
	assert.Equal(t, int32(2), e.upstream.calls.Load())
	assert.Equal(t, 2, st.Transaction.AttemptCount)
}

func TestResume_ReentersFailedStageOnly(t *testing.T) {
	e := newEnv(t, 3)
	sub := &scriptedSubmitter{inner: e.gw, errs: []error{claimerr.UpstreamUnavailable("submit", errors.New("circuit open"))}}
	e.deps.Gateway = sub
	e.rebuild()
	ctx := context.Background()

	st, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC", "LAB-CHEM"))
	require.Error(t, err)
	assert.Equal(t, model.StageSubmitting, st.Status)
	assert.True(t, st.Resumable)
	assert.Equal(t, claimerr.ReasonUpstreamUnavailable, st.Reason)

	ids, err := e.claims.ListResumable(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, ids)

	st, err = e.orch.Resume(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAccepted, st.Status)
	assert.False(t, st.Resumable)

	assert.Equal(t, int32(1), e.resolver.calls.Load(), "resolution is not repeated")
	assert.Equal(t, int32(1), e.pricer.calls.Load(), "pricing is not repeated")
	assert.Equal(t, int32(1), e.signer.calls.Load(), "the claim is signed once")
	assert.Equal(t, 2, sub.calls)
}

func TestResume_TransientResolverFailure(t *testing.T) {
	e := newEnv(t, 3)
	e.deps.Resolver = &countingResolver{inner: failingResolver{err: claimerr.Transient("lookup mapping", errors.New("connection refused"))}}
	e.rebuild()
	ctx := context.Background()

	st, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC"))
	require.Error(t, err)
	assert.Equal(t, model.StageResolving, st.Status)
	assert.True(t, st.Resumable)
	assert.Equal(t, claimerr.ReasonTransient, st.Reason)

	e.deps.Resolver = e.resolver
	e.rebuild()
	st, err = e.orch.Resume(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAccepted, st.Status)
}

type failingResolver struct{ err error }

func (f failingResolver) ResolveAll(context.Context, string, []model.ServiceLineItem) ([]model.ResolvedItem, error) {
	return nil, f.err
}

// cancellingSubmitter cancels the run while the submission is in flight.
type cancellingSubmitter struct {
	cancel context.CancelFunc
}

func (s cancellingSubmitter) Submit(ctx context.Context, _ string, _ *model.SignedPayload) (*model.TransactionRecord, error) {
	s.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (cancellingSubmitter) Exhausted(*model.TransactionRecord) bool { return false }

func TestProcess_CancelledAfterSigningIsFailedExplicitly(t *testing.T) {
	e := newEnv(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	e.deps.Gateway = cancellingSubmitter{cancel: cancel}
	e.rebuild()

	st, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StageFailed, st.Status)
	assert.Equal(t, claimerr.ReasonCancelledAfterSigning, st.Reason)
	assert.False(t, st.Resumable)

	stored, err := e.claims.Get(context.Background(), "c-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Signed, "the signed payload is kept")
	assert.NoError(t, signer.Verify(stored.Signed, e.pub))
	assert.Equal(t, model.StageFailed, stored.Status)
}

func TestProcess_CancelledBeforeSigningIsResumable(t *testing.T) {
	e := newEnv(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := e.orch.Process(ctx, claim("c-1", "LAB-CBC"))
	require.Error(t, err)
	assert.Equal(t, model.StageResolving, st.Status)
	assert.True(t, st.Resumable)
	assert.Equal(t, claimerr.ReasonCancelled, st.Reason)
	assert.Zero(t, e.resolver.calls.Load())

	st, err = e.orch.Resume(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageAccepted, st.Status)
}

func TestRunBatch(t *testing.T) {
	e := newEnv(t, 3)
	claims := make([]model.Claim, 12)
	for i := range claims {
		claims[i] = claim(fmt.Sprintf("c-%02d", i), "LAB-CBC", "LAB-CHEM")
	}
	claims[5] = claim("c-05", "UNKNOWN-999")

	results := e.orch.RunBatch(context.Background(), claims)
	require.Len(t, results, len(claims))
	for i, r := range results {
		assert.Equal(t, claims[i].CorrelationID, r.CorrelationID)
		if i == 5 {
			assert.Error(t, r.Err)
			assert.Equal(t, model.StageFailed, r.State.Status)
			continue
		}
		require.NoError(t, r.Err)
		assert.Equal(t, model.StageAccepted, r.State.Status)
	}
	assert.Equal(t, int32(11), e.upstream.calls.Load())
}

func TestResumePending(t *testing.T) {
	e := newEnv(t, 3)
	sub := &scriptedSubmitter{inner: e.gw, errs: []error{
		claimerr.UpstreamUnavailable("submit", errors.New("circuit open")),
		claimerr.UpstreamUnavailable("submit", errors.New("circuit open")),
	}}
	e.deps.Gateway = sub
	e.rebuild(WithConcurrency(1))
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		_, err := e.orch.Process(ctx, claim(id, "LAB-CBC"))
		require.Error(t, err)
	}

	results, err := e.orch.ResumePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, model.StageAccepted, r.State.Status)
	}

	ids, err := e.claims.ListResumable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStatus_Unknown(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.orch.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestProcess_RequiresCorrelationID(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.orch.Process(context.Background(), claim("", "LAB-CBC"))
	assert.Equal(t, claimerr.KindInvalidClaim, claimerr.KindOf(err))
}
