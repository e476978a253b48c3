package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
)

type result struct {
	code int
	err  error
}

// scriptedUpstream replays results in order and repeats the last one.
type scriptedUpstream struct {
	mu      sync.Mutex
	script  []result
	calls   int
	delay   time.Duration
	payload []*model.SignedPayload
}

func (u *scriptedUpstream) Send(ctx context.Context, p *model.SignedPayload) (*Response, error) {
	u.mu.Lock()
	i := u.calls
	u.calls++
	u.payload = append(u.payload, p)
	r := u.script[min(i, len(u.script)-1)]
	u.mu.Unlock()

	if u.delay > 0 {
		select {
		case <-time.After(u.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Response{StatusCode: r.code, Body: []byte(`{"outcome":"x"}`)}, nil
}

func (u *scriptedUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func payload(id string) *model.SignedPayload {
	return &model.SignedPayload{
		CorrelationID:     id,
		CanonicalBytes:    []byte(`{"version":"claimflow.canonical/v1"}`),
		Digest:            []byte{0xde, 0xad},
		SigningFacilityID: "F1",
	}
}

type harness struct {
	gw       *Gateway
	store    *db.MemoryTransactionStore
	upstream *scriptedUpstream
	sleeps   *sleepRecorder
	metrics  *metrics.Metrics
}

func newHarness(cfg Config, script ...result) harness {
	h := harness{
		store:    db.NewMemoryTransactionStore(),
		upstream: &scriptedUpstream{script: script},
		sleeps:   &sleepRecorder{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.gw = New(h.upstream, h.store, cfg, zerolog.Nop(),
		WithSleep(h.sleeps.sleep),
		WithMetrics(h.metrics),
		WithClock(clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))),
	)
	return h
}

func baseConfig() Config {
	return Config{
		MaxAttempts:             3,
		BackoffInitial:          100 * time.Millisecond,
		BackoffMax:              time.Second,
		BackoffMultiplier:       2,
		BreakerFailureThreshold: 50,
		BreakerCooldown:         time.Minute,
	}
}

func TestSubmit_AcceptedIsIdempotent(t *testing.T) {
	h := newHarness(baseConfig(), result{code: 200})
	ctx := context.Background()

	first, err := h.gw.Submit(ctx, "c-1", payload("c-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, first.Status)
	assert.Equal(t, 1, first.AttemptCount)
	assert.Equal(t, 200, first.ResponseCode)
	require.NotNil(t, first.LastAttemptAt)

	second, err := h.gw.Submit(ctx, "c-1", payload("c-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.upstream.Calls(), "terminal record must not be resent")
	assert.Equal(t, first, second)

	stored, err := h.store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, stored.Status)
}

func TestSubmit_RejectedNeverRetried(t *testing.T) {
	for _, code := range []int{400, 401, 409, 422} {
		h := newHarness(baseConfig(), result{code: code})
		rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejected, rec.Status, "code %d", code)
		assert.Equal(t, 1, h.upstream.Calls())
		assert.Empty(t, h.sleeps.delays)
	}
}

func TestSubmit_RetryCeilingIsExact(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		cfg := baseConfig()
		cfg.MaxAttempts = n
		h := newHarness(cfg, result{code: 503})
		ctx := context.Background()

		rec, err := h.gw.Submit(ctx, "c-1", payload("c-1"))
		require.NoError(t, err)
		assert.Equal(t, n, h.upstream.Calls())
		assert.Equal(t, n, rec.AttemptCount)
		assert.Equal(t, model.StatusError, rec.Status)
		assert.True(t, h.gw.Exhausted(rec))
		assert.Len(t, h.sleeps.delays, n-1)

		again, err := h.gw.Submit(ctx, "c-1", payload("c-1"))
		require.NoError(t, err)
		assert.Equal(t, n, h.upstream.Calls(), "exhausted record is returned unchanged")
		assert.Equal(t, rec, again)
	}
}

func TestSubmit_BackoffGrows(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 4
	h := newHarness(cfg, result{code: 500})

	_, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.NoError(t, err)
	require.Len(t, h.sleeps.delays, 3)
	for _, d := range h.sleeps.delays {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*cfg.BackoffMax)
	}
}

func TestSubmit_TransientThenAccepted(t *testing.T) {
	h := newHarness(baseConfig(),
		result{code: 503},
		result{code: 429},
		result{code: 202},
	)
	rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, 202, rec.ResponseCode)
}

func TestSubmit_NetworkErrorIsRetried(t *testing.T) {
	h := newHarness(baseConfig(),
		result{err: errors.New("connection reset by peer")},
		result{code: 408},
		result{code: 200},
	)
	rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, rec.Status)
	assert.Equal(t, 3, h.upstream.Calls())
}

func TestSubmit_MalformedPayloadIsTerminal(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 5
	cfg.BreakerFailureThreshold = 1
	malformed := fmt.Errorf("%w: canonical claim is not valid json", ErrMalformedPayload)
	h := newHarness(cfg, result{err: malformed})

	rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.Error(t, err)
	assert.Equal(t, claimerr.KindInvalidClaim, claimerr.KindOf(err))
	assert.False(t, claimerr.IsResumable(err))
	require.NotNil(t, rec)
	assert.Zero(t, rec.AttemptCount, "a send that never left the process is not an attempt")
	assert.Equal(t, 1, h.upstream.Calls())
	assert.Empty(t, h.sleeps.delays)
	assert.Equal(t, gobreaker.StateClosed, h.gw.BreakerState())

	// The breaker is still closed for well-formed claims.
	h.upstream.script = []result{{code: 200}}
	h.upstream.calls = 0
	rec, err = h.gw.Submit(context.Background(), "c-2", payload("c-2"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, rec.Status)
}

func TestSubmit_OpenBreakerFailsFastWithoutAttempt(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerFailureThreshold = 2
	h := newHarness(cfg, result{code: 503})
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		rec, err := h.gw.Submit(ctx, id, payload(id))
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, rec.Status)
	}
	assert.Equal(t, gobreaker.StateOpen, h.gw.BreakerState())

	rec, err := h.gw.Submit(ctx, "c-3", payload("c-3"))
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, claimerr.KindUpstreamUnavailable, claimerr.KindOf(err))
	assert.True(t, claimerr.IsResumable(err))
	assert.Equal(t, 2, h.upstream.Calls())

	_, err = h.store.Get(ctx, "c-3")
	assert.ErrorIs(t, err, db.ErrNotFound, "no record is created while the circuit is open")
}

func TestSubmit_BreakerOpensMidRetry(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 5
	cfg.BreakerFailureThreshold = 2
	h := newHarness(cfg, result{code: 503})

	rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.Error(t, err)
	assert.Equal(t, claimerr.KindUpstreamUnavailable, claimerr.KindOf(err))
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.AttemptCount, "the refused call does not consume an attempt")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 2, h.upstream.Calls())
}

func TestSubmit_ConcurrentSameClaimSendsOnce(t *testing.T) {
	h := newHarness(baseConfig(), result{code: 200})
	h.upstream.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.gw.Submit(context.Background(), "c-1", payload("c-1"))
			if assert.NoError(t, err) {
				assert.Equal(t, model.StatusAccepted, rec.Status)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.upstream.Calls())
}

func TestSubmit_CancelledDuringBackoffKeepsProgress(t *testing.T) {
	h := newHarness(baseConfig(), result{code: 503})
	ctx, cancel := context.WithCancel(context.Background())
	h.gw.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	rec, err := h.gw.Submit(ctx, "c-1", payload("c-1"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.AttemptCount)

	stored, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, model.StatusPending, stored.Status)

	// a later resume continues the same ceiling
	h.gw.sleep = h.sleeps.sleep
	rec, err = h.gw.Submit(context.Background(), "c-1", payload("c-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, 3, h.upstream.Calls())
}

func TestRetryable(t *testing.T) {
	cases := map[int]bool{
		200: false, 201: false, 400: false, 404: false, 422: false,
		408: true, 429: true, 500: true, 502: true, 503: true, 504: true, 302: true,
	}
	for code, want := range cases {
		assert.Equal(t, want, retryable(code), "status %d", code)
	}
}
