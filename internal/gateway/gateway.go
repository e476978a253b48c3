// Package gateway submits signed claims upstream exactly once per
// correlation id: idempotent on terminal records, bounded retries with
// exponential backoff, and a circuit breaker shared by all submissions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/lock"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
)

const maxStoredResponse = 64 << 10

// Response is what the upstream returned for one attempt.
type Response struct {
	StatusCode int
	Body       []byte
}

// ErrMalformedPayload is wrapped by an Upstream that cannot encode a payload
// for the wire. Such a send is never retried and never counts against the
// circuit breaker.
var ErrMalformedPayload = errors.New("malformed payload")

// Upstream delivers a signed payload. A non-nil error means no HTTP response
// was received.
type Upstream interface {
	Send(ctx context.Context, p *model.SignedPayload) (*Response, error)
}

// Store is the durable TransactionRecord table. Update must fail with
// db.ErrConflict unless the stored attempt_count equals expectedAttempts.
type Store interface {
	Get(ctx context.Context, correlationID string) (*model.TransactionRecord, error)
	Create(ctx context.Context, rec *model.TransactionRecord) error
	Update(ctx context.Context, rec *model.TransactionRecord, expectedAttempts int) error
}

type Config struct {
	MaxAttempts             int
	AttemptTimeout          time.Duration
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
	BackoffMultiplier       float64
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

type Gateway struct {
	upstream Upstream
	store    Store
	locker   lock.Locker
	breaker  *gobreaker.CircuitBreaker
	cfg      Config
	clock    clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

type Option func(*Gateway)

// WithLocker replaces the in-process per-claim lock, e.g. with a Redis lock
// when several processes submit.
func WithLocker(l lock.Locker) Option { return func(g *Gateway) { g.locker = l } }

func WithClock(c clock.Clock) Option { return func(g *Gateway) { g.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

func New(upstream Upstream, store Store, cfg Config, log zerolog.Logger, opts ...Option) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailureThreshold < 1 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}
	g := &Gateway{
		upstream: upstream,
		store:    store,
		locker:   lock.NewKeyed(),
		cfg:      cfg,
		clock:    clock.Real(),
		sleep:    sleepContext,
		log:      log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.BreakerFailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedPayload)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.metrics.SetBreakerState(breakerGauge(to))
			g.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	})
	return g
}

// BreakerState reports the current circuit state.
func (g *Gateway) BreakerState() gobreaker.State {
	return g.breaker.State()
}

// Exhausted reports whether rec has used every attempt without a verdict.
func (g *Gateway) Exhausted(rec *model.TransactionRecord) bool {
	return rec != nil && rec.Status == model.StatusError && rec.AttemptCount >= g.cfg.MaxAttempts
}

// Submit delivers p for correlationID. A terminal or exhausted record is
// returned unchanged without contacting the upstream. The returned record is
// always the persisted one.
func (g *Gateway) Submit(ctx context.Context, correlationID string, p *model.SignedPayload) (*model.TransactionRecord, error) {
	if p == nil {
		return nil, claimerr.InvalidClaim("submit", "nil signed payload", nil)
	}
	log := g.log.With().Str("correlation_id", correlationID).Logger()

	release, err := g.locker.Acquire(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("acquire submission lock: %w", err)
	}
	defer release()

	rec, err := g.store.Get(ctx, correlationID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, claimerr.Transient("load transaction", err)
	}

	if rec != nil && (rec.Status.Terminal() || g.Exhausted(rec)) {
		log.Info().Str("status", string(rec.Status)).Int("attempts", rec.AttemptCount).Msg("submission already settled")
		return rec, nil
	}

	if g.breaker.State() == gobreaker.StateOpen {
		g.metrics.RecordShortCircuit()
		log.Warn().Msg("upstream circuit open, refusing submission")
		return rec, claimerr.UpstreamUnavailable("submit", gobreaker.ErrOpenState)
	}

	if rec == nil {
		if rec, err = g.create(ctx, correlationID, p); err != nil {
			return nil, err
		}
		if rec.Status.Terminal() || g.Exhausted(rec) {
			return rec, nil
		}
	}

	return g.attempts(ctx, rec, p, log)
}

func (g *Gateway) create(ctx context.Context, correlationID string, p *model.SignedPayload) (*model.TransactionRecord, error) {
	now := g.clock.Now()
	rec := &model.TransactionRecord{
		CorrelationID: correlationID,
		FacilityID:    p.SigningFacilityID,
		ClaimSnapshot: p.CanonicalBytes,
		Digest:        p.Digest,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := g.store.Create(ctx, rec)
	if errors.Is(err, db.ErrConflict) {
		// Another process created it between our read and write.
		existing, getErr := g.store.Get(ctx, correlationID)
		if getErr != nil {
			return nil, claimerr.Transient("load transaction", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, claimerr.Transient("create transaction", err)
	}
	return rec, nil
}

// attempts is the bounded retry loop. Every attempt is persisted before the
// next decision is made.
func (g *Gateway) attempts(ctx context.Context, rec *model.TransactionRecord, p *model.SignedPayload, log zerolog.Logger) (*model.TransactionRecord, error) {
	bo := backoff.NewExponentialBackOff()
	if g.cfg.BackoffInitial > 0 {
		bo.InitialInterval = g.cfg.BackoffInitial
	}
	if g.cfg.BackoffMax > 0 {
		bo.MaxInterval = g.cfg.BackoffMax
	}
	if g.cfg.BackoffMultiplier >= 1 {
		bo.Multiplier = g.cfg.BackoffMultiplier
	}
	bo.Reset()

	for first := true; rec.AttemptCount < g.cfg.MaxAttempts; first = false {
		if !first {
			if err := g.sleep(ctx, bo.NextBackOff()); err != nil {
				return rec, err
			}
		}
		if err := ctx.Err(); err != nil {
			return rec, err
		}

		resp, sendErr := g.send(ctx, p)
		if shortCircuited(sendErr) {
			g.metrics.RecordShortCircuit()
			log.Warn().Int("attempts", rec.AttemptCount).Msg("upstream circuit opened during retries")
			return rec, claimerr.UpstreamUnavailable("submit", sendErr)
		}
		if errors.Is(sendErr, ErrMalformedPayload) {
			log.Error().Err(sendErr).Int("attempts", rec.AttemptCount).Msg("payload cannot be sent upstream")
			return rec, claimerr.InvalidClaim("submit", "signed payload cannot be encoded for upstream", sendErr)
		}

		next := g.record(rec, resp, sendErr)
		if err := g.store.Update(context.WithoutCancel(ctx), next, rec.AttemptCount); err != nil {
			return rec, claimerr.Transient("persist attempt", err)
		}
		rec = next

		outcome := string(rec.Status)
		if rec.Status == model.StatusPending {
			outcome = "retryable"
		}
		g.metrics.RecordAttempt(outcome)

		ev := log.Info()
		if sendErr != nil {
			ev = log.Warn().Err(sendErr)
		}
		ev.Int("attempt", rec.AttemptCount).
			Int("max_attempts", g.cfg.MaxAttempts).
			Int("response_code", rec.ResponseCode).
			Str("status", string(rec.Status)).
			Msg("upstream attempt")

		if rec.Status.Terminal() || rec.Status == model.StatusError {
			return rec, nil
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
	}

	if rec.Status == model.StatusPending {
		// Attempts were used up by an earlier process without persisting the
		// exhausted verdict.
		next := *rec
		next.Status = model.StatusError
		next.UpdatedAt = g.clock.Now()
		if err := g.store.Update(context.WithoutCancel(ctx), &next, rec.AttemptCount); err != nil {
			return rec, claimerr.Transient("persist exhausted", err)
		}
		rec = &next
	}
	return rec, nil
}

// errRetryable marks an attempt the breaker should count as a failure.
type errRetryable struct{ code int }

func (e errRetryable) Error() string { return fmt.Sprintf("upstream returned %d", e.code) }

// send runs one attempt through the breaker. A retryable HTTP status comes
// back as a response with a nil error.
func (g *Gateway) send(ctx context.Context, p *model.SignedPayload) (*Response, error) {
	attemptCtx := ctx
	if g.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
	}

	var resp *Response
	_, err := g.breaker.Execute(func() (any, error) {
		r, err := g.upstream.Send(attemptCtx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		resp = r
		if retryable(r.StatusCode) {
			return r, errRetryable{code: r.StatusCode}
		}
		return r, nil
	})
	var re errRetryable
	if errors.As(err, &re) {
		return resp, nil
	}
	return resp, err
}

// shortCircuited reports whether the breaker refused the call, in which case
// no attempt reached the upstream.
func shortCircuited(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// record derives the next TransactionRecord from one attempt's result.
func (g *Gateway) record(rec *model.TransactionRecord, resp *Response, sendErr error) *model.TransactionRecord {
	now := g.clock.Now()
	next := *rec
	next.AttemptCount++
	next.LastAttemptAt = &now
	next.UpdatedAt = now
	next.ResponseCode = 0
	next.ResponsePayload = nil

	verdict := model.StatusPending
	if sendErr == nil && resp != nil {
		next.ResponseCode = resp.StatusCode
		next.ResponsePayload = truncate(resp.Body, maxStoredResponse)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			verdict = model.StatusAccepted
		case !retryable(resp.StatusCode):
			verdict = model.StatusRejected
		}
	}
	if verdict == model.StatusPending && next.AttemptCount >= g.cfg.MaxAttempts {
		verdict = model.StatusError
	}
	next.Status = verdict
	return &next
}

// retryable reports whether an HTTP status is worth retrying: server errors,
// request timeouts, throttling, and anything outside 2xx/4xx.
func retryable(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 200 && code < 300:
		return false
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
