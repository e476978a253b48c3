// Package resolver maps facility-local service codes to official billing
// codes: cache first, then the authoritative mapping store, then an AI
// inference fallback whose answers are never treated as authoritative.
package resolver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gyeh/claimflow/internal/cache"
	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
)

// maxAIConfidence caps model-reported confidence; only the mapping store
// produces 1.0.
const maxAIConfidence = 0.99

// MappingStore is the authoritative exact-match mapping lookup.
type MappingStore interface {
	LookupMapping(ctx context.Context, facilityID, facilityCode string) (*model.Mapping, bool, error)
}

// InferenceRequest is what the AI fallback sees about a line item.
type InferenceRequest struct {
	FacilityID   string
	FacilityCode string
	Description  string
	Notes        string
}

// Inference is a model-suggested official code.
type Inference struct {
	Code        string
	Description string
	Confidence  float64
}

// CodeInferenceProvider suggests an official code for an unmapped facility
// code. Implementations may be slow and may be wrong.
type CodeInferenceProvider interface {
	Infer(ctx context.Context, req InferenceRequest) (Inference, error)
}

// Config holds the AI acceptance thresholds.
type Config struct {
	ConfidenceFloor  float64
	ReviewCeiling    float64
	InferenceTimeout time.Duration
}

type Resolver struct {
	cache   cache.ResolutionCache
	store   MappingStore
	ai      CodeInferenceProvider
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger
	flight  singleflight.Group
}

// New builds a Resolver. ai may be nil, in which case store misses fail
// with NotFound.
func New(c cache.ResolutionCache, store MappingStore, ai CodeInferenceProvider, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Resolver {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 15 * time.Second
	}
	return &Resolver{
		cache:   c,
		store:   store,
		ai:      ai,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve maps one facility code to an official code.
func (r *Resolver) Resolve(ctx context.Context, facilityID, facilityCode, description string) (model.ResolutionResult, error) {
	return r.resolve(ctx, facilityID, facilityCode, description, "")
}

// ResolveAll resolves every line of a claim in order and returns the items
// with their resolved codes set. The first unresolvable line fails the call.
func (r *Resolver) ResolveAll(ctx context.Context, facilityID string, items []model.ServiceLineItem) ([]model.ResolvedItem, error) {
	out := make([]model.ResolvedItem, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.resolve(ctx, facilityID, item.FacilityCode, item.Description, item.Notes)
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", i, normalize.Code(item.FacilityCode), err)
		}
		out = append(out, model.ResolvedItem{
			Item:       item.WithResolvedCode(res.ResolvedCode),
			Resolution: res,
		})
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, facilityID, facilityCode, description, notes string) (model.ResolutionResult, error) {
	code := normalize.Code(facilityCode)
	if code == "" {
		return model.ResolutionResult{}, claimerr.NotFound("resolve", "empty facility code", nil)
	}

	// Cache failures degrade to a miss: the cache is memoization only.
	if hit, ok, err := r.cache.Get(ctx, facilityID, code); err != nil {
		r.log.Warn().Err(err).Str("facility_code", code).Msg("resolution cache read failed")
	} else if ok {
		hit.Source = model.SourceCache
		r.metrics.RecordResolution(string(model.SourceCache))
		return hit, nil
	}

	m, found, err := r.store.LookupMapping(ctx, facilityID, code)
	if err != nil {
		return model.ResolutionResult{}, claimerr.Transient("mapping lookup", err)
	}
	if found {
		res := model.ResolutionResult{
			FacilityCode:        code,
			ResolvedCode:        m.OfficialCode,
			OfficialDescription: m.OfficialDescription,
			Confidence:          1.0,
			Source:              model.SourceDatabase,
			Origin:              model.SourceDatabase,
		}
		r.remember(ctx, facilityID, code, res)
		r.metrics.RecordResolution(string(model.SourceDatabase))
		return res, nil
	}

	if r.ai == nil {
		return model.ResolutionResult{}, claimerr.NotFound("resolve", "no mapping for facility code", nil)
	}
	return r.infer(ctx, InferenceRequest{
		FacilityID:   facilityID,
		FacilityCode: code,
		Description:  normalize.Text(description),
		Notes:        normalize.Text(notes),
	})
}

// flightKey identifies an inference request. Fields are quoted so that no
// two distinct requests share a key.
func flightKey(req InferenceRequest) string {
	return fmt.Sprintf("%q %q %q %q", req.FacilityID, req.FacilityCode, req.Description, req.Notes)
}

// infer runs the AI fallback. Concurrent identical requests share one call;
// the call is detached from any single caller's cancellation but bounded by
// the inference timeout.
func (r *Resolver) infer(ctx context.Context, req InferenceRequest) (model.ResolutionResult, error) {
	v, err, _ := r.flight.Do(flightKey(req), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.InferenceTimeout)
		defer cancel()

		start := time.Now()
		inf, err := r.ai.Infer(callCtx, req)
		if err != nil {
			r.metrics.RecordInferenceFailure("error")
			r.log.Warn().Err(err).
				Str("facility_id", req.FacilityID).
				Str("facility_code", req.FacilityCode).
				Dur("duration", time.Since(start)).
				Msg("ai inference failed")
			return nil, claimerr.NotFound("resolve", "no mapping and ai inference failed", err)
		}

		code := normalize.Code(inf.Code)
		conf := inf.Confidence
		if code == "" || math.IsNaN(conf) || conf < r.cfg.ConfidenceFloor {
			r.metrics.RecordInferenceFailure("below_floor")
			r.log.Info().
				Str("facility_id", req.FacilityID).
				Str("facility_code", req.FacilityCode).
				Float64("confidence", conf).
				Float64("floor", r.cfg.ConfidenceFloor).
				Msg("ai inference below confidence floor")
			return nil, claimerr.NotFound("resolve",
				fmt.Sprintf("ai confidence %.2f below floor %.2f", conf, r.cfg.ConfidenceFloor), nil)
		}
		if conf > maxAIConfidence {
			conf = maxAIConfidence
		}

		res := model.ResolutionResult{
			FacilityCode:        req.FacilityCode,
			ResolvedCode:        code,
			OfficialDescription: inf.Description,
			Confidence:          conf,
			Source:              model.SourceAI,
			Origin:              model.SourceAI,
			NeedsReview:         conf < r.cfg.ReviewCeiling,
		}
		if res.NeedsReview {
			r.metrics.RecordNeedsReview()
		}
		r.remember(ctx, req.FacilityID, req.FacilityCode, res)
		r.metrics.RecordResolution(string(model.SourceAI))

		r.log.Info().
			Str("facility_id", req.FacilityID).
			Str("facility_code", req.FacilityCode).
			Str("resolved_code", code).
			Float64("confidence", conf).
			Bool("needs_review", res.NeedsReview).
			Dur("duration", time.Since(start)).
			Msg("ai resolution accepted")
		return res, nil
	})
	if err != nil {
		return model.ResolutionResult{}, err
	}
	return v.(model.ResolutionResult), nil
}

func (r *Resolver) remember(ctx context.Context, facilityID, code string, res model.ResolutionResult) {
	if err := r.cache.Set(context.WithoutCancel(ctx), facilityID, code, res); err != nil {
		r.log.Warn().Err(err).Str("facility_code", code).Msg("resolution cache write failed")
	}
}
