package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/cache"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/gateway"
	"github.com/gyeh/claimflow/internal/inference"
	"github.com/gyeh/claimflow/internal/lock"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/nphies"
	"github.com/gyeh/claimflow/internal/pipeline"
	"github.com/gyeh/claimflow/internal/pricing"
	"github.com/gyeh/claimflow/internal/registry"
	"github.com/gyeh/claimflow/internal/resolver"
	"github.com/gyeh/claimflow/internal/signer"
	"github.com/gyeh/claimflow/internal/tracing"
)

const upstreamTokenEnv = "CLAIMFLOW_UPSTREAM_TOKEN"

// stack is the wired claim pipeline and the resources it holds.
type stack struct {
	pool         *pgxpool.Pool
	redis        *redis.Client
	registry     *registry.Static
	resolver     *resolver.Resolver
	pricer       *pricing.Engine
	orchestrator *pipeline.Orchestrator
	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	stopTracing  func() error
	log          zerolog.Logger
}

func (s *stack) Close() {
	if s.stopTracing != nil {
		if err := s.stopTracing(); err != nil {
			s.log.Warn().Err(err).Msg("tracer shutdown")
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// buildStack connects to Postgres (and Redis when configured) and wires
// resolver, pricing, signer, gateway and orchestrator. withSubmit controls
// whether the signing and submission half is wired; dry runs leave it out.
// Exits on any failure.
func buildStack(ctx context.Context, log zerolog.Logger, withSubmit bool) *stack {
	s := &stack{log: log, promRegistry: prometheus.NewRegistry()}
	s.metrics = metrics.New(s.promRegistry)

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Error().Err(err).Msg("tracing setup failed")
		os.Exit(exitcode.UsageError)
	}
	s.stopTracing = tracing.Install(tp, 5*time.Second)
	log.Debug().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialized")

	pool, err := db.NewPool(ctx, cfg.DSN, false)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	s.pool = pool

	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis connection failed")
			s.Close()
			os.Exit(exitcode.DBConnError)
		}
	}

	s.registry, err = registry.LoadFile(cfg.Registry.FacilitiesFile)
	if err != nil {
		log.Error().Err(err).Msg("facility registry load failed")
		s.Close()
		os.Exit(exitcode.ValidationError)
	}

	if s.resolver, err = s.buildResolver(); err != nil {
		log.Error().Err(err).Msg("resolver setup failed")
		s.Close()
		os.Exit(exitcode.UsageError)
	}

	catalog, err := loadCatalog()
	if err != nil {
		log.Error().Err(err).Msg("bundle catalog load failed")
		s.Close()
		os.Exit(exitcode.ValidationError)
	}
	s.pricer = pricing.NewEngine(catalog, s.registry, cfg.Pricing.DefaultCurrency, s.metrics, log)

	if !withSubmit {
		return s
	}

	claimLock, submitLock, err := s.lockers()
	if err != nil {
		log.Error().Err(err).Msg("lock setup failed")
		s.Close()
		os.Exit(exitcode.UsageError)
	}

	upstream := nphies.NewClient(cfg.Gateway.UpstreamURL, cfg.Gateway.Timeout, nphies.WithToken(os.Getenv(upstreamTokenEnv)))
	gw := gateway.New(upstream, db.NewTransactionStore(pool), gateway.Config{
		MaxAttempts:             cfg.Gateway.MaxAttempts,
		AttemptTimeout:          cfg.Gateway.Timeout,
		BackoffInitial:          cfg.Gateway.BackoffInitial,
		BackoffMax:              cfg.Gateway.BackoffMax,
		BackoffMultiplier:       cfg.Gateway.BackoffMultiplier,
		BreakerFailureThreshold: cfg.Gateway.BreakerFailureThreshold,
		BreakerCooldown:         cfg.Gateway.BreakerCooldown,
	}, log, gateway.WithLocker(submitLock), gateway.WithMetrics(s.metrics))

	sig := signer.New(signer.NewKeyStore(cfg.Signer.KeyBaseDir, s.registry), clock.Real(), log)

	s.orchestrator = pipeline.New(pipeline.Deps{
		Resolver: s.resolver,
		Pricer:   s.pricer,
		Signer:   sig,
		Gateway:  gw,
		Store:    db.NewClaimStore(pool),
	}, log,
		pipeline.WithLocker(claimLock),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
	)
	return s
}

func (s *stack) buildResolver() (*resolver.Resolver, error) {
	var rc cache.ResolutionCache
	if s.redis != nil {
		var err error
		rc, err = cache.NewRedisResolutionCache(s.redis, cfg.Redis.KeyPrefix, cfg.Resolver.CacheTTL)
		if err != nil {
			return nil, err
		}
	} else {
		rc = cache.NewMemoryResolutionCache(cfg.Resolver.CacheTTL)
	}

	var ai resolver.CodeInferenceProvider
	if key := os.Getenv(cfg.Inference.APIKeyEnv); key != "" {
		opts := []inference.Option{inference.WithModel(cfg.Inference.Model)}
		if cfg.Inference.Endpoint != "" {
			opts = append(opts, inference.WithEndpoint(cfg.Inference.Endpoint))
		}
		ai = inference.NewOpenAIProvider(key, opts...)
	} else {
		s.log.Warn().Str("env", cfg.Inference.APIKeyEnv).Msg("no inference API key, AI fallback disabled")
	}

	return resolver.New(rc, db.NewMappingStore(s.pool), ai, resolver.Config{
		ConfidenceFloor:  cfg.Resolver.ConfidenceFloor,
		ReviewCeiling:    cfg.Resolver.ReviewCeiling,
		InferenceTimeout: cfg.Resolver.InferenceTimeout,
	}, s.metrics, s.log), nil
}

// lockers returns the per-claim and per-submission lockers. They use
// separate key spaces since the orchestrator holds the claim lock while the
// gateway takes the submission lock for the same correlation id.
func (s *stack) lockers() (lock.Locker, lock.Locker, error) {
	if s.redis == nil {
		return lock.NewKeyed(), lock.NewKeyed(), nil
	}
	claimLock, err := lock.NewRedis(s.redis, cfg.Redis.KeyPrefix+":claim", cfg.Redis.LockTTL)
	if err != nil {
		return nil, nil, err
	}
	submitLock, err := lock.NewRedis(s.redis, cfg.Redis.KeyPrefix+":submit", cfg.Redis.LockTTL)
	if err != nil {
		return nil, nil, err
	}
	return claimLock, submitLock, nil
}

func loadCatalog() (*pricing.Catalog, error) {
	if cfg.Pricing.BundlesFile == "" {
		return pricing.NewCatalog()
	}
	return pricing.LoadCatalog(cfg.Pricing.BundlesFile)
}

// serveMetrics exposes the run's Prometheus registry on addr until the
// returned stop func is called. An empty addr serves nothing.
func (s *stack) serveMetrics(addr string) (stop func()) {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}

func describe(state string, reason string) string {
	if reason == "" {
		return state
	}
	return fmt.Sprintf("%s (%s)", state, reason)
}
