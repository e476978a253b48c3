package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gyeh/claimflow/internal/model"
)

// Config holds all runtime configuration for a claimctl run. Connection and
// logging settings come from flags; the pipeline sections come from YAML.
type Config struct {
	DSN         string `yaml:"-"`
	ConfigPath  string `yaml:"-"`
	LogFormat   string `yaml:"-" validate:"oneof=text json"`
	LogLevel    string `yaml:"-" validate:"oneof=debug info warn error"`
	FilePath    string `yaml:"-"`
	Force       bool   `yaml:"-"`
	KeepStaging bool   `yaml:"-"`

	CodeSystems []string `yaml:"code_systems"` // subset of AllCodeSystems accepted on import

	Resolver  ResolverConfig  `yaml:"resolver"`
	Inference InferenceConfig `yaml:"inference"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Registry  RegistryConfig  `yaml:"registry"`
	Signer    SignerConfig    `yaml:"signer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ResolverConfig tunes the AI fallback thresholds. Confidence at or above
// ConfidenceFloor is accepted; below ReviewCeiling it is flagged for review.
type ResolverConfig struct {
	ConfidenceFloor  float64       `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	ReviewCeiling    float64       `yaml:"review_ceiling" validate:"gte=0,lte=1"`
	InferenceTimeout time.Duration `yaml:"inference_timeout" validate:"gt=0"`
	CacheTTL         time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type InferenceConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type PricingConfig struct {
	BundlesFile     string `yaml:"bundles_file"`
	DefaultCurrency string `yaml:"default_currency" validate:"len=3"`
}

type RegistryConfig struct {
	FacilitiesFile string `yaml:"facilities_file"`
}

type SignerConfig struct {
	KeyBaseDir string `yaml:"key_base_dir"`
}

type GatewayConfig struct {
	UpstreamURL             string        `yaml:"upstream_url" validate:"omitempty,url"`
	Timeout                 time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts             int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BackoffInitial          time.Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax              time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" validate:"gte=1"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`
}

type PipelineConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=256"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"gte=0"`
	KeyPrefix string        `yaml:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// TracingConfig selects where pipeline spans go. Exporter "none" keeps the
// no-op provider.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter" validate:"oneof=none otlp-grpc otlp-http"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		LogFormat: "text",
		LogLevel:  "info",
		Resolver: ResolverConfig{
			ConfidenceFloor:  0.5,
			ReviewCeiling:    0.8,
			InferenceTimeout: 15 * time.Second,
			CacheTTL:         24 * time.Hour,
		},
		Inference: InferenceConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Pricing: PricingConfig{
			DefaultCurrency: "SAR",
		},
		Gateway: GatewayConfig{
			Timeout:                 30 * time.Second,
			MaxAttempts:             5,
			BackoffInitial:          500 * time.Millisecond,
			BackoffMax:              30 * time.Second,
			BackoffMultiplier:       2,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         time.Minute,
		},
		Pipeline: PipelineConfig{
			Concurrency: 8,
		},
		Redis: RedisConfig{
			KeyPrefix: "claimflow",
			LockTTL:   2 * time.Minute,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1,
			ServiceName: "claimctl",
		},
	}
}

// LoadFromFile reads a YAML config file and merges its values into Config.
// Keys absent from the file keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return c.validateCodeSystems()
}

// validateCodeSystems checks that every entry in CodeSystems is a known code system name.
// If CodeSystems is empty, it defaults to all AllCodeSystems names.
func (c *Config) validateCodeSystems() error {
	if len(c.CodeSystems) == 0 {
		c.CodeSystems = model.CodeSystemNames()
		return nil
	}
	for _, name := range c.CodeSystems {
		if _, ok := model.CodeSystemByName(name); !ok {
			return fmt.Errorf("unknown code system %q in config", name)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := c.validateCodeSystems(); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Tracing.Exporter == "otlp-grpc" || c.Tracing.Exporter == "otlp-http") && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required for exporter %q", c.Tracing.Exporter)
	}
	if c.Resolver.ConfidenceFloor > c.Resolver.ReviewCeiling {
		return fmt.Errorf("resolver.confidence_floor (%.2f) must not exceed resolver.review_ceiling (%.2f)",
			c.Resolver.ConfidenceFloor, c.Resolver.ReviewCeiling)
	}
	return nil
}

// ValidateImport checks the fields the mapping import needs.
func (c *Config) ValidateImport() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.FilePath == "" {
		return fmt.Errorf("--file is required")
	}
	if _, err := os.Stat(c.FilePath); err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}
	if c.DSN == "" {
		return fmt.Errorf("--dsn or CLAIMFLOW_DB_URL is required")
	}
	return nil
}

// ValidatePlan checks the fields a dry run (resolve and price) needs.
func (c *Config) ValidatePlan() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("--dsn or CLAIMFLOW_DB_URL is required")
	}
	if c.Registry.FacilitiesFile == "" {
		return fmt.Errorf("registry.facilities_file is required")
	}
	return nil
}

// ValidateSubmit checks the fields a full pipeline run needs.
func (c *Config) ValidateSubmit() error {
	if err := c.ValidatePlan(); err != nil {
		return err
	}
	if c.Signer.KeyBaseDir == "" {
		return fmt.Errorf("signer.key_base_dir is required")
	}
	if c.Gateway.UpstreamURL == "" {
		return fmt.Errorf("gateway.upstream_url is required")
	}
	return nil
}
