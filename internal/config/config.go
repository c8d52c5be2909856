package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Freshness   FreshnessConfig   `yaml:"freshness" mapstructure:"freshness"`
	Backoff     BackoffConfig     `yaml:"backoff" mapstructure:"backoff"`
	Quality     QualityConfig     `yaml:"quality" mapstructure:"quality"`
	Fallback    FallbackConfig    `yaml:"fallback" mapstructure:"fallback"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Marketplace MarketplaceConfig `yaml:"marketplace" mapstructure:"marketplace"`
	Firecrawl   FirecrawlConfig   `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina        JinaConfig        `yaml:"jina" mapstructure:"jina"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Static      StaticConfig      `yaml:"static" mapstructure:"static"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FreshnessConfig configures staleness and read-path deadlines.
type FreshnessConfig struct {
	StalenessThresholdHours int     `yaml:"staleness_threshold_hours" mapstructure:"staleness_threshold_hours"`
	FallbackTimeoutMs       int     `yaml:"fallback_timeout_ms" mapstructure:"fallback_timeout_ms"`
	ExtractionTimeoutSecs   int     `yaml:"extraction_timeout_secs" mapstructure:"extraction_timeout_secs"`
	RefreshLeaseSecs        int     `yaml:"refresh_lease_secs" mapstructure:"refresh_lease_secs"`
	JoinPollMs              int     `yaml:"join_poll_ms" mapstructure:"join_poll_ms"`
	MaxConsecutiveFailures  int     `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	DecayFactor             float64 `yaml:"decay_factor" mapstructure:"decay_factor"`
}

// StalenessThreshold returns the age at which a fresh plan becomes stale.
func (c FreshnessConfig) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdHours) * time.Hour
}

// FallbackTimeout returns the longest a reader waits for a refresh.
func (c FreshnessConfig) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackTimeoutMs) * time.Millisecond
}

// ExtractionTimeout returns the deadline applied to a provider call. Unset
// means the fallback timeout, so a refresh never outlives the readers
// waiting on it.
func (c FreshnessConfig) ExtractionTimeout() time.Duration {
	if c.ExtractionTimeoutSecs <= 0 {
		return c.FallbackTimeout()
	}
	return time.Duration(c.ExtractionTimeoutSecs) * time.Second
}

// RefreshLease returns how long a refreshing claim is honored before a
// reader may take it over.
func (c FreshnessConfig) RefreshLease() time.Duration {
	return time.Duration(c.RefreshLeaseSecs) * time.Second
}

// JoinPoll returns the ledger polling interval used while joining a refresh
// owned by another process or a batch.
func (c FreshnessConfig) JoinPoll() time.Duration {
	return time.Duration(c.JoinPollMs) * time.Millisecond
}

// BackoffConfig configures the retry delay after a failed refresh.
type BackoffConfig struct {
	BaseSecs float64 `yaml:"base_secs" mapstructure:"base_secs"`
	Factor   float64 `yaml:"factor" mapstructure:"factor"`
	MaxSecs  float64 `yaml:"max_secs" mapstructure:"max_secs"`
	Jitter   float64 `yaml:"jitter" mapstructure:"jitter"`
}

// QualityConfig configures the data quality gate.
type QualityConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// FallbackConfig configures the on-demand extraction path.
type FallbackConfig struct {
	Provider                string  `yaml:"provider" mapstructure:"provider"`
	RatePerMinute           float64 `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	DailyBudgetUSD          float64 `yaml:"daily_budget_usd" mapstructure:"daily_budget_usd"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// BatchConfig configures the batch refresh pipeline.
type BatchConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// SearchConfig configures search and ranking.
type SearchConfig struct {
	DefaultLimit          int           `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit              int           `yaml:"max_limit" mapstructure:"max_limit"`
	LowCostMaxPremium     float64       `yaml:"low_cost_max_premium" mapstructure:"low_cost_max_premium"`
	HighDeductibleMinimum float64       `yaml:"high_deductible_minimum" mapstructure:"high_deductible_minimum"`
	Weights               SearchWeights `yaml:"weights" mapstructure:"weights"`
}

// SearchWeights holds the score component weights.
type SearchWeights struct {
	Keyword float64 `yaml:"keyword" mapstructure:"keyword"`
	Carrier float64 `yaml:"carrier" mapstructure:"carrier"`
	Quality float64 `yaml:"quality" mapstructure:"quality"`
	Price   float64 `yaml:"price" mapstructure:"price"`
}

// MarketplaceConfig holds Healthcare.gov Marketplace API settings.
type MarketplaceConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Year        int     `yaml:"year" mapstructure:"year"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	RatePerMinute    int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutSecs  int    `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
}

// JinaConfig holds Jina AI Reader settings. The reader is the deep
// provider's fallback page source and needs no key for light use.
type JinaConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxTokens  int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// StaticConfig points the fixture-backed provider at a YAML plan file.
type StaticConfig struct {
	FixturesPath string `yaml:"fixtures_path" mapstructure:"fixtures_path"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlPricing        `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// FirecrawlPricing holds Firecrawl plan pricing.
type FirecrawlPricing struct {
	PlanMonthly     float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded float64 `yaml:"credits_included" mapstructure:"credits_included"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// MonitoringConfig configures the background freshness checker and its
// webhook alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StaleRatioThreshold  float64 `yaml:"stale_ratio_threshold" mapstructure:"stale_ratio_threshold"`
	ExhaustedThreshold   int     `yaml:"exhausted_threshold" mapstructure:"exhausted_threshold"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	SweepStale           bool    `yaml:"sweep_stale" mapstructure:"sweep_stale"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PLANFINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "planfinder.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("freshness.staleness_threshold_hours", 24)
	v.SetDefault("freshness.fallback_timeout_ms", 5000)
	v.SetDefault("freshness.extraction_timeout_secs", 0)
	v.SetDefault("freshness.refresh_lease_secs", 120)
	v.SetDefault("freshness.join_poll_ms", 100)
	v.SetDefault("freshness.max_consecutive_failures", 5)
	v.SetDefault("freshness.decay_factor", 0.8)
	v.SetDefault("backoff.base_secs", 30)
	v.SetDefault("backoff.factor", 2.0)
	v.SetDefault("backoff.max_secs", 1800)
	v.SetDefault("backoff.jitter", 0.2)
	v.SetDefault("quality.confidence_floor", 0.3)
	v.SetDefault("fallback.provider", "deep")
	v.SetDefault("fallback.rate_per_minute", 60)
	v.SetDefault("fallback.burst", 10)
	v.SetDefault("fallback.daily_budget_usd", 25.0)
	v.SetDefault("fallback.circuit_failure_threshold", 5)
	v.SetDefault("fallback.circuit_reset_secs", 30)
	v.SetDefault("batch.provider", "marketplace")
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.low_cost_max_premium", 500)
	v.SetDefault("search.high_deductible_minimum", 3000)
	v.SetDefault("search.weights.keyword", 0.4)
	v.SetDefault("search.weights.carrier", 0.2)
	v.SetDefault("search.weights.quality", 0.2)
	v.SetDefault("search.weights.price", 0.2)
	v.SetDefault("marketplace.base_url", "https://marketplace.api.healthcare.gov/api/v1")
	v.SetDefault("marketplace.year", 2026)
	v.SetDefault("marketplace.rate_per_sec", 5)
	v.SetDefault("marketplace.timeout_secs", 15)
	v.SetDefault("marketplace.max_attempts", 3)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.rate_per_minute", 100)
	v.SetDefault("firecrawl.poll_interval_secs", 2)
	v.SetDefault("firecrawl.poll_timeout_secs", 300)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("static.fixtures_path", "fixtures.yaml")
	v.SetDefault("pricing.firecrawl.plan_monthly", 19.00)
	v.SetDefault("pricing.firecrawl.credits_included", 3000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.service_name", "planfinder")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.stale_ratio_threshold", 0.5)
	v.SetDefault("monitoring.exhausted_threshold", 1)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.cost_threshold_usd", 20.0)
	v.SetDefault("monitoring.sweep_stale", true)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	f := c.Freshness
	if f.StalenessThresholdHours <= 0 {
		return eris.New("config: freshness.staleness_threshold_hours must be positive")
	}
	if f.FallbackTimeoutMs <= 0 {
		return eris.New("config: freshness timeouts must be positive")
	}
	if f.ExtractionTimeoutSecs < 0 {
		return eris.New("config: freshness timeouts must not be negative")
	}
	if f.DecayFactor <= 0 || f.DecayFactor > 1 {
		return eris.Errorf("config: freshness.decay_factor %.2f must be in (0,1]", f.DecayFactor)
	}
	if c.Backoff.BaseSecs <= 0 || c.Backoff.MaxSecs < c.Backoff.BaseSecs {
		return eris.New("config: backoff.max_secs must be >= backoff.base_secs > 0")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return eris.Errorf("config: backoff.jitter %.2f must be in [0,1)", c.Backoff.Jitter)
	}
	if c.Quality.ConfidenceFloor < 0 || c.Quality.ConfidenceFloor > 1 {
		return eris.Errorf("config: quality.confidence_floor %.2f must be in [0,1]", c.Quality.ConfidenceFloor)
	}
	w := c.Search.Weights
	if w.Keyword < 0 || w.Carrier < 0 || w.Quality < 0 || w.Price < 0 {
		return eris.New("config: search weights must be non-negative")
	}
	if sum := w.Keyword + w.Carrier + w.Quality + w.Price; sum <= 0 {
		return eris.New("config: search weights must not all be zero")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
