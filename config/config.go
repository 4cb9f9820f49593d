// Package config provides YAML-based configuration loading for sambung
// clients.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ambiyansyah-risyal/sambung"
)

// Config is the root client configuration.
type Config struct {
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Client holds call defaults
	Client ClientConfig `mapstructure:"client"`

	Tracing        TracingConfig        `mapstructure:"tracing"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Batching       BatchingConfig       `mapstructure:"batching"`
	Timeout        TimeoutConfig        `mapstructure:"timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ClientConfig holds client-level defaults.
type ClientConfig struct {
	ThrowOnError bool `mapstructure:"throw_on_error"`
	// Context is the client's own context layer.
	Context map[string]any `mapstructure:"context"`
}

// TracingConfig toggles the tracing tag injector.
type TracingConfig struct {
	Enable bool `mapstructure:"enable"`
}

// RetryConfig mirrors sambung.RetryConfig.
type RetryConfig struct {
	Enable     bool          `mapstructure:"enable"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Jitter     float64       `mapstructure:"jitter"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	// Strategy: exponential or decorrelated
	Strategy string            `mapstructure:"strategy"`
	Budget   RetryBudgetConfig `mapstructure:"budget"`
}

// RetryBudgetConfig bounds retries across calls. Zero MaxRetries disables it.
type RetryBudgetConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Window     time.Duration `mapstructure:"window"`
}

// CircuitBreakerConfig mirrors sambung.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Enable           bool          `mapstructure:"enable"`
	Name             string        `mapstructure:"name"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RateLimitConfig mirrors sambung.RateLimitConfig.
type RateLimitConfig struct {
	Enable      bool          `mapstructure:"enable"`
	Name        string        `mapstructure:"name"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	// Strategy: reject or queue
	Strategy      string        `mapstructure:"strategy"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// CacheConfig mirrors sambung.CacheConfig.
type CacheConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Name     string        `mapstructure:"name"`
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// BatchingConfig mirrors sambung.BatchingConfig.
type BatchingConfig struct {
	Enable          bool           `mapstructure:"enable"`
	MaxBatchSize    int            `mapstructure:"max_batch_size"`
	MaxWaitTime     time.Duration  `mapstructure:"max_wait_time"`
	SameServiceOnly bool           `mapstructure:"same_service_only"`
	Adaptive        AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig mirrors sambung.AdaptiveBatching.
type AdaptiveConfig struct {
	Enable        bool          `mapstructure:"enable"`
	TargetLatency time.Duration `mapstructure:"target_latency"`
	MinBatchSize  int           `mapstructure:"min_batch_size"`
	SampleSize    int           `mapstructure:"sample_size"`
}

// TimeoutConfig mirrors sambung.TimeoutConfig. Zero disables a scope.
type TimeoutConfig struct {
	Overall    time.Duration `mapstructure:"overall"`
	PerAttempt time.Duration `mapstructure:"per_attempt"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/sambung.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Client: ClientConfig{ThrowOnError: true},
		Retry: RetryConfig{
			Enable:     true,
			MaxRetries: 3,
			RetryDelay: time.Second,
			Jitter:     0.1,
			Strategy:   "exponential",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enable:           true,
			Name:             "default",
			FailureThreshold: 5,
			FailureWindow:    10 * time.Second,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		RateLimit: RateLimitConfig{
			Name:         "default",
			MaxRequests:  100,
			Window:       60 * time.Second,
			Strategy:     string(sambung.RateLimitReject),
			MaxQueueSize: 100,
		},
		Cache: CacheConfig{
			Name:     "default",
			TTL:      60 * time.Second,
			Capacity: 100,
		},
		Batching: BatchingConfig{
			MaxBatchSize:    10,
			MaxWaitTime:     10 * time.Millisecond,
			SameServiceOnly: true,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SAMBUNG and `.`/`-` are replaced with `_`.
// Example: SAMBUNG_RETRY_MAX_RETRIES=5
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SAMBUNG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	setDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("SAMBUNG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sambung")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sambung"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("client.throw_on_error", cfg.Client.ThrowOnError)
	v.SetDefault("tracing.enable", cfg.Tracing.Enable)

	v.SetDefault("retry.enable", cfg.Retry.Enable)
	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.retry_delay", cfg.Retry.RetryDelay)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.strategy", cfg.Retry.Strategy)
	v.SetDefault("retry.budget.max_retries", cfg.Retry.Budget.MaxRetries)
	v.SetDefault("retry.budget.window", cfg.Retry.Budget.Window)

	v.SetDefault("circuit_breaker.enable", cfg.CircuitBreaker.Enable)
	v.SetDefault("circuit_breaker.name", cfg.CircuitBreaker.Name)
	v.SetDefault("circuit_breaker.failure_threshold", cfg.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.failure_window", cfg.CircuitBreaker.FailureWindow)
	v.SetDefault("circuit_breaker.reset_timeout", cfg.CircuitBreaker.ResetTimeout)
	v.SetDefault("circuit_breaker.success_threshold", cfg.CircuitBreaker.SuccessThreshold)

	v.SetDefault("rate_limit.enable", cfg.RateLimit.Enable)
	v.SetDefault("rate_limit.name", cfg.RateLimit.Name)
	v.SetDefault("rate_limit.max_requests", cfg.RateLimit.MaxRequests)
	v.SetDefault("rate_limit.window", cfg.RateLimit.Window)
	v.SetDefault("rate_limit.strategy", cfg.RateLimit.Strategy)
	v.SetDefault("rate_limit.max_queue_size", cfg.RateLimit.MaxQueueSize)
	v.SetDefault("rate_limit.drain_interval", cfg.RateLimit.DrainInterval)

	v.SetDefault("cache.enable", cfg.Cache.Enable)
	v.SetDefault("cache.name", cfg.Cache.Name)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.capacity", cfg.Cache.Capacity)

	v.SetDefault("batching.enable", cfg.Batching.Enable)
	v.SetDefault("batching.max_batch_size", cfg.Batching.MaxBatchSize)
	v.SetDefault("batching.max_wait_time", cfg.Batching.MaxWaitTime)
	v.SetDefault("batching.same_service_only", cfg.Batching.SameServiceOnly)
	v.SetDefault("batching.adaptive.enable", cfg.Batching.Adaptive.Enable)
	v.SetDefault("batching.adaptive.target_latency", cfg.Batching.Adaptive.TargetLatency)
	v.SetDefault("batching.adaptive.min_batch_size", cfg.Batching.Adaptive.MinBatchSize)
	v.SetDefault("batching.adaptive.sample_size", cfg.Batching.Adaptive.SampleSize)

	v.SetDefault("timeout.overall", cfg.Timeout.Overall)
	v.SetDefault("timeout.per_attempt", cfg.Timeout.PerAttempt)
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	switch c.Retry.Strategy {
	case "", "exponential", "decorrelated":
	default:
		return fmt.Errorf("invalid retry.strategy: %q", c.Retry.Strategy)
	}

	return errors.Join(
		c.retry(nil, nil).Validate(),
		c.circuitBreaker(nil, nil).Validate(),
		c.rateLimit(nil, nil).Validate(),
		c.cache(nil, nil).Validate(),
		c.batching(nil, nil).Validate(),
		c.timeout(nil, nil).Validate(),
	)
}
