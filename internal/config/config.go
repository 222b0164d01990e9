package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/resilience"
	"github.com/sells-group/qbank/internal/store"
	"github.com/sells-group/qbank/internal/writeback"
)

// Config holds the full application configuration.
type Config struct {
	OwnerID   string          `yaml:"owner_id" mapstructure:"owner_id"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Enhance   EnhanceConfig   `yaml:"enhance" mapstructure:"enhance"`
	Writeback WritebackConfig `yaml:"writeback" mapstructure:"writeback"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	TimeoutSecs int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnhanceConfig configures explanation generation.
type EnhanceConfig struct {
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerMinute    int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	PromptsFile      string `yaml:"prompts_file" mapstructure:"prompts_file"`
	ImageTimeoutSecs int    `yaml:"image_timeout_secs" mapstructure:"image_timeout_secs"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  int    `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// WritebackConfig configures background persistence.
type WritebackConfig struct {
	DebounceMs       int         `yaml:"debounce_ms" mapstructure:"debounce_ms"`
	MaxParallel      int         `yaml:"max_parallel" mapstructure:"max_parallel"`
	MaxRequeues      int         `yaml:"max_requeues" mapstructure:"max_requeues"`
	WriteTimeoutSecs int         `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
	Retry            RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures exponential backoff for store writes.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// HistoryConfig bounds the undo log.
type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("owner_id", "local")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "qbank.db")
	v.SetDefault("store.timeout_secs", 15)
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("enhance.timeout_secs", 90)
	v.SetDefault("enhance.rate_per_minute", 0)
	v.SetDefault("enhance.batch_size", 10)
	v.SetDefault("enhance.prompts_file", "")
	v.SetDefault("enhance.image_timeout_secs", 10)
	v.SetDefault("enhance.breaker_threshold", 5)
	v.SetDefault("enhance.breaker_cooldown_secs", 30)
	v.SetDefault("writeback.debounce_ms", 1000)
	v.SetDefault("writeback.max_parallel", 8)
	v.SetDefault("writeback.max_requeues", 3)
	v.SetDefault("writeback.write_timeout_secs", 15)
	v.SetDefault("writeback.retry.max_attempts", 3)
	v.SetDefault("writeback.retry.initial_backoff_ms", 500)
	v.SetDefault("writeback.retry.max_backoff_ms", 30000)
	v.SetDefault("history.max_entries", 500)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "store" (any command touching the database), "enhance" and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		errs = append(errs, c.validateStore()...)
	case "enhance":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateEnhance()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateEnhance()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.History.MaxEntries < 0 {
		errs = append(errs, "history.max_entries must be >= 0")
	}
	if c.Writeback.MaxParallel < 0 || c.Writeback.MaxParallel > 64 {
		errs = append(errs, "writeback.max_parallel must be between 0 and 64")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.OwnerID == "" {
		errs = append(errs, "owner_id is required")
	}
	return errs
}

func (c *Config) validateEnhance() []string {
	var errs []string
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if c.Enhance.RatePerMinute < 0 {
		errs = append(errs, "enhance.rate_per_minute must be >= 0")
	}
	if c.Enhance.BatchSize < 1 || c.Enhance.BatchSize > 1000 {
		errs = append(errs, "enhance.batch_size must be between 1 and 1000")
	}
	return errs
}

// StoreTimeout returns the per-call database timeout.
func (c *Config) StoreTimeout() time.Duration {
	return secondsOr(c.Store.TimeoutSecs, 15)
}

// WritebackConfig converts the writeback section into queue settings.
func (c *Config) WritebackConfig() writeback.Config {
	d := writeback.DefaultConfig()
	w := c.Writeback
	if w.DebounceMs > 0 {
		d.Debounce = time.Duration(w.DebounceMs) * time.Millisecond
	}
	if w.MaxParallel > 0 {
		d.MaxParallel = w.MaxParallel
	}
	if w.MaxRequeues > 0 {
		d.MaxRequeues = w.MaxRequeues
	}
	if w.WriteTimeoutSecs > 0 {
		d.WriteTimeout = time.Duration(w.WriteTimeoutSecs) * time.Second
	}
	d.Retry = resilience.PolicyFromConfig(w.Retry.MaxAttempts, w.Retry.InitialBackoffMs, w.Retry.MaxBackoffMs)
	return d
}

// EnhanceConfig converts the enhance section into orchestrator settings.
func (c *Config) EnhanceConfig() enhance.Config {
	return enhance.Config{
		Timeout:          secondsOr(c.Enhance.TimeoutSecs, 90),
		RatePerMinute:    c.Enhance.RatePerMinute,
		BreakerThreshold: c.Enhance.BreakerThreshold,
		BreakerCooldown:  secondsOr(c.Enhance.BreakerCooldown, 30),
	}
}

// ImageTimeout returns the per-image download timeout.
func (c *Config) ImageTimeout() time.Duration {
	return secondsOr(c.Enhance.ImageTimeoutSecs, 10)
}

func secondsOr(secs, fallback int) time.Duration {
	if secs <= 0 {
		secs = fallback
	}
	return time.Duration(secs) * time.Second
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
