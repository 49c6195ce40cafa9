// Package config loads and validates chatrelay settings from defaults, an
// optional YAML file and CHATRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CHATRELAY_WORKERS_SIZE.
const EnvPrefix = "CHATRELAY"

const redacted = "[REDACTED]"

// Config is the full relay configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	AI        AIConfig        `mapstructure:"ai" yaml:"ai"`
	Telegram  TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Workers   WorkersConfig   `mapstructure:"workers" yaml:"workers"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown" yaml:"shutdown"`
}

// QueueConfig sizes the dispatch queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	FallbackText     string        `mapstructure:"fallback_text" yaml:"fallback_text"`
	Size             int           `mapstructure:"size" yaml:"size"`
	RetryAttempts    int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	GenerateTimeout  time.Duration `mapstructure:"generate_timeout" yaml:"generate_timeout"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	TypingInterval   time.Duration `mapstructure:"typing_interval" yaml:"typing_interval"`
	SerializePerUser bool          `mapstructure:"serialize_per_user" yaml:"serialize_per_user"`
}

// RateLimitConfig configures per-user admission.
type RateLimitConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Limit   int           `mapstructure:"limit" yaml:"limit"`
	Window  time.Duration `mapstructure:"window" yaml:"window"`
}

// SessionConfig configures session lifetime and background upkeep.
type SessionConfig struct {
	Expiry               time.Duration `mapstructure:"expiry" yaml:"expiry"`
	FlushInterval        time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DeleteStaleSnapshots bool          `mapstructure:"delete_stale_snapshots" yaml:"delete_stale_snapshots"`
}

// StorageConfig selects the persistence gateway.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// RedisConfig is shared by the Redis gateway and the Redis rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// AIConfig selects and tunes the AI backend.
type AIConfig struct {
	Provider              string  `mapstructure:"provider" yaml:"provider"`
	APIKey                string  `mapstructure:"api_key" yaml:"api_key"`
	Model                 string  `mapstructure:"model" yaml:"model"`
	BaseURL               string  `mapstructure:"base_url" yaml:"base_url"`
	SystemInstruction     string  `mapstructure:"system_instruction" yaml:"system_instruction"`
	SystemInstructionFile string  `mapstructure:"system_instruction_file" yaml:"system_instruction_file"`
	ScriptedReply         string  `mapstructure:"scripted_reply" yaml:"scripted_reply"`
	Temperature           float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP                  float64 `mapstructure:"top_p" yaml:"top_p"`
	TopK                  int     `mapstructure:"top_k" yaml:"top_k"`
	MaxOutputTokens       int     `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	SafetyThreshold       string  `mapstructure:"safety_threshold" yaml:"safety_threshold"`
}

// TelegramConfig configures the Bot API transport.
type TelegramConfig struct {
	Token      string  `mapstructure:"token" yaml:"token"`
	Mode       string  `mapstructure:"mode" yaml:"mode"`
	WebhookURL string  `mapstructure:"webhook_url" yaml:"webhook_url"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SendRate   float64 `mapstructure:"send_rate" yaml:"send_rate"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	WebhookPath string `mapstructure:"webhook_path" yaml:"webhook_path"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.capacity", 100)

	v.SetDefault("workers.size", 20)
	v.SetDefault("workers.mode", "whole")
	v.SetDefault("workers.fallback_text", "Oops! Something went wrong. Please try again later.")
	v.SetDefault("workers.retry_attempts", 3)
	v.SetDefault("workers.retry_delay", 5*time.Second)
	v.SetDefault("workers.generate_timeout", 60*time.Second)
	v.SetDefault("workers.delivery_timeout", 15*time.Second)
	v.SetDefault("workers.typing_interval", 4*time.Second)
	v.SetDefault("workers.serialize_per_user", false)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.limit", 30)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("session.expiry", time.Hour)
	v.SetDefault("session.flush_interval", 10*time.Minute)
	v.SetDefault("session.sweep_interval", 10*time.Minute)
	v.SetDefault("session.delete_stale_snapshots", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chatrelay:")

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.system_instruction", "")
	v.SetDefault("ai.system_instruction_file", "")
	v.SetDefault("ai.scripted_reply", "")
	v.SetDefault("ai.temperature", 1.0)
	v.SetDefault("ai.top_p", 0.95)
	v.SetDefault("ai.top_k", 64)
	v.SetDefault("ai.max_output_tokens", 3192)
	v.SetDefault("ai.safety_threshold", "BLOCK_NONE")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.mode", "webhook")
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.endpoint", "")
	v.SetDefault("telegram.send_rate", 30.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.webhook_path", "/telegram/webhook")

	v.SetDefault("shutdown.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. With an empty path it looks for
// chatrelay.yaml in the working directory and /etc/chatrelay, and a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional variable names from the original deployment.
	_ = v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("telegram.token", EnvPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("storage.dsn", EnvPrefix+"_STORAGE_DSN", "DATABASE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("chatrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chatrelay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.AI.SystemInstruction == "" && cfg.AI.SystemInstructionFile != "" {
		instruction, err := LoadSystemInstruction(cfg.AI.SystemInstructionFile)
		if err != nil {
			return nil, err
		}
		cfg.AI.SystemInstruction = instruction
	}
	return &cfg, nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate reports every invalid setting needed to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.Capacity > 0, "queue.capacity must be positive, got %d", c.Queue.Capacity)

	check(c.Workers.Size > 0, "workers.size must be positive, got %d", c.Workers.Size)
	check(oneOf(c.Workers.Mode, "whole", "stream"), "workers.mode must be whole or stream, got %q", c.Workers.Mode)
	check(c.Workers.RetryAttempts >= 1, "workers.retry_attempts must be at least 1, got %d", c.Workers.RetryAttempts)
	check(c.Workers.RetryDelay >= 0, "workers.retry_delay cannot be negative")
	check(c.Workers.GenerateTimeout > 0, "workers.generate_timeout must be positive")
	check(c.Workers.DeliveryTimeout > 0, "workers.delivery_timeout must be positive")
	check(c.Workers.TypingInterval > 0, "workers.typing_interval must be positive")

	check(oneOf(c.RateLimit.Backend, "memory", "redis"), "ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	check(c.RateLimit.Limit > 0, "ratelimit.limit must be positive, got %d", c.RateLimit.Limit)
	check(c.RateLimit.Window > 0, "ratelimit.window must be positive")

	check(c.Session.Expiry > 0, "session.expiry must be positive")
	check(c.Session.FlushInterval > 0, "session.flush_interval must be positive")
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive")

	check(oneOf(c.Storage.Backend, "memory", "redis", "postgres"), "storage.backend must be memory, redis or postgres, got %q", c.Storage.Backend)
	check(c.Storage.Backend != "postgres" || c.Storage.DSN != "", "storage.dsn is required for the postgres backend")
	check(!c.usesRedis() || c.Redis.Addr != "", "redis.addr is required when redis is used")

	check(oneOf(c.AI.Provider, "gemini", "openai", "scripted"), "ai.provider must be gemini, openai or scripted, got %q", c.AI.Provider)
	check(c.AI.Provider != "gemini" || c.AI.APIKey != "", "ai.api_key is required for the gemini provider")
	check(c.AI.Provider != "openai" || c.AI.APIKey != "" || c.AI.BaseURL != "", "ai.api_key or ai.base_url is required for the openai provider")
	check(c.AI.Temperature >= 0 && c.AI.Temperature <= 2, "ai.temperature must be within [0, 2], got %v", c.AI.Temperature)
	check(c.AI.TopP >= 0 && c.AI.TopP <= 1, "ai.top_p must be within [0, 1], got %v", c.AI.TopP)
	check(c.AI.MaxOutputTokens >= 0, "ai.max_output_tokens cannot be negative")
	check(c.AI.SafetyThreshold == "" || oneOf(c.AI.SafetyThreshold, "BLOCK_NONE", "BLOCK_ONLY_HIGH", "BLOCK_MEDIUM_AND_ABOVE", "BLOCK_LOW_AND_ABOVE", "OFF"),
		"ai.safety_threshold must be BLOCK_NONE, BLOCK_ONLY_HIGH, BLOCK_MEDIUM_AND_ABOVE, BLOCK_LOW_AND_ABOVE or OFF, got %q", c.AI.SafetyThreshold)

	check(c.Telegram.Token != "", "telegram.token is required")
	check(oneOf(c.Telegram.Mode, "webhook", "poll"), "telegram.mode must be webhook or poll, got %q", c.Telegram.Mode)
	check(c.Telegram.SendRate > 0, "telegram.send_rate must be positive")

	check(c.HTTP.Addr != "", "http.addr is required")
	check(strings.HasPrefix(c.HTTP.WebhookPath, "/"), "http.webhook_path must start with /, got %q", c.HTTP.WebhookPath)

	check(c.Shutdown.Timeout > 0, "shutdown.timeout must be positive")

	check(oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"), "log.level must be debug, info, warn or error, got %q", c.Log.Level)
	check(oneOf(c.Log.Format, "text", "json"), "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

func (c *Config) usesRedis() bool {
	return c.Storage.Backend == "redis" || c.RateLimit.Backend == "redis"
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	for _, secret := range []*string{&out.AI.APIKey, &out.Telegram.Token, &out.Redis.Password, &out.Storage.DSN} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return out
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
