package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. AUTOPUB_FEED_ACCESS_TOKEN.
const EnvPrefix = "AUTOPUB"

// Config holds everything the publisher process needs.
type Config struct {
	ServerAddr  string           `mapstructure:"server_addr" json:"server_addr,omitempty"`
	PromptsPath string           `mapstructure:"prompts_path" json:"prompts_path,omitempty"`
	LLM         *LLMConfig       `mapstructure:"llm" json:"llm,omitempty"`
	Feed        FeedConfig       `mapstructure:"feed" json:"feed"`
	Database    DatabaseConfig   `mapstructure:"database" json:"database"`
	Dispatcher  DispatcherConfig `mapstructure:"dispatcher" json:"dispatcher"`
	Cycle       CycleConfig      `mapstructure:"cycle" json:"cycle"`
	Queue       QueueConfig      `mapstructure:"queue" json:"queue"`
	Metrics     MetricsConfig    `mapstructure:"metrics" json:"metrics"`
	Sentry      SentryConfig     `mapstructure:"sentry" json:"sentry"`
	Rabbit      RabbitConfig     `mapstructure:"rabbit" json:"rabbit"`
}

// LLMConfig selects the model used by generation cycles.
type LLMConfig struct {
	Provider string `mapstructure:"provider" json:"provider,omitempty"`
	Model    string `mapstructure:"model" json:"model,omitempty"`
	APIKey   string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty"`
}

// FeedConfig holds the social feed credentials and request shaping.
type FeedConfig struct {
	BaseURL        string            `mapstructure:"base_url" json:"base_url"`
	AccessToken    string            `mapstructure:"access_token" json:"access_token"`
	DeviceParams   map[string]string `mapstructure:"device_params" json:"device_params,omitempty"`
	Headers        map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	RenderMarkdown bool              `mapstructure:"render_markdown" json:"render_markdown"`
	RatePerMinute  int               `mapstructure:"rate_per_minute" json:"rate_per_minute"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

type DispatcherConfig struct {
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	PublishTimeoutSeconds int `mapstructure:"publish_timeout_seconds" json:"publish_timeout_seconds"`
	StopTimeoutSeconds    int `mapstructure:"stop_timeout_seconds" json:"stop_timeout_seconds"`
}

type CycleConfig struct {
	GenerationTimeoutSeconds int `mapstructure:"generation_timeout_seconds" json:"generation_timeout_seconds"`
	DefaultMinInterval       int `mapstructure:"default_min_interval_minutes" json:"default_min_interval_minutes"`
	DefaultMaxInterval       int `mapstructure:"default_max_interval_minutes" json:"default_max_interval_minutes"`
	RetryDelayMinutes        int `mapstructure:"retry_delay_minutes" json:"retry_delay_minutes"`
	MaxGenerationRetries     int `mapstructure:"max_generation_retries" json:"max_generation_retries"`
}

type QueueConfig struct {
	ManualMinDelay int `mapstructure:"manual_min_delay_minutes" json:"manual_min_delay_minutes"`
	ManualMaxDelay int `mapstructure:"manual_max_delay_minutes" json:"manual_max_delay_minutes"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
	Path    string `mapstructure:"path" json:"path"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn" json:"dsn,omitempty"`
	Environment string `mapstructure:"environment" json:"environment,omitempty"`
	Release     string `mapstructure:"release" json:"release,omitempty"`
}

type RabbitConfig struct {
	URL   string `mapstructure:"url" json:"url,omitempty"`
	Queue string `mapstructure:"queue" json:"queue,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("prompts_path", "config/prompts.yaml")
	v.SetDefault("feed.base_url", "https://api.taou.com")
	v.SetDefault("feed.access_token", "")
	v.SetDefault("feed.timeout_seconds", 30)
	v.SetDefault("feed.render_markdown", true)
	v.SetDefault("feed.rate_per_minute", 2)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/autopub.db")
	v.SetDefault("dispatcher.poll_interval_seconds", 30)
	v.SetDefault("dispatcher.publish_timeout_seconds", 30)
	v.SetDefault("dispatcher.stop_timeout_seconds", 5)
	v.SetDefault("cycle.generation_timeout_seconds", 600)
	v.SetDefault("cycle.default_min_interval_minutes", 30)
	v.SetDefault("cycle.default_max_interval_minutes", 60)
	v.SetDefault("cycle.retry_delay_minutes", 10)
	v.SetDefault("cycle.max_generation_retries", 3)
	v.SetDefault("queue.manual_min_delay_minutes", 5)
	v.SetDefault("queue.manual_max_delay_minutes", 20)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:8081")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("rabbit.url", "")
	v.SetDefault("rabbit.queue", "autopub.dispatch")
}

// Load reads the JSON config at path. Missing optional sections fall back to
// defaults and every key can be overridden from the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets usually come from the environment only
	_ = v.BindEnv("llm.api_key")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.LLM != nil && cfg.LLM.Provider == "" && cfg.LLM.Model == "" && cfg.LLM.APIKey == "" {
		cfg.LLM = nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	log.Printf("[CONFIG] loaded %s (database=%s, feed=%s)", path, cfg.Database.Driver, cfg.Feed.BaseURL)
	return cfg, nil
}

// Validate checks the fields the process cannot run without.
func (c Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return errors.New("config must include feed.base_url")
	}
	if c.Feed.AccessToken == "" {
		return errors.New("config must include feed.access_token")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database driver %q not supported", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config must include database.dsn")
	}
	if c.Queue.ManualMinDelay < 0 || c.Queue.ManualMaxDelay < c.Queue.ManualMinDelay {
		return fmt.Errorf("invalid manual delay range %d-%d", c.Queue.ManualMinDelay, c.Queue.ManualMaxDelay)
	}
	if c.Cycle.DefaultMinInterval < 0 || c.Cycle.DefaultMaxInterval < c.Cycle.DefaultMinInterval {
		return fmt.Errorf("invalid cycle interval range %d-%d", c.Cycle.DefaultMinInterval, c.Cycle.DefaultMaxInterval)
	}
	if c.Dispatcher.PollIntervalSeconds <= 0 {
		return errors.New("dispatcher.poll_interval_seconds must be positive")
	}
	return nil
}

func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

func (d DispatcherConfig) PublishTimeout() time.Duration {
	return time.Duration(d.PublishTimeoutSeconds) * time.Second
}

func (d DispatcherConfig) StopTimeout() time.Duration {
	return time.Duration(d.StopTimeoutSeconds) * time.Second
}

func (c CycleConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSeconds) * time.Second
}

func (c CycleConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}

func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}
