// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobsConfig governs the orchestration layer.
type JobsConfig struct {
	// MaxConcurrent caps simultaneously running jobs; 0 means unbounded.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// TimeoutSeconds force-fails a job after this long; 0 disables.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// RetentionMinutes is how long terminal jobs stay pollable.
	RetentionMinutes int `mapstructure:"retention_minutes"`
	// SweepSeconds is the janitor sweep interval.
	SweepSeconds int `mapstructure:"sweep_seconds"`
}

// CrawlerConfig configures the external crawl command and the request
// defaults applied when a submission omits a field.
type CrawlerConfig struct {
	Command           string  `mapstructure:"command"`
	WorkdirRoot       string  `mapstructure:"workdir_root"`
	MaxPagesDefault   int     `mapstructure:"max_pages_default"`
	RateLimitDefault  float64 `mapstructure:"rate_limit_default"`
	TimeoutDefault    int     `mapstructure:"timeout_default"`
	ModelDefault      string  `mapstructure:"model_default"`
	// APIKey is the default LLM key used when requests do not carry one;
	// usually sourced from SCHEMAGEN_CRAWLER_API_KEY.
	APIKey string `mapstructure:"api_key"`
}

// StorageConfig selects and parameterizes the artifact store.
type StorageConfig struct {
	// Provider is one of memory, local, gcs.
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for terminal-state notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEMAGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("jobs.max_concurrent", 0)
	v.SetDefault("jobs.timeout_seconds", 0)
	v.SetDefault("jobs.retention_minutes", 60)
	v.SetDefault("jobs.sweep_seconds", 60)
	v.SetDefault("crawler.command", "schema-crawler")
	v.SetDefault("crawler.max_pages_default", 500)
	v.SetDefault("crawler.rate_limit_default", 0.5)
	v.SetDefault("crawler.timeout_default", 20)
	v.SetDefault("crawler.model_default", "gpt-4o")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "/var/lib/schemagend/artifacts")
	v.SetDefault("storage.prefix", "artifacts")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must be >= 0")
	}
	if c.Jobs.RetentionMinutes <= 0 {
		return fmt.Errorf("jobs.retention_minutes must be > 0")
	}
	if c.Jobs.SweepSeconds <= 0 {
		return fmt.Errorf("jobs.sweep_seconds must be > 0")
	}
	if c.Crawler.Command == "" {
		return fmt.Errorf("crawler.command must be set")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	return nil
}

// JobTimeout converts the configured per-job deadline into a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// Retention converts the retention window into a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionMinutes) * time.Minute
}

// SweepInterval converts the janitor interval into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Jobs.SweepSeconds) * time.Second
}
