// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Auth         AuthConfig        `mapstructure:"auth"`
	Queue        QueueConfig       `mapstructure:"queue"`
	Cache        CacheConfig       `mapstructure:"cache"`
	Workers      WorkerConfig      `mapstructure:"workers"`
	RateLimit    RateLimitConfig   `mapstructure:"ratelimit"`
	Fetch        FetchConfig       `mapstructure:"fetch"`
	Archive      ArchiveConfig     `mapstructure:"archive"`
	Publisher    PublisherConfig   `mapstructure:"publisher"`
	Marketplaces map[string]string `mapstructure:"marketplaces"`
	Logging      LoggingConfig     `mapstructure:"logging"`
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

// QueueConfig selects and tunes the durable job store.
type QueueConfig struct {
	Backend             string `mapstructure:"backend"`
	Path                string `mapstructure:"path"`
	DSN                 string `mapstructure:"dsn"`
	MaxRetries          int    `mapstructure:"max_retries"`
	BackoffBaseMs       int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
	StaleTimeoutSeconds int    `mapstructure:"stale_timeout_seconds"`
}

// CacheConfig tunes result memoization.
type CacheConfig struct {
	DefaultTTLSeconds    int            `mapstructure:"default_ttl_seconds"`
	TTLSecondsByKind     map[string]int `mapstructure:"ttl_seconds_by_kind"`
	SweepIntervalSeconds int            `mapstructure:"sweep_interval_seconds"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Count                  int `mapstructure:"count"`
	PollIntervalMs         int `mapstructure:"poll_interval_ms"`
	ReclaimIntervalSeconds int `mapstructure:"reclaim_interval_seconds"`
}

// TargetLimit overrides the rate limit for one target host.
type TargetLimit struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// RateLimitConfig configures per-target request budgets.
type RateLimitConfig struct {
	WindowSeconds int                    `mapstructure:"window_seconds"`
	MaxRequests   int                    `mapstructure:"max_requests"`
	PerTarget     map[string]TargetLimit `mapstructure:"per_target"`
}

// FetchConfig configures the HTTP fetch client.
type FetchConfig struct {
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxAttempts      int      `mapstructure:"max_attempts"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	UserAgents       []string `mapstructure:"user_agents"`
}

// ArchiveConfig sets the raw-artifact store.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig holds metadata for terminal-event notifications.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NKLYTICS")
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
	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.path", "nklytics.db")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 300000)
	v.SetDefault("queue.stale_timeout_seconds", 300)
	v.SetDefault("cache.default_ttl_seconds", 21600)
	v.SetDefault("cache.ttl_seconds_by_kind", map[string]int{
		"keyword-lookup":  21600,
		"product-lookup":  86400,
		"category-lookup": 86400,
		"review-lookup":   43200,
	})
	v.SetDefault("cache.sweep_interval_seconds", 600)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll_interval_ms", 1000)
	v.SetDefault("workers.reclaim_interval_seconds", 60)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.max_requests", 10)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	})
	v.SetDefault("archive.provider", "local")
	v.SetDefault("archive.base_dir", "artifacts")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("publisher.topic_name", "extraction-events")
	v.SetDefault("marketplaces", map[string]string{
		"US": "www.amazon.com",
		"UK": "www.amazon.co.uk",
		"DE": "www.amazon.de",
		"FR": "www.amazon.fr",
		"IT": "www.amazon.it",
		"ES": "www.amazon.es",
		"CA": "www.amazon.ca",
		"JP": "www.amazon.co.jp",
		"AU": "www.amazon.com.au",
		"IN": "www.amazon.in",
	})
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "sqlite":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.window_seconds and ratelimit.max_requests must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.TopicName == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic_name must be set for pubsub")
	}
	if len(c.Marketplaces) == 0 {
		return fmt.Errorf("at least one marketplace mapping is required")
	}
	return nil
}

// PollInterval returns the worker idle poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Workers.PollIntervalMs) * time.Millisecond
}

// StaleTimeout returns how long a processing job may go unattended before it
// is presumed abandoned by a crashed worker.
func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.Queue.StaleTimeoutSeconds) * time.Second
}

// RetryBackoffBase returns the queue-level backoff base delay.
func (c Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseMs) * time.Millisecond
}

// TTLFor returns the cache TTL for a job kind.
func (c Config) TTLFor(kind string) time.Duration {
	if secs, ok := c.Cache.TTLSecondsByKind[kind]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Cache.DefaultTTLSeconds) * time.Second
}
