// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scopus    ScopusConfig    `mapstructure:"scopus"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Retention RetentionConfig `mapstructure:"retention"`
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

// LoggingConfig toggles zap development features and optional file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// ScopusConfig describes the upstream API client.
type ScopusConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	InstToken         string  `mapstructure:"inst_token"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	PageSize          int     `mapstructure:"page_size"`
}

// CrawlerConfig governs workers and the per-category pagination loop.
type CrawlerConfig struct {
	Concurrency       int      `mapstructure:"concurrency"`
	QueueDepth        int      `mapstructure:"queue_depth"`
	RetryPauseSeconds int      `mapstructure:"retry_pause_seconds"`
	MaxPages          int      `mapstructure:"max_pages"`
	JobTimeoutMinutes int      `mapstructure:"job_timeout_minutes"`
	CancelPollMs      int      `mapstructure:"cancel_poll_ms"`
	HeartbeatSeconds  int      `mapstructure:"heartbeat_seconds"`
	PriorityCategory  string   `mapstructure:"priority_category"`
	ExcludeDocTypes   []string `mapstructure:"exclude_doc_types"`
}

// QueueConfig selects the job queue transport.
type QueueConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// LeaseSeconds bounds how long a claimed job survives without a worker
	// heartbeat before the queue fails it.
	LeaseSeconds int `mapstructure:"lease_seconds"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where reports and import files live.
type StorageConfig struct {
	Backend      string      `mapstructure:"backend"`
	Bucket       string      `mapstructure:"bucket"`
	ReportPrefix string      `mapstructure:"report_prefix"`
	Local        LocalConfig `mapstructure:"local"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
	Batch         BatchConfig `mapstructure:"batch"`
}

// BatchConfig controls hub flush thresholds.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// RetentionConfig drives the stale search sweeper.
type RetentionConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	StaleHours      int  `mapstructure:"stale_hours"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path look in the usual places; defaults and
		// environment variables are enough when nothing is found.
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scopus-crawler/")
		v.AddConfigPath("$HOME/.scopus-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
	v.SetDefault("scopus.base_url", "http://api.elsevier.com")
	v.SetDefault("scopus.api_key", "")
	v.SetDefault("scopus.inst_token", "")
	v.SetDefault("scopus.timeout_seconds", 30)
	v.SetDefault("scopus.requests_per_second", 6)
	v.SetDefault("scopus.burst", 1)
	v.SetDefault("scopus.page_size", 200)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.retry_pause_seconds", 60)
	v.SetDefault("crawler.max_pages", 1000)
	v.SetDefault("crawler.job_timeout_minutes", 24*60)
	v.SetDefault("crawler.cancel_poll_ms", 2000)
	v.SetDefault("crawler.heartbeat_seconds", 30)
	v.SetDefault("crawler.priority_category", "MULT")
	v.SetDefault("crawler.exclude_doc_types", []string{"bk", "ch", "ed", "er", "le", "no", "pr", "re", "sh"})
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.key_prefix", "scopus")
	v.SetDefault("queue.lease_seconds", 120)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.report_prefix", "reports")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.stale_hours", 24)
	v.SetDefault("retention.interval_minutes", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scopus.BaseURL == "" {
		return fmt.Errorf("scopus.base_url is required")
	}
	if c.Scopus.TimeoutSeconds <= 0 {
		return fmt.Errorf("scopus.timeout_seconds must be > 0")
	}
	if c.Scopus.PageSize <= 0 || c.Scopus.PageSize > 200 {
		return fmt.Errorf("scopus.page_size must be between 1 and 200")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RetryPauseSeconds < 0 {
		return fmt.Errorf("crawler.retry_pause_seconds must be >= 0")
	}
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	switch c.Queue.Backend {
	case "memory", "":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be set when queue.backend is redis")
		}
		if c.Crawler.HeartbeatSeconds <= 0 || c.Crawler.HeartbeatSeconds >= c.Queue.LeaseSeconds {
			return fmt.Errorf("crawler.heartbeat_seconds must be > 0 and below queue.lease_seconds")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case "memory", "", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Retention.Enabled && c.Retention.StaleHours <= 0 {
		return fmt.Errorf("retention.stale_hours must be > 0 when retention is enabled")
	}
	return nil
}

// RetryPause converts the retry pause into a duration.
func (c Config) RetryPause() time.Duration {
	return time.Duration(c.Crawler.RetryPauseSeconds) * time.Second
}

// JobTimeout converts the per-job budget into a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Crawler.JobTimeoutMinutes) * time.Minute
}

// RequestTimeout converts the upstream HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scopus.TimeoutSeconds) * time.Second
}

// StaleAfter converts the retention threshold into a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Retention.StaleHours) * time.Hour
}
