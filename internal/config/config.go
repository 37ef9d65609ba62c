// Package config is the root configuration for the worker, loaded through
// viper from file, environment and flags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the entire worker.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	API      APIConfig      `mapstructure:"api"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Lock     LockConfig     `mapstructure:"lock"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Host     HostConfig     `mapstructure:"host"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Format      string `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// WorkerConfig holds the broker-level protocol settings.
type WorkerConfig struct {
	// Version is compared against the version field of every inbound
	// message; a mismatch triggers a worker reload rather than an error.
	Version string `mapstructure:"version"`
	// TrustedOrigin is enforced for credential-bearing message types.
	TrustedOrigin string `mapstructure:"trusted_origin"`
}

// APIConfig holds settings for the backend API client.
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UseHTTP3        bool          `mapstructure:"use_http3"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
}

// PostgresConfig holds settings for the durable storage backend.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// LockConfig holds the inactivity-lock and session-resume tuning.
type LockConfig struct {
	// DefaultTTL applies when the server reports a registered lock
	// without a TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// ExtendRatio is the fraction of the TTL that must elapse before an
	// activity probe extends the lock server-side.
	ExtendRatio float64 `mapstructure:"extend_ratio"`
	// ResumeRetryTimeout is the base delay between resume retries; the
	// effective delay grows along the Fibonacci sequence.
	ResumeRetryTimeout time.Duration `mapstructure:"resume_retry_timeout"`
	MaxResumeRetries   int           `mapstructure:"max_resume_retries"`
}

// TrackerConfig holds the form/request correlation heuristics. These are
// empirically tuned values, deliberately configurable rather than fixed.
type TrackerConfig struct {
	// SubmitWindow bounds how recently a form must have been submitted
	// for an outgoing request to be correlated with it.
	SubmitWindow time.Duration `mapstructure:"submit_window"`
	// IdleQuiet is the debounce window before a tab with zero
	// outstanding requests is reported idle.
	IdleQuiet time.Duration `mapstructure:"idle_quiet"`
	// Retention is the ceiling past which tracked requests are
	// garbage-collected.
	Retention  time.Duration `mapstructure:"retention"`
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// HostConfig holds settings for the host-platform adapters.
type HostConfig struct {
	// ListenAddr is the local websocket gateway clients connect through.
	ListenAddr string `mapstructure:"listen_addr"`
	// DevtoolsURL, when set, attaches the CDP event source to a running
	// browser for navigation/network lifecycle events.
	DevtoolsURL string `mapstructure:"devtools_url"`
}

// SetDefaults registers defaults so the worker can run with a minimal
// config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "kestrel")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("worker.version", "1.0.0")

	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("lock.default_ttl", 10*time.Minute)
	v.SetDefault("lock.extend_ratio", 0.5)
	v.SetDefault("lock.resume_retry_timeout", 8*time.Second)
	v.SetDefault("lock.max_resume_retries", 5)

	v.SetDefault("tracker.submit_window", 500*time.Millisecond)
	v.SetDefault("tracker.idle_quiet", 500*time.Millisecond)
	v.SetDefault("tracker.retention", 2*time.Minute)
	v.SetDefault("tracker.gc_interval", time.Minute)

	v.SetDefault("host.listen_addr", "127.0.0.1:7766")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Version == "" {
		return fmt.Errorf("worker.version must be set")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.Lock.ExtendRatio <= 0 || c.Lock.ExtendRatio > 1 {
		return fmt.Errorf("lock.extend_ratio must be in (0, 1], got %v", c.Lock.ExtendRatio)
	}
	if c.Tracker.SubmitWindow <= 0 {
		return fmt.Errorf("tracker.submit_window must be positive")
	}
	if c.Tracker.IdleQuiet <= 0 {
		return fmt.Errorf("tracker.idle_quiet must be positive")
	}
	if c.Tracker.Retention < c.Tracker.SubmitWindow {
		return fmt.Errorf("tracker.retention must be at least the submit window")
	}
	return nil
}

// Load unmarshals the viper state into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}
