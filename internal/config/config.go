// Package config provides configuration loading and management for the dealer sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dealgate/dealer-sync-server/internal/telemetry"
)

const (
	// DefaultLockTTL is the initial lease duration for the per-process-type sync lock
	DefaultLockTTL = 2 * time.Minute

	// DefaultLockRenewInterval is how often a running job renews its lock lease.
	// Must be comfortably below DefaultLockTTL so a missed beat does not lose the lock.
	DefaultLockRenewInterval = 45 * time.Second

	// DefaultJobPollInterval is how often the background worker polls for queued jobs
	DefaultJobPollInterval = 2 * time.Second

	// DefaultJobVisibilityTimeout is how long a picked job may run before the
	// worker considers it abandoned and re-queues it
	DefaultJobVisibilityTimeout = 15 * time.Minute

	// DefaultFanoutParallelism is the worker-pool size for per-dealer notification
	DefaultFanoutParallelism = 8

	// DefaultNotifyTimeout is the per-dealer webhook call timeout
	DefaultNotifyTimeout = 15 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Database  *DatabaseConfig   `yaml:"database"`
	Redis     *RedisConfig      `yaml:"redis"`
	Sync      *SyncConfig       `yaml:"sync"`
	Webhook   *WebhookConfig    `yaml:"webhook,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments; the file
	// should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from DEALER_SYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("DEALER_SYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or DEALER_SYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// RedisConfig defines the connection settings for the lock backend
type RedisConfig struct {
	// Address is the Redis server address in host:port form
	Address string `yaml:"address"`

	// PasswordFile is the path to a file containing the Redis password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// DB is the Redis logical database number
	DB int `yaml:"db,omitempty"`
}

// GetPassword returns the Redis password, preferring PasswordFile over the
// DEALER_SYNC_REDIS_PASSWORD environment variable. An empty result is valid:
// unauthenticated Redis is common in development.
func (r *RedisConfig) GetPassword() (string, error) {
	if r.PasswordFile != "" {
		cleanPath := filepath.Clean(r.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", r.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	return os.Getenv("DEALER_SYNC_REDIS_PASSWORD"), nil
}

// SyncConfig defines the batch synchronization settings
type SyncConfig struct {
	// ProcessTypes is the set of synchronization process types this server
	// can actually run. Requests for anything else are rejected up front.
	ProcessTypes []string `yaml:"processTypes"`

	// PlannedProcessTypes lists process types that are recognized but not yet
	// implemented. They appear in error payloads so callers can tell a typo
	// from a not-yet-available feed.
	PlannedProcessTypes []string `yaml:"plannedProcessTypes,omitempty"`

	// LockTTL is the initial lease duration for the per-process-type lock (e.g. "2m")
	LockTTL string `yaml:"lockTTL,omitempty"`

	// LockRenewInterval is how often a running job renews its lock lease (e.g. "45s")
	LockRenewInterval string `yaml:"lockRenewInterval,omitempty"`

	// JobPollInterval is the background worker's queue poll interval (e.g. "2s")
	JobPollInterval string `yaml:"jobPollInterval,omitempty"`

	// JobVisibilityTimeout bounds how long a picked job can run before being
	// re-queued as abandoned (e.g. "15m")
	JobVisibilityTimeout string `yaml:"jobVisibilityTimeout,omitempty"`

	// FanoutParallelism is the worker-pool size for per-dealer notification
	FanoutParallelism int `yaml:"fanoutParallelism,omitempty"`
}

// GetLockTTL returns the lock TTL, using the default if unset or invalid input
// was already rejected by Validate.
func (s *SyncConfig) GetLockTTL() time.Duration {
	return durationOrDefault(s.LockTTL, DefaultLockTTL)
}

// GetLockRenewInterval returns the lock renewal interval
func (s *SyncConfig) GetLockRenewInterval() time.Duration {
	return durationOrDefault(s.LockRenewInterval, DefaultLockRenewInterval)
}

// GetJobPollInterval returns the queue poll interval
func (s *SyncConfig) GetJobPollInterval() time.Duration {
	return durationOrDefault(s.JobPollInterval, DefaultJobPollInterval)
}

// GetJobVisibilityTimeout returns the job visibility timeout
func (s *SyncConfig) GetJobVisibilityTimeout() time.Duration {
	return durationOrDefault(s.JobVisibilityTimeout, DefaultJobVisibilityTimeout)
}

// GetFanoutParallelism returns the fan-out worker-pool size
func (s *SyncConfig) GetFanoutParallelism() int {
	if s.FanoutParallelism <= 0 {
		return DefaultFanoutParallelism
	}
	return s.FanoutParallelism
}

// WebhookConfig defines the dealer notification client settings
type WebhookConfig struct {
	// RequestTimeout is the per-dealer webhook call timeout (e.g. "15s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// RetryMax is the number of retries per webhook call
	RetryMax int `yaml:"retryMax,omitempty"`
}

// GetRequestTimeout returns the per-call webhook timeout
func (w *WebhookConfig) GetRequestTimeout() time.Duration {
	if w == nil {
		return DefaultNotifyTimeout
	}
	return durationOrDefault(w.RequestTimeout, DefaultNotifyTimeout)
}

// GetRetryMax returns the webhook retry budget
func (w *WebhookConfig) GetRetryMax() int {
	if w == nil || w.RetryMax < 0 {
		return 2
	}
	return w.RetryMax
}

func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database: host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database: port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database: user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database: name is required")
	}

	if c.Redis == nil || c.Redis.Address == "" {
		return fmt.Errorf("redis: address is required (the sync lock backend is not optional)")
	}

	if c.Sync == nil || len(c.Sync.ProcessTypes) == 0 {
		return fmt.Errorf("sync: at least one process type must be configured")
	}
	seen := make(map[string]bool, len(c.Sync.ProcessTypes))
	for i, pt := range c.Sync.ProcessTypes {
		if pt == "" {
			return fmt.Errorf("sync.processTypes[%d]: name is required", i)
		}
		if seen[pt] {
			return fmt.Errorf("sync.processTypes[%d]: duplicate process type '%s'", i, pt)
		}
		seen[pt] = true
	}

	for _, pair := range []struct {
		name  string
		value string
	}{
		{"sync.lockTTL", c.Sync.LockTTL},
		{"sync.lockRenewInterval", c.Sync.LockRenewInterval},
		{"sync.jobPollInterval", c.Sync.JobPollInterval},
		{"sync.jobVisibilityTimeout", c.Sync.JobVisibilityTimeout},
	} {
		if pair.value == "" {
			continue
		}
		if _, err := time.ParseDuration(pair.value); err != nil {
			return fmt.Errorf("%s: invalid duration '%s': %w", pair.name, pair.value, err)
		}
	}

	if c.Sync.GetLockRenewInterval() >= c.Sync.GetLockTTL() {
		return fmt.Errorf("sync: lockRenewInterval (%s) must be shorter than lockTTL (%s)",
			c.Sync.GetLockRenewInterval(), c.Sync.GetLockTTL())
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
