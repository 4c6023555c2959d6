package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Manager handles configuration loading from multiple sources
type Manager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager with defaults
func NewManager() *Manager {
	v := viper.New()

	// Set configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/outboxspec")
	v.AddConfigPath("$HOME/.outboxspec")

	// Enable environment variable support
	v.SetEnvPrefix("OUTBOXSPEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	return &Manager{v: v}
}

// NewManagerWithOptions creates a new configuration manager with custom options
func NewManagerWithOptions(opts ...Option) *Manager {
	m := NewManager()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithConfigFile sets a specific config file path
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.v.SetConfigFile(path)
	}
}

// WithConfigName sets the config file name (without extension)
func WithConfigName(name string) Option {
	return func(m *Manager) {
		m.v.SetConfigName(name)
	}
}

// WithConfigPath adds a path to search for config files
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.v.AddConfigPath(path)
	}
}

// WithEnvPrefix sets the environment variable prefix
func WithEnvPrefix(prefix string) Option {
	return func(m *Manager) {
		m.v.SetEnvPrefix(prefix)
	}
}

// Load attempts to load configuration from file and environment
func (m *Manager) Load() error {
	// Try to read config file (not an error if it doesn't exist)
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; will rely on defaults and env vars
	}

	return nil
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns a configuration value by key
func (m *Manager) Get(key string) interface{} {
	return m.v.Get(key)
}

// GetString returns a string configuration value
func (m *Manager) GetString(key string) string {
	return m.v.GetString(key)
}

// GetInt returns an int configuration value
func (m *Manager) GetInt(key string) int {
	return m.v.GetInt(key)
}

// GetBool returns a bool configuration value
func (m *Manager) GetBool(key string) bool {
	return m.v.GetBool(key)
}

// Set sets a configuration value
func (m *Manager) Set(key string, value interface{}) {
	m.v.Set(key, value)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Logger defaults
	v.SetDefault("logger.dev", false)
	v.SetDefault("logger.path", "")

	// Error tracking defaults
	v.SetDefault("error_tracking.enabled", false)
	v.SetDefault("error_tracking.provider", "noop")
	v.SetDefault("error_tracking.sample_rate", 1.0)
	v.SetDefault("error_tracking.traces_sample_rate", 0.0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.provider", "prometheus")
	v.SetDefault("metrics.namespace", "")
	v.SetDefault("metrics.addr", ":9100")

	// Outbox defaults
	v.SetDefault("outbox.adapter", "memory")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.processing_timeout", "30s")
	v.SetDefault("outbox.max_error_backoff", "30s")
	v.SetDefault("outbox.instance_id", "")

	// Outbox - Retry Policy defaults
	v.SetDefault("outbox.retry_policy.base_backoff", "1s")
	v.SetDefault("outbox.retry_policy.max_backoff", "30s")
	v.SetDefault("outbox.retry_policy.jitter", false)

	// Outbox - SQL defaults
	v.SetDefault("outbox.sql.dsn", "")
	v.SetDefault("outbox.sql.table", "outbox_events")
	v.SetDefault("outbox.sql.archive_completed", false)
	v.SetDefault("outbox.sql.archive_table", "")

	// Outbox - Redis defaults
	v.SetDefault("outbox.redis.host", "localhost")
	v.SetDefault("outbox.redis.port", 6379)
	v.SetDefault("outbox.redis.password", "")
	v.SetDefault("outbox.redis.db", 0)
	v.SetDefault("outbox.redis.key_prefix", "outbox")

	// Outbox - Mongo defaults
	v.SetDefault("outbox.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("outbox.mongo.database", "outbox")
	v.SetDefault("outbox.mongo.collection", "outbox_events")

	// Publisher defaults
	v.SetDefault("publisher.enabled", false)
	v.SetDefault("publisher.nats_url", "nats://localhost:4222")
	v.SetDefault("publisher.subject_prefix", "outbox")
	v.SetDefault("publisher.event_types", []string{})
	v.SetDefault("publisher.buffer_size", 1024)
	v.SetDefault("publisher.batch_size", 50)
	v.SetDefault("publisher.flush_interval", "100ms")
	v.SetDefault("publisher.max_attempts", 3)
}
