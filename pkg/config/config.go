package config

import "time"

// Config represents the complete application configuration
type Config struct {
	Logger        LoggerConfig        `mapstructure:"logger"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Outbox        OutboxConfig        `mapstructure:"outbox"`
	Publisher     PublisherConfig     `mapstructure:"publisher"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Dev  bool   `mapstructure:"dev"`
	Path string `mapstructure:"path"`
}

// ErrorTrackingConfig holds error tracking configuration
type ErrorTrackingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Provider         string  `mapstructure:"provider"`           // sentry, noop
	DSN              string  `mapstructure:"dsn"`                // Sentry DSN
	Environment      string  `mapstructure:"environment"`        // e.g., production, staging, development
	Release          string  `mapstructure:"release"`            // Application version/release
	Debug            bool    `mapstructure:"debug"`              // Enable debug mode
	SampleRate       float64 `mapstructure:"sample_rate"`        // Error sample rate (0.0-1.0)
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"` // Traces sample rate (0.0-1.0)
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"` // prometheus, noop
	Namespace string `mapstructure:"namespace"`
	Addr      string `mapstructure:"addr"` // metrics endpoint listen address
}

// OutboxConfig contains configuration for the outbox event bus
type OutboxConfig struct {
	Adapter           string            `mapstructure:"adapter"` // memory, sql, redis, mongo
	BatchSize         int               `mapstructure:"batch_size"`
	PollInterval      time.Duration     `mapstructure:"poll_interval"`
	MaxRetries        int               `mapstructure:"max_retries"`
	ProcessingTimeout time.Duration     `mapstructure:"processing_timeout"`
	MaxErrorBackoff   time.Duration     `mapstructure:"max_error_backoff"`
	InstanceID        string            `mapstructure:"instance_id"`
	RetryPolicy       RetryPolicyConfig `mapstructure:"retry_policy"`
	SQL               SQLConfig         `mapstructure:"sql"`
	Redis             RedisConfig       `mapstructure:"redis"`
	Mongo             MongoConfig       `mapstructure:"mongo"`
}

// RetryPolicyConfig contains retry backoff configuration
type RetryPolicyConfig struct {
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Jitter      bool          `mapstructure:"jitter"`
}

// SQLConfig contains SQL adapter configuration
type SQLConfig struct {
	DSN              string `mapstructure:"dsn"`
	Table            string `mapstructure:"table"`
	ArchiveCompleted bool   `mapstructure:"archive_completed"`
	ArchiveTable     string `mapstructure:"archive_table"`
}

// RedisConfig contains Redis adapter configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MongoConfig contains MongoDB adapter configuration
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// PublisherConfig contains broker-forwarding configuration
type PublisherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	NATSURL       string        `mapstructure:"nats_url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	EventTypes    []string      `mapstructure:"event_types"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}
