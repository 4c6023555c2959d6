package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager()
	require.NotNil(t, mgr)
	require.NotNil(t, mgr.v)
}

func TestDefaultValues(t *testing.T) {
	mgr := NewManager()
	require.NoError(t, mgr.Load())

	cfg, err := mgr.GetConfig()
	require.NoError(t, err)

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"outbox.adapter", cfg.Outbox.Adapter, "memory"},
		{"outbox.batch_size", cfg.Outbox.BatchSize, 50},
		{"outbox.poll_interval", cfg.Outbox.PollInterval, 1 * time.Second},
		{"outbox.max_retries", cfg.Outbox.MaxRetries, 5},
		{"outbox.processing_timeout", cfg.Outbox.ProcessingTimeout, 30 * time.Second},
		{"outbox.retry_policy.base_backoff", cfg.Outbox.RetryPolicy.BaseBackoff, 1 * time.Second},
		{"outbox.retry_policy.max_backoff", cfg.Outbox.RetryPolicy.MaxBackoff, 30 * time.Second},
		{"outbox.sql.table", cfg.Outbox.SQL.Table, "outbox_events"},
		{"outbox.redis.host", cfg.Outbox.Redis.Host, "localhost"},
		{"outbox.redis.port", cfg.Outbox.Redis.Port, 6379},
		{"logger.dev", cfg.Logger.Dev, false},
		{"publisher.subject_prefix", cfg.Publisher.SubjectPrefix, "outbox"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	os.Setenv("OUTBOXSPEC_OUTBOX_ADAPTER", "redis")
	os.Setenv("OUTBOXSPEC_OUTBOX_BATCH_SIZE", "25")
	os.Setenv("OUTBOXSPEC_LOGGER_DEV", "true")
	os.Setenv("OUTBOXSPEC_PUBLISHER_ENABLED", "true")
	defer func() {
		os.Unsetenv("OUTBOXSPEC_OUTBOX_ADAPTER")
		os.Unsetenv("OUTBOXSPEC_OUTBOX_BATCH_SIZE")
		os.Unsetenv("OUTBOXSPEC_LOGGER_DEV")
		os.Unsetenv("OUTBOXSPEC_PUBLISHER_ENABLED")
	}()

	mgr := NewManager()
	require.NoError(t, mgr.Load())

	cfg, err := mgr.GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Outbox.Adapter)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.True(t, cfg.Logger.Dev)
	assert.True(t, cfg.Publisher.Enabled)
}

func TestProgrammaticConfiguration(t *testing.T) {
	mgr := NewManager()
	mgr.Set("outbox.adapter", "sql")
	mgr.Set("outbox.sql.table", "billing_outbox")

	cfg, err := mgr.GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "sql", cfg.Outbox.Adapter)
	assert.Equal(t, "billing_outbox", cfg.Outbox.SQL.Table)
}

func TestGetterMethods(t *testing.T) {
	mgr := NewManager()
	mgr.Set("test.string", "value")
	mgr.Set("test.int", 42)
	mgr.Set("test.bool", true)

	assert.Equal(t, "value", mgr.GetString("test.string"))
	assert.Equal(t, 42, mgr.GetInt("test.int"))
	assert.True(t, mgr.GetBool("test.bool"))
}

func TestWithOptions(t *testing.T) {
	mgr := NewManagerWithOptions(
		WithEnvPrefix("MYAPP"),
		WithConfigName("myconfig"),
	)
	require.NotNil(t, mgr)

	os.Setenv("MYAPP_OUTBOX_ADAPTER", "mongo")
	defer os.Unsetenv("MYAPP_OUTBOX_ADAPTER")

	require.NoError(t, mgr.Load())

	cfg, err := mgr.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Outbox.Adapter)
}
