package metrics

// Config holds configuration for the metrics provider
type Config struct {
	// Enabled determines whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled"`

	// Provider specifies which metrics provider to use (prometheus, noop)
	Provider string `mapstructure:"provider"`

	// Namespace is an optional prefix for all metric names
	Namespace string `mapstructure:"namespace"`

	// ProcessDurationBuckets defines histogram buckets for event dispatch
	// duration (in seconds)
	// Default: [0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10]
	ProcessDurationBuckets []float64 `mapstructure:"process_duration_buckets"`

	// ClaimBatchBuckets defines histogram buckets for claimed batch sizes
	// Default: [1, 5, 10, 25, 50, 100]
	ClaimBatchBuckets []float64 `mapstructure:"claim_batch_buckets"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		Provider:               "prometheus",
		ProcessDurationBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ClaimBatchBuckets:      []float64{1, 5, 10, 25, 50, 100},
	}
}

// ApplyDefaults fills in any missing values with defaults
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "prometheus"
	}
	if len(c.ProcessDurationBuckets) == 0 {
		c.ProcessDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
	if len(c.ClaimBatchBuckets) == 0 {
		c.ClaimBatchBuckets = []float64{1, 5, 10, 25, 50, 100}
	}
}
