package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProvider implements the Provider interface using Prometheus
type PrometheusProvider struct {
	eventsPublished *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	claimBatchSize  *prometheus.HistogramVec
	pollErrors      *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// NewPrometheusProvider creates a new Prometheus metrics provider.
// A nil config uses the defaults.
func NewPrometheusProvider(config *Config) *PrometheusProvider {
	if config == nil {
		config = DefaultConfig()
	}
	config.ApplyDefaults()

	return &PrometheusProvider{
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "outbox_events_published_total",
				Help:      "Total number of events accepted for delivery",
			},
			[]string{"adapter", "event_type"},
		),
		eventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "outbox_events_processed_total",
				Help:      "Total number of dispatch outcomes by status",
			},
			[]string{"adapter", "event_type", "status"},
		),
		processDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "outbox_event_process_duration_seconds",
				Help:      "Event dispatch duration in seconds",
				Buckets:   config.ProcessDurationBuckets,
			},
			[]string{"adapter", "event_type"},
		),
		claimBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "outbox_claim_batch_size",
				Help:      "Number of events claimed per poll",
				Buckets:   config.ClaimBatchBuckets,
			},
			[]string{"adapter"},
		),
		pollErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "outbox_poll_errors_total",
				Help:      "Total number of polling-loop failures",
			},
			[]string{"adapter"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "outbox_queue_depth",
				Help:      "Current number of pending events",
			},
			[]string{"adapter"},
		),
	}
}

// RecordEventPublished implements Provider interface
func (p *PrometheusProvider) RecordEventPublished(adapter, eventType string) {
	p.eventsPublished.WithLabelValues(adapter, eventType).Inc()
}

// RecordEventProcessed implements Provider interface
func (p *PrometheusProvider) RecordEventProcessed(adapter, eventType, status string, duration time.Duration) {
	p.eventsProcessed.WithLabelValues(adapter, eventType, status).Inc()
	p.processDuration.WithLabelValues(adapter, eventType).Observe(duration.Seconds())
}

// RecordClaimBatch implements Provider interface
func (p *PrometheusProvider) RecordClaimBatch(adapter string, size int) {
	p.claimBatchSize.WithLabelValues(adapter).Observe(float64(size))
}

// RecordPollError implements Provider interface
func (p *PrometheusProvider) RecordPollError(adapter string) {
	p.pollErrors.WithLabelValues(adapter).Inc()
}

// UpdateQueueDepth implements Provider interface
func (p *PrometheusProvider) UpdateQueueDepth(adapter string, depth int64) {
	p.queueDepth.WithLabelValues(adapter).Set(float64(depth))
}

// Handler implements Provider interface
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.Handler()
}
