package metrics

import (
	"net/http"
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// Provider defines the interface for metric collection
type Provider interface {
	// RecordEventPublished records an event accepted by an adapter
	RecordEventPublished(adapter, eventType string)

	// RecordEventProcessed records a dispatch outcome with its duration
	RecordEventProcessed(adapter, eventType, status string, duration time.Duration)

	// RecordClaimBatch records the size of a claimed batch
	RecordClaimBatch(adapter string, size int)

	// RecordPollError records a polling-loop failure
	RecordPollError(adapter string)

	// UpdateQueueDepth updates the pending-event depth gauge
	UpdateQueueDepth(adapter string, depth int64)

	// Handler returns an HTTP handler for exposing metrics (e.g., /metrics endpoint)
	Handler() http.Handler
}

// globalProvider is the global metrics provider
var globalProvider Provider

// SetProvider sets the global metrics provider
func SetProvider(p Provider) {
	globalProvider = p
}

// GetProvider returns the current metrics provider
func GetProvider() Provider {
	if globalProvider == nil {
		// Return no-op provider if none is set
		return &NoOpProvider{}
	}
	return globalProvider
}

// NoOpProvider is a no-op implementation of Provider
type NoOpProvider struct{}

func (n *NoOpProvider) RecordEventPublished(adapter, eventType string) {}
func (n *NoOpProvider) RecordEventProcessed(adapter, eventType, status string, duration time.Duration) {
}
func (n *NoOpProvider) RecordClaimBatch(adapter string, size int)       {}
func (n *NoOpProvider) RecordPollError(adapter string)                  {}
func (n *NoOpProvider) UpdateQueueDepth(adapter string, depth int64)    {}
func (n *NoOpProvider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Metrics provider not configured"))
		if err != nil {
			logger.Warn("Failed to write. %v", err)
		}
	})
}
