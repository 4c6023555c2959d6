package outbox

import (
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/metrics"
)

// recordEventsPublished records event publications for an adapter kind
func recordEventsPublished(adapter string, events []*Event) {
	if mp := metrics.GetProvider(); mp != nil {
		for _, e := range events {
			mp.RecordEventPublished(adapter, e.Type)
		}
	}
}

// recordEventProcessed records a settle (completed/retried/failed)
func recordEventProcessed(adapter string, event *Event, status EventStatus, duration time.Duration) {
	if mp := metrics.GetProvider(); mp != nil {
		mp.RecordEventProcessed(adapter, event.Type, string(status), duration)
	}
}

// recordClaimBatch records the size of a claimed batch
func recordClaimBatch(adapter string, size int) {
	if mp := metrics.GetProvider(); mp != nil {
		mp.RecordClaimBatch(adapter, size)
	}
}

// recordPollError records an adapter-level poll failure
func recordPollError(adapter string) {
	if mp := metrics.GetProvider(); mp != nil {
		mp.RecordPollError(adapter)
	}
}

// updateQueueDepth publishes the current pending-event depth
func updateQueueDepth(adapter string, depth int64) {
	if mp := metrics.GetProvider(); mp != nil {
		mp.UpdateQueueDepth(adapter, depth)
	}
}
