package errortracking

import "context"

// CaptureDispatchFailure reports a failed event dispatch with the event
// identity attached, so occurrences group by event type in the tracker.
func CaptureDispatchFailure(ctx context.Context, provider Provider, err error, eventID, eventType string, retryCount int) {
	if provider == nil || err == nil {
		return
	}
	provider.CaptureError(ctx, err, SeverityError, map[string]interface{}{
		"component":   "outbox",
		"event_id":    eventID,
		"event_type":  eventType,
		"retry_count": retryCount,
	})
}
