package errortracking

import (
	"context"
)

// Severity represents the severity level of a report
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Provider is the sink for dispatch failures, dead-letterings and
// recovered handler panics. The bus and adapters report through the
// helpers in events.go rather than calling the provider directly.
type Provider interface {
	// CaptureError reports an error with the given severity. extra
	// carries the dispatch context (event_id, event_type, retry_count).
	CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{})

	// CaptureMessage reports a message with the given severity
	CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{})

	// CapturePanic reports a recovered handler panic with its stack trace
	CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{})

	// Flush waits up to timeout seconds for buffered reports to be sent.
	// Called on graceful shutdown, after the pollers have stopped.
	Flush(timeout int) bool

	// Close releases the provider's resources
	Close() error
}
