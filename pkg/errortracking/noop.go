package errortracking

import "context"

// NoOpProvider discards every report. It stands in when no DSN is
// configured so callers never have to nil-check the provider.
type NoOpProvider struct{}

// NewNoOpProvider creates a new NoOp provider
func NewNoOpProvider() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{}) {
}

func (n *NoOpProvider) CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{}) {
}

func (n *NoOpProvider) CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{}) {
}

// Flush reports success immediately; there is nothing buffered.
func (n *NoOpProvider) Flush(timeout int) bool {
	return true
}

func (n *NoOpProvider) Close() error {
	return nil
}
