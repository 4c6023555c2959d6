package errortracking

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryProvider implements the Provider interface using Sentry
type SentryProvider struct {
	hub *sentry.Hub
}

// SentryConfig holds the configuration for Sentry
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	Debug            bool
	SampleRate       float64
	TracesSampleRate float64

	// InstanceID tags every report with the outbox instance that raised
	// it, so events from competing consumers can be told apart.
	InstanceID string
}

// dispatchTagKeys are the extra fields promoted to Sentry tags so the
// UI can facet dispatch failures by them. event_id stays in Extra: it
// is unique per event and would explode tag cardinality.
var dispatchTagKeys = []string{"component", "event_type", "adapter"}

// NewSentryProvider creates a new Sentry provider
func NewSentryProvider(config SentryConfig) (*SentryProvider, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      config.Environment,
		Release:          config.Release,
		Debug:            config.Debug,
		AttachStacktrace: true,
		SampleRate:       config.SampleRate,
		TracesSampleRate: config.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	hub := sentry.CurrentHub()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "outbox")
		if config.InstanceID != "" {
			scope.SetTag("outbox_instance", config.InstanceID)
		}
	})

	return &SentryProvider{hub: hub}, nil
}

// applyDispatchContext attaches the extra fields to the event and
// promotes the dispatch dimensions to tags.
func applyDispatchContext(event *sentry.Event, extra map[string]interface{}) {
	if extra == nil {
		return
	}
	event.Extra = extra
	for _, key := range dispatchTagKeys {
		value, ok := extra[key].(string)
		if !ok || value == "" {
			continue
		}
		if event.Tags == nil {
			event.Tags = make(map[string]string)
		}
		event.Tags[key] = value
	}
}

// CaptureError captures an error with the given severity and additional context
func (s *SentryProvider) CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{}) {
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = s.hub
	}

	event := sentry.NewEvent()
	event.Level = s.convertSeverity(severity)
	event.Message = err.Error()
	event.Exception = []sentry.Exception{
		{
			Value:      err.Error(),
			Type:       fmt.Sprintf("%T", err),
			Stacktrace: sentry.ExtractStacktrace(err),
		},
	}

	applyDispatchContext(event, extra)
	hub.CaptureEvent(event)
}

// CaptureMessage captures a message with the given severity and additional context
func (s *SentryProvider) CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{}) {
	if message == "" {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = s.hub
	}

	event := sentry.NewEvent()
	event.Level = s.convertSeverity(severity)
	event.Message = message

	applyDispatchContext(event, extra)
	hub.CaptureEvent(event)
}

// CapturePanic captures a panic with stack trace
func (s *SentryProvider) CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{}) {
	if recovered == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = s.hub
	}

	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = fmt.Sprintf("Panic: %v", recovered)
	event.Exception = []sentry.Exception{
		{
			Value: fmt.Sprintf("%v", recovered),
			Type:  "panic",
		},
	}

	applyDispatchContext(event, extra)
	if stackTrace != nil {
		if event.Extra == nil {
			event.Extra = make(map[string]interface{})
		}
		event.Extra["stack_trace"] = string(stackTrace)
	}

	hub.CaptureEvent(event)
}

// Flush waits for all events to be sent (useful for graceful shutdown)
func (s *SentryProvider) Flush(timeout int) bool {
	return sentry.Flush(time.Duration(timeout) * time.Second)
}

// Close closes the provider and releases resources
func (s *SentryProvider) Close() error {
	sentry.Flush(2 * time.Second)
	return nil
}

// convertSeverity converts our Severity to Sentry's Level
func (s *SentryProvider) convertSeverity(severity Severity) sentry.Level {
	switch severity {
	case SeverityError:
		return sentry.LevelError
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityInfo:
		return sentry.LevelInfo
	case SeverityDebug:
		return sentry.LevelDebug
	default:
		return sentry.LevelError
	}
}
