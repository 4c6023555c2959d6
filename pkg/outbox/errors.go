package outbox

import (
	"fmt"
	"strings"
	"time"
)

// DuplicateListenerError is returned when a second handler is
// registered for an event type that already has one.
type DuplicateListenerError struct {
	EventType string
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("listener already registered for event type %q", e.EventType)
}

// TimeoutError is returned by WaitFor when the deadline expires before
// an event of the requested type arrives.
type TimeoutError struct {
	EventType string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for event type %q", e.Timeout, e.EventType)
}

// UnsupportedOperationError is returned when the configured adapter
// lacks a requested capability.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("adapter does not support %s", e.Operation)
}

// BatchSizeLimitError is returned when a publish would exceed the
// adapter's single-transaction cap.
type BatchSizeLimitError struct {
	Limit     int
	Attempted int
}

func (e *BatchSizeLimitError) Error() string {
	return fmt.Sprintf("batch size limit exceeded: attempted %d items, limit is %d", e.Attempted, e.Limit)
}

// MaxRetriesExceededError is raised exactly once per event, when its
// retry budget is used up and it moves to the dead-letter state.
type MaxRetriesExceededError struct {
	Cause error
	Event *Event
}

func (e *MaxRetriesExceededError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("max retries exceeded for event %s", e.Event.ID)
	}
	return fmt.Sprintf("max retries exceeded for event %s: %v", e.Event.ID, e.Cause)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Cause
}

// BackpressureError is a retriable rejection from a forwarding
// publisher whose buffer can accept no more events. The adapter
// re-queues the event as with any other handler failure.
type BackpressureError struct {
	Reason string
}

func (e *BackpressureError) Error() string {
	if e.Reason == "" {
		return "publisher backpressure: buffer full"
	}
	return fmt.Sprintf("publisher backpressure: %s", e.Reason)
}

// PipelineError reports a middleware programming error, such as
// calling next() twice or returning without calling it.
type PipelineError struct {
	Code    string
	Message string
}

func (e *PipelineError) Error() string {
	return e.Message
}

var (
	errNextCalledTwice = &PipelineError{Code: "next_called_twice", Message: "middleware called next() more than once"}
	errNextNotCalled   = &PipelineError{Code: "next_not_called", Message: "middleware returned without calling next()"}
)

// ReportEventError routes a handler failure to the onError callback:
// the raw cause while retries remain, a MaxRetriesExceededError once
// the budget is exhausted.
func ReportEventError(onError func(error), cause error, event *Event, retryCount, maxRetries int) {
	if onError == nil {
		return
	}
	if retryCount >= maxRetries {
		onError(&MaxRetriesExceededError{Cause: cause, Event: event})
		return
	}
	onError(cause)
}

// FormatErrorMessage flattens an error, including joined and wrapped
// aggregates, into a single string suitable for persistence.
func FormatErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var parts []string
	collectErrorMessages(err, &parts)
	return strings.Join(parts, "; ")
}

func collectErrorMessages(err error, parts *[]string) {
	if err == nil {
		return
	}

	// errors.Join and multi-error aggregates
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, sub := range joined.Unwrap() {
			collectErrorMessages(sub, parts)
		}
		return
	}

	*parts = append(*parts, err.Error())
}
