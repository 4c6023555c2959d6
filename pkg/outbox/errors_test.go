package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestReportEventErrorWhileRetriesRemain(t *testing.T) {
	var got error
	cause := errors.New("boom")
	event := NewEvent("order.created")

	ReportEventError(func(err error) { got = err }, cause, event, 2, 5)

	if got != cause {
		t.Errorf("Expected the raw cause while retries remain, got %v", got)
	}
}

func TestReportEventErrorOnExhaustedBudget(t *testing.T) {
	var got error
	cause := errors.New("boom")
	event := NewEvent("order.created")

	ReportEventError(func(err error) { got = err }, cause, event, 5, 5)

	var maxErr *MaxRetriesExceededError
	if !errors.As(got, &maxErr) {
		t.Fatalf("Expected MaxRetriesExceededError, got %T", got)
	}
	if maxErr.Event.ID != event.ID {
		t.Error("Expected the event attached to the terminal error")
	}
	if !errors.Is(got, cause) {
		t.Error("Expected the terminal error to wrap the cause")
	}
}

func TestReportEventErrorNilCallback(t *testing.T) {
	// Must not panic.
	ReportEventError(nil, errors.New("boom"), NewEvent("a"), 5, 5)
}

func TestFormatErrorMessageFlattensJoins(t *testing.T) {
	err := errors.Join(errors.New("first"), errors.New("second"))
	got := FormatErrorMessage(err)

	if got != "first; second" {
		t.Errorf("Expected joined errors flattened, got %q", got)
	}
}

func TestFormatErrorMessageNil(t *testing.T) {
	if got := FormatErrorMessage(nil); got != "" {
		t.Errorf("Expected empty string for nil error, got %q", got)
	}
}

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&DuplicateListenerError{EventType: "a"}, `listener already registered for event type "a"`},
		{&TimeoutError{EventType: "a", Timeout: time.Second}, `timed out after 1s waiting for event type "a"`},
		{&UnsupportedOperationError{Operation: "retryEvents"}, "adapter does not support retryEvents"},
		{&BatchSizeLimitError{Limit: 100, Attempted: 120}, "batch size limit exceeded: attempted 120 items, limit is 100"},
		{&BackpressureError{}, "publisher backpressure: buffer full"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}
