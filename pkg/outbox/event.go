package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus represents the current state of a stored event
type EventStatus string

const (
	EventStatusCreated   EventStatus = "created"
	EventStatusActive    EventStatus = "active"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// Event is the immutable record a caller emits on the bus.
// Equality for deduplication is by ID.
type Event struct {
	ID         string            `json:"id" db:"id"`
	Type       string            `json:"type" db:"type"`
	Payload    json.RawMessage   `json:"payload" db:"payload"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// StoredEvent is what an adapter persists: the event plus its
// processing lifecycle.
type StoredEvent struct {
	Event

	Status             EventStatus `json:"status" db:"status"`
	RetryCount         int         `json:"retry_count" db:"retry_count"`
	NextAttemptAt      time.Time   `json:"next_attempt_at" db:"next_attempt_at"`
	VisibilityDeadline *time.Time  `json:"visibility_deadline,omitempty" db:"visibility_deadline"`
	StartedOn          *time.Time  `json:"started_on,omitempty" db:"started_on"`
	CompletedOn        *time.Time  `json:"completed_on,omitempty" db:"completed_on"`
	LastError          string      `json:"last_error,omitempty" db:"last_error"`
	ClaimedBy          string      `json:"claimed_by,omitempty" db:"claimed_by"`
}

// FailedEvent is the operator-facing view of a dead-lettered event.
type FailedEvent struct {
	Event

	RetryCount    int       `json:"retry_count"`
	Error         string    `json:"error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// NewEvent creates a new event of the given type with a fresh ID and
// occurredAt set to now.
func NewEvent(eventType string) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now(),
		Metadata:   make(map[string]string),
	}
}

// Normalize fills in the fields the caller may leave empty: a fresh
// UUID for ID and "now" for OccurredAt.
func (e *Event) Normalize() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
}

// Validate performs basic validation on the event
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

// SetPayload sets the event payload from any value by marshaling to JSON
func (e *Event) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	e.Payload = data
	return nil
}

// GetPayload unmarshals the payload into the provided value
func (e *Event) GetPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// Clone creates a deep copy of the event
func (e *Event) Clone() *Event {
	clone := *e

	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// NewStoredEvent wraps an event for first persistence: status CREATED,
// zero retries, due as soon as it occurred.
func NewStoredEvent(e *Event) *StoredEvent {
	return &StoredEvent{
		Event:         *e.Clone(),
		Status:        EventStatusCreated,
		RetryCount:    0,
		NextAttemptAt: e.OccurredAt,
	}
}

// MarkActive stamps the claim: status ACTIVE with a visibility deadline
// after which the event counts as stuck.
func (s *StoredEvent) MarkActive(now time.Time, processingTimeout time.Duration, claimedBy string) {
	s.Status = EventStatusActive
	s.StartedOn = &now
	deadline := now.Add(processingTimeout)
	s.VisibilityDeadline = &deadline
	s.ClaimedBy = claimedBy
}

// MarkCompleted marks the event as successfully handled.
func (s *StoredEvent) MarkCompleted(now time.Time) {
	s.Status = EventStatusCompleted
	s.CompletedOn = &now
	s.VisibilityDeadline = nil
}

// MarkRetry re-queues the event after a handler failure: back to
// CREATED with an incremented retry counter and a backoff-delayed
// next attempt.
func (s *StoredEvent) MarkRetry(now time.Time, delay time.Duration, handlerErr error) {
	s.Status = EventStatusCreated
	s.RetryCount++
	s.NextAttemptAt = now.Add(delay)
	s.VisibilityDeadline = nil
	s.LastError = FormatErrorMessage(handlerErr)
}

// MarkFailed dead-letters the event.
func (s *StoredEvent) MarkFailed(now time.Time, handlerErr error) {
	s.Status = EventStatusFailed
	s.CompletedOn = &now
	s.VisibilityDeadline = nil
	if handlerErr != nil {
		s.LastError = FormatErrorMessage(handlerErr)
	}
}

// MarkRequeued returns a stuck ACTIVE event to the claimable set
// without touching its retry counter.
func (s *StoredEvent) MarkRequeued(now time.Time) {
	s.Status = EventStatusCreated
	s.NextAttemptAt = now
	s.VisibilityDeadline = nil
	s.ClaimedBy = ""
}

// CloneStored creates a deep copy of the stored event
func (s *StoredEvent) CloneStored() *StoredEvent {
	clone := *s
	clone.Event = *s.Event.Clone()

	if s.VisibilityDeadline != nil {
		t := *s.VisibilityDeadline
		clone.VisibilityDeadline = &t
	}
	if s.StartedOn != nil {
		t := *s.StartedOn
		clone.StartedOn = &t
	}
	if s.CompletedOn != nil {
		t := *s.CompletedOn
		clone.CompletedOn = &t
	}

	return &clone
}

// Failed converts the stored event to its operator-facing view.
func (s *StoredEvent) Failed() *FailedEvent {
	lastAttempt := s.OccurredAt
	if s.StartedOn != nil {
		lastAttempt = *s.StartedOn
	}
	return &FailedEvent{
		Event:         *s.Event.Clone(),
		RetryCount:    s.RetryCount,
		Error:         s.LastError,
		LastAttemptAt: lastAttempt,
	}
}
