package outbox

import (
	"context"
	"os"
	"time"
)

// Handler processes a single delivered event. A non-nil error schedules
// a retry or, once the budget is exhausted, dead-letters the event.
type Handler func(ctx context.Context, event *Event) error

// Tx is an opaque transaction token. Its concrete shape is
// adapter-specific (bun.IDB for SQL, mongo.SessionContext for Mongo,
// redis.Pipeliner for Redis, *WriteCollector for buffered backends);
// its meaning is fixed: enlist the event writes in the caller's atomic
// unit instead of committing standalone.
type Tx interface{}

// Adapter is the storage backend contract. All implementations deliver
// at-least-once: a published event is handed to the handler one or more
// times until it completes or exhausts its retry budget.
type Adapter interface {
	// Publish persists the events with status CREATED. A single call is
	// atomic: either all events are durable or none are. When tx is
	// non-nil (or an ambient token is present on the context) the
	// writes are enlisted in the caller's transaction and the adapter
	// does not commit. Empty input is a no-op.
	Publish(ctx context.Context, events []*Event, tx Tx) error

	// Start begins the polling loop that claims and dispatches due
	// events. Idempotent: a second call while running is a no-op.
	Start(ctx context.Context, handler Handler, onError func(error)) error

	// Stop cancels the next tick, awaits any in-flight batch and
	// returns. Idempotent.
	Stop(ctx context.Context) error

	// Stats returns adapter statistics
	Stats(ctx context.Context) (*AdapterStats, error)
}

// FailedEventStore is the optional dead-letter management capability.
// The bus probes for it at runtime and reports
// UnsupportedOperationError when the adapter lacks it.
type FailedEventStore interface {
	// GetFailedEvents returns up to the 100 most recent FAILED events,
	// newest occurredAt first.
	GetFailedEvents(ctx context.Context) ([]*FailedEvent, error)

	// RetryEvents re-queues dead-lettered events: status back to
	// CREATED, retry counter reset, lastError cleared, due now.
	// Missing ids are silently ignored.
	RetryEvents(ctx context.Context, ids []string) error
}

// AdapterStats contains statistics about an adapter
type AdapterStats struct {
	AdapterType     string                 `json:"adapter_type"`
	InstanceID      string                 `json:"instance_id"`
	TotalEvents     int64                  `json:"total_events"`
	PendingEvents   int64                  `json:"pending_events"`
	ActiveEvents    int64                  `json:"active_events"`
	CompletedEvents int64                  `json:"completed_events"`
	FailedEvents    int64                  `json:"failed_events"`
	EventsPublished int64                  `json:"events_published"`
	EventsClaimed   int64                  `json:"events_claimed"`
	PollErrors      int64                  `json:"poll_errors"`
	AdapterSpecific map[string]interface{} `json:"adapter_specific,omitempty"`
}

// Defaults for AdapterOptions.
const (
	DefaultBatchSize         = 50
	DefaultPollInterval      = 1 * time.Second
	DefaultMaxRetries        = 5
	DefaultProcessingTimeout = 30 * time.Second
	DefaultMaxErrorBackoff   = 30 * time.Second

	// FailedEventsLimit bounds GetFailedEvents results.
	FailedEventsLimit = 100

	// CollectorBatchCap is the hard per-transaction item cap for
	// buffered (collector-token) backends.
	CollectorBatchCap = 100
)

// AdapterOptions are the processing knobs common to every adapter.
type AdapterOptions struct {
	// BatchSize is the maximum number of events claimed per tick.
	BatchSize int

	// PollInterval is the nominal period between ticks.
	PollInterval time.Duration

	// MaxRetries is the per-event retry budget. Zero means events are
	// dead-lettered without dispatch.
	MaxRetries int

	// ProcessingTimeout is the visibility deadline after a claim;
	// events still ACTIVE past it become claimable again.
	ProcessingTimeout time.Duration

	// MaxErrorBackoff caps the exponential backoff applied to the poll
	// loop when the backend itself is failing.
	MaxErrorBackoff time.Duration

	// RetryPolicy is the per-event backoff schedule.
	RetryPolicy *RetryPolicy

	// InstanceID identifies this worker in claim records. Defaults to
	// the hostname.
	InstanceID string

	// maxRetriesSet distinguishes an explicit zero retry budget from an
	// unset field; see WithZeroRetries.
	maxRetriesSet bool
}

func (o *AdapterOptions) applyDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxRetries == 0 && !o.maxRetriesSet {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ProcessingTimeout == 0 {
		o.ProcessingTimeout = DefaultProcessingTimeout
	}
	if o.MaxErrorBackoff == 0 {
		o.MaxErrorBackoff = DefaultMaxErrorBackoff
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = DefaultRetryPolicy()
	}
	if o.InstanceID == "" {
		o.InstanceID = defaultInstanceID()
	}
}

// WithZeroRetries marks the zero MaxRetries value as intentional so the
// default is not applied. Events then go FAILED without dispatch.
func (o AdapterOptions) WithZeroRetries() AdapterOptions {
	o.MaxRetries = 0
	o.maxRetriesSet = true
	return o
}

func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "outboxspec-instance"
}
