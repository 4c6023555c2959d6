package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// MemoryAdapter is the reference adapter and the canonical semantics
// for the conformance suite. Events live in a FIFO queue; handler
// failures put the event back at the front with its retry counter
// incremented; exhausting the budget moves it to the dead-letter queue
// and raises MaxRetriesExceededError. Not durable and not
// cross-instance.
type MemoryAdapter struct {
	opts AdapterOptions

	mu       sync.Mutex
	queue    []*StoredEvent // claimable, FIFO
	inflight map[string]*StoredEvent
	dlq      []*StoredEvent
	// retryCounts tracks attempts independently of the stored events so
	// tests can inspect them after completion.
	retryCounts map[string]int

	poller  *Poller
	handler Handler
	onError func(error)

	statsPublished atomic.Int64
	statsClaimed   atomic.Int64
	statsCompleted atomic.Int64
	statsFailed    atomic.Int64
	statsPollErrs  atomic.Int64
}

// NewMemoryAdapter creates an in-memory adapter
func NewMemoryAdapter(opts AdapterOptions) *MemoryAdapter {
	opts.applyDefaults()

	return &MemoryAdapter{
		opts:        opts,
		inflight:    make(map[string]*StoredEvent),
		retryCounts: make(map[string]int),
	}
}

// Publish stores events with status CREATED. A *WriteCollector token
// (explicit or ambient) defers the writes into the collector; the
// caller submits it with SubmitCollector.
func (m *MemoryAdapter) Publish(ctx context.Context, events []*Event, tx Tx) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}
	}

	if token := ResolveTx(ctx, tx); token != nil {
		collector, ok := token.(*WriteCollector)
		if !ok {
			return fmt.Errorf("unsupported transaction token %T for memory adapter", token)
		}
		return collector.Push(events...)
	}

	m.mu.Lock()
	for _, e := range events {
		m.queue = append(m.queue, NewStoredEvent(e))
	}
	depth := int64(len(m.queue))
	m.mu.Unlock()

	m.statsPublished.Add(int64(len(events)))
	recordEventsPublished("memory", events)
	updateQueueDepth("memory", depth)
	return nil
}

// SubmitCollector commits a collector's enlisted events into the queue
// as one atomic batch, then resets the collector.
func (m *MemoryAdapter) SubmitCollector(ctx context.Context, collector *WriteCollector) error {
	items := collector.Items()
	if err := m.Publish(ctx, items, nil); err != nil {
		return err
	}
	collector.Reset()
	return nil
}

// Start begins the polling loop. Idempotent while running.
func (m *MemoryAdapter) Start(ctx context.Context, handler Handler, onError func(error)) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	m.mu.Lock()
	if m.poller != nil && m.poller.Running() {
		m.mu.Unlock()
		return nil
	}
	m.handler = handler
	m.onError = onError
	m.poller = NewPoller(PollerConfig{
		Interval:        m.opts.PollInterval,
		MaxErrorBackoff: m.opts.MaxErrorBackoff,
		ProcessBatch:    m.processBatch,
		Maintenance:     m.recoverStuck,
		OnError: func(err error) {
			m.statsPollErrs.Add(1)
			recordPollError("memory")
			if onError != nil {
				onError(err)
			}
		},
	})
	m.mu.Unlock()

	m.poller.Start()
	logger.Info("Memory adapter started (batch_size: %d, poll_interval: %v)", m.opts.BatchSize, m.opts.PollInterval)
	return nil
}

// Stop cancels the next tick and awaits the in-flight batch. Idempotent.
func (m *MemoryAdapter) Stop(ctx context.Context) error {
	m.mu.Lock()
	poller := m.poller
	m.mu.Unlock()

	if poller == nil {
		return nil
	}
	return poller.Stop(ctx)
}

// GetFailedEvents returns the dead-letter queue, newest occurredAt
// first, capped at FailedEventsLimit.
func (m *MemoryAdapter) GetFailedEvents(ctx context.Context) ([]*FailedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := make([]*StoredEvent, len(m.dlq))
	copy(view, m.dlq)
	sort.Slice(view, func(i, j int) bool {
		return view[i].OccurredAt.After(view[j].OccurredAt)
	})

	out := make([]*FailedEvent, 0, len(view))
	for _, se := range view {
		out = append(out, se.Failed())
		if len(out) >= FailedEventsLimit {
			break
		}
	}
	return out, nil
}

// RetryEvents moves dead-lettered events back to the queue with their
// retry counters reset. Missing ids are silently ignored.
func (m *MemoryAdapter) RetryEvents(ctx context.Context, ids []string) error {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.dlq[:0]
	for _, se := range m.dlq {
		if !wanted[se.ID] {
			kept = append(kept, se)
			continue
		}
		se.Status = EventStatusCreated
		se.RetryCount = 0
		se.LastError = ""
		se.NextAttemptAt = now
		se.CompletedOn = nil
		m.retryCounts[se.ID] = 0
		m.queue = append(m.queue, se)
	}
	m.dlq = kept
	return nil
}

// Stats returns adapter statistics
func (m *MemoryAdapter) Stats(ctx context.Context) (*AdapterStats, error) {
	m.mu.Lock()
	pending := int64(len(m.queue))
	active := int64(len(m.inflight))
	failed := int64(len(m.dlq))
	m.mu.Unlock()

	return &AdapterStats{
		AdapterType:     "memory",
		InstanceID:      m.opts.InstanceID,
		TotalEvents:     pending + active + failed,
		PendingEvents:   pending,
		ActiveEvents:    active,
		CompletedEvents: m.statsCompleted.Load(),
		FailedEvents:    failed,
		EventsPublished: m.statsPublished.Load(),
		EventsClaimed:   m.statsClaimed.Load(),
		PollErrors:      m.statsPollErrs.Load(),
	}, nil
}

// RetryCount reports the attempts recorded for an event id. Used by the
// conformance suite.
func (m *MemoryAdapter) RetryCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCounts[id]
}

// recoverStuck is the maintenance pass: in-flight events whose
// visibility deadline has passed return to the front of the queue.
// A benign re-claim; the retry counter is not touched.
func (m *MemoryAdapter) recoverStuck(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, se := range m.inflight {
		if se.VisibilityDeadline != nil && !se.VisibilityDeadline.After(now) {
			delete(m.inflight, id)
			se.MarkRequeued(now)
			m.queue = append([]*StoredEvent{se}, m.queue...)
			logger.Warn("Recovered stuck event %s (claimed by %s)", id, se.ClaimedBy)
		}
	}
	return nil
}

// processBatch claims up to batchSize due events and dispatches them.
func (m *MemoryAdapter) processBatch(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	var claimed []*StoredEvent
	remaining := m.queue[:0]
	for _, se := range m.queue {
		if len(claimed) < m.opts.BatchSize && !se.NextAttemptAt.After(now) {
			se.MarkActive(now, m.opts.ProcessingTimeout, m.opts.InstanceID)
			m.inflight[se.ID] = se
			claimed = append(claimed, se)
			continue
		}
		remaining = append(remaining, se)
	}
	m.queue = remaining
	m.mu.Unlock()

	if len(claimed) == 0 {
		return nil
	}

	m.statsClaimed.Add(int64(len(claimed)))
	recordClaimBatch("memory", len(claimed))

	for _, se := range claimed {
		m.dispatchOne(ctx, se)
	}
	return nil
}

func (m *MemoryAdapter) dispatchOne(ctx context.Context, se *StoredEvent) {
	started := time.Now()

	// Zero retry budget: dead-letter without dispatch.
	if m.opts.MaxRetries == 0 {
		m.settleFailed(se, fmt.Errorf("retry budget is zero"))
		return
	}

	err := m.handler(ctx, &se.Event)
	now := time.Now()

	m.mu.Lock()
	delete(m.inflight, se.ID)
	m.mu.Unlock()

	if err == nil {
		se.MarkCompleted(now)
		m.statsCompleted.Add(1)
		recordEventProcessed("memory", &se.Event, EventStatusCompleted, now.Sub(started))
		return
	}

	m.mu.Lock()
	m.retryCounts[se.ID]++
	m.mu.Unlock()

	if se.RetryCount >= m.opts.MaxRetries {
		m.settleFailed(se, err)
		recordEventProcessed("memory", &se.Event, EventStatusFailed, now.Sub(started))
		return
	}

	// Back at the front, due after backoff.
	delay := m.opts.RetryPolicy.Delay(se.RetryCount + 1)
	se.MarkRetry(now, delay, err)
	m.mu.Lock()
	m.queue = append([]*StoredEvent{se}, m.queue...)
	m.mu.Unlock()

	recordEventProcessed("memory", &se.Event, EventStatusCreated, now.Sub(started))
	if m.onError != nil {
		m.onError(err)
	}
}

func (m *MemoryAdapter) settleFailed(se *StoredEvent, cause error) {
	now := time.Now()
	se.MarkFailed(now, cause)

	m.mu.Lock()
	delete(m.inflight, se.ID)
	m.dlq = append(m.dlq, se)
	m.mu.Unlock()

	m.statsFailed.Add(1)
	ReportEventError(m.onError, cause, &se.Event, m.opts.MaxRetries, m.opts.MaxRetries)
}
