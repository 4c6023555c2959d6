package outbox

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// Bus is the in-process dispatcher: it normalizes and publishes emitted
// events through the adapter, and routes claimed events to the single
// registered handler per event type.
type Bus struct {
	adapter Adapter
	onError func(error)

	mu          sync.RWMutex
	listeners   map[string]*listenerEntry
	middlewares []Middleware

	dispatching sync.WaitGroup
	started     atomic.Bool
	stopOnce    sync.Once

	statsEmitted    atomic.Int64
	statsDispatched atomic.Int64
	statsDropped    atomic.Int64
}

// listenerEntry keeps the live handler together with the reference the
// caller registered, so Off can remove a once-wrapper by its original.
type listenerEntry struct {
	handler  Handler
	original Handler
	once     bool
}

// BusOptions configures a Bus.
type BusOptions struct {
	Adapter Adapter

	// OnError receives adapter poll errors, transient handler failures
	// and MaxRetriesExceededError terminals. Defaults to logging.
	OnError func(error)
}

// NewBus creates a bus over the given adapter.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) {
			logger.Error("Outbox error: %v", err)
		}
	}

	return &Bus{
		adapter:   opts.Adapter,
		onError:   opts.OnError,
		listeners: make(map[string]*listenerEntry),
	}, nil
}

// Use appends middleware to the pipeline. Each middleware sees both
// phases and can branch on MiddlewareContext.Phase.
func (b *Bus) Use(middlewares ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middlewares...)
}

// Emit normalizes and publishes a single event. An optional transaction
// token may be passed as the last argument; otherwise the ambient token
// from the context applies.
func (b *Bus) Emit(ctx context.Context, event *Event, tx ...Tx) error {
	return b.EmitMany(ctx, []*Event{event}, tx...)
}

// EmitMany normalizes and publishes events as one atomic write. An
// empty slice is a no-op and does not touch the adapter.
func (b *Bus) EmitMany(ctx context.Context, events []*Event, tx ...Tx) error {
	if len(events) == 0 {
		return nil
	}

	var token Tx
	if len(tx) > 0 {
		token = tx[0]
	}
	token = ResolveTx(ctx, token)

	b.mu.RLock()
	middlewares := b.middlewares
	b.mu.RUnlock()

	toPublish := make([]*Event, 0, len(events))
	for _, event := range events {
		if event == nil {
			return fmt.Errorf("cannot emit nil event")
		}
		event.Normalize()
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}

		mc := &MiddlewareContext{Phase: PhaseEmit, Event: event, Tx: token}
		delivered, err := runPipeline(ctx, middlewares, mc, func(context.Context) error {
			toPublish = append(toPublish, event)
			return nil
		})
		if err != nil {
			return err
		}
		if !delivered {
			b.statsDropped.Add(1)
			logger.Debug("Event %s dropped by emit middleware", event.ID)
		}
	}

	if len(toPublish) == 0 {
		return nil
	}
	if err := b.adapter.Publish(ctx, toPublish, token); err != nil {
		return err
	}

	b.statsEmitted.Add(int64(len(toPublish)))
	return nil
}

// On registers the single handler for an event type. It fails with
// DuplicateListenerError when one is already registered.
func (b *Bus) On(eventType string, handler Handler) error {
	return b.addListener(eventType, handler, handler, false)
}

// AddListener is an alias for On.
func (b *Bus) AddListener(eventType string, handler Handler) error {
	return b.On(eventType, handler)
}

// Once registers a handler that removes itself after its first
// invocation. Off with the original handler reference removes the
// wrapper.
func (b *Bus) Once(eventType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	var fire sync.Once
	wrapper := func(ctx context.Context, event *Event) error {
		var err error
		invoked := false
		fire.Do(func() {
			b.Off(eventType, handler)
			invoked = true
			err = handler(ctx, event)
		})
		if !invoked {
			return nil
		}
		return err
	}

	return b.addListener(eventType, wrapper, handler, true)
}

func (b *Bus) addListener(eventType string, handler, original Handler, once bool) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.listeners[eventType]; exists {
		return &DuplicateListenerError{EventType: eventType}
	}
	b.listeners[eventType] = &listenerEntry{handler: handler, original: original, once: once}
	return nil
}

// Subscribe atomically registers the same handler for several types.
// If any type is already registered it fails with
// DuplicateListenerError and registers nothing.
func (b *Bus) Subscribe(eventTypes []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range eventTypes {
		if t == "" {
			return fmt.Errorf("event type cannot be empty")
		}
		if _, exists := b.listeners[t]; exists {
			return &DuplicateListenerError{EventType: t}
		}
	}
	for _, t := range eventTypes {
		b.listeners[t] = &listenerEntry{handler: handler, original: handler}
	}
	return nil
}

// Off removes the handler for an event type if it matches the
// registered one (by original reference for once-handlers).
func (b *Bus) Off(eventType string, handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.listeners[eventType]
	if !exists {
		return
	}
	if handlerPointer(entry.original) == handlerPointer(handler) {
		delete(b.listeners, eventType)
	}
}

// RemoveListener is an alias for Off.
func (b *Bus) RemoveListener(eventType string, handler Handler) {
	b.Off(eventType, handler)
}

// RemoveAllListeners removes the handler for the given type, or every
// handler when no type is given.
func (b *Bus) RemoveAllListeners(eventType ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eventType) == 0 {
		b.listeners = make(map[string]*listenerEntry)
		return
	}
	for _, t := range eventType {
		delete(b.listeners, t)
	}
}

// WaitFor blocks until the next event of the given type arrives, the
// timeout expires (TimeoutError), or the context is canceled. The
// one-shot handler it installs is removed on every exit path.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration) (*Event, error) {
	ch := make(chan *Event, 1)
	handler := func(ctx context.Context, event *Event) error {
		select {
		case ch <- event:
		default:
		}
		return nil
	}

	if err := b.Once(eventType, handler); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-ch:
		return event, nil
	case <-timer.C:
		b.Off(eventType, handler)
		return nil, &TimeoutError{EventType: eventType, Timeout: timeout}
	case <-ctx.Done():
		b.Off(eventType, handler)
		return nil, ctx.Err()
	}
}

// SubscriptionCount returns the number of registered event types.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// ListenerCount returns 1 when a handler is registered for the type,
// else 0. Routing is 1-to-1 by exact type match.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, exists := b.listeners[eventType]; exists {
		return 1
	}
	return 0
}

// EventNames returns the registered event types, sorted.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.listeners))
	for t := range b.listeners {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// GetListener returns the live handler for the type, or nil.
func (b *Bus) GetListener(eventType string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if entry, exists := b.listeners[eventType]; exists {
		return entry.handler
	}
	return nil
}

// GetFailedEvents delegates to the adapter's dead-letter store; fails
// with UnsupportedOperationError when the adapter lacks it.
func (b *Bus) GetFailedEvents(ctx context.Context) ([]*FailedEvent, error) {
	store, ok := b.adapter.(FailedEventStore)
	if !ok {
		return nil, &UnsupportedOperationError{Operation: "getFailedEvents"}
	}
	return store.GetFailedEvents(ctx)
}

// RetryEvents delegates to the adapter's dead-letter store; fails with
// UnsupportedOperationError when the adapter lacks it.
func (b *Bus) RetryEvents(ctx context.Context, ids []string) error {
	store, ok := b.adapter.(FailedEventStore)
	if !ok {
		return &UnsupportedOperationError{Operation: "retryEvents"}
	}
	return store.RetryEvents(ctx, ids)
}

// Start begins processing: the adapter claims due events and hands them
// to the bus dispatcher. Idempotent while running.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.adapter.Start(ctx, b.dispatch, b.onError); err != nil {
		return err
	}
	b.started.Store(true)
	logger.Info("Outbox bus started")
	return nil
}

// Stop stops the adapter and blocks until every handler that has
// already been dispatched has completed. Events not yet claimed remain
// CREATED. Idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	var stopErr error
	b.stopOnce.Do(func() {
		b.started.Store(false)
		stopErr = b.adapter.Stop(ctx)
		b.dispatching.Wait()
		logger.Info("Outbox bus stopped")
	})
	return stopErr
}

// Stats returns bus counters plus the adapter's statistics.
func (b *Bus) Stats(ctx context.Context) (*BusStats, error) {
	adapterStats, err := b.adapter.Stats(ctx)
	if err != nil {
		logger.Warn("Failed to get adapter stats: %v", err)
	}

	return &BusStats{
		IsRunning:       b.started.Load(),
		TotalEmitted:    b.statsEmitted.Load(),
		TotalDispatched: b.statsDispatched.Load(),
		TotalDropped:    b.statsDropped.Load(),
		Subscriptions:   b.SubscriptionCount(),
		AdapterStats:    adapterStats,
	}, nil
}

// BusStats contains bus statistics
type BusStats struct {
	IsRunning       bool          `json:"is_running"`
	TotalEmitted    int64         `json:"total_emitted"`
	TotalDispatched int64         `json:"total_dispatched"`
	TotalDropped    int64         `json:"total_dropped"`
	Subscriptions   int           `json:"subscriptions"`
	AdapterStats    *AdapterStats `json:"adapter_stats,omitempty"`
}

// dispatch is the handler the adapter drives: it runs the handler-phase
// middleware chain and then the registered listener. Unhandled event
// types are a silent success, so the adapter acknowledges them
// COMPLETED.
func (b *Bus) dispatch(ctx context.Context, event *Event) error {
	b.dispatching.Add(1)
	defer b.dispatching.Done()

	b.mu.RLock()
	middlewares := b.middlewares
	b.mu.RUnlock()

	mc := &MiddlewareContext{Phase: PhaseHandler, Event: event}
	delivered, err := runPipeline(ctx, middlewares, mc, func(ctx context.Context) error {
		handler := b.GetListener(event.Type)
		if handler == nil {
			logger.Debug("No listener for event type %q, acknowledging", event.Type)
			return nil
		}
		return handler(ctx, event)
	})
	if err != nil {
		return err
	}
	if !delivered {
		b.statsDropped.Add(1)
		return nil
	}

	b.statsDispatched.Add(1)
	return nil
}

// handlerPointer identifies a handler func for removal matching.
func handlerPointer(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}
