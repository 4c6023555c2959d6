package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryPublishValidates(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	err := adapter.Publish(context.Background(), []*Event{{ID: "1"}}, nil)
	if err == nil {
		t.Fatal("Expected validation error for an event without a type")
	}
}

func TestMemoryPublishEmptyIsNoOp(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	if err := adapter.Publish(context.Background(), nil, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	stats, _ := adapter.Stats(context.Background())
	if stats.EventsPublished != 0 {
		t.Error("Empty publish must not count")
	}
}

func TestMemoryDeliversAtLeastOnce(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)

	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		mu.Lock()
		seen[event.ID]++
		mu.Unlock()
		return nil
	}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	events := make([]*Event, 50)
	for i := range events {
		events[i] = NewEvent(fmt.Sprintf("load.%d", i%5))
	}
	if err := adapter.Publish(ctx, events, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, "Timed out waiting for 50 events")

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		if count < 1 {
			t.Errorf("Event %s never delivered", id)
		}
	}

	stats, _ := adapter.Stats(ctx)
	if stats.CompletedEvents != 50 {
		t.Errorf("Expected 50 completed, got %d", stats.CompletedEvents)
	}
}

func TestMemoryClaimRespectsBatchSize(t *testing.T) {
	opts := fastOptions()
	opts.BatchSize = 3
	opts.PollInterval = time.Hour // single immediate tick
	adapter := NewMemoryAdapter(opts)
	ctx := context.Background()

	events := make([]*Event, 10)
	for i := range events {
		events[i] = NewEvent("bulk")
	}
	if err := adapter.Publish(ctx, events, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var handled atomic.Int64
	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		handled.Add(1)
		return nil
	}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	waitFor(t, time.Second, func() bool { return handled.Load() >= 3 },
		"Timed out waiting for the first batch")

	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 3 {
		t.Errorf("Expected exactly one batch of 3, got %d dispatches", handled.Load())
	}
}

func TestMemoryRetriesThenDeadLetters(t *testing.T) {
	const maxRetries = 2

	var invocations atomic.Int64
	var terminal atomic.Int64
	var transient atomic.Int64

	adapter := NewMemoryAdapter(AdapterOptions{
		PollInterval:      5 * time.Millisecond,
		MaxRetries:        maxRetries,
		ProcessingTimeout: time.Second,
		RetryPolicy:       &RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	ctx := context.Background()

	boom := errors.New("handler down")
	onError := func(err error) {
		var maxErr *MaxRetriesExceededError
		if errors.As(err, &maxErr) {
			terminal.Add(1)
		} else {
			transient.Add(1)
		}
	}

	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		invocations.Add(1)
		return boom
	}, onError); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	event := NewEvent("doomed")
	if err := adapter.Publish(ctx, []*Event{event}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return terminal.Load() == 1 },
		"Timed out waiting for dead-lettering")

	// Initial attempt plus maxRetries retries.
	if got := invocations.Load(); got != maxRetries+1 {
		t.Errorf("Expected %d invocations, got %d", maxRetries+1, got)
	}
	if transient.Load() != maxRetries {
		t.Errorf("Expected %d transient error reports, got %d", maxRetries, transient.Load())
	}
	if adapter.RetryCount(event.ID) != maxRetries+1 {
		t.Errorf("Expected %d recorded attempts, got %d", maxRetries+1, adapter.RetryCount(event.ID))
	}

	failed, err := adapter.GetFailedEvents(ctx)
	if err != nil {
		t.Fatalf("GetFailedEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != event.ID {
		t.Fatalf("Expected the event dead-lettered, got %v", failed)
	}
	if failed[0].Error == "" {
		t.Error("Expected the last handler error recorded")
	}
}

func TestMemoryZeroRetriesFailsWithoutDispatch(t *testing.T) {
	var invocations atomic.Int64
	var terminal atomic.Int64

	adapter := NewMemoryAdapter(AdapterOptions{
		PollInterval: 5 * time.Millisecond,
	}.WithZeroRetries())
	ctx := context.Background()

	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		invocations.Add(1)
		return nil
	}, func(err error) {
		var maxErr *MaxRetriesExceededError
		if errors.As(err, &maxErr) {
			terminal.Add(1)
		}
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	if err := adapter.Publish(ctx, []*Event{NewEvent("unwanted")}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return terminal.Load() == 1 },
		"Timed out waiting for dead-lettering")

	if invocations.Load() != 0 {
		t.Errorf("Zero retry budget must not dispatch, got %d invocations", invocations.Load())
	}
}

func TestMemoryRetrySucceedsEventually(t *testing.T) {
	var invocations atomic.Int64

	adapter := NewMemoryAdapter(AdapterOptions{
		PollInterval:      5 * time.Millisecond,
		MaxRetries:        5,
		ProcessingTimeout: time.Second,
		RetryPolicy:       &RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	ctx := context.Background()

	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		if invocations.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	if err := adapter.Publish(ctx, []*Event{NewEvent("flaky")}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		stats, _ := adapter.Stats(ctx)
		return stats.CompletedEvents == 1
	}, "Timed out waiting for eventual success")

	if invocations.Load() != 3 {
		t.Errorf("Expected 3 invocations, got %d", invocations.Load())
	}

	failed, _ := adapter.GetFailedEvents(ctx)
	if len(failed) != 0 {
		t.Error("Recovered event must not be dead-lettered")
	}
}

func TestMemoryRetryEventsResetsState(t *testing.T) {
	adapter := NewMemoryAdapter(AdapterOptions{
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
		RetryPolicy:  &RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	ctx := context.Background()

	var failFirst atomic.Bool
	failFirst.Store(true)

	if err := adapter.Start(ctx, func(ctx context.Context, event *Event) error {
		if failFirst.Load() {
			return errors.New("temporarily broken")
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	event := NewEvent("recoverable")
	if err := adapter.Publish(ctx, []*Event{event}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		failed, _ := adapter.GetFailedEvents(ctx)
		return len(failed) == 1
	}, "Timed out waiting for dead-lettering")

	// Fix the handler, then retry the dead letter.
	failFirst.Store(false)
	if err := adapter.RetryEvents(ctx, []string{event.ID}); err != nil {
		t.Fatalf("RetryEvents failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		stats, _ := adapter.Stats(ctx)
		return stats.CompletedEvents == 1
	}, "Timed out waiting for retried event to complete")

	failed, _ := adapter.GetFailedEvents(ctx)
	if len(failed) != 0 {
		t.Error("Expected dead-letter queue drained after retry")
	}
}

func TestMemoryRetryEventsIgnoresUnknownIDs(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	if err := adapter.RetryEvents(context.Background(), []string{"no-such-id"}); err != nil {
		t.Fatalf("Expected unknown ids ignored, got %v", err)
	}
}

func TestMemoryFailedEventsNewestFirst(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	// Seed the dead-letter queue with insertion order deliberately
	// decorrelated from occurredAt: the newest event dead-letters first.
	base := time.Now()
	offsets := []time.Duration{2 * time.Hour, time.Minute, time.Hour, 0}
	for _, off := range offsets {
		event := NewEvent("doomed")
		event.OccurredAt = base.Add(-off)
		se := NewStoredEvent(event)
		se.MarkFailed(base, errors.New("x"))
		adapter.dlq = append(adapter.dlq, se)
	}

	failed, err := adapter.GetFailedEvents(context.Background())
	if err != nil {
		t.Fatalf("GetFailedEvents failed: %v", err)
	}
	if len(failed) != len(offsets) {
		t.Fatalf("Expected %d failed events, got %d", len(offsets), len(failed))
	}
	if !failed[0].OccurredAt.Equal(base) {
		t.Errorf("Expected the newest event first, got occurredAt %v", failed[0].OccurredAt)
	}
	for i := 1; i < len(failed); i++ {
		if failed[i].OccurredAt.After(failed[i-1].OccurredAt) {
			t.Errorf("Expected newest occurredAt first, position %d is out of order", i)
		}
	}
}

func TestMemoryConcurrentClaimsDoNotDuplicate(t *testing.T) {
	opts := fastOptions()
	opts.BatchSize = 5
	adapter := NewMemoryAdapter(opts)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	adapter.handler = func(ctx context.Context, event *Event) error {
		mu.Lock()
		seen[event.ID]++
		mu.Unlock()
		return nil
	}

	events := make([]*Event, 50)
	for i := range events {
		events[i] = NewEvent("contended")
	}
	if err := adapter.Publish(ctx, events, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Several workers race over the same queue, claiming batches until
	// nothing is left. Claim mutual exclusion must keep every event on
	// exactly one worker.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				adapter.mu.Lock()
				drained := len(adapter.queue) == 0
				adapter.mu.Unlock()
				if drained {
					return
				}
				if err := adapter.processBatch(ctx); err != nil {
					t.Errorf("processBatch failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("Expected 50 distinct events dispatched, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Event %s dispatched %d times, expected exactly once", id, count)
		}
	}

	stats, _ := adapter.Stats(ctx)
	if stats.EventsClaimed != 50 || stats.CompletedEvents != 50 {
		t.Errorf("Expected 50 claimed and 50 completed, got %d/%d", stats.EventsClaimed, stats.CompletedEvents)
	}
	if stats.PendingEvents != 0 || stats.ActiveEvents != 0 {
		t.Errorf("Expected an empty queue after the drain, got %+v", stats)
	}
}

func TestMemoryStuckEventsAreReclaimed(t *testing.T) {
	adapter := NewMemoryAdapter(AdapterOptions{
		PollInterval:      5 * time.Millisecond,
		ProcessingTimeout: time.Second,
	})
	ctx := context.Background()

	// Simulate a crashed worker: an ACTIVE event whose visibility
	// deadline has already passed, still sitting in the in-flight set.
	event := NewEvent("orphaned")
	se := NewStoredEvent(event)
	se.MarkActive(time.Now().Add(-time.Minute), time.Second, "dead-worker")
	se.RetryCount = 2
	adapter.inflight[se.ID] = se

	var reclaimed atomic.Int64
	if err := adapter.Start(ctx, func(ctx context.Context, got *Event) error {
		if got.ID == event.ID {
			reclaimed.Add(1)
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })

	waitFor(t, 2*time.Second, func() bool { return reclaimed.Load() == 1 },
		"Timed out waiting for stuck recovery")

	// Benign re-claim: the retry counter is untouched.
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if se.RetryCount != 2 {
		t.Errorf("Stuck recovery must not touch the retry counter, got %d", se.RetryCount)
	}
}

func TestMemoryCollectorTransaction(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())
	ctx := context.Background()

	collector := NewWriteCollector(10)
	events := []*Event{NewEvent("a"), NewEvent("b")}

	// Publishing against a collector token defers the writes.
	if err := adapter.Publish(ctx, events, collector); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	stats, _ := adapter.Stats(ctx)
	if stats.PendingEvents != 0 {
		t.Fatal("Collector-enlisted events must not be visible before submit")
	}
	if collector.Len() != 2 {
		t.Fatalf("Expected 2 enlisted events, got %d", collector.Len())
	}

	// Submit commits the batch atomically.
	if err := adapter.SubmitCollector(ctx, collector); err != nil {
		t.Fatalf("SubmitCollector failed: %v", err)
	}

	stats, _ = adapter.Stats(ctx)
	if stats.PendingEvents != 2 {
		t.Errorf("Expected 2 pending events after submit, got %d", stats.PendingEvents)
	}
	if collector.Len() != 0 {
		t.Error("Expected collector reset after submit")
	}
}

func TestMemoryAmbientTransaction(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	collector := NewWriteCollector(10)
	ctx := WithTx(context.Background(), collector)

	if err := adapter.Publish(ctx, []*Event{NewEvent("ambient")}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if collector.Len() != 1 {
		t.Error("Expected the ambient token to capture the write")
	}
	stats, _ := adapter.Stats(context.Background())
	if stats.PendingEvents != 0 {
		t.Error("Ambient-enlisted event must not be visible before submit")
	}
}

func TestMemoryRejectsForeignToken(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	err := adapter.Publish(context.Background(), []*Event{NewEvent("a")}, "not-a-collector")
	if err == nil {
		t.Fatal("Expected error for an unsupported transaction token")
	}
}

func TestMemoryCollectorOverflowAborts(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())
	ctx := context.Background()

	collector := NewWriteCollector(2)
	if err := adapter.Publish(ctx, []*Event{NewEvent("a")}, collector); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	err := adapter.Publish(ctx, []*Event{NewEvent("b"), NewEvent("c")}, collector)
	var limitErr *BatchSizeLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected BatchSizeLimitError, got %v", err)
	}
	if collector.Len() != 1 {
		t.Errorf("Rejected batch must not partially enlist, got %d items", collector.Len())
	}
}

func TestMemoryStartIsIdempotent(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())
	ctx := context.Background()

	handler := func(ctx context.Context, event *Event) error { return nil }
	if err := adapter.Start(ctx, handler, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := adapter.Start(ctx, handler, nil); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
}

func TestMemoryStartRequiresHandler(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	if err := adapter.Start(context.Background(), nil, nil); err == nil {
		t.Fatal("Expected error when handler is nil")
	}
}

func TestMemoryStopBeforeStart(t *testing.T) {
	adapter := NewMemoryAdapter(fastOptions())

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on a never-started adapter must be a no-op, got %v", err)
	}
}
