package outbox

import (
	"sync"
)

// WriteCollector is the transaction token for backends whose
// "transaction" is a buffer of pending write items. The adapter appends
// its event writes to the collector; the caller submits the resulting
// batch as one atomic unit. The cap applies to the collector's total
// size across all enlisted writes.
type WriteCollector struct {
	mu    sync.Mutex
	cap   int
	items []*Event
}

// NewWriteCollector creates a collector with the given item cap.
// A non-positive cap uses CollectorBatchCap.
func NewWriteCollector(cap int) *WriteCollector {
	if cap <= 0 {
		cap = CollectorBatchCap
	}
	return &WriteCollector{cap: cap}
}

// Push enlists events in the collector. It fails with
// BatchSizeLimitError, leaving the collector unchanged, when the
// enlisted total would exceed the cap.
func (c *WriteCollector) Push(events ...*Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempted := len(c.items) + len(events)
	if attempted > c.cap {
		return &BatchSizeLimitError{Limit: c.cap, Attempted: attempted}
	}

	c.items = append(c.items, events...)
	return nil
}

// Items returns the enlisted events in push order.
func (c *WriteCollector) Items() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Event, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of enlisted events.
func (c *WriteCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Cap returns the collector's item cap.
func (c *WriteCollector) Cap() int {
	return c.cap
}

// Reset discards the enlisted events, e.g. after the caller's batch was
// submitted or rolled back.
func (c *WriteCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
