package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// Sink is the downstream a Publisher forwards events to, typically an
// external broker. PublishBatch must be safe for a single goroutine;
// the Publisher never calls it concurrently.
type Sink interface {
	PublishBatch(ctx context.Context, events []*Event) error
}

// Publisher forwards dispatched events to a Sink from a single worker
// goroutine. Handler() yields the bus-compatible entry point: it
// buffers the event and returns immediately, so a slow broker never
// stalls the polling loop. When the buffer is full the handler returns
// a BackpressureError, which surfaces to the adapter as a handler
// failure and rides the normal retry path.
type Publisher struct {
	sink        Sink
	buffer      chan *Event
	batchSize   int
	flushEvery  time.Duration
	maxAttempts int
	retryPolicy *RetryPolicy

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}

	statsForwarded atomic.Int64
	statsDropped   atomic.Int64
}

// PublisherOptions configures a Publisher
type PublisherOptions struct {
	// BufferSize caps the number of events awaiting forwarding.
	// Defaults to 1024.
	BufferSize int

	// BatchSize caps the events per PublishBatch call. Defaults to
	// DefaultBatchSize.
	BatchSize int

	// FlushInterval bounds how long a partial batch waits. Defaults to
	// 100ms.
	FlushInterval time.Duration

	// MaxAttempts bounds PublishBatch retries per batch. Defaults to 3.
	MaxAttempts int

	// RetryPolicy spaces the attempts. Defaults to DefaultRetryPolicy.
	RetryPolicy *RetryPolicy
}

func (o *PublisherOptions) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = DefaultRetryPolicy()
	}
}

// NewPublisher creates a publisher and starts its worker.
func NewPublisher(sink Sink, opts PublisherOptions) (*Publisher, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	opts.applyDefaults()

	p := &Publisher{
		sink:        sink,
		buffer:      make(chan *Event, opts.BufferSize),
		batchSize:   opts.BatchSize,
		flushEvery:  opts.FlushInterval,
		maxAttempts: opts.MaxAttempts,
		retryPolicy: opts.RetryPolicy,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	p.startOnce.Do(func() {
		go p.worker()
	})
	return p, nil
}

// Handler returns the entry point to register on a bus or hand to an
// adapter directly.
func (p *Publisher) Handler() Handler {
	return func(ctx context.Context, event *Event) error {
		select {
		case p.buffer <- event:
			return nil
		default:
			p.statsDropped.Add(1)
			return &BackpressureError{Reason: "publisher buffer is full"}
		}
	}
}

// Stop flushes the buffer and stops the worker. Idempotent.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forwarded reports the number of events handed to the sink.
func (p *Publisher) Forwarded() int64 {
	return p.statsForwarded.Load()
}

func (p *Publisher) worker() {
	defer close(p.done)
	defer logger.CatchPanic("publisher worker")

	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	batch := make([]*Event, 0, p.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.forward(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-p.buffer:
			batch = append(batch, e)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopCh:
			// Drain whatever made it into the buffer before stopping.
			for {
				select {
				case e := <-p.buffer:
					batch = append(batch, e)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Publisher) forward(batch []*Event) {
	ctx := context.Background()

	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = p.sink.PublishBatch(ctx, batch); err == nil {
			p.statsForwarded.Add(int64(len(batch)))
			return
		}
		if attempt < p.maxAttempts {
			time.Sleep(p.retryPolicy.Delay(attempt))
		}
	}

	p.statsDropped.Add(int64(len(batch)))
	logger.Error("Dropping batch of %d event(s) after %d attempts: %v", len(batch), p.maxAttempts, err)
}
