package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// RedisAdapter implements the storage contract on Redis sorted sets.
// Pending events sit in a zset scored by their next attempt time and
// claimed events in a second zset scored by their visibility deadline;
// the claim itself is a Lua script, so the move between the two sets is
// atomic and competing instances never claim the same member. Event
// bodies live as JSON strings under a per-event key.
type RedisAdapter struct {
	client *redis.Client
	prefix string
	opts   AdapterOptions

	mu      sync.Mutex
	poller  *Poller
	handler Handler
	onError func(error)

	statsPublished atomic.Int64
	statsClaimed   atomic.Int64
	statsCompleted atomic.Int64
	statsFailed    atomic.Int64
	statsPollErrs  atomic.Int64
}

// RedisAdapterConfig configures the Redis adapter
type RedisAdapterConfig struct {
	Client *redis.Client

	// KeyPrefix namespaces all adapter keys. Defaults to "outbox".
	KeyPrefix string

	Options AdapterOptions
}

// claimScript moves up to ARGV[2] due members from the pending zset to
// the processing zset with the visibility deadline (ARGV[3]) as score.
// The claimant is tracked on the loaded event after the claim, not in
// the script.
var claimScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], ARGV[3], id)
	end
	return ids
`)

// recoverScript moves expired members of the processing zset back to
// the pending zset with score 0 so they claim ahead of new arrivals.
var recoverScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], 0, id)
	end
	return #ids
`)

// NewRedisAdapter creates a Redis adapter
func NewRedisAdapter(cfg RedisAdapterConfig) (*RedisAdapter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "outbox"
	}
	cfg.Options.applyDefaults()

	a := &RedisAdapter{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		opts:   cfg.Options,
	}

	logger.Info("Redis adapter initialized (prefix: %s, batch_size: %d)",
		cfg.KeyPrefix, cfg.Options.BatchSize)
	return a, nil
}

func (a *RedisAdapter) pendingKey() string    { return a.prefix + ":pending" }
func (a *RedisAdapter) processingKey() string { return a.prefix + ":processing" }
func (a *RedisAdapter) failedKey() string     { return a.prefix + ":failed" }
func (a *RedisAdapter) eventKey(id string) string {
	return a.prefix + ":event:" + id
}

// Publish stores events and enqueues them in the pending zset. The
// transaction token, explicit or ambient, must be a redis.Pipeliner
// (typically from TxPipeline); the writes are queued on it and fire
// when the caller Execs.
func (a *RedisAdapter) Publish(ctx context.Context, events []*Event, tx Tx) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}
	}

	var pipe redis.Pipeliner
	ownPipe := false
	if token := ResolveTx(ctx, tx); token != nil {
		resolved, ok := token.(redis.Pipeliner)
		if !ok {
			return fmt.Errorf("unsupported transaction token %T for redis adapter", token)
		}
		pipe = resolved
	} else {
		pipe = a.client.TxPipeline()
		ownPipe = true
	}

	for _, e := range events {
		se := NewStoredEvent(e)
		body, err := json.Marshal(se)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		pipe.Set(ctx, a.eventKey(e.ID), body, 0)
		pipe.ZAdd(ctx, a.pendingKey(), redis.Z{
			Score:  float64(se.NextAttemptAt.UnixMilli()),
			Member: e.ID,
		})
	}

	if ownPipe {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to enqueue events: %w", err)
		}
	}

	a.statsPublished.Add(int64(len(events)))
	recordEventsPublished("redis", events)
	return nil
}

// Start begins the polling loop. Idempotent while running.
func (a *RedisAdapter) Start(ctx context.Context, handler Handler, onError func(error)) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	a.mu.Lock()
	if a.poller != nil && a.poller.Running() {
		a.mu.Unlock()
		return nil
	}
	a.handler = handler
	a.onError = onError
	a.poller = NewPoller(PollerConfig{
		Interval:        a.opts.PollInterval,
		MaxErrorBackoff: a.opts.MaxErrorBackoff,
		ProcessBatch:    a.processBatch,
		Maintenance:     a.recoverStuck,
		OnError: func(err error) {
			a.statsPollErrs.Add(1)
			recordPollError("redis")
			if onError != nil {
				onError(err)
			}
		},
	})
	a.mu.Unlock()

	a.poller.Start()
	logger.Info("Redis adapter started (poll_interval: %v)", a.opts.PollInterval)
	return nil
}

// Stop cancels the next tick and awaits the in-flight batch. Idempotent.
func (a *RedisAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	poller := a.poller
	a.mu.Unlock()

	if poller == nil {
		return nil
	}
	return poller.Stop(ctx)
}

// recoverStuck returns events whose visibility deadline has passed to
// the front of the pending zset. The retry counter is not touched.
func (a *RedisAdapter) recoverStuck(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved, err := recoverScript.Run(ctx, a.client,
		[]string{a.processingKey(), a.pendingKey()}, now).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to recover stuck events: %w", err)
	}
	if moved > 0 {
		logger.Warn("Recovered %d stuck event(s)", moved)
	}
	return nil
}

// processBatch atomically claims up to batchSize due ids and dispatches
// their events.
func (a *RedisAdapter) processBatch(ctx context.Context) error {
	now := time.Now()
	deadline := now.Add(a.opts.ProcessingTimeout)

	ids, err := claimScript.Run(ctx, a.client,
		[]string{a.pendingKey(), a.processingKey()},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(a.opts.BatchSize),
		strconv.FormatInt(deadline.UnixMilli(), 10),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to claim events: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	a.statsClaimed.Add(int64(len(ids)))
	recordClaimBatch("redis", len(ids))

	for _, id := range ids {
		se, err := a.loadEvent(ctx, id)
		if err != nil {
			// Orphaned zset member; drop it rather than spin on it.
			logger.Warn("Dropping unreadable event %s: %v", id, err)
			a.client.ZRem(ctx, a.processingKey(), id)
			continue
		}
		se.MarkActive(now, a.opts.ProcessingTimeout, a.opts.InstanceID)
		a.dispatchOne(ctx, se)
	}
	return nil
}

func (a *RedisAdapter) loadEvent(ctx context.Context, id string) (*StoredEvent, error) {
	body, err := a.client.Get(ctx, a.eventKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	se := &StoredEvent{}
	if err := json.Unmarshal(body, se); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", id, err)
	}
	return se, nil
}

func (a *RedisAdapter) dispatchOne(ctx context.Context, se *StoredEvent) {
	started := time.Now()

	if a.opts.MaxRetries == 0 {
		if err := a.settleFailed(ctx, se, fmt.Errorf("retry budget is zero")); err != nil {
			logger.Error("Failed to dead-letter event %s: %v", se.ID, err)
		}
		return
	}

	err := a.handler(ctx, &se.Event)
	now := time.Now()

	if err == nil {
		pipe := a.client.TxPipeline()
		pipe.ZRem(ctx, a.processingKey(), se.ID)
		pipe.Del(ctx, a.eventKey(se.ID))
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			logger.Error("Failed to complete event %s: %v", se.ID, execErr)
			if a.onError != nil {
				a.onError(execErr)
			}
			return
		}
		a.statsCompleted.Add(1)
		recordEventProcessed("redis", &se.Event, EventStatusCompleted, now.Sub(started))
		return
	}

	if se.RetryCount >= a.opts.MaxRetries {
		if settleErr := a.settleFailed(ctx, se, err); settleErr != nil {
			logger.Error("Failed to dead-letter event %s: %v", se.ID, settleErr)
		}
		recordEventProcessed("redis", &se.Event, EventStatusFailed, now.Sub(started))
		return
	}

	delay := a.opts.RetryPolicy.Delay(se.RetryCount + 1)
	se.MarkRetry(now, delay, err)

	if storeErr := a.storeAndMove(ctx, se, a.pendingKey(), float64(se.NextAttemptAt.UnixMilli())); storeErr != nil {
		logger.Error("Failed to reschedule event %s: %v", se.ID, storeErr)
	}

	recordEventProcessed("redis", &se.Event, EventStatusCreated, now.Sub(started))
	if a.onError != nil {
		a.onError(err)
	}
}

// storeAndMove rewrites the event body and moves its id from the
// processing zset to the destination zset in one pipeline.
func (a *RedisAdapter) storeAndMove(ctx context.Context, se *StoredEvent, destKey string, score float64) error {
	body, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.eventKey(se.ID), body, 0)
	pipe.ZRem(ctx, a.processingKey(), se.ID)
	pipe.ZAdd(ctx, destKey, redis.Z{Score: score, Member: se.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) settleFailed(ctx context.Context, se *StoredEvent, cause error) error {
	now := time.Now()
	se.MarkFailed(now, cause)

	if err := a.storeAndMove(ctx, se, a.failedKey(), float64(se.OccurredAt.UnixMilli())); err != nil {
		return err
	}

	a.statsFailed.Add(1)
	ReportEventError(a.onError, cause, &se.Event, se.RetryCount, a.opts.MaxRetries)
	return nil
}

// GetFailedEvents lists dead-lettered events, newest first.
func (a *RedisAdapter) GetFailedEvents(ctx context.Context) ([]*FailedEvent, error) {
	ids, err := a.client.ZRevRange(ctx, a.failedKey(), 0, int64(FailedEventsLimit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}

	out := make([]*FailedEvent, 0, len(ids))
	for _, id := range ids {
		se, err := a.loadEvent(ctx, id)
		if err != nil {
			logger.Warn("Failed to load failed event %s: %v", id, err)
			continue
		}
		out = append(out, se.Failed())
	}
	return out, nil
}

// RetryEvents re-queues dead-lettered events with counters reset.
// Missing ids are silently ignored.
func (a *RedisAdapter) RetryEvents(ctx context.Context, ids []string) error {
	now := time.Now()
	for _, id := range ids {
		removed, err := a.client.ZRem(ctx, a.failedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("failed to retry event %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		se, err := a.loadEvent(ctx, id)
		if err != nil {
			logger.Warn("Failed to load event %s for retry: %v", id, err)
			continue
		}
		se.Status = EventStatusCreated
		se.RetryCount = 0
		se.LastError = ""
		se.NextAttemptAt = now
		se.CompletedOn = nil

		body, err := json.Marshal(se)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		pipe := a.client.TxPipeline()
		pipe.Set(ctx, a.eventKey(id), body, 0)
		pipe.ZAdd(ctx, a.pendingKey(), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to re-queue event %s: %w", id, err)
		}
	}
	return nil
}

// Stats returns adapter statistics
func (a *RedisAdapter) Stats(ctx context.Context) (*AdapterStats, error) {
	pending, err := a.client.ZCard(ctx, a.pendingKey()).Result()
	if err != nil {
		logger.Warn("Failed to count pending events: %v", err)
	}
	active, _ := a.client.ZCard(ctx, a.processingKey()).Result()
	failed, _ := a.client.ZCard(ctx, a.failedKey()).Result()

	updateQueueDepth("redis", pending)

	return &AdapterStats{
		AdapterType:     "redis",
		InstanceID:      a.opts.InstanceID,
		TotalEvents:     pending + active + failed,
		PendingEvents:   pending,
		ActiveEvents:    active,
		FailedEvents:    failed,
		CompletedEvents: a.statsCompleted.Load(),
		EventsPublished: a.statsPublished.Load(),
		EventsClaimed:   a.statsClaimed.Load(),
		PollErrors:      a.statsPollErrs.Load(),
		AdapterSpecific: map[string]interface{}{
			"key_prefix": a.prefix,
		},
	}, nil
}
