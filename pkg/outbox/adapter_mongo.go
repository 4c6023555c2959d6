package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// MongoAdapter implements the storage contract on a MongoDB collection.
// Claiming uses FindOneAndUpdate with the candidate predicate in the
// filter, so the conditional update itself is the mutual-exclusion
// primitive; a document that lost the race simply no longer matches.
type MongoAdapter struct {
	coll *mongo.Collection
	opts AdapterOptions

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

// MongoAdapterConfig configures the MongoDB adapter
type MongoAdapterConfig struct {
	Database *mongo.Database

	// Collection is the outbox collection name. Defaults to "outbox_events".
	Collection string

	Options AdapterOptions
}

// mongoEvent is the persisted document shape.
type mongoEvent struct {
	ID                 string            `bson:"_id"`
	Type               string            `bson:"type"`
	Payload            []byte            `bson:"payload,omitempty"`
	Metadata           map[string]string `bson:"metadata,omitempty"`
	OccurredAt         time.Time         `bson:"occurred_at"`
	Status             string            `bson:"status"`
	RetryCount         int               `bson:"retry_count"`
	NextAttemptAt      time.Time         `bson:"next_attempt_at"`
	VisibilityDeadline *time.Time        `bson:"visibility_deadline,omitempty"`
	StartedOn          *time.Time        `bson:"started_on,omitempty"`
	CompletedOn        *time.Time        `bson:"completed_on,omitempty"`
	LastError          string            `bson:"last_error,omitempty"`
	ClaimedBy          string            `bson:"claimed_by,omitempty"`
}

func (d *mongoEvent) toStored() *StoredEvent {
	return &StoredEvent{
		Event: Event{
			ID:         d.ID,
			Type:       d.Type,
			Payload:    json.RawMessage(d.Payload),
			OccurredAt: d.OccurredAt,
			Metadata:   d.Metadata,
		},
		Status:             EventStatus(d.Status),
		RetryCount:         d.RetryCount,
		NextAttemptAt:      d.NextAttemptAt,
		VisibilityDeadline: d.VisibilityDeadline,
		StartedOn:          d.StartedOn,
		CompletedOn:        d.CompletedOn,
		LastError:          d.LastError,
		ClaimedBy:          d.ClaimedBy,
	}
}

// NewMongoAdapter creates a MongoDB adapter and ensures its indexes.
func NewMongoAdapter(cfg MongoAdapterConfig) (*MongoAdapter, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("mongo database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "outbox_events"
	}
	cfg.Options.applyDefaults()

	a := &MongoAdapter{
		coll: cfg.Database.Collection(cfg.Collection),
		opts: cfg.Options,
	}

	if err := a.createIndexes(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create outbox indexes: %w", err)
	}

	logger.Info("Mongo adapter initialized (collection: %s, batch_size: %d)",
		cfg.Collection, cfg.Options.BatchSize)
	return a, nil
}

func (a *MongoAdapter) createIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "visibility_deadline", Value: 1}}},
		{Keys: bson.D{{Key: "occurred_at", Value: -1}}},
	})
	return err
}

// Publish inserts all events in one InsertMany. The transaction token,
// explicit or ambient, must be a mongo.SessionContext carrying an open
// transaction; the insert then joins the caller's session and commits
// with it.
func (a *MongoAdapter) Publish(ctx context.Context, events []*Event, tx Tx) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}
		docs = append(docs, &mongoEvent{
			ID:            e.ID,
			Type:          e.Type,
			Payload:       []byte(e.Payload),
			Metadata:      e.Metadata,
			OccurredAt:    e.OccurredAt,
			Status:        string(EventStatusCreated),
			NextAttemptAt: e.OccurredAt,
		})
	}

	insertCtx := ctx
	if token := ResolveTx(ctx, tx); token != nil {
		sessCtx, ok := token.(mongo.SessionContext)
		if !ok {
			return fmt.Errorf("unsupported transaction token %T for mongo adapter", token)
		}
		insertCtx = sessCtx
	}

	if _, err := a.coll.InsertMany(insertCtx, docs); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	a.statsPublished.Add(int64(len(events)))
	recordEventsPublished("mongo", events)
	return nil
}

// Start begins the polling loop. Idempotent while running.
func (a *MongoAdapter) Start(ctx context.Context, handler Handler, onError func(error)) error {
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
		OnError: func(err error) {
			a.statsPollErrs.Add(1)
			recordPollError("mongo")
			if onError != nil {
				onError(err)
			}
		},
	})
	a.mu.Unlock()

	a.poller.Start()
	logger.Info("Mongo adapter started (poll_interval: %v)", a.opts.PollInterval)
	return nil
}

// Stop cancels the next tick and awaits the in-flight batch. Idempotent.
func (a *MongoAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	poller := a.poller
	a.mu.Unlock()

	if poller == nil {
		return nil
	}
	return poller.Stop(ctx)
}

// candidateFilter matches due CREATED events plus stuck ACTIVE events
// whose visibility deadline has passed.
func candidateFilter(now time.Time) bson.M {
	return bson.M{
		"$or": bson.A{
			bson.M{"status": string(EventStatusCreated), "next_attempt_at": bson.M{"$lte": now}},
			bson.M{"status": string(EventStatusActive), "visibility_deadline": bson.M{"$lte": now}},
		},
	}
}

// processBatch claims one document at a time until the batch is full or
// the queue drains, then dispatches the batch.
func (a *MongoAdapter) processBatch(ctx context.Context) error {
	now := time.Now()
	deadline := now.Add(a.opts.ProcessingTimeout)

	var claimed []*StoredEvent
	for len(claimed) < a.opts.BatchSize {
		update := bson.M{"$set": bson.M{
			"status":              string(EventStatusActive),
			"started_on":          now,
			"visibility_deadline": deadline,
			"claimed_by":          a.opts.InstanceID,
		}}

		var doc mongoEvent
		err := a.coll.FindOneAndUpdate(ctx, candidateFilter(now), update,
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to claim event: %w", err)
		}
		claimed = append(claimed, doc.toStored())
	}

	if len(claimed) == 0 {
		return nil
	}

	a.statsClaimed.Add(int64(len(claimed)))
	recordClaimBatch("mongo", len(claimed))

	for _, se := range claimed {
		a.dispatchOne(ctx, se)
	}
	return nil
}

func (a *MongoAdapter) dispatchOne(ctx context.Context, se *StoredEvent) {
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
		if _, delErr := a.coll.DeleteOne(ctx, bson.M{"_id": se.ID}); delErr != nil {
			logger.Error("Failed to complete event %s: %v", se.ID, delErr)
			if a.onError != nil {
				a.onError(delErr)
			}
			return
		}
		a.statsCompleted.Add(1)
		recordEventProcessed("mongo", &se.Event, EventStatusCompleted, now.Sub(started))
		return
	}

	if se.RetryCount >= a.opts.MaxRetries {
		if settleErr := a.settleFailed(ctx, se, err); settleErr != nil {
			logger.Error("Failed to dead-letter event %s: %v", se.ID, settleErr)
		}
		recordEventProcessed("mongo", &se.Event, EventStatusFailed, now.Sub(started))
		return
	}

	delay := a.opts.RetryPolicy.Delay(se.RetryCount + 1)
	se.MarkRetry(now, delay, err)

	_, updErr := a.coll.UpdateOne(ctx, bson.M{"_id": se.ID}, bson.M{
		"$set": bson.M{
			"status":          string(EventStatusCreated),
			"retry_count":     se.RetryCount,
			"next_attempt_at": se.NextAttemptAt,
			"last_error":      se.LastError,
		},
		"$unset": bson.M{"visibility_deadline": ""},
	})
	if updErr != nil {
		logger.Error("Failed to reschedule event %s: %v", se.ID, updErr)
	}

	recordEventProcessed("mongo", &se.Event, EventStatusCreated, now.Sub(started))
	if a.onError != nil {
		a.onError(err)
	}
}

func (a *MongoAdapter) settleFailed(ctx context.Context, se *StoredEvent, cause error) error {
	now := time.Now()
	se.MarkFailed(now, cause)

	_, err := a.coll.UpdateOne(ctx, bson.M{"_id": se.ID}, bson.M{
		"$set": bson.M{
			"status":       string(EventStatusFailed),
			"completed_on": now,
			"last_error":   se.LastError,
		},
		"$unset": bson.M{"visibility_deadline": ""},
	})
	if err != nil {
		return err
	}

	a.statsFailed.Add(1)
	ReportEventError(a.onError, cause, &se.Event, se.RetryCount, a.opts.MaxRetries)
	return nil
}

// GetFailedEvents lists dead-lettered events, newest first.
func (a *MongoAdapter) GetFailedEvents(ctx context.Context) ([]*FailedEvent, error) {
	cursor, err := a.coll.Find(ctx,
		bson.M{"status": string(EventStatusFailed)},
		options.Find().
			SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
			SetLimit(int64(FailedEventsLimit)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*FailedEvent
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			logger.Warn("Failed to decode event: %v", err)
			continue
		}
		out = append(out, doc.toStored().Failed())
	}
	return out, cursor.Err()
}

// RetryEvents re-queues dead-lettered events with counters reset.
// Missing ids are silently ignored.
func (a *MongoAdapter) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := a.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": string(EventStatusFailed)},
		bson.M{
			"$set": bson.M{
				"status":          string(EventStatusCreated),
				"retry_count":     0,
				"last_error":      "",
				"next_attempt_at": time.Now(),
			},
			"$unset": bson.M{"completed_on": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to retry events: %w", err)
	}
	return nil
}

// Stats returns adapter statistics
func (a *MongoAdapter) Stats(ctx context.Context) (*AdapterStats, error) {
	pending, err := a.coll.CountDocuments(ctx, bson.M{"status": string(EventStatusCreated)})
	if err != nil {
		logger.Warn("Failed to count pending events: %v", err)
	}
	active, _ := a.coll.CountDocuments(ctx, bson.M{"status": string(EventStatusActive)})
	failed, _ := a.coll.CountDocuments(ctx, bson.M{"status": string(EventStatusFailed)})

	updateQueueDepth("mongo", pending)

	return &AdapterStats{
		AdapterType:     "mongo",
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
			"collection": a.coll.Name(),
		},
	}, nil
}
