package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// SQLAdapter implements the storage contract on a relational database
// through bun. Claiming uses SELECT ... FOR UPDATE SKIP LOCKED bounded
// by the batch size, so competing workers against the same table never
// double-claim; lost races are skipped by the database itself.
// Completed events are deleted, optionally moving to an archive table
// inside the same transaction.
type SQLAdapter struct {
	db           *bun.DB
	table        string
	archiveTable string
	archive      bool
	opts         AdapterOptions

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

// SQLAdapterConfig configures the SQL adapter
type SQLAdapterConfig struct {
	DB *bun.DB

	// Table is the outbox table name. Defaults to "outbox_events".
	Table string

	// ArchiveCompleted moves completed events to ArchiveTable instead
	// of deleting them outright. The archive write and the delete
	// commit in the same transaction.
	ArchiveCompleted bool

	// ArchiveTable defaults to Table + "_archive".
	ArchiveTable string

	Options AdapterOptions
}

// NewSQLAdapter creates a SQL adapter and bootstraps its schema.
func NewSQLAdapter(cfg SQLAdapterConfig) (*SQLAdapter, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Table == "" {
		cfg.Table = "outbox_events"
	}
	if cfg.ArchiveTable == "" {
		cfg.ArchiveTable = cfg.Table + "_archive"
	}
	cfg.Options.applyDefaults()

	a := &SQLAdapter{
		db:           cfg.DB,
		table:        cfg.Table,
		archiveTable: cfg.ArchiveTable,
		archive:      cfg.ArchiveCompleted,
		opts:         cfg.Options,
	}

	if err := a.createSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}

	logger.Info("SQL adapter initialized (table: %s, archive: %v, batch_size: %d)",
		cfg.Table, cfg.ArchiveCompleted, cfg.Options.BatchSize)
	return a, nil
}

// Publish inserts all events in one statement. The transaction token,
// explicit or ambient, must be a bun.IDB (bun.Tx or *bun.DB); when one
// is supplied the insert is enlisted and the caller commits.
func (a *SQLAdapter) Publish(ctx context.Context, events []*Event, tx Tx) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid event: %w", err)
		}
	}

	idb := bun.IDB(a.db)
	if token := ResolveTx(ctx, tx); token != nil {
		resolved, ok := token.(bun.IDB)
		if !ok {
			return fmt.Errorf("unsupported transaction token %T for SQL adapter", token)
		}
		idb = resolved
	}

	query, args, err := a.buildInsert(events)
	if err != nil {
		return err
	}

	if _, err := idb.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	a.statsPublished.Add(int64(len(events)))
	recordEventsPublished("sql", events)
	return nil
}

func (a *SQLAdapter) buildInsert(events []*Event) (string, []interface{}, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (
		id, type, payload, metadata, occurred_at,
		status, retry_count, next_attempt_at
	) VALUES `, a.table)

	args := make([]interface{}, 0, len(events)*8)
	for i, e := range events {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")

		args = append(args,
			e.ID, e.Type, []byte(e.Payload), metadataJSON, e.OccurredAt,
			string(EventStatusCreated), 0, e.OccurredAt,
		)
	}

	return sb.String(), args, nil
}

// Start begins the polling loop. Idempotent while running.
func (a *SQLAdapter) Start(ctx context.Context, handler Handler, onError func(error)) error {
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
			recordPollError("sql")
			if onError != nil {
				onError(err)
			}
		},
	})
	a.mu.Unlock()

	a.poller.Start()
	logger.Info("SQL adapter started (table: %s, poll_interval: %v)", a.table, a.opts.PollInterval)
	return nil
}

// Stop cancels the next tick and awaits the in-flight batch. Idempotent.
func (a *SQLAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	poller := a.poller
	a.mu.Unlock()

	if poller == nil {
		return nil
	}
	return poller.Stop(ctx)
}

// processBatch claims a batch under SKIP LOCKED and dispatches it.
// Stuck ACTIVE events (expired visibility deadline) are part of the
// candidate predicate, so no separate maintenance pass is needed.
func (a *SQLAdapter) processBatch(ctx context.Context) error {
	claimed, err := a.claimBatch(ctx)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	a.statsClaimed.Add(int64(len(claimed)))
	recordClaimBatch("sql", len(claimed))

	for _, se := range claimed {
		a.dispatchOne(ctx, se)
	}
	return nil
}

func (a *SQLAdapter) claimBatch(ctx context.Context) ([]*StoredEvent, error) {
	now := time.Now()
	var claimed []*StoredEvent

	err := a.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		query := fmt.Sprintf(`
			SELECT id, type, payload, metadata, occurred_at,
			       status, retry_count, next_attempt_at,
			       visibility_deadline, started_on, completed_on, last_error, claimed_by
			FROM %s
			WHERE (status = ? AND next_attempt_at <= ?)
			   OR (status = ? AND visibility_deadline <= ?)
			ORDER BY next_attempt_at ASC
			LIMIT %d
			FOR UPDATE SKIP LOCKED
		`, a.table, a.opts.BatchSize)

		rows, err := tx.QueryContext(ctx, query,
			string(EventStatusCreated), now, string(EventStatusActive), now)
		if err != nil {
			return fmt.Errorf("failed to select candidates: %w", err)
		}

		claimed = claimed[:0]
		for rows.Next() {
			se, err := scanStoredEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, se)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(claimed) == 0 {
			return nil
		}

		placeholders := make([]string, len(claimed))
		args := []interface{}{string(EventStatusActive), now, now.Add(a.opts.ProcessingTimeout), a.opts.InstanceID}
		for i, se := range claimed {
			placeholders[i] = "?"
			args = append(args, se.ID)
		}

		update := fmt.Sprintf(`
			UPDATE %s
			SET status = ?, started_on = ?, visibility_deadline = ?, claimed_by = ?
			WHERE id IN (%s)
		`, a.table, strings.Join(placeholders, ", "))

		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("failed to claim events: %w", err)
		}

		for _, se := range claimed {
			se.MarkActive(now, a.opts.ProcessingTimeout, a.opts.InstanceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (a *SQLAdapter) dispatchOne(ctx context.Context, se *StoredEvent) {
	started := time.Now()

	if a.opts.MaxRetries == 0 {
		err := fmt.Errorf("retry budget is zero")
		if settleErr := a.settleFailed(ctx, se, err); settleErr != nil {
			logger.Error("Failed to dead-letter event %s: %v", se.ID, settleErr)
		}
		return
	}

	err := a.handler(ctx, &se.Event)
	now := time.Now()

	if err == nil {
		if settleErr := a.settleCompleted(ctx, se, now); settleErr != nil {
			logger.Error("Failed to complete event %s: %v", se.ID, settleErr)
			if a.onError != nil {
				a.onError(settleErr)
			}
			return
		}
		a.statsCompleted.Add(1)
		recordEventProcessed("sql", &se.Event, EventStatusCompleted, now.Sub(started))
		return
	}

	if se.RetryCount >= a.opts.MaxRetries {
		if settleErr := a.settleFailed(ctx, se, err); settleErr != nil {
			logger.Error("Failed to dead-letter event %s: %v", se.ID, settleErr)
		}
		recordEventProcessed("sql", &se.Event, EventStatusFailed, now.Sub(started))
		return
	}

	delay := a.opts.RetryPolicy.Delay(se.RetryCount + 1)
	se.MarkRetry(now, delay, err)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, retry_count = ?, next_attempt_at = ?,
		    visibility_deadline = NULL, last_error = ?
		WHERE id = ?
	`, a.table)

	if _, execErr := a.db.ExecContext(ctx, query,
		string(EventStatusCreated), se.RetryCount, se.NextAttemptAt, se.LastError, se.ID); execErr != nil {
		logger.Error("Failed to reschedule event %s: %v", se.ID, execErr)
	}

	recordEventProcessed("sql", &se.Event, EventStatusCreated, now.Sub(started))
	if a.onError != nil {
		a.onError(err)
	}
}

func (a *SQLAdapter) settleCompleted(ctx context.Context, se *StoredEvent, now time.Time) error {
	if !a.archive {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", a.table)
		_, err := a.db.ExecContext(ctx, query, se.ID)
		return err
	}

	// Archive write and live-row delete commit together.
	return a.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		insert := fmt.Sprintf(`
			INSERT INTO %s (id, type, payload, metadata, occurred_at, retry_count, completed_on)
			SELECT id, type, payload, metadata, occurred_at, retry_count, ?
			FROM %s WHERE id = ?
		`, a.archiveTable, a.table)
		if _, err := tx.ExecContext(ctx, insert, now, se.ID); err != nil {
			return fmt.Errorf("failed to archive event: %w", err)
		}

		del := fmt.Sprintf("DELETE FROM %s WHERE id = ?", a.table)
		if _, err := tx.ExecContext(ctx, del, se.ID); err != nil {
			return fmt.Errorf("failed to delete archived event: %w", err)
		}
		return nil
	})
}

func (a *SQLAdapter) settleFailed(ctx context.Context, se *StoredEvent, cause error) error {
	now := time.Now()
	se.MarkFailed(now, cause)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, completed_on = ?, visibility_deadline = NULL, last_error = ?
		WHERE id = ?
	`, a.table)

	if _, err := a.db.ExecContext(ctx, query,
		string(EventStatusFailed), now, se.LastError, se.ID); err != nil {
		return err
	}

	a.statsFailed.Add(1)
	ReportEventError(a.onError, cause, &se.Event, se.RetryCount, a.opts.MaxRetries)
	return nil
}

// GetFailedEvents lists dead-lettered events, newest first.
func (a *SQLAdapter) GetFailedEvents(ctx context.Context) ([]*FailedEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, type, payload, metadata, occurred_at,
		       status, retry_count, next_attempt_at,
		       visibility_deadline, started_on, completed_on, last_error, claimed_by
		FROM %s
		WHERE status = ?
		ORDER BY occurred_at DESC
		LIMIT %d
	`, a.table, FailedEventsLimit)

	rows, err := a.db.QueryContext(ctx, query, string(EventStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	defer rows.Close()

	var out []*FailedEvent
	for rows.Next() {
		se, err := scanStoredEvent(rows)
		if err != nil {
			logger.Warn("Failed to scan event: %v", err)
			continue
		}
		out = append(out, se.Failed())
	}
	return out, rows.Err()
}

// RetryEvents re-queues dead-lettered events with counters reset.
// Missing ids are silently ignored.
func (a *SQLAdapter) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := []interface{}{string(EventStatusCreated), time.Now(), string(EventStatusFailed)}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, retry_count = 0, last_error = '',
		    next_attempt_at = ?, completed_on = NULL
		WHERE status = ? AND id IN (%s)
	`, a.table, strings.Join(placeholders, ", "))

	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to retry events: %w", err)
	}
	return nil
}

// Stats returns adapter statistics
func (a *SQLAdapter) Stats(ctx context.Context) (*AdapterStats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'created') as pending,
			COUNT(*) FILTER (WHERE status = 'active') as active,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) as total
		FROM %s
	`, a.table)

	var pending, active, failed, total int64
	row := a.db.QueryRowContext(ctx, query)
	if err := row.Scan(&pending, &active, &failed, &total); err != nil {
		logger.Warn("Failed to scan stats: %v", err)
	}

	updateQueueDepth("sql", pending)

	return &AdapterStats{
		AdapterType:     "sql",
		InstanceID:      a.opts.InstanceID,
		TotalEvents:     total,
		PendingEvents:   pending,
		ActiveEvents:    active,
		CompletedEvents: a.statsCompleted.Load(),
		FailedEvents:    failed,
		EventsPublished: a.statsPublished.Load(),
		EventsClaimed:   a.statsClaimed.Load(),
		PollErrors:      a.statsPollErrs.Load(),
		AdapterSpecific: map[string]interface{}{
			"table":   a.table,
			"archive": a.archive,
		},
	}, nil
}

func (a *SQLAdapter) createSchema(ctx context.Context) error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			type VARCHAR(255) NOT NULL,
			payload JSONB,
			metadata JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'created',
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			visibility_deadline TIMESTAMPTZ,
			started_on TIMESTAMPTZ,
			completed_on TIMESTAMPTZ,
			last_error TEXT,
			claimed_by VARCHAR(255)
		)
	`, a.table)

	if _, err := a.db.ExecContext(ctx, create); err != nil {
		return err
	}

	if a.archive {
		createArchive := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(255) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload JSONB,
				metadata JSONB,
				occurred_at TIMESTAMPTZ NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				completed_on TIMESTAMPTZ NOT NULL
			)
		`, a.archiveTable)
		if _, err := a.db.ExecContext(ctx, createArchive); err != nil {
			return err
		}
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_due ON %s(status, next_attempt_at)", a.table, a.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_stuck ON %s(status, visibility_deadline)", a.table, a.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_occurred ON %s(occurred_at)", a.table, a.table),
	}
	for _, idx := range indexes {
		if _, err := a.db.ExecContext(ctx, idx); err != nil {
			logger.Warn("Failed to create index: %v", err)
		}
	}
	return nil
}

// scanStoredEvent scans one outbox row.
func scanStoredEvent(rows *sql.Rows) (*StoredEvent, error) {
	se := &StoredEvent{}
	var status string
	var payload, metadataJSON []byte
	var visibilityDeadline, startedOn, completedOn sql.NullTime
	var lastError, claimedBy sql.NullString

	if err := rows.Scan(
		&se.ID, &se.Type, &payload, &metadataJSON, &se.OccurredAt,
		&status, &se.RetryCount, &se.NextAttemptAt,
		&visibilityDeadline, &startedOn, &completedOn, &lastError, &claimedBy,
	); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	se.Status = EventStatus(status)
	se.Payload = payload

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &se.Metadata); err != nil {
			logger.Warn("Failed to unmarshal metadata for event %s: %v", se.ID, err)
		}
	}
	if visibilityDeadline.Valid {
		se.VisibilityDeadline = &visibilityDeadline.Time
	}
	if startedOn.Valid {
		se.StartedOn = &startedOn.Time
	}
	if completedOn.Valid {
		se.CompletedOn = &completedOn.Time
	}
	if lastError.Valid {
		se.LastError = lastError.String
	}
	if claimedBy.Valid {
		se.ClaimedBy = claimedBy.String
	}

	return se, nil
}
