package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outbox bridges a process-local Bus to other VaultStream instances
// sharing the same SQLite database. Every Publish is durably persisted
// to realtime_events (best-effort; the local broadcast already
// happened) and a background poller replays events written by other
// instances into this process's Bus, skipping its own rows by
// source_instance.
//
// Grounded on backend/app/core/events.py's EventBus: a single
// class-level poll loop per process, 0.5s interval, 200-row batches,
// MAX(id) at startup with no backfill.
type Outbox struct {
	db         *sql.DB
	bus        *Bus
	instanceID string
	logger     *slog.Logger

	pollInterval time.Duration
	batchSize    int
	retention    time.Duration

	lastSeenID int64

	cancel context.CancelFunc
	done   chan struct{}
}

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 200
	defaultRetention    = 72 * time.Hour
)

// NewOutbox creates an Outbox. Call Start to begin the poll loop.
func NewOutbox(db *sql.DB, b *Bus, logger *slog.Logger) *Outbox {
	return &Outbox{
		db:           db,
		bus:          b,
		instanceID:   uuid.NewString(),
		logger:       logger,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		retention:    defaultRetention,
	}
}

func (o *Outbox) ensureTable(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS realtime_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_instance TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create realtime_events: %w", err)
	}
	_, err = o.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_realtime_events_id ON realtime_events(id);`)
	if err != nil {
		return fmt.Errorf("create realtime_events index: %w", err)
	}
	return nil
}

// Start creates the outbox table if needed, seeds lastSeenID from the
// current MAX(id) (no backfill of events that predate this instance
// starting up), and launches the poll loop.
func (o *Outbox) Start(ctx context.Context) error {
	if err := o.ensureTable(ctx); err != nil {
		return err
	}
	var maxID sql.NullInt64
	if err := o.db.QueryRowContext(ctx, `SELECT MAX(id) FROM realtime_events;`).Scan(&maxID); err != nil {
		return fmt.Errorf("init last_seen_event_id: %w", err)
	}
	if maxID.Valid {
		o.lastSeenID = maxID.Int64
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.pollLoop(loopCtx)
	return nil
}

// WithRetention overrides the default 72h realtime_events prune window,
// returning o for chaining. Call before Start.
func (o *Outbox) WithRetention(d time.Duration) *Outbox {
	if d > 0 {
		o.retention = d
	}
	return o
}

// Stop cancels the poll loop and waits for it to exit.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

// Publish persists an event to the outbox after it has already been
// broadcast locally by the caller. Persistence failures are logged but
// never block the caller — the local broadcast is what matters most.
func (o *Outbox) Publish(ctx context.Context, topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("outbox_marshal_failed", slog.String("topic", topic), slog.String("error", err.Error()))
		}
		return
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO realtime_events (source_instance, topic, payload_json, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, o.instanceID, topic, string(data))
	if err != nil && o.logger != nil {
		o.logger.Warn("outbox_persist_failed", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// PersistedEvent is one row replayed from realtime_events.
type PersistedEvent struct {
	ID      int64
	Topic   string
	Payload json.RawMessage
}

// EventsSince returns events with id > sinceID, oldest first, capped at
// limit rows. Used by the SSE subscriber surface to satisfy the
// Last-Event-ID reconnect contract against durable, monotonically
// increasing ids rather than the live (id-less) Bus.
func (o *Outbox) EventsSince(ctx context.Context, sinceID int64, limit int) ([]PersistedEvent, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, topic, payload_json
		FROM realtime_events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query realtime_events: %w", err)
	}
	defer rows.Close()

	var events []PersistedEvent
	for rows.Next() {
		var e PersistedEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Topic, &payload); err != nil {
			return nil, fmt.Errorf("scan realtime_events row: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEventID returns the current MAX(id) in realtime_events, or 0 if
// the table is empty. New SSE subscribers without a Last-Event-ID use
// this as their starting point so they only receive events published
// after they connect.
func (o *Outbox) LatestEventID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := o.db.QueryRowContext(ctx, `SELECT MAX(id) FROM realtime_events;`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query max realtime_events id: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

func (o *Outbox) pollLoop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(o.retention / 4)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollOnce(ctx)
		case <-pruneTicker.C:
			o.prune(ctx)
		}
	}
}

func (o *Outbox) pollOnce(ctx context.Context) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, source_instance, topic, payload_json
		FROM realtime_events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, o.lastSeenID, o.batchSize)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("outbox_poll_failed", slog.String("error", err.Error()))
		}
		return
	}
	defer rows.Close()

	type rawEvent struct {
		id       int64
		source   string
		topic    string
		payload  string
	}
	var events []rawEvent
	for rows.Next() {
		var e rawEvent
		if err := rows.Scan(&e.id, &e.source, &e.topic, &e.payload); err != nil {
			continue
		}
		events = append(events, e)
	}

	for _, e := range events {
		o.lastSeenID = e.id
		if e.source == o.instanceID {
			continue // don't re-broadcast our own events
		}
		var payload map[string]interface{}
		_ = json.Unmarshal([]byte(e.payload), &payload)
		o.bus.Publish(e.topic, payload)
	}
}

func (o *Outbox) prune(ctx context.Context) {
	cutoff := time.Now().Add(-o.retention)
	_, err := o.db.ExecContext(ctx, `DELETE FROM realtime_events WHERE created_at < ?;`, cutoff)
	if err != nil && o.logger != nil {
		o.logger.Warn("outbox_prune_failed", slog.String("error", err.Error()))
	}
}
