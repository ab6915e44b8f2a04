package client

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/store"
)

// Durable offline buffer. One row per pending event, keyed by the
// client-minted local event ID; survives process restarts so edits made
// while offline are never lost.
const (
	pendingSchemaSQL = `
		CREATE TABLE IF NOT EXISTS pending_events (
			local_event_id TEXT PRIMARY KEY,
			canvas_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			shape_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_canvas_ts
			ON pending_events(canvas_id, timestamp);`

	pendingInsertQuery = `
		INSERT OR REPLACE INTO pending_events
			(local_event_id, canvas_id, event_type, shape_id, payload, user_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	pendingListQuery = `
		SELECT local_event_id, canvas_id, event_type, shape_id, payload, user_id, timestamp
		FROM pending_events
		WHERE canvas_id = ?
		ORDER BY timestamp ASC`

	pendingDeleteQuery = `
		DELETE FROM pending_events WHERE local_event_id = ?`

	pendingClearQuery = `
		DELETE FROM pending_events WHERE canvas_id = ?`

	pendingCountQuery = `
		SELECT COUNT(*) FROM pending_events WHERE canvas_id = ?`
)

// PendingStore persists the sync queue's unacknowledged events.
type PendingStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewPendingStore creates the durable queue over an opened database,
// creating its table on first use.
func NewPendingStore(db *sql.DB, logger *zap.SugaredLogger) (*PendingStore, error) {
	if _, err := db.Exec(pendingSchemaSQL); err != nil {
		return nil, errors.Wrap(err, "create pending_events schema")
	}
	return &PendingStore{db: db, logger: logger}, nil
}

// Enqueue persists one pending event. Re-enqueueing the same local
// event ID overwrites the previous row (latest payload wins).
func (p *PendingStore) Enqueue(ctx context.Context, pe store.PendingEvent) error {
	payloadJSON, err := json.Marshal(pe.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal pending payload")
	}
	if _, err := p.db.ExecContext(ctx, pendingInsertQuery,
		pe.LocalEventID, pe.CanvasID, string(pe.Kind), pe.ShapeID, string(payloadJSON), pe.UserID, pe.Timestamp,
	); err != nil {
		return errors.Wrapf(err, "enqueue pending event %s", pe.LocalEventID)
	}
	p.logger.Debugw("Event enqueued for later sync",
		"local_event_id", pe.LocalEventID,
		"event_type", pe.Kind,
	)
	return nil
}

// List returns the canvas's pending events ordered by timestamp.
func (p *PendingStore) List(ctx context.Context, canvasID string) ([]store.PendingEvent, error) {
	rows, err := p.db.QueryContext(ctx, pendingListQuery, canvasID)
	if err != nil {
		return nil, errors.Wrapf(err, "list pending for canvas %s", canvasID)
	}
	defer rows.Close()

	out := []store.PendingEvent{}
	for rows.Next() {
		var pe store.PendingEvent
		var kind, payloadJSON string
		if err := rows.Scan(&pe.LocalEventID, &pe.CanvasID, &kind, &pe.ShapeID, &payloadJSON, &pe.UserID, &pe.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan pending event")
		}
		pe.Kind = event.Kind(kind)
		if err := json.Unmarshal([]byte(payloadJSON), &pe.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode pending payload %s", pe.LocalEventID)
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// Remove deletes one acknowledged event.
func (p *PendingStore) Remove(ctx context.Context, localEventID string) error {
	_, err := p.db.ExecContext(ctx, pendingDeleteQuery, localEventID)
	return errors.Wrapf(err, "remove pending event %s", localEventID)
}

// Clear empties the canvas's queue after a successful batch sync.
func (p *PendingStore) Clear(ctx context.Context, canvasID string) error {
	_, err := p.db.ExecContext(ctx, pendingClearQuery, canvasID)
	return errors.Wrapf(err, "clear pending for canvas %s", canvasID)
}

// Count returns how many events are waiting for the canvas.
func (p *PendingStore) Count(ctx context.Context, canvasID string) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, pendingCountQuery, canvasID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count pending for canvas %s", canvasID)
	}
	return n, nil
}
