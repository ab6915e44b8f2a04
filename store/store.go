// Package store is the persistent heart of the engine: an append-only
// per-canvas event log with dense monotonic versions, plus a materialised
// shape projection kept in the same transaction as every append.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/merge"
)

// Query constants
const (
	canvasUpsertQuery = `
		INSERT INTO canvases (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			name = CASE WHEN canvases.name = '' THEN excluded.name ELSE canvases.name END`

	canvasSelectQuery = `
		SELECT id, name, created_at, updated_at FROM canvases WHERE id = ?`

	canvasTouchQuery = `
		UPDATE canvases SET updated_at = ? WHERE id = ?`

	maxVersionQuery = `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE canvas_id = ?`

	eventByLocalIDQuery = `
		SELECT id, version, payload FROM events
		WHERE canvas_id = ? AND local_event_id = ?`

	eventInsertQuery = `
		INSERT INTO events (id, canvas_id, shape_id, user_id, local_event_id, event_type, payload, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	eventsSinceQuery = `
		SELECT id, canvas_id, COALESCE(shape_id, ''), user_id, local_event_id, event_type, payload, version, created_at
		FROM events
		WHERE canvas_id = ? AND version > ?
		ORDER BY version ASC`

	shapeSelectQuery = `
		SELECT id, canvas_id, type, properties, property_ts, z_index, created_at, updated_at, deleted_at
		FROM shapes
		WHERE canvas_id = ? AND id = ?`

	shapeUpsertQuery = `
		INSERT INTO shapes (id, canvas_id, type, properties, property_ts, z_index, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, canvas_id) DO UPDATE SET
			type = excluded.type,
			properties = excluded.properties,
			property_ts = excluded.property_ts,
			z_index = excluded.z_index,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`

	liveShapesQuery = `
		SELECT id, canvas_id, type, properties, property_ts, z_index, created_at, updated_at, deleted_at
		FROM shapes
		WHERE canvas_id = ? AND deleted_at IS NULL
		ORDER BY z_index ASC, created_at ASC`
)

// conflictWindow is how close (either direction) a shape's last server
// write must be to the client's declared base timestamp for the store to
// treat an incoming update as possibly conflicting.
const conflictWindow = time.Second

// EventStore owns the three canvas tables and enforces the write
// protocol: one transaction per append, versions allocated under a
// per-canvas lock so concurrent writers to one canvas serialise while
// writes to different canvases never contend.
type EventStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	mu          sync.Mutex
	canvasLocks map[string]*sync.Mutex
}

// NewEventStore creates an event store over an opened, migrated database.
func NewEventStore(db *sql.DB, logger *zap.SugaredLogger) *EventStore {
	return &EventStore{
		db:          db,
		logger:      logger,
		canvasLocks: make(map[string]*sync.Mutex),
	}
}

func (s *EventStore) canvasLock(canvasID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.canvasLocks[canvasID]
	if !ok {
		l = &sync.Mutex{}
		s.canvasLocks[canvasID] = l
	}
	return l
}

// GetOrCreateCanvas returns the canvas row for id, creating it on first
// access. Idempotent; every access bumps updated_at. An empty name is
// kept only until some caller supplies one.
func (s *EventStore) GetOrCreateCanvas(ctx context.Context, id, name string) (*Canvas, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, canvasUpsertQuery, id, name, formatTime(now), formatTime(now)); err != nil {
		return nil, errors.Wrapf(err, "upsert canvas %s", id)
	}
	return s.GetCanvas(ctx, id)
}

// GetCanvas returns canvas metadata, or ErrNotFound.
func (s *EventStore) GetCanvas(ctx context.Context, id string) (*Canvas, error) {
	var c Canvas
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, canvasSelectQuery, id).Scan(&c.ID, &c.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("canvas %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select canvas %s", id)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// StoreEvent appends one event atomically: allocate the next version,
// insert the log row, fold the projection, bump the canvas — all in one
// transaction. Non-storable kinds short-circuit with the canvas's
// current version and Stored=false. A localEventID the canvas has seen
// before returns the original commit instead of storing again.
func (s *EventStore) StoreEvent(ctx context.Context, canvasID, userID string, kind event.Kind, shapeID string, payload event.Payload, localEventID string) (*StoreResult, error) {
	if !event.IsStorable(kind) {
		version, err := s.currentVersion(ctx, canvasID)
		if err != nil {
			return nil, err
		}
		return &StoreResult{Version: version, Payload: payload, Stored: false}, nil
	}

	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	result, err := s.storeEventTx(tx, canvasID, userID, kind, shapeID, payload, localEventID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit event")
	}
	return result, nil
}

// StoreBatch applies a client's buffered events in one transaction, in
// the order given. Per event it runs dedup, conflict resolution, version
// allocation and projection; conflicts are accumulated for the caller.
// On any failure the whole batch rolls back.
func (s *EventStore) StoreBatch(ctx context.Context, canvasID string, events []PendingEvent) (*BatchResult, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin batch tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := &BatchResult{}

	for _, pe := range events {
		if !event.IsStorable(pe.Kind) {
			continue
		}
		res, err := s.storeEventTx(tx, canvasID, pe.UserID, pe.Kind, pe.ShapeID, pe.Payload, pe.LocalEventID, now)
		if err != nil {
			return nil, errors.Wrapf(err, "batch event %s", pe.LocalEventID)
		}
		out.Stored = append(out.Stored, Event{
			ID:           res.EventID,
			CanvasID:     canvasID,
			ShapeID:      pe.ShapeID,
			UserID:       pe.UserID,
			LocalEventID: pe.LocalEventID,
			Kind:         pe.Kind,
			Payload:      res.Payload,
			Version:      res.Version,
			CreatedAt:    now,
		})
		if res.HadConflict {
			out.Conflicts = append(out.Conflicts, Conflict{
				LocalEventID: pe.LocalEventID,
				ShapeID:      pe.ShapeID,
				Resolved:     res.Payload,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit batch")
	}
	return out, nil
}

// storeEventTx is the shared single-event write path. Caller holds the
// canvas lock and owns the transaction.
func (s *EventStore) storeEventTx(tx *sql.Tx, canvasID, userID string, kind event.Kind, shapeID string, payload event.Payload, localEventID string, now time.Time) (*StoreResult, error) {
	if localEventID != "" {
		if existing, err := s.findByLocalID(tx, canvasID, localEventID); err != nil {
			return nil, err
		} else if existing != nil {
			s.logger.Debugw("Duplicate local event, returning original commit",
				"canvas_id", canvasID,
				"local_event_id", localEventID,
				"version", existing.Version,
			)
			return existing, nil
		}
	}

	normalized := event.Normalize(kind, payload)

	hadConflict := false
	var shape *Shape
	if shapeID != "" {
		var err error
		shape, err = s.loadShapeTx(tx, canvasID, shapeID)
		if err != nil {
			return nil, err
		}
	}

	if shape != nil && mergesProperties(kind) {
		if resolved, merged := s.resolveConflict(shape, normalized, now); merged {
			normalized = resolved
			hadConflict = true
		}
	}

	var maxVersion int64
	if err := tx.QueryRow(maxVersionQuery, canvasID).Scan(&maxVersion); err != nil {
		return nil, errors.Wrapf(err, "max version for canvas %s", canvasID)
	}
	version := maxVersion + 1

	payloadJSON, err := json.Marshal(normalized)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	eventID := uuid.NewString()
	var shapeIDParam interface{}
	if shapeID != "" {
		shapeIDParam = shapeID
	}
	if _, err := tx.Exec(eventInsertQuery,
		eventID, canvasID, shapeIDParam, userID, localEventID, string(kind), string(payloadJSON), version, formatTime(now),
	); err != nil {
		return nil, errors.Wrapf(err, "insert event v%d", version)
	}

	if err := s.projectTx(tx, canvasID, shapeID, kind, normalized, shape, now); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(canvasTouchQuery, formatTime(now), canvasID); err != nil {
		return nil, errors.Wrapf(err, "touch canvas %s", canvasID)
	}

	return &StoreResult{
		EventID:     eventID,
		Version:     version,
		Payload:     normalized,
		Stored:      true,
		HadConflict: hadConflict,
	}, nil
}

// mergesProperties reports whether the kind carries a property map that
// the server-side conflict merge applies to.
func mergesProperties(kind event.Kind) bool {
	switch kind {
	case event.ShapeEdited, event.LegacyShapeUpdated, event.LegacyShapeResized, event.LegacyShapeRotated:
		return true
	}
	return false
}

// resolveConflict runs the server-side safety net: if the shape row was
// written within one second of the client's declared base timestamp, a
// concurrent edit is possible, so the incoming properties are merged
// against the server's per-property touch times instead of applied
// blindly. Returns the payload with merged properties and whether a
// merge happened.
func (s *EventStore) resolveConflict(shape *Shape, p event.Payload, now time.Time) (event.Payload, bool) {
	declared := int64(0)
	if raw, ok := p["timestamp"]; ok {
		declared = tsMillis(raw)
	}
	if declared == 0 {
		declared = now.UnixMilli()
	}

	delta := shape.UpdatedAt.UnixMilli() - declared
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > conflictWindow {
		return p, false
	}

	remoteProps := p.Properties()
	if len(remoteProps) == 0 {
		return p, false
	}
	remoteTS := p.PropertyTimestamps()
	if len(remoteTS) == 0 {
		// Client sent no touch times; treat every key as touched at the
		// declared base timestamp.
		remoteTS = map[string]int64{}
		for k := range remoteProps {
			remoteTS[k] = declared
		}
	}

	merged := merge.MergeProperties(shape.Properties, shape.Properties, remoteProps, shape.PropertyTS, remoteTS)

	out := event.Payload{}
	for k, v := range p {
		out[k] = v
	}
	out[event.KeyProperties] = merged
	out[event.KeyPropertyTimestamps] = timestampsToAny(merge.MergeTimestamps(shape.PropertyTS, remoteTS))

	s.logger.Debugw("Concurrent shape edit merged",
		"shape_id", shape.ID,
		"window_ms", delta,
	)
	return out, true
}

// projectTx folds the event into the shapes table, reusing the shape row
// already loaded for conflict detection when available.
func (s *EventStore) projectTx(tx *sql.Tx, canvasID, shapeID string, kind event.Kind, p event.Payload, loaded *Shape, now time.Time) error {
	if shapeID == "" {
		return nil
	}

	shapes := map[string]*Shape{}
	if loaded != nil {
		shapes[shapeID] = loaded
	}
	Apply(shapes, shapeID, kind, p, now)

	shape := shapes[shapeID]
	if shape == nil {
		// No row and the kind does not create one (edit of an unknown
		// shape): audit-log only.
		return nil
	}
	shape.CanvasID = canvasID
	return s.upsertShapeTx(tx, shape)
}

// GetCanvasState returns the live projection: non-deleted shapes by
// z-index ascending, plus the canvas's current max version.
//
// The version is read before the shapes. A commit landing between the
// two reads then only makes the snapshot report a version older than
// the shapes it carries, which a client heals by replaying events it
// has already absorbed (the projection is idempotent). The reverse
// order could report a version ahead of the shapes, and those missing
// events would never be backfilled.
func (s *EventStore) GetCanvasState(ctx context.Context, canvasID string) (*CanvasState, error) {
	version, err := s.currentVersion(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, liveShapesQuery, canvasID)
	if err != nil {
		return nil, errors.Wrapf(err, "select shapes for canvas %s", canvasID)
	}
	defer rows.Close()

	shapes := []*Shape{}
	for rows.Next() {
		shape, err := scanShape(rows)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, shape)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate shapes")
	}

	return &CanvasState{Shapes: shapes, Version: version}, nil
}

// EventsSince returns the log tail with version strictly greater than
// since, ascending.
func (s *EventStore) EventsSince(ctx context.Context, canvasID string, since int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, eventsSinceQuery, canvasID, since)
	if err != nil {
		return nil, errors.Wrapf(err, "select events for canvas %s", canvasID)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var kind, payloadJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.CanvasID, &e.ShapeID, &e.UserID, &e.LocalEventID, &kind, &payloadJSON, &e.Version, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Kind = event.Kind(kind)
		e.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of event %s", e.ID)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return events, nil
}

func (s *EventStore) currentVersion(ctx context.Context, canvasID string) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, maxVersionQuery, canvasID).Scan(&version); err != nil {
		return 0, errors.Wrapf(err, "max version for canvas %s", canvasID)
	}
	return version, nil
}

func (s *EventStore) findByLocalID(tx *sql.Tx, canvasID, localEventID string) (*StoreResult, error) {
	var eventID, payloadJSON string
	var version int64
	err := tx.QueryRow(eventByLocalIDQuery, canvasID, localEventID).Scan(&eventID, &version, &payloadJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup local event %s", localEventID)
	}
	var payload event.Payload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, errors.Wrapf(err, "decode payload of event %s", eventID)
	}
	return &StoreResult{EventID: eventID, Version: version, Payload: payload, Stored: true}, nil
}

func (s *EventStore) loadShapeTx(tx *sql.Tx, canvasID, shapeID string) (*Shape, error) {
	row := tx.QueryRow(shapeSelectQuery, canvasID, shapeID)
	shape, err := scanShape(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shape, err
}

func (s *EventStore) upsertShapeTx(tx *sql.Tx, shape *Shape) error {
	propsJSON, err := json.Marshal(shape.Properties)
	if err != nil {
		return errors.Wrap(err, "marshal properties")
	}
	tsJSON, err := json.Marshal(shape.PropertyTS)
	if err != nil {
		return errors.Wrap(err, "marshal property timestamps")
	}

	var deletedAt interface{}
	if shape.DeletedAt != nil {
		deletedAt = formatTime(*shape.DeletedAt)
	}

	if _, err := tx.Exec(shapeUpsertQuery,
		shape.ID, shape.CanvasID, shape.Type, string(propsJSON), string(tsJSON),
		shape.ZIndex, formatTime(shape.CreatedAt), formatTime(shape.UpdatedAt), deletedAt,
	); err != nil {
		return errors.Wrapf(err, "upsert shape %s", shape.ID)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanShape(row scanner) (*Shape, error) {
	var s Shape
	var propsJSON, tsJSON, createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&s.ID, &s.CanvasID, &s.Type, &propsJSON, &tsJSON, &s.ZIndex, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(propsJSON), &s.Properties); err != nil {
		return nil, errors.Wrapf(err, "decode properties of shape %s", s.ID)
	}
	if err := json.Unmarshal([]byte(tsJSON), &s.PropertyTS); err != nil {
		return nil, errors.Wrapf(err, "decode property timestamps of shape %s", s.ID)
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		s.DeletedAt = &t
	}
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func tsMillis(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}

func timestampsToAny(in map[string]int64) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
