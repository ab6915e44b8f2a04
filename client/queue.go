package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/merge"
	"github.com/easelhq/easel/server"
	"github.com/easelhq/easel/store"
	"github.com/easelhq/easel/vclock"
)

const (
	// ackTimeout bounds the wait for the server's EVENT_ACK before an
	// edit falls through to the durable queue.
	ackTimeout = 5 * time.Second

	// batchSyncTimeout bounds a reconnect replay.
	batchSyncTimeout = 60 * time.Second

	// coalesceDelay is the quiescence window for merging rapid
	// SHAPE_EDITED updates to one shape.
	coalesceDelay = 300 * time.Millisecond

	// cursorPerSecond throttles outgoing cursor positions.
	cursorPerSecond = 20
)

type ackResult struct {
	LocalEventID string        `json:"localEventId"`
	EventID      string        `json:"eventId"`
	Version      int64         `json:"version"`
	Stored       bool          `json:"stored"`
	HadConflict  bool          `json:"hadConflict"`
	Payload      event.Payload `json:"payload"`
}

type remoteShapeEvent struct {
	EventID   string        `json:"eventId"`
	EventType event.Kind    `json:"eventType"`
	ShapeID   string        `json:"shapeId"`
	UserID    string        `json:"userId"`
	Payload   event.Payload `json:"payload"`
	Version   int64         `json:"version"`
}

type batchSyncResult struct {
	Success      bool               `json:"success"`
	Error        string             `json:"error"`
	StoredEvents []store.Event      `json:"storedEvents"`
	MissedEvents []store.Event      `json:"missedEvents"`
	CurrentState *store.CanvasState `json:"currentState"`
	Conflicts    []store.Conflict   `json:"conflicts"`
}

type coalescedEdit struct {
	localEventID string
	shapeID      string
	payload      event.Payload
	timestamp    int64
	timer        *time.Timer
}

// SyncQueue sits between the UI and the transport: it throttles
// cursors, coalesces rapid edits, attaches causality metadata, waits
// for acks, and falls back to the durable queue whenever the server is
// unreachable or slow.
type SyncQueue struct {
	transport Transport
	pending   *PendingStore
	cache     *LocalCache
	logger    *zap.SugaredLogger

	canvasID string
	userID   string

	cursorLimiter *rate.Limiter
	dragLimiter   *rate.Limiter

	mu        sync.Mutex
	coalesced map[string]*coalescedEdit
	acks      map[string]chan ackResult
	syncCh    chan batchSyncResult
}

// NewSyncQueue wires the queue for one canvas session.
func NewSyncQueue(transport Transport, pending *PendingStore, cache *LocalCache, canvasID, userID string, logger *zap.SugaredLogger) *SyncQueue {
	return &SyncQueue{
		transport:     transport,
		pending:       pending,
		cache:         cache,
		logger:        logger,
		canvasID:      canvasID,
		userID:        userID,
		cursorLimiter: rate.NewLimiter(rate.Limit(cursorPerSecond), 1),
		dragLimiter:   rate.NewLimiter(rate.Limit(cursorPerSecond), 1),
		coalesced:     make(map[string]*coalescedEdit),
		acks:          make(map[string]chan ackResult),
	}
}

// SubmitCursor sends a cursor position, throttled to ~20/s. Positions
// over the budget are dropped, never queued.
func (q *SyncQueue) SubmitCursor(x, y float64) {
	if !q.cursorLimiter.Allow() {
		return
	}
	if !q.transport.Connected() {
		return
	}
	if err := q.transport.Send(map[string]interface{}{
		"type": server.MsgCursorMove,
		"x":    x,
		"y":    y,
	}); err != nil {
		q.logger.Debugw("Cursor send failed", "error", err)
	}
}

// SubmitDragMove relays an intermediate drag position, throttled the
// same way as cursors. Only the final DRAG_END is a stored event.
func (q *SyncQueue) SubmitDragMove(shapeID string, x, y float64) {
	if !q.dragLimiter.Allow() {
		return
	}
	if !q.transport.Connected() {
		return
	}
	if err := q.transport.Send(map[string]interface{}{
		"type":    server.MsgDragMove,
		"shapeId": shapeID,
		"x":       x,
		"y":       y,
	}); err != nil {
		q.logger.Debugw("Drag move send failed", "error", err)
	}
}

// SubmitShapeEvent accepts one local edit. SHAPE_EDITED updates to the
// same shape are coalesced and flushed after quiescence; every other
// storable kind is dispatched immediately. Blocks up to the ack
// timeout when online.
func (q *SyncQueue) SubmitShapeEvent(kind event.Kind, shapeID string, payload event.Payload) error {
	if !event.IsStorable(kind) {
		return errors.NewInvalidRequestError("kind %s is not storable", kind)
	}

	if payload == nil {
		payload = event.Payload{}
	}
	now := time.Now().UnixMilli()
	payload[event.KeyVectorClock] = q.cache.TickClock(q.canvasID, shapeID, q.userID)
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = now
	}

	if kind == event.ShapeEdited {
		q.coalesce(shapeID, payload, now)
		return nil
	}

	return q.dispatch(store.PendingEvent{
		LocalEventID: uuid.NewString(),
		CanvasID:     q.canvasID,
		Kind:         kind,
		ShapeID:      shapeID,
		Payload:      payload,
		UserID:       q.userID,
		Timestamp:    now,
	})
}

// coalesce shallow-merges the edit into the shape's pending coalesced
// payload and (re)arms the quiescence timer.
func (q *SyncQueue) coalesce(shapeID string, payload event.Payload, now int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ce, ok := q.coalesced[shapeID]
	if !ok {
		ce = &coalescedEdit{
			localEventID: uuid.NewString(),
			shapeID:      shapeID,
			payload:      event.Payload{},
		}
		q.coalesced[shapeID] = ce
	}

	normalized := event.Normalize(event.ShapeEdited, payload)
	props, _ := ce.payload[event.KeyProperties].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	for k, v := range normalized.Properties() {
		props[k] = v
	}
	ce.payload[event.KeyProperties] = props
	ce.payload[event.KeyVectorClock] = payload[event.KeyVectorClock]
	if ts, ok := payload[event.KeyPropertyTimestamps]; ok {
		merged, _ := ce.payload[event.KeyPropertyTimestamps].(map[string]interface{})
		if merged == nil {
			merged = map[string]interface{}{}
		}
		if incoming, ok := ts.(map[string]interface{}); ok {
			for k, v := range incoming {
				merged[k] = v
			}
		}
		ce.payload[event.KeyPropertyTimestamps] = merged
	}
	ce.payload["timestamp"] = payload["timestamp"]
	ce.timestamp = now

	if ce.timer != nil {
		ce.timer.Stop()
	}
	ce.timer = time.AfterFunc(coalesceDelay, func() { q.flushShape(shapeID) })
}

// flushShape dispatches the coalesced edit for one shape.
func (q *SyncQueue) flushShape(shapeID string) {
	q.mu.Lock()
	ce, ok := q.coalesced[shapeID]
	if ok {
		delete(q.coalesced, shapeID)
		if ce.timer != nil {
			ce.timer.Stop()
		}
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	if err := q.dispatch(store.PendingEvent{
		LocalEventID: ce.localEventID,
		CanvasID:     q.canvasID,
		Kind:         event.ShapeEdited,
		ShapeID:      ce.shapeID,
		Payload:      ce.payload,
		UserID:       q.userID,
		Timestamp:    ce.timestamp,
	}); err != nil {
		q.logger.Warnw("Coalesced flush failed", "shape_id", shapeID, "error", err)
	}
}

// FlushCoalesced force-flushes every pending coalesced edit, e.g.
// before a batch sync.
func (q *SyncQueue) FlushCoalesced() {
	q.mu.Lock()
	shapeIDs := make([]string, 0, len(q.coalesced))
	for id := range q.coalesced {
		shapeIDs = append(shapeIDs, id)
	}
	q.mu.Unlock()
	for _, id := range shapeIDs {
		q.flushShape(id)
	}
}

// dispatch attempts a live send with ack wait; on any failure the
// event lands in the durable queue instead. The edit is visible in the
// local overlay from the moment it is submitted.
func (q *SyncQueue) dispatch(pe store.PendingEvent) error {
	q.cache.AddPending(pe)

	if !q.transport.Connected() {
		return q.enqueueDurable(pe)
	}

	ackCh := q.registerAck(pe.LocalEventID)
	defer q.unregisterAck(pe.LocalEventID)

	err := q.transport.Send(map[string]interface{}{
		"type":         server.MsgShapeEvent,
		"localEventId": pe.LocalEventID,
		"eventType":    pe.Kind,
		"shapeId":      pe.ShapeID,
		"payload":      pe.Payload,
	})
	if err != nil {
		q.logger.Debugw("Send failed, queueing durably",
			"local_event_id", pe.LocalEventID,
			"error", err,
		)
		return q.enqueueDurable(pe)
	}

	select {
	case ack := <-ackCh:
		q.cache.RemovePending(pe.CanvasID, pe.LocalEventID)
		q.cache.ApplyRemote(pe.CanvasID, pe.ShapeID, pe.Kind, ack.Payload, ack.Version)
		if ack.HadConflict {
			q.logger.Infow("Server merged a concurrent edit",
				"shape_id", pe.ShapeID,
				"version", ack.Version,
			)
		}
		return nil
	case <-time.After(ackTimeout):
		q.logger.Warnw("Ack timeout, queueing durably",
			"local_event_id", pe.LocalEventID,
		)
		return q.enqueueDurable(pe)
	}
}

func (q *SyncQueue) enqueueDurable(pe store.PendingEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.pending.Enqueue(ctx, pe)
}

func (q *SyncQueue) registerAck(localEventID string) chan ackResult {
	ch := make(chan ackResult, 1)
	q.mu.Lock()
	q.acks[localEventID] = ch
	q.mu.Unlock()
	return ch
}

func (q *SyncQueue) unregisterAck(localEventID string) {
	q.mu.Lock()
	delete(q.acks, localEventID)
	q.mu.Unlock()
}

// HandleMessage routes one raw inbound frame. Wire it to the
// transport's OnMessage.
func (q *SyncQueue) HandleMessage(raw []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		q.logger.Warnw("Malformed server frame", "error", err)
		return
	}

	switch env.Type {
	case server.MsgEventAck:
		var ack ackResult
		if err := json.Unmarshal(raw, &ack); err != nil {
			q.logger.Warnw("Malformed ack", "error", err)
			return
		}
		q.mu.Lock()
		ch, ok := q.acks[ack.LocalEventID]
		q.mu.Unlock()
		if ok {
			ch <- ack
		}

	case server.MsgShapeEvent:
		var evt remoteShapeEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			q.logger.Warnw("Malformed remote event", "error", err)
			return
		}
		q.handleRemoteEvent(&evt)

	case server.MsgCanvasState:
		var state store.CanvasState
		if err := json.Unmarshal(raw, &state); err != nil {
			q.logger.Warnw("Malformed canvas state", "error", err)
			return
		}
		q.cache.ReplaceSnapshot(q.canvasID, &state)

	case server.MsgBatchSyncResult:
		var result batchSyncResult
		if err := json.Unmarshal(raw, &result); err != nil {
			q.logger.Warnw("Malformed batch sync result", "error", err)
			return
		}
		q.mu.Lock()
		ch := q.syncCh
		q.mu.Unlock()
		if ch != nil {
			ch <- result
		}
	}
}

// handleRemoteEvent reconciles a peer's committed edit with local
// state: causally ordered edits apply directly, concurrent ones go
// through the resolver.
func (q *SyncQueue) handleRemoteEvent(evt *remoteShapeEvent) {
	if event.IsEphemeral(evt.EventType) {
		return
	}

	remoteClock := vclock.FromAny(evt.Payload[event.KeyVectorClock])
	localClock := q.cache.Clock(q.canvasID, evt.ShapeID)

	// Only property edits carry conflict semantics; structural events
	// (create, delete, move) apply as-is.
	if evt.EventType != event.ShapeEdited || len(remoteClock) == 0 {
		q.cache.ApplyRemote(q.canvasID, evt.ShapeID, evt.EventType, evt.Payload, evt.Version)
		q.cache.SetClock(q.canvasID, evt.ShapeID, localClock.Merge(remoteClock))
		return
	}

	local := merge.ShapeVersion{
		Clock: localClock,
	}
	if snap := q.cache.Snapshot(q.canvasID); snap != nil {
		for _, s := range snap.Shapes {
			if s.ID == evt.ShapeID {
				local.Properties = s.Properties
				local.Timestamps = s.PropertyTS
				break
			}
		}
	}
	remote := merge.ShapeVersion{
		Properties: evt.Payload.Properties(),
		Clock:      remoteClock,
		Timestamps: evt.Payload.PropertyTimestamps(),
	}

	decision := merge.Resolve(local, remote)
	switch decision.Action {
	case merge.KeepLocal:
		q.logger.Debugw("Remote edit is stale, keeping local state",
			"shape_id", evt.ShapeID,
		)
	case merge.ApplyRemote:
		q.cache.ApplyRemote(q.canvasID, evt.ShapeID, evt.EventType, evt.Payload, evt.Version)
		q.cache.SetClock(q.canvasID, evt.ShapeID, localClock.Merge(remoteClock))
	case merge.Merge:
		q.cache.SetShapeProperties(q.canvasID, evt.ShapeID, decision.Properties)
		q.cache.SetClock(q.canvasID, evt.ShapeID, decision.Clock)
		q.logger.Debugw("Concurrent remote edit merged",
			"shape_id", evt.ShapeID,
		)
	}
}

// Resync replays the durable queue after a reconnect: flush coalesced
// edits, batch everything pending, and reconcile against the server's
// resulting state.
func (q *SyncQueue) Resync(ctx context.Context) error {
	q.FlushCoalesced()

	pendingEvents, err := q.pending.List(ctx, q.canvasID)
	if err != nil {
		return err
	}

	lastKnown := int64(0)
	if snap := q.cache.Snapshot(q.canvasID); snap != nil {
		lastKnown = snap.Version
	}

	ch := make(chan batchSyncResult, 1)
	q.mu.Lock()
	q.syncCh = ch
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.syncCh = nil
		q.mu.Unlock()
	}()

	if err := q.transport.Send(map[string]interface{}{
		"type":             server.MsgBatchSync,
		"lastKnownVersion": lastKnown,
		"events":           pendingEvents,
	}); err != nil {
		return errors.Wrap(err, "send batch sync")
	}

	select {
	case result := <-ch:
		if !result.Success {
			return errors.Newf("batch sync rejected: %s", result.Error)
		}
		if result.CurrentState != nil {
			q.cache.ReplaceSnapshot(q.canvasID, result.CurrentState)
		}
		for _, c := range result.Conflicts {
			q.cache.SetShapeProperties(q.canvasID, c.ShapeID, c.Resolved.Properties())
		}
		if err := q.pending.Clear(ctx, q.canvasID); err != nil {
			return err
		}
		q.logger.Infow("Resync complete",
			"canvas_id", q.canvasID,
			"replayed", len(pendingEvents),
			"missed", len(result.MissedEvents),
			"conflicts", len(result.Conflicts),
		)
		return nil
	case <-time.After(batchSyncTimeout):
		return errors.Wrap(errors.ErrTimeout, "batch sync")
	case <-ctx.Done():
		return ctx.Err()
	}
}
