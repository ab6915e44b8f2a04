package server

import (
	"context"
	"time"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/store"
)

// storeTimeout bounds each DB round-trip issued on behalf of one frame.
const storeTimeout = 10 * time.Second

// routeMessage dispatches one parsed inbound envelope. Runs on the
// session's read goroutine; handlers never panic outward — every frame
// yields a reply, an ERROR, or is silently dropped.
func (s *Session) routeMessage(msg *inboundMessage) {
	switch msg.Type {
	case MsgJoinCanvas:
		s.handleJoin(msg)
	case MsgLeaveCanvas:
		s.handleLeave()
	case MsgShapeEvent:
		s.handleShapeEvent(msg)
	case MsgBatchSync:
		s.handleBatchSync(msg)
	case MsgGetState:
		s.handleGetState(msg)
	case MsgCursorMove:
		s.handleCursorMove(msg)
	case MsgDragMove:
		s.handleDragMove(msg)
	default:
		s.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"session_id", shortID(s.id),
		)
		s.enqueue(errorMsg{Type: MsgError, Error: "unknown message type: " + msg.Type})
	}
}

func (s *Session) handleJoin(msg *inboundMessage) {
	if msg.CanvasID == "" {
		s.enqueue(joinErrorMsg{Type: MsgJoinError, Error: "canvasId is required"})
		return
	}
	if msg.Username != "" {
		s.username = msg.Username
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := s.hub.store.GetOrCreateCanvas(ctx, msg.CanvasID, ""); err != nil {
		s.logger.Errorw("Join failed",
			"canvas_id", msg.CanvasID,
			"session_id", shortID(s.id),
			"error", err,
		)
		s.enqueue(joinErrorMsg{Type: MsgJoinError, CanvasID: msg.CanvasID, Error: "failed to open canvas"})
		return
	}

	s.hub.Attach(s, msg.CanvasID)

	s.enqueue(joinSuccessMsg{
		Type:     MsgJoinSuccess,
		CanvasID: msg.CanvasID,
		UserID:   s.userID,
		Username: s.username,
	})

	state, err := s.hub.store.GetCanvasState(ctx, msg.CanvasID)
	if err != nil {
		s.logger.Errorw("State load failed after join",
			"canvas_id", msg.CanvasID,
			"error", err,
		)
		s.enqueue(errorMsg{Type: MsgError, Error: "failed to load canvas state"})
	} else {
		s.enqueue(canvasStateMsg{
			Type:    MsgCanvasState,
			Shapes:  state.Shapes,
			Version: state.Version,
			Users:   s.hub.UsersOf(msg.CanvasID),
		})
	}

	s.hub.Broadcast(msg.CanvasID, presenceMsg{
		Type:     MsgUserJoined,
		UserID:   s.userID,
		Username: s.username,
	}, s.id)

	s.logger.Infow("Session joined canvas",
		"canvas_id", msg.CanvasID,
		"user_id", s.userID,
		"session_id", shortID(s.id),
	)
}

func (s *Session) handleLeave() {
	s.hub.Detach(s)
}

// requireJoined returns the session's room, or ErrNotJoined for frames
// that only make sense inside one.
func (s *Session) requireJoined() (string, error) {
	canvasID := s.joinedCanvasID()
	if canvasID == "" {
		return "", errors.ErrNotJoined
	}
	return canvasID, nil
}

func (s *Session) handleShapeEvent(msg *inboundMessage) {
	canvasID, err := s.requireJoined()
	if err != nil {
		s.enqueue(errorMsg{Type: MsgError, Error: err.Error()})
		return
	}
	if event.IsEphemeral(msg.EventType) {
		s.enqueue(errorMsg{Type: MsgError, Error: "ephemeral kind not accepted as SHAPE_EVENT: " + string(msg.EventType)})
		return
	}
	if !event.IsStorable(msg.EventType) {
		s.enqueue(errorMsg{Type: MsgError, Error: "unknown event type: " + string(msg.EventType)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// Commit and fan out under the canvas's commit lock so every
	// receiver observes versions in order.
	lock := s.hub.canvasCommitLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.hub.store.StoreEvent(ctx, canvasID, s.userID, msg.EventType, msg.ShapeID, msg.Payload, msg.LocalEventID)
	if err != nil {
		s.logger.Errorw("Event store failed",
			"canvas_id", canvasID,
			"event_type", msg.EventType,
			"error", err,
		)
		s.enqueue(errorMsg{Type: MsgError, Error: "failed to store event"})
		return
	}

	s.enqueue(eventAckMsg{
		Type:         MsgEventAck,
		LocalEventID: msg.LocalEventID,
		EventID:      res.EventID,
		Version:      res.Version,
		Stored:       res.Stored,
		HadConflict:  res.HadConflict,
		Payload:      res.Payload,
	})

	s.hub.Broadcast(canvasID, shapeEventMsg{
		Type:      MsgShapeEvent,
		EventID:   res.EventID,
		EventType: msg.EventType,
		ShapeID:   msg.ShapeID,
		UserID:    s.userID,
		Payload:   res.Payload,
		Version:   res.Version,
	}, s.id)
}

func (s *Session) handleBatchSync(msg *inboundMessage) {
	canvasID, err := s.requireJoined()
	if err != nil {
		s.enqueue(errorMsg{Type: MsgError, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	lock := s.hub.canvasCommitLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	// Events the client missed while offline, from before this batch
	// lands.
	missed, err := s.hub.store.EventsSince(ctx, canvasID, msg.LastKnownVersion)
	if err != nil {
		s.failBatch(canvasID, err)
		return
	}

	result, err := s.hub.store.StoreBatch(ctx, canvasID, msg.Events)
	if err != nil {
		s.failBatch(canvasID, err)
		return
	}

	state, err := s.hub.store.GetCanvasState(ctx, canvasID)
	if err != nil {
		s.failBatch(canvasID, err)
		return
	}

	s.enqueue(batchSyncResultMsg{
		Type:         MsgBatchSyncResult,
		Success:      true,
		StoredEvents: result.Stored,
		MissedEvents: missed,
		CurrentState: state,
		Conflicts:    result.Conflicts,
	})

	for _, e := range result.Stored {
		s.hub.Broadcast(canvasID, shapeEventMsg{
			Type:      MsgShapeEvent,
			EventID:   e.ID,
			EventType: e.Kind,
			ShapeID:   e.ShapeID,
			UserID:    e.UserID,
			Payload:   e.Payload,
			Version:   e.Version,
		}, s.id)
	}

	s.logger.Infow("Batch sync applied",
		"canvas_id", canvasID,
		"stored", len(result.Stored),
		"missed", len(missed),
		"conflicts", len(result.Conflicts),
	)
}

func (s *Session) failBatch(canvasID string, err error) {
	s.logger.Errorw("Batch sync failed",
		"canvas_id", canvasID,
		"error", err,
	)
	s.enqueue(batchSyncResultMsg{
		Type:         MsgBatchSyncResult,
		Success:      false,
		Error:        "batch sync failed",
		StoredEvents: []store.Event{},
		MissedEvents: []store.Event{},
		Conflicts:    []store.Conflict{},
	})
}

func (s *Session) handleGetState(msg *inboundMessage) {
	canvasID, err := s.requireJoined()
	if err != nil {
		s.enqueue(errorMsg{Type: MsgError, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if msg.SinceVersion != nil {
		events, err := s.hub.store.EventsSince(ctx, canvasID, *msg.SinceVersion)
		if err != nil {
			s.logger.Errorw("Incremental read failed", "canvas_id", canvasID, "error", err)
			s.enqueue(errorMsg{Type: MsgError, Error: "failed to read events"})
			return
		}
		s.enqueue(incrementalUpdateMsg{Type: MsgIncrementalUpdate, Events: events})
		return
	}

	state, err := s.hub.store.GetCanvasState(ctx, canvasID)
	if err != nil {
		s.logger.Errorw("State read failed", "canvas_id", canvasID, "error", err)
		s.enqueue(errorMsg{Type: MsgError, Error: "failed to load canvas state"})
		return
	}
	s.enqueue(canvasStateMsg{
		Type:    MsgCanvasState,
		Shapes:  state.Shapes,
		Version: state.Version,
		Users:   s.hub.UsersOf(canvasID),
	})
}

// handleCursorMove fans the cursor position out to peers. Never stored,
// never acked; a session that is not in a room is silently ignored.
func (s *Session) handleCursorMove(msg *inboundMessage) {
	canvasID := s.joinedCanvasID()
	if canvasID == "" {
		return
	}
	s.hub.Broadcast(canvasID, cursorMoveMsg{
		Type:     MsgCursorMove,
		UserID:   s.userID,
		Username: s.username,
		X:        msg.X,
		Y:        msg.Y,
	}, s.id)
}

// handleDragMove relays intermediate drag positions. Like cursors these
// are ephemeral: only the final DRAG_END lands in the event log.
func (s *Session) handleDragMove(msg *inboundMessage) {
	canvasID := s.joinedCanvasID()
	if canvasID == "" {
		return
	}
	s.hub.Broadcast(canvasID, dragMoveMsg{
		Type:    MsgDragMove,
		UserID:  s.userID,
		ShapeID: msg.ShapeID,
		X:       msg.X,
		Y:       msg.Y,
	}, s.id)
}
