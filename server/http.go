package server

import (
	"net/http"
	"strconv"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/store"
)

// setupRoutes wires the HTTP read plane and the WebSocket endpoint
// onto the server's mux.
func (s *EaselServer) setupRoutes(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/canvas", s.handleCreateCanvas)
	mux.HandleFunc("/api/canvas/", s.handleCanvasSubroutes)
	mux.HandleFunc(wsPath, s.handleWebSocket)
}

func (s *EaselServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.getState() != ServerStateRunning {
		status = stateString(s.getState())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"sessions": s.hub.SessionCount(),
		"rooms":    s.hub.RoomCount(),
	})
}

// handleCreateCanvas handles POST /api/canvas — idempotent create.
func (s *EaselServer) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		CanvasID string `json:"canvasId"`
		Name     string `json:"name"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	canvas, err := s.store.GetOrCreateCanvas(r.Context(), req.CanvasID, req.Name)
	if err != nil {
		s.logger.Errorw("Canvas create failed", "canvas_id", req.CanvasID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create canvas")
		return
	}
	writeJSON(w, http.StatusOK, canvas)
}

// handleCanvasSubroutes handles:
//
//	GET  /api/canvas/{id}          canvas metadata
//	GET  /api/canvas/{id}/state    {shapes, version}
//	GET  /api/canvas/{id}/events   ?since=N tail
//	POST /api/canvas/{id}/sync     BATCH_SYNC over HTTP
func (s *EaselServer) handleCanvasSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/canvas/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "canvas ID required")
		return
	}
	canvasID := parts[0]

	if len(parts) == 1 {
		s.handleGetCanvas(w, r, canvasID)
		return
	}

	switch parts[1] {
	case "state":
		s.handleGetCanvasState(w, r, canvasID)
	case "events":
		s.handleGetCanvasEvents(w, r, canvasID)
	case "sync":
		s.handleHTTPSync(w, r, canvasID)
	default:
		writeError(w, http.StatusNotFound, "unknown canvas route")
	}
}

func (s *EaselServer) handleGetCanvas(w http.ResponseWriter, r *http.Request, canvasID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	canvas, err := s.store.GetCanvas(r.Context(), canvasID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "canvas not found")
			return
		}
		s.logger.Errorw("Canvas read failed", "canvas_id", canvasID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load canvas")
		return
	}
	writeJSON(w, http.StatusOK, canvas)
}

func (s *EaselServer) handleGetCanvasState(w http.ResponseWriter, r *http.Request, canvasID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	state, err := s.store.GetCanvasState(r.Context(), canvasID)
	if err != nil {
		s.logger.Errorw("State read failed", "canvas_id", canvasID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load canvas state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *EaselServer) handleGetCanvasEvents(w http.ResponseWriter, r *http.Request, canvasID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	events, err := s.store.EventsSince(r.Context(), canvasID, since)
	if err != nil {
		s.logger.Errorw("Events read failed", "canvas_id", canvasID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleHTTPSync is BATCH_SYNC over plain HTTP for clients without a
// live socket.
func (s *EaselServer) handleHTTPSync(w http.ResponseWriter, r *http.Request, canvasID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Events           []store.PendingEvent `json:"events"`
		LastKnownVersion int64                `json:"lastKnownVersion"`
		UserID           string               `json:"userId"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if _, err := s.store.GetOrCreateCanvas(r.Context(), canvasID, ""); err != nil {
		s.logger.Errorw("Sync canvas open failed", "canvas_id", canvasID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open canvas")
		return
	}

	lock := s.hub.canvasCommitLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	missed, err := s.store.EventsSince(r.Context(), canvasID, req.LastKnownVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read missed events")
		return
	}

	result, err := s.store.StoreBatch(r.Context(), canvasID, req.Events)
	if err != nil {
		s.logger.Errorw("HTTP batch sync failed", "canvas_id", canvasID, "error", err)
		writeJSON(w, http.StatusOK, batchSyncResultMsg{
			Type:         MsgBatchSyncResult,
			Success:      false,
			Error:        "batch sync failed",
			StoredEvents: []store.Event{},
			MissedEvents: []store.Event{},
			Conflicts:    []store.Conflict{},
		})
		return
	}

	state, err := s.store.GetCanvasState(r.Context(), canvasID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load canvas state")
		return
	}

	for _, e := range result.Stored {
		s.hub.Broadcast(canvasID, shapeEventMsg{
			Type:      MsgShapeEvent,
			EventID:   e.ID,
			EventType: e.Kind,
			ShapeID:   e.ShapeID,
			UserID:    e.UserID,
			Payload:   e.Payload,
			Version:   e.Version,
		}, "")
	}

	writeJSON(w, http.StatusOK, batchSyncResultMsg{
		Type:         MsgBatchSyncResult,
		Success:      true,
		StoredEvents: result.Stored,
		MissedEvents: missed,
		CurrentState: state,
		Conflicts:    result.Conflicts,
	})
}

// handleWebSocket upgrades the connection and starts the session pumps.
func (s *EaselServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}

	upgrader := newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	sess := newSession(s.hub, conn, r.URL.Query().Get("userId"), s.logger)
	if !s.hub.Register(sess) {
		s.logger.Warnw("Session cap reached, refusing connection")
		conn.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.writePump(s.ctx)
	}()
	go sess.readPump()
}
