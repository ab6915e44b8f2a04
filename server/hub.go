package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easelhq/easel/store"
)

const (
	// heartbeatPeriod is how often the hub pings every session. A
	// session that has not answered the previous ping is terminated.
	heartbeatPeriod = 30 * time.Second

	// maxSessions caps concurrent connections process-wide.
	maxSessions = 512
)

// Hub owns room membership: which sessions are attached to which
// canvas, presence fan-out, and the liveness heartbeat. Rooms are
// transient; one is created on first attach and deleted when its last
// session detaches.
type Hub struct {
	store  *store.EventStore
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	rooms    map[string]map[*Session]bool
	sessions map[string]*Session

	// commitMu serialises commit+broadcast per canvas so receivers
	// observe versions in commit order.
	commitMuMu sync.Mutex
	commitMu   map[string]*sync.Mutex
}

// NewHub creates a hub over the given event store.
func NewHub(st *store.EventStore, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		store:    st,
		logger:   logger,
		rooms:    make(map[string]map[*Session]bool),
		sessions: make(map[string]*Session),
		commitMu: make(map[string]*sync.Mutex),
	}
}

// Register adds a connected session to the hub. Returns false when the
// session cap is reached.
func (h *Hub) Register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) >= maxSessions {
		return false
	}
	h.sessions[s.id] = s
	h.logger.Debugw("Session registered",
		"session_id", shortID(s.id),
		"user_id", s.userID,
		"total_sessions", len(h.sessions),
	)
	return true
}

// Unregister removes a session entirely: detaches it from its room and
// forgets it. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.Detach(s)
	h.mu.Lock()
	delete(h.sessions, s.id)
	remaining := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debugw("Session unregistered",
		"session_id", shortID(s.id),
		"total_sessions", remaining,
	)
}

// Attach moves a session into the canvas's room, creating the room on
// first join. A session belongs to at most one room, so any previous
// membership is dropped first (with its USER_LEFT presence).
func (h *Hub) Attach(s *Session, canvasID string) {
	h.Detach(s)

	h.mu.Lock()
	room, ok := h.rooms[canvasID]
	if !ok {
		room = make(map[*Session]bool)
		h.rooms[canvasID] = room
		h.logger.Infow("Room created", "canvas_id", canvasID)
	}
	room[s] = true
	s.setJoinedCanvas(canvasID)
	h.mu.Unlock()
}

// Detach removes the session from its current room, if any, deleting
// the room when it empties and broadcasting USER_LEFT to the remaining
// members.
func (h *Hub) Detach(s *Session) {
	canvasID := s.joinedCanvasID()
	if canvasID == "" {
		return
	}

	h.mu.Lock()
	if room, ok := h.rooms[canvasID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, canvasID)
			h.logger.Infow("Room closed", "canvas_id", canvasID)
		}
	}
	s.setJoinedCanvas("")
	h.mu.Unlock()

	h.Broadcast(canvasID, presenceMsg{
		Type:     MsgUserLeft,
		UserID:   s.userID,
		Username: s.username,
	}, s.id)
}

// Broadcast fans a message out to every session in the canvas's room
// except excludeID. Delivery is fire-and-forget: a receiver whose send
// buffer is full misses the frame (logged) and reconciles later via
// GET_STATE or BATCH_SYNC.
func (h *Hub) Broadcast(canvasID string, msg interface{}, excludeID string) {
	h.mu.RLock()
	room := h.rooms[canvasID]
	targets := make([]*Session, 0, len(room))
	for s := range room {
		if s.id != excludeID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(msg) {
			h.logger.Warnw("Broadcast dropped, send buffer full",
				"canvas_id", canvasID,
				"session_id", shortID(s.id),
			)
		}
	}
}

// UsersOf returns the presence list of a canvas's room.
func (h *Hub) UsersOf(canvasID string) []UserInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[canvasID]
	users := make([]UserInfo, 0, len(room))
	for s := range room {
		users = append(users, UserInfo{UserID: s.userID, Username: s.username})
	}
	return users
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// canvasCommitLock returns the per-canvas mutex held across
// commit+broadcast so fan-out order matches version order.
func (h *Hub) canvasCommitLock(canvasID string) *sync.Mutex {
	h.commitMuMu.Lock()
	defer h.commitMuMu.Unlock()
	l, ok := h.commitMu[canvasID]
	if !ok {
		l = &sync.Mutex{}
		h.commitMu[canvasID] = l
	}
	return l
}

// RunHeartbeat pings every session on a fixed period and terminates
// the ones that missed the previous ping. Blocks until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepSessions()
		}
	}
}

func (h *Hub) sweepSessions() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.isAlive.Load() {
			h.logger.Infow("Terminating unresponsive session",
				"session_id", shortID(s.id),
				"user_id", s.userID,
			)
			s.Close()
			h.Unregister(s)
			continue
		}
		s.isAlive.Store(false)
		s.ping()
	}
}
