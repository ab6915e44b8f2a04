package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer (512KB covers the largest
	// batch sync a client realistically buffers)
	maxMessageSize = 512 * 1024

	// Per-session outbound buffer; broadcasts drop when it fills
	sendBufferSize = 64
)

// Session is one WebSocket connection. It belongs to at most one
// canvas room at a time.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	send chan interface{}
	done chan struct{}

	id       string
	userID   string
	username string

	mu           sync.Mutex
	joinedCanvas string

	isAlive   atomic.Bool
	closeOnce sync.Once
}

// newSession wraps an upgraded connection. userID comes from the
// connection query parameter or is minted fresh.
func newSession(hub *Hub, conn *websocket.Conn, userID string, logger *zap.SugaredLogger) *Session {
	if userID == "" {
		userID = uuid.NewString()
	}
	s := &Session{
		hub:    hub,
		conn:   conn,
		logger: logger,
		send:   make(chan interface{}, sendBufferSize),
		done:   make(chan struct{}),
		id:     uuid.NewString(),
		userID: userID,
	}
	s.isAlive.Store(true)
	return s
}

func (s *Session) setJoinedCanvas(canvasID string) {
	s.mu.Lock()
	s.joinedCanvas = canvasID
	s.mu.Unlock()
}

func (s *Session) joinedCanvasID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedCanvas
}

// enqueue offers a message to the session's outbound buffer without
// blocking. Reports whether the message was accepted.
func (s *Session) enqueue(msg interface{}) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// ping sends a control ping outside the writePump. Gorilla permits
// WriteControl concurrently with the writer goroutine.
func (s *Session) ping() {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		s.logger.Debugw("Ping failed", "session_id", shortID(s.id), "error", err)
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump reads frames off the connection, parses the envelope and
// dispatches until the peer goes away. Runs as its own goroutine; on
// return the session is unregistered.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.isAlive.Store(true)
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.logger.Debugw("Read pump started", "session_id", shortID(s.id))

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warnw("Malformed frame",
				"session_id", shortID(s.id),
				"error", err.Error(),
			)
			s.enqueue(errorMsg{Type: MsgError, Error: "malformed JSON"})
			continue
		}

		s.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors. Expected
// closure codes (going away, abnormal, no status) are silently ignored.
func (s *Session) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseNormalClosure,
	) {
		s.logger.Warnw("WebSocket read error",
			"session_id", shortID(s.id),
			"error", err.Error(),
		)
	}
}

// writePump drains the send channel onto the wire. One writer per
// connection; exits when the channel closes or the server shuts down.
func (s *Session) writePump(ctx context.Context) {
	defer s.conn.Close()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debugw("Write pump stopping, server shutdown", "session_id", shortID(s.id))
			return
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("Write failed",
					"session_id", shortID(s.id),
					"error", err.Error(),
				)
				return
			}
		}
	}
}
