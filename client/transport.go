// Package client is the engine's counterpart on the editing side: a
// durable sync queue with throttling and coalescing, a local canvas
// cache, and the batch re-sync that replays offline edits after a
// reconnect.
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/easelhq/easel/errors"
)

// Transport is the outbound half of the sync queue's connection. The
// queue only needs to send frames and know whether sending is currently
// possible; inbound frames arrive through the owner's dispatch.
type Transport interface {
	Send(v interface{}) error
	Connected() bool
}

const dialTimeout = 10 * time.Second

// WSTransport is the gorilla-backed Transport. Inbound frames are
// handed to OnMessage from a dedicated read goroutine.
type WSTransport struct {
	logger *zap.SugaredLogger

	// OnMessage receives every raw inbound frame. Set before Connect.
	OnMessage func(raw []byte)

	// OnDisconnect fires once when the read loop exits. Set before Connect.
	OnDisconnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// NewWSTransport creates a disconnected transport.
func NewWSTransport(logger *zap.SugaredLogger) *WSTransport {
	return &WSTransport{logger: logger}
}

// Connect dials the server's WebSocket endpoint and starts the read
// loop.
func (t *WSTransport) Connect(url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)

	go t.readLoop(conn)
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer func() {
		t.connected.Store(false)
		conn.Close()
		if t.OnDisconnect != nil {
			t.OnDisconnect()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warnw("Connection lost", "error", err.Error())
			}
			return
		}
		if t.OnMessage != nil {
			t.OnMessage(raw)
		}
	}
}

// Send writes one JSON frame. Serialised internally; gorilla allows a
// single writer at a time.
func (t *WSTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.connected.Load() {
		return errors.New("transport not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(v)
}

// Connected reports whether frames can currently be sent.
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// Close tears the connection down.
func (t *WSTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected.Store(false)
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
