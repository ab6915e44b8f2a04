package server

import (
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/store"
)

// Wire message types. Every frame is a JSON envelope with a
// discriminating "type" field.
const (
	MsgJoinCanvas        = "JOIN_CANVAS"
	MsgJoinSuccess       = "JOIN_SUCCESS"
	MsgJoinError         = "JOIN_ERROR"
	MsgLeaveCanvas       = "LEAVE_CANVAS"
	MsgCanvasState       = "CANVAS_STATE"
	MsgShapeEvent        = "SHAPE_EVENT"
	MsgEventAck          = "EVENT_ACK"
	MsgBatchSync         = "BATCH_SYNC"
	MsgBatchSyncResult   = "BATCH_SYNC_RESULT"
	MsgGetState          = "GET_STATE"
	MsgIncrementalUpdate = "INCREMENTAL_UPDATE"
	MsgCursorMove        = "CURSOR_MOVE"
	MsgDragMove          = "DRAG_MOVE"
	MsgUserJoined        = "USER_JOINED"
	MsgUserLeft          = "USER_LEFT"
	MsgError             = "ERROR"
)

// inboundMessage is the superset envelope for everything a client sends.
type inboundMessage struct {
	Type             string               `json:"type"`
	CanvasID         string               `json:"canvasId,omitempty"`
	Username         string               `json:"username,omitempty"`
	LocalEventID     string               `json:"localEventId,omitempty"`
	EventType        event.Kind           `json:"eventType,omitempty"`
	ShapeID          string               `json:"shapeId,omitempty"`
	Payload          event.Payload        `json:"payload,omitempty"`
	Events           []store.PendingEvent `json:"events,omitempty"`
	LastKnownVersion int64                `json:"lastKnownVersion,omitempty"`
	SinceVersion     *int64               `json:"sinceVersion,omitempty"`
	X                float64              `json:"x,omitempty"`
	Y                float64              `json:"y,omitempty"`
}

// UserInfo is the presence record shared in CANVAS_STATE and presence
// broadcasts.
type UserInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type joinSuccessMsg struct {
	Type     string `json:"type"`
	CanvasID string `json:"canvasId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type joinErrorMsg struct {
	Type     string `json:"type"`
	CanvasID string `json:"canvasId"`
	Error    string `json:"error"`
}

type canvasStateMsg struct {
	Type    string         `json:"type"`
	Shapes  []*store.Shape `json:"shapes"`
	Version int64          `json:"version"`
	Users   []UserInfo     `json:"users,omitempty"`
}

type eventAckMsg struct {
	Type         string        `json:"type"`
	LocalEventID string        `json:"localEventId"`
	EventID      string        `json:"eventId"`
	Version      int64         `json:"version"`
	Stored       bool          `json:"stored"`
	HadConflict  bool          `json:"hadConflict"`
	Payload      event.Payload `json:"payload,omitempty"`
}

type shapeEventMsg struct {
	Type      string        `json:"type"`
	EventID   string        `json:"eventId,omitempty"`
	EventType event.Kind    `json:"eventType"`
	ShapeID   string        `json:"shapeId,omitempty"`
	UserID    string        `json:"userId"`
	Payload   event.Payload `json:"payload"`
	Version   int64         `json:"version,omitempty"`
}

type batchSyncResultMsg struct {
	Type         string             `json:"type"`
	Success      bool               `json:"success"`
	Error        string             `json:"error,omitempty"`
	StoredEvents []store.Event      `json:"storedEvents"`
	MissedEvents []store.Event      `json:"missedEvents"`
	CurrentState *store.CanvasState `json:"currentState,omitempty"`
	Conflicts    []store.Conflict   `json:"conflicts"`
}

type incrementalUpdateMsg struct {
	Type   string        `json:"type"`
	Events []store.Event `json:"events"`
}

type cursorMoveMsg struct {
	Type     string  `json:"type"`
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type dragMoveMsg struct {
	Type    string  `json:"type"`
	UserID  string  `json:"userId"`
	ShapeID string  `json:"shapeId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type presenceMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
