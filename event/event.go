// Package event defines the canvas event taxonomy: which kinds exist,
// which are appended to the log, and how their payloads are normalised
// before storage.
package event

// Kind discriminates canvas events on the wire and in the log.
type Kind string

// Storable kinds: appended to the event log and folded into the shape
// projection.
const (
	UserConnected    Kind = "USER_CONNECTED"
	UserDisconnected Kind = "USER_DISCONNECTED"
	PointerDown      Kind = "POINTER_DOWN"
	DragStart        Kind = "DRAG_START"
	DragEnd          Kind = "DRAG_END"
	ShapeCreated     Kind = "SHAPE_CREATED"
	ShapeEdited      Kind = "SHAPE_EDITED"
	ShapeMoved       Kind = "SHAPE_MOVED"
	ShapeDeleted     Kind = "SHAPE_DELETED"
)

// Legacy kinds: accepted on write for compatibility with older clients
// and mapped onto shallow merges / field patches.
const (
	LegacyShapeUpdated  Kind = "SHAPE_UPDATED"
	LegacyShapeResized  Kind = "SHAPE_RESIZED"
	LegacyShapeRotated  Kind = "SHAPE_ROTATED"
	LegacyShapeRestored Kind = "SHAPE_RESTORED"
	LegacyZIndexChanged Kind = "Z_INDEX_CHANGED"
)

// Ephemeral kinds: broadcast only, never stored.
const (
	CursorMove Kind = "CURSOR_MOVE"
	DragMove   Kind = "DRAG_MOVE"
)

var storable = map[Kind]bool{
	UserConnected:    true,
	UserDisconnected: true,
	PointerDown:      true,
	DragStart:        true,
	DragEnd:          true,
	ShapeCreated:     true,
	ShapeEdited:      true,
	ShapeMoved:       true,
	ShapeDeleted:     true,

	LegacyShapeUpdated:  true,
	LegacyShapeResized:  true,
	LegacyShapeRotated:  true,
	LegacyShapeRestored: true,
	LegacyZIndexChanged: true,
}

var ephemeral = map[Kind]bool{
	CursorMove: true,
	DragMove:   true,
}

// IsStorable reports whether events of this kind belong in the log.
// Unknown kinds are not storable; callers reject them at the boundary.
func IsStorable(k Kind) bool {
	return storable[k]
}

// IsEphemeral reports whether the kind is broadcast-only.
func IsEphemeral(k Kind) bool {
	return ephemeral[k]
}

// IsKnown reports whether the kind is part of the protocol at all.
func IsKnown(k Kind) bool {
	return storable[k] || ephemeral[k]
}

// IsLegacy reports whether the kind predates the canonical storable set.
func IsLegacy(k Kind) bool {
	switch k {
	case LegacyShapeUpdated, LegacyShapeResized, LegacyShapeRotated, LegacyShapeRestored, LegacyZIndexChanged:
		return true
	}
	return false
}

// ShapeType enumerates the drawable shape kinds.
type ShapeType string

const (
	Rectangle ShapeType = "rectangle"
	Circle    ShapeType = "circle"
	Line      ShapeType = "line"
	Arrow     ShapeType = "arrow"
	Text      ShapeType = "text"
)

// ValidShapeType reports whether t names a supported shape.
func ValidShapeType(t ShapeType) bool {
	switch t {
	case Rectangle, Circle, Line, Arrow, Text:
		return true
	}
	return false
}
