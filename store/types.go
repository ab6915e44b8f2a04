package store

import (
	"encoding/json"
	"time"

	"github.com/easelhq/easel/event"
)

// Canvas is the metadata row for one drawing surface.
type Canvas struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Shape is one live row of the canvas projection. Properties holds the
// semi-structured geometry/styling map; PropertyTS records when each
// property was last touched (Unix millis), used by the conflict merge.
type Shape struct {
	ID         string                 `json:"id"`
	CanvasID   string                 `json:"-"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"-"`
	PropertyTS map[string]int64       `json:"-"`
	ZIndex     int                    `json:"zIndex"`
	CreatedAt  time.Time              `json:"-"`
	UpdatedAt  time.Time              `json:"-"`
	DeletedAt  *time.Time             `json:"-"`
}

// MarshalJSON inlines the property map at the top level next to id, type
// and zIndex, which is the wire form clients consume in CANVAS_STATE.
func (s *Shape) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Properties)+3)
	for k, v := range s.Properties {
		out[k] = v
	}
	out["id"] = s.ID
	out["type"] = s.Type
	out["zIndex"] = s.ZIndex
	return json.Marshal(out)
}

// UnmarshalJSON reverses the inlined wire form: id, type and zIndex
// become fields, every other key is a property.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if id, ok := raw["id"].(string); ok {
		s.ID = id
	}
	if t, ok := raw["type"].(string); ok {
		s.Type = t
	}
	if z, ok := raw["zIndex"].(float64); ok {
		s.ZIndex = int(z)
	}
	delete(raw, "id")
	delete(raw, "type")
	delete(raw, "zIndex")
	s.Properties = raw
	return nil
}

// Event is one committed row of a canvas's append-only log.
type Event struct {
	ID           string        `json:"id"`
	CanvasID     string        `json:"canvasId"`
	ShapeID      string        `json:"shapeId,omitempty"`
	UserID       string        `json:"userId"`
	LocalEventID string        `json:"localEventId,omitempty"`
	Kind         event.Kind    `json:"eventType"`
	Payload      event.Payload `json:"payload"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// StoreResult is the outcome of storing a single event. For non-storable
// kinds Stored is false and Version holds the canvas's current version.
// Payload is the payload actually committed, which differs from the
// submitted one when the server merged a conflict.
type StoreResult struct {
	EventID     string        `json:"eventId"`
	Version     int64         `json:"version"`
	Payload     event.Payload `json:"payload"`
	Stored      bool          `json:"stored"`
	HadConflict bool          `json:"hadConflict"`
}

// PendingEvent is a client-side buffered edit submitted through batch
// sync. Timestamp is Unix millis at creation time on the client.
type PendingEvent struct {
	LocalEventID string        `json:"localEventId"`
	CanvasID     string        `json:"canvasId"`
	Kind         event.Kind    `json:"eventType"`
	ShapeID      string        `json:"shapeId,omitempty"`
	Payload      event.Payload `json:"payload"`
	UserID       string        `json:"userId"`
	Timestamp    int64         `json:"timestamp"`
}

// Conflict describes one batch event the server had to merge.
type Conflict struct {
	LocalEventID string        `json:"localEventId"`
	ShapeID      string        `json:"shapeId"`
	Resolved     event.Payload `json:"resolvedPayload"`
}

// BatchResult is the outcome of a batch sync write.
type BatchResult struct {
	Stored    []Event    `json:"storedEvents"`
	Conflicts []Conflict `json:"conflicts"`
}

// CanvasState is the materialised projection: live shapes ordered by
// z-index plus the canvas's current max version.
type CanvasState struct {
	Shapes  []*Shape `json:"shapes"`
	Version int64    `json:"version"`
}
