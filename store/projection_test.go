package store

import (
	"testing"
	"time"

	"github.com/easelhq/easel/event"
)

func TestApplyCreateThenEdit(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}

	Apply(shapes, "s1", event.ShapeCreated, event.Payload{
		"type":       "rectangle",
		"zIndex":     2.0,
		"properties": map[string]interface{}{"x": 1.0, "y": 2.0, "width": 3.0},
	}, now)

	s := shapes["s1"]
	if s == nil {
		t.Fatal("create did not produce a shape")
	}
	if s.Type != "rectangle" || s.ZIndex != 2 {
		t.Errorf("type/zIndex = %s/%d", s.Type, s.ZIndex)
	}

	Apply(shapes, "s1", event.ShapeEdited, event.Payload{
		"properties": map[string]interface{}{"width": 30.0, "fillColor": "red"},
	}, now.Add(time.Second))

	if s.Properties["width"] != 30.0 {
		t.Errorf("width = %v, want 30", s.Properties["width"])
	}
	if s.Properties["x"] != 1.0 {
		t.Errorf("shallow merge clobbered x: %v", s.Properties["x"])
	}
	if s.Properties["fillColor"] != "red" {
		t.Errorf("fillColor = %v", s.Properties["fillColor"])
	}
}

func TestApplyMovePatchesOnlyPosition(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{
		"type":       "circle",
		"properties": map[string]interface{}{"x": 0.0, "y": 0.0, "radius": 7.0},
	}, now)

	Apply(shapes, "s1", event.ShapeMoved, event.Payload{
		"position": map[string]interface{}{"x": 10.0, "y": 20.0},
	}, now)

	s := shapes["s1"]
	if s.Properties["x"] != 10.0 || s.Properties["y"] != 20.0 {
		t.Errorf("position = (%v, %v)", s.Properties["x"], s.Properties["y"])
	}
	if s.Properties["radius"] != 7.0 {
		t.Errorf("move touched radius: %v", s.Properties["radius"])
	}
}

func TestApplyDragEnd(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{"type": "line"}, now)

	Apply(shapes, "s1", event.DragEnd, event.Payload{
		"startPosition": map[string]interface{}{"x": 0.0, "y": 0.0},
		"endPosition":   map[string]interface{}{"x": 55.0, "y": 66.0},
	}, now)

	s := shapes["s1"]
	if s.Properties["x"] != 55.0 || s.Properties["y"] != 66.0 {
		t.Errorf("drag end position = (%v, %v)", s.Properties["x"], s.Properties["y"])
	}

	// Without an end position nothing moves.
	Apply(shapes, "s1", event.DragEnd, event.Payload{}, now)
	if s.Properties["x"] != 55.0 {
		t.Errorf("empty drag end moved the shape: %v", s.Properties["x"])
	}
}

func TestApplyDeleteAndRecreate(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{"type": "text"}, now)
	Apply(shapes, "s1", event.ShapeDeleted, event.Payload{}, now)

	if shapes["s1"].DeletedAt == nil {
		t.Fatal("delete did not set the tombstone")
	}

	// Re-create clears the tombstone.
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{"type": "text"}, now)
	if shapes["s1"].DeletedAt != nil {
		t.Error("re-create kept the tombstone")
	}
}

func TestApplyEditOfUnknownShapeIsNoop(t *testing.T) {
	shapes := map[string]*Shape{}
	Apply(shapes, "ghost", event.ShapeEdited, event.Payload{
		"properties": map[string]interface{}{"x": 1.0},
	}, time.Now())
	if len(shapes) != 0 {
		t.Error("edit of an unknown shape created a row")
	}
}

func TestApplyAuditKindsHaveNoEffect(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{"type": "arrow"}, now)
	before := len(shapes["s1"].Properties)

	for _, k := range []event.Kind{event.PointerDown, event.DragStart, event.UserConnected, event.UserDisconnected} {
		Apply(shapes, "s1", k, event.Payload{"x": 1.0}, now)
	}
	if len(shapes["s1"].Properties) != before {
		t.Error("audit-only kind mutated the shape")
	}
}

func TestApplyLegacyZIndex(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{"type": "rectangle", "zIndex": 1.0}, now)
	Apply(shapes, "s1", event.LegacyZIndexChanged, event.Payload{"zIndex": 9.0}, now)

	if shapes["s1"].ZIndex != 9 {
		t.Errorf("zIndex = %d, want 9", shapes["s1"].ZIndex)
	}
}

func TestApplyRecordsPropertyTimestamps(t *testing.T) {
	now := time.Now()
	shapes := map[string]*Shape{}
	Apply(shapes, "s1", event.ShapeCreated, event.Payload{
		"type":               "rectangle",
		"properties":         map[string]interface{}{"x": 1.0},
		"propertyTimestamps": map[string]interface{}{"x": 12345.0},
	}, now)

	if got := shapes["s1"].PropertyTS["x"]; got != 12345 {
		t.Errorf("PropertyTS[x] = %d, want declared 12345", got)
	}

	// No declared timestamp: the key stays unrecorded, so a later
	// concurrent edit to it wins instead of losing to the commit clock.
	Apply(shapes, "s1", event.ShapeEdited, event.Payload{
		"properties": map[string]interface{}{"y": 2.0},
	}, now)
	if got, ok := shapes["s1"].PropertyTS["y"]; ok {
		t.Errorf("PropertyTS[y] = %d recorded without a declared timestamp", got)
	}
}
