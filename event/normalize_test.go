package event

import "testing"

func TestNormalizeFlatPosition(t *testing.T) {
	p := Normalize(ShapeMoved, Payload{"x": 100.0, "y": 200.0})
	x, y, ok := p.Position()
	if !ok {
		t.Fatal("normalised move lost its position")
	}
	if x != 100 || y != 200 {
		t.Errorf("position = (%v, %v), want (100, 200)", x, y)
	}
}

func TestNormalizeNestedPosition(t *testing.T) {
	p := Normalize(ShapeMoved, Payload{
		"position": map[string]interface{}{"x": 5.0, "y": 6.0},
	})
	x, y, ok := p.Position()
	if !ok || x != 5 || y != 6 {
		t.Errorf("position = (%v, %v, %v), want (5, 6, true)", x, y, ok)
	}
}

func TestNormalizeFlatProperties(t *testing.T) {
	p := Normalize(ShapeEdited, Payload{
		"strokeColor": "#f00",
		"strokeWidth": 5.0,
		"irrelevant":  "dropped",
	})
	props := p.Properties()
	if props["strokeColor"] != "#f00" {
		t.Errorf("strokeColor = %v", props["strokeColor"])
	}
	if props["strokeWidth"] != 5.0 {
		t.Errorf("strokeWidth = %v", props["strokeWidth"])
	}
	if _, ok := props["irrelevant"]; ok {
		t.Error("unrecognised top-level key leaked into properties")
	}
}

func TestNormalizeNestedWinsOverFlat(t *testing.T) {
	p := Normalize(ShapeEdited, Payload{
		"x": 1.0,
		"properties": map[string]interface{}{"x": 9.0},
	})
	if got := p.Properties()["x"]; got != 9.0 {
		t.Errorf("properties.x = %v, want nested value 9", got)
	}
}

func TestNormalizeKeepsResolverMetadata(t *testing.T) {
	p := Normalize(ShapeEdited, Payload{
		"properties":         map[string]interface{}{"opacity": 0.5},
		"vectorClock":        map[string]interface{}{"u1": 2.0},
		"propertyTimestamps": map[string]interface{}{"opacity": 1000.0},
	})
	if _, ok := p[KeyVectorClock]; !ok {
		t.Error("vectorClock stripped by normalisation")
	}
	ts := p.PropertyTimestamps()
	if ts["opacity"] != 1000 {
		t.Errorf("propertyTimestamps[opacity] = %d, want 1000", ts["opacity"])
	}
}

func TestNormalizeCreatePayload(t *testing.T) {
	p := Normalize(ShapeCreated, Payload{
		"type":   "rectangle",
		"zIndex": 3.0,
		"properties": map[string]interface{}{
			"x": 10.0, "y": 20.0, "width": 30.0, "height": 40.0,
		},
	})
	if p[KeyType] != "rectangle" {
		t.Errorf("type = %v", p[KeyType])
	}
	if p[KeyZIndex] != 3.0 {
		t.Errorf("zIndex = %v", p[KeyZIndex])
	}
	if p.Properties()["width"] != 30.0 {
		t.Errorf("width = %v", p.Properties()["width"])
	}
}

func TestNormalizeDragEnd(t *testing.T) {
	p := Normalize(DragEnd, Payload{
		"startPosition": map[string]interface{}{"x": 0.0, "y": 0.0},
		"endPosition":   map[string]interface{}{"x": 50.0, "y": 60.0},
	})
	end, ok := p[KeyEndPosition].(map[string]interface{})
	if !ok {
		t.Fatal("endPosition lost")
	}
	if end["x"] != 50.0 || end["y"] != 60.0 {
		t.Errorf("endPosition = %v", end)
	}
}

func TestNormalizeNilPayload(t *testing.T) {
	p := Normalize(ShapeDeleted, nil)
	if p == nil {
		t.Fatal("Normalize(nil) returned nil")
	}
}

func TestPositionMissing(t *testing.T) {
	p := Payload{}
	if _, _, ok := p.Position(); ok {
		t.Error("empty payload should not report a position")
	}
}
