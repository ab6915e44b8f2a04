package store

import (
	"time"

	"github.com/easelhq/easel/event"
)

// Apply folds one storable event into a shape map. The same rules drive
// the server-side projection (inside the store's write transaction) and
// the client-side effective-state overlay, so both sides converge on
// identical shape state for identical event sequences.
//
// shapes is keyed by shape ID and mutated in place. Events without a
// projection side-effect (presence, pointer/drag markers) are no-ops.
func Apply(shapes map[string]*Shape, shapeID string, kind event.Kind, p event.Payload, now time.Time) {
	if shapeID == "" {
		return
	}

	switch kind {
	case event.ShapeCreated:
		s := shapes[shapeID]
		if s == nil {
			s = &Shape{ID: shapeID, CreatedAt: now}
			shapes[shapeID] = s
		}
		if t, ok := p[event.KeyType].(string); ok {
			s.Type = t
		}
		s.Properties = copyProps(p.Properties())
		if s.PropertyTS == nil {
			s.PropertyTS = map[string]int64{}
		}
		s.ZIndex = intOf(p[event.KeyZIndex])
		s.DeletedAt = nil
		touch(s, p, now)

	case event.ShapeEdited, event.LegacyShapeUpdated, event.LegacyShapeResized, event.LegacyShapeRotated:
		s := shapes[shapeID]
		if s == nil {
			return
		}
		if s.Properties == nil {
			s.Properties = map[string]interface{}{}
		}
		for k, v := range p.Properties() {
			s.Properties[k] = v
		}
		touch(s, p, now)

	case event.ShapeMoved:
		s := shapes[shapeID]
		if s == nil {
			return
		}
		if x, y, ok := p.Position(); ok {
			if s.Properties == nil {
				s.Properties = map[string]interface{}{}
			}
			s.Properties["x"] = x
			s.Properties["y"] = y
			touch(s, p, now)
		}

	case event.DragEnd:
		s := shapes[shapeID]
		if s == nil {
			return
		}
		end, ok := p[event.KeyEndPosition].(map[string]interface{})
		if !ok {
			return
		}
		if s.Properties == nil {
			s.Properties = map[string]interface{}{}
		}
		s.Properties["x"] = numberOf(end["x"])
		s.Properties["y"] = numberOf(end["y"])
		touch(s, p, now)

	case event.ShapeDeleted:
		if s := shapes[shapeID]; s != nil {
			t := now
			s.DeletedAt = &t
			s.UpdatedAt = now
		}

	case event.LegacyShapeRestored:
		if s := shapes[shapeID]; s != nil {
			s.DeletedAt = nil
			s.UpdatedAt = now
		}

	case event.LegacyZIndexChanged:
		if s := shapes[shapeID]; s != nil {
			if z, ok := p[event.KeyZIndex]; ok {
				s.ZIndex = intOf(z)
				s.UpdatedAt = now
			}
		}
	}
}

// touch bumps UpdatedAt and records the per-property touch times the
// client declared. Keys without a declared timestamp stay unrecorded:
// the conflict merge treats an unrecorded key as never locally touched,
// so the next edit to it wins outright instead of losing to the
// server's commit clock.
func touch(s *Shape, p event.Payload, now time.Time) {
	s.UpdatedAt = now
	if s.PropertyTS == nil {
		s.PropertyTS = map[string]int64{}
	}

	declared := p.PropertyTimestamps()
	if len(declared) == 0 {
		return
	}
	record := func(key string) {
		if ts, ok := declared[key]; ok && ts > s.PropertyTS[key] {
			s.PropertyTS[key] = ts
		}
	}

	for k := range p.Properties() {
		record(k)
	}
	if _, _, ok := p.Position(); ok {
		record("x")
		record("y")
	}
	if _, ok := p[event.KeyEndPosition]; ok {
		record("x")
		record("y")
	}
}

func copyProps(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intOf(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}

func numberOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}
