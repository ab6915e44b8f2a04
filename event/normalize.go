package event

// Payload is the semi-structured body of a canvas event. Decoded JSON,
// so nested values are map[string]interface{} / float64 / string / bool.
type Payload map[string]interface{}

// Reserved payload keys that ride along for conflict resolution and are
// never treated as shape properties.
const (
	KeyVectorClock        = "vectorClock"
	KeyPropertyTimestamps = "propertyTimestamps"
	KeyProperties         = "properties"
	KeyPosition           = "position"
	KeyStartPosition      = "startPosition"
	KeyEndPosition        = "endPosition"
	KeyType               = "type"
	KeyZIndex             = "zIndex"
)

// geometryKeys are the property names accepted in flat form on event
// payloads. Everything else at the top level is envelope metadata.
var geometryKeys = map[string]bool{
	"x": true, "y": true,
	"width": true, "height": true, "cornerRadius": true,
	"radius":        true,
	"endX":          true, "endY": true, "arrowHeadSize": true,
	"text":          true, "fontSize": true, "fontFamily": true, "fontWeight": true, "fontStyle": true,
	"strokeColor":   true, "strokeWidth": true, "fillColor": true, "opacity": true,
	"rotation":      true,
}

// Normalize rewrites a payload into canonical nested form:
// shape properties under "properties", positions under "position" with
// numeric x/y. Clients send both flat ({x: 1}) and nested
// ({properties: {x: 1}}) forms; storage only ever sees the nested one.
// The input map is not mutated.
func Normalize(kind Kind, p Payload) Payload {
	if p == nil {
		p = Payload{}
	}
	out := Payload{}

	// Envelope metadata passes through untouched.
	for _, k := range []string{KeyVectorClock, KeyPropertyTimestamps, KeyType, KeyZIndex, KeyStartPosition, KeyEndPosition, "timestamp"} {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}

	switch kind {
	case ShapeMoved, DragMove:
		out[KeyPosition] = normalizePosition(p)
	case DragEnd:
		if end, ok := p[KeyEndPosition].(map[string]interface{}); ok {
			out[KeyEndPosition] = end
		}
		if start, ok := p[KeyStartPosition].(map[string]interface{}); ok {
			out[KeyStartPosition] = start
		}
	case ShapeCreated, ShapeEdited, LegacyShapeUpdated, LegacyShapeResized, LegacyShapeRotated:
		out[KeyProperties] = normalizeProperties(p)
	case LegacyZIndexChanged:
		if z, ok := p[KeyZIndex]; ok {
			out[KeyZIndex] = z
		}
	default:
		// Kinds without property payloads (deletes, pointer/drag markers,
		// presence) keep whatever extra fields they carried.
		for k, v := range p {
			if _, reserved := out[k]; !reserved {
				out[k] = v
			}
		}
	}

	return out
}

// normalizePosition extracts {x, y} from either payload.position or the
// flat payload.x / payload.y form.
func normalizePosition(p Payload) map[string]interface{} {
	if pos, ok := p[KeyPosition].(map[string]interface{}); ok {
		return map[string]interface{}{
			"x": numeric(pos["x"]),
			"y": numeric(pos["y"]),
		}
	}
	return map[string]interface{}{
		"x": numeric(p["x"]),
		"y": numeric(p["y"]),
	}
}

// normalizeProperties collects shape properties from payload.properties
// plus any recognised flat keys. Nested values win over flat duplicates.
func normalizeProperties(p Payload) map[string]interface{} {
	props := map[string]interface{}{}
	for k, v := range p {
		if geometryKeys[k] {
			props[k] = v
		}
	}
	if nested, ok := p[KeyProperties].(map[string]interface{}); ok {
		for k, v := range nested {
			props[k] = v
		}
	}
	return props
}

// Properties returns the normalised property map of a payload, or an
// empty map when absent.
func (p Payload) Properties() map[string]interface{} {
	if nested, ok := p[KeyProperties].(map[string]interface{}); ok {
		return nested
	}
	return map[string]interface{}{}
}

// Position returns the x/y of a normalised position payload.
func (p Payload) Position() (x, y float64, ok bool) {
	pos, isMap := p[KeyPosition].(map[string]interface{})
	if !isMap {
		return 0, 0, false
	}
	return numeric(pos["x"]), numeric(pos["y"]), true
}

// PropertyTimestamps returns the per-property wall-clock map carried on
// the payload, keyed by property name, values in Unix milliseconds.
func (p Payload) PropertyTimestamps() map[string]int64 {
	out := map[string]int64{}
	m, ok := p[KeyPropertyTimestamps].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range m {
		out[k] = int64(numeric(v))
	}
	return out
}

// numeric coerces decoded JSON numbers (and int forms produced by Go
// callers) into float64. Anything else reads as 0.
func numeric(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}
