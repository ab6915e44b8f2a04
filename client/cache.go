package client

import (
	"sort"
	"sync"
	"time"

	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/store"
	"github.com/easelhq/easel/vclock"
)

// LocalCache holds the client's view of each canvas: the last server
// snapshot plus the unacknowledged pending overlay, and the per-shape
// vector clocks driving conflict resolution for remote edits.
type LocalCache struct {
	mu        sync.Mutex
	snapshots map[string]*store.CanvasState
	pending   map[string][]store.PendingEvent
	clocks    map[string]vclock.Clock // canvasID/shapeID -> clock
}

// NewLocalCache creates an empty cache.
func NewLocalCache() *LocalCache {
	return &LocalCache{
		snapshots: make(map[string]*store.CanvasState),
		pending:   make(map[string][]store.PendingEvent),
		clocks:    make(map[string]vclock.Clock),
	}
}

func clockKey(canvasID, shapeID string) string {
	return canvasID + "/" + shapeID
}

// ReplaceSnapshot installs a fresh server state for the canvas,
// discarding the pending overlay (the server state already includes
// those edits after a successful batch sync).
func (c *LocalCache) ReplaceSnapshot(canvasID string, state *store.CanvasState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[canvasID] = state
	c.pending[canvasID] = nil
}

// Snapshot returns the last known server state, or nil.
func (c *LocalCache) Snapshot(canvasID string) *store.CanvasState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots[canvasID]
}

// AddPending appends one unacknowledged local edit to the overlay.
func (c *LocalCache) AddPending(pe store.PendingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[pe.CanvasID] = append(c.pending[pe.CanvasID], pe)
}

// RemovePending drops one acknowledged edit from the overlay.
func (c *LocalCache) RemovePending(canvasID, localEventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.pending[canvasID]
	for i, pe := range list {
		if pe.LocalEventID == localEventID {
			c.pending[canvasID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// PendingCount returns the size of the canvas's overlay.
func (c *LocalCache) PendingCount(canvasID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[canvasID])
}

// TickClock increments this client's counter on a shape's clock and
// returns a copy for attaching to the outgoing edit.
func (c *LocalCache) TickClock(canvasID, shapeID, userID string) vclock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := clockKey(canvasID, shapeID)
	clock, ok := c.clocks[key]
	if !ok {
		clock = vclock.New()
		c.clocks[key] = clock
	}
	clock.Inc(userID)
	return clock.Clone()
}

// Clock returns a copy of a shape's clock (empty when unknown).
func (c *LocalCache) Clock(canvasID, shapeID string) vclock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clock, ok := c.clocks[clockKey(canvasID, shapeID)]; ok {
		return clock.Clone()
	}
	return vclock.New()
}

// SetClock replaces a shape's clock, e.g. after a resolver merge.
func (c *LocalCache) SetClock(canvasID, shapeID string, clock vclock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clocks[clockKey(canvasID, shapeID)] = clock.Clone()
}

// ApplyRemote folds a remote event straight into the snapshot,
// bumping the cached version when the event carries one.
func (c *LocalCache) ApplyRemote(canvasID, shapeID string, kind event.Kind, payload event.Payload, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.snapshots[canvasID]
	if state == nil {
		state = &store.CanvasState{}
		c.snapshots[canvasID] = state
	}

	shapes := indexShapes(state.Shapes)
	store.Apply(shapes, shapeID, kind, payload, time.Now())
	state.Shapes = sortedShapes(shapes)
	if version > state.Version {
		state.Version = version
	}
}

// SetShapeProperties overwrites a shape's property map in the
// snapshot; used when the resolver produced a merged result.
func (c *LocalCache) SetShapeProperties(canvasID, shapeID string, props map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.snapshots[canvasID]
	if state == nil {
		return
	}
	for _, s := range state.Shapes {
		if s.ID == shapeID {
			s.Properties = props
			return
		}
	}
}

// EffectiveState is what the UI renders: the server snapshot with the
// pending overlay folded on top in timestamp order, using the same
// projection rules the server applies at commit time.
func (c *LocalCache) EffectiveState(canvasID string) *store.CanvasState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.snapshots[canvasID]
	version := int64(0)
	var base []*store.Shape
	if state != nil {
		version = state.Version
		base = state.Shapes
	}

	shapes := make(map[string]*store.Shape, len(base))
	for _, s := range base {
		clone := *s
		clone.Properties = copyMap(s.Properties)
		clone.PropertyTS = copyTS(s.PropertyTS)
		shapes[s.ID] = &clone
	}

	overlay := append([]store.PendingEvent(nil), c.pending[canvasID]...)
	sort.SliceStable(overlay, func(i, j int) bool {
		return overlay[i].Timestamp < overlay[j].Timestamp
	})
	for _, pe := range overlay {
		normalized := event.Normalize(pe.Kind, pe.Payload)
		store.Apply(shapes, pe.ShapeID, pe.Kind, normalized, time.UnixMilli(pe.Timestamp))
	}

	return &store.CanvasState{Shapes: sortedShapes(shapes), Version: version}
}

func indexShapes(list []*store.Shape) map[string]*store.Shape {
	out := make(map[string]*store.Shape, len(list))
	for _, s := range list {
		out[s.ID] = s
	}
	return out
}

func sortedShapes(shapes map[string]*store.Shape) []*store.Shape {
	out := make([]*store.Shape, 0, len(shapes))
	for _, s := range shapes {
		if s.DeletedAt == nil {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTS(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
