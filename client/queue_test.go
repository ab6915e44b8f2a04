package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/event"
	"github.com/easelhq/easel/server"
	"github.com/easelhq/easel/store"
)

// fakeTransport records sent frames and can synthesise server replies.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []map[string]interface{}
	sendErr   error
	onSend    func(frame map[string]interface{})
}

func (f *fakeTransport) Send(v interface{}) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	frame, ok := v.(map[string]interface{})
	if !ok {
		raw, _ := json.Marshal(v)
		frame = map[string]interface{}{}
		json.Unmarshal(raw, &frame)
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(frame)
	}
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) frames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestQueue(t *testing.T, transport Transport) (*SyncQueue, *PendingStore, *LocalCache) {
	t.Helper()
	pending := newTestPendingStore(t)
	cache := NewLocalCache()
	q := NewSyncQueue(transport, pending, cache, "c1", "u1", zap.NewNop().Sugar())
	return q, pending, cache
}

func ackFrameFor(frame map[string]interface{}, version int64) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"type":         server.MsgEventAck,
		"localEventId": frame["localEventId"],
		"eventId":      "e1",
		"version":      version,
		"stored":       true,
		"hadConflict":  false,
		"payload":      frame["payload"],
	})
	return raw
}

func TestSubmitOfflineGoesDurable(t *testing.T) {
	ft := &fakeTransport{connected: false}
	q, pending, cache := newTestQueue(t, ft)

	err := q.SubmitShapeEvent(event.ShapeCreated, "s1", event.Payload{
		"type": "rectangle", "properties": map[string]interface{}{"x": 1.0},
	})
	require.NoError(t, err)

	n, err := pending.Count(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "offline edit not queued durably")
	assert.Equal(t, 1, cache.PendingCount("c1"), "offline edit missing from overlay")
	assert.Empty(t, ft.frames(), "offline edit hit the wire")
}

func TestSubmitOnlineAcked(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, pending, cache := newTestQueue(t, ft)
	ft.onSend = func(frame map[string]interface{}) {
		if frame["type"] == server.MsgShapeEvent {
			q.HandleMessage(ackFrameFor(frame, 1))
		}
	}

	err := q.SubmitShapeEvent(event.ShapeCreated, "s1", event.Payload{
		"type": "circle", "properties": map[string]interface{}{"radius": 4.0},
	})
	require.NoError(t, err)

	n, _ := pending.Count(context.Background(), "c1")
	assert.Equal(t, 0, n, "acked edit left in durable queue")
	assert.Equal(t, 0, cache.PendingCount("c1"), "acked edit left in overlay")

	snap := cache.Snapshot("c1")
	require.NotNil(t, snap)
	require.Len(t, snap.Shapes, 1)
	assert.Equal(t, int64(1), snap.Version)
}

func TestSubmitSendFailureGoesDurable(t *testing.T) {
	ft := &fakeTransport{connected: true, sendErr: assert.AnError}
	q, pending, _ := newTestQueue(t, ft)

	err := q.SubmitShapeEvent(event.ShapeDeleted, "s1", event.Payload{})
	require.NoError(t, err, "send failure must degrade, not fail")

	n, _ := pending.Count(context.Background(), "c1")
	assert.Equal(t, 1, n)
}

func TestSubmitRejectsEphemeral(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, _, _ := newTestQueue(t, ft)

	err := q.SubmitShapeEvent(event.CursorMove, "", event.Payload{"x": 1.0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEditsCoalesceIntoOneEvent(t *testing.T) {
	ft := &fakeTransport{connected: false}
	q, pending, _ := newTestQueue(t, ft)

	for _, props := range []map[string]interface{}{
		{"strokeColor": "#f00"},
		{"strokeWidth": 5.0},
		{"strokeColor": "#0f0"},
	} {
		err := q.SubmitShapeEvent(event.ShapeEdited, "s1", event.Payload{"properties": props})
		require.NoError(t, err)
	}

	// Nothing dispatched until quiescence or an explicit flush.
	n, _ := pending.Count(context.Background(), "c1")
	require.Equal(t, 0, n)

	q.FlushCoalesced()

	list, err := pending.List(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, 1, "coalesced edits must collapse to one event")
	props := list[0].Payload["properties"].(map[string]interface{})
	assert.Equal(t, "#0f0", props["strokeColor"], "last edit wins within the window")
	assert.Equal(t, 5.0, props["strokeWidth"])
}

func TestCoalesceIsPerShape(t *testing.T) {
	ft := &fakeTransport{connected: false}
	q, pending, _ := newTestQueue(t, ft)

	q.SubmitShapeEvent(event.ShapeEdited, "s1", event.Payload{"properties": map[string]interface{}{"x": 1.0}})
	q.SubmitShapeEvent(event.ShapeEdited, "s2", event.Payload{"properties": map[string]interface{}{"x": 2.0}})
	q.FlushCoalesced()

	n, _ := pending.Count(context.Background(), "c1")
	assert.Equal(t, 2, n)
}

func TestMoveIsNotCoalesced(t *testing.T) {
	ft := &fakeTransport{connected: false}
	q, pending, _ := newTestQueue(t, ft)

	q.SubmitShapeEvent(event.ShapeMoved, "s1", event.Payload{"position": map[string]interface{}{"x": 1.0, "y": 1.0}})
	q.SubmitShapeEvent(event.ShapeMoved, "s1", event.Payload{"position": map[string]interface{}{"x": 2.0, "y": 2.0}})

	n, _ := pending.Count(context.Background(), "c1")
	assert.Equal(t, 2, n, "moves must dispatch immediately, uncoalesced")
}

func TestCursorThrottle(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, _, _ := newTestQueue(t, ft)

	for i := 0; i < 50; i++ {
		q.SubmitCursor(float64(i), float64(i))
	}

	sent := len(ft.frames())
	assert.GreaterOrEqual(t, sent, 1, "throttle must let the first cursor through")
	assert.Less(t, sent, 5, "burst of 50 cursors must be throttled")
}

func TestRemoteStaleEditIgnored(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, _, cache := newTestQueue(t, ft)

	cache.ReplaceSnapshot("c1", snapshotWith(&store.Shape{
		ID: "s1", Type: "rectangle",
		Properties: map[string]interface{}{"fillColor": "blue"},
		PropertyTS: map[string]int64{"fillColor": 100},
	}))
	cache.SetClock("c1", "s1", map[string]int64{"u1": 3})

	raw, _ := json.Marshal(map[string]interface{}{
		"type":      server.MsgShapeEvent,
		"eventType": "SHAPE_EDITED",
		"shapeId":   "s1",
		"userId":    "u2",
		"version":   int64(9),
		"payload": map[string]interface{}{
			"properties":  map[string]interface{}{"fillColor": "green"},
			"vectorClock": map[string]interface{}{"u1": 1},
		},
	})
	q.HandleMessage(raw)

	snap := cache.Snapshot("c1")
	assert.Equal(t, "blue", snap.Shapes[0].Properties["fillColor"], "stale remote edit applied")
}

func TestRemoteConcurrentEditMerged(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, _, cache := newTestQueue(t, ft)

	cache.ReplaceSnapshot("c1", snapshotWith(&store.Shape{
		ID: "s1", Type: "rectangle",
		Properties: map[string]interface{}{"strokeColor": "#f00", "strokeWidth": 2.0},
		PropertyTS: map[string]int64{"strokeColor": 1000},
	}))
	cache.SetClock("c1", "s1", map[string]int64{"u1": 1})

	raw, _ := json.Marshal(map[string]interface{}{
		"type":      server.MsgShapeEvent,
		"eventType": "SHAPE_EDITED",
		"shapeId":   "s1",
		"userId":    "u2",
		"version":   int64(2),
		"payload": map[string]interface{}{
			"properties":         map[string]interface{}{"strokeWidth": 5.0},
			"vectorClock":        map[string]interface{}{"u2": 1},
			"propertyTimestamps": map[string]interface{}{"strokeWidth": 1001},
		},
	})
	q.HandleMessage(raw)

	snap := cache.Snapshot("c1")
	props := snap.Shapes[0].Properties
	assert.Equal(t, "#f00", props["strokeColor"], "local disjoint key lost")
	assert.Equal(t, 5.0, props["strokeWidth"], "remote disjoint key lost")

	clock := cache.Clock("c1", "s1")
	assert.Equal(t, int64(1), clock.Get("u1"))
	assert.Equal(t, int64(1), clock.Get("u2"))
}

func TestRemoteCreateAppliesDirectly(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, _, cache := newTestQueue(t, ft)
	cache.ReplaceSnapshot("c1", snapshotWith())

	raw, _ := json.Marshal(map[string]interface{}{
		"type":      server.MsgShapeEvent,
		"eventType": "SHAPE_CREATED",
		"shapeId":   "s1",
		"userId":    "u2",
		"version":   int64(1),
		"payload": map[string]interface{}{
			"type":       "text",
			"properties": map[string]interface{}{"text": "hi"},
		},
	})
	q.HandleMessage(raw)

	snap := cache.Snapshot("c1")
	require.Len(t, snap.Shapes, 1)
	assert.Equal(t, "hi", snap.Shapes[0].Properties["text"])
}

func TestResyncReplaysAndClears(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, pending, cache := newTestQueue(t, ft)
	ctx := context.Background()

	pending.Enqueue(ctx, store.PendingEvent{
		LocalEventID: "p1", CanvasID: "c1", Kind: event.ShapeCreated, ShapeID: "s1", UserID: "u1", Timestamp: 1,
		Payload: event.Payload{"type": "rectangle"},
	})

	ft.onSend = func(frame map[string]interface{}) {
		if frame["type"] != server.MsgBatchSync {
			return
		}
		raw, _ := json.Marshal(map[string]interface{}{
			"type":    server.MsgBatchSyncResult,
			"success": true,
			"currentState": map[string]interface{}{
				"shapes": []map[string]interface{}{
					{"id": "s1", "type": "rectangle", "zIndex": 0.0},
				},
				"version": 1,
			},
			"storedEvents": []interface{}{},
			"missedEvents": []interface{}{},
			"conflicts":    []interface{}{},
		})
		q.HandleMessage(raw)
	}

	require.NoError(t, q.Resync(ctx))

	n, _ := pending.Count(ctx, "c1")
	assert.Equal(t, 0, n, "queue not cleared after successful sync")

	snap := cache.Snapshot("c1")
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Shapes, 1)
	assert.Equal(t, "s1", snap.Shapes[0].ID)
}

func TestResyncFailureKeepsQueue(t *testing.T) {
	ft := &fakeTransport{connected: true}
	q, pending, _ := newTestQueue(t, ft)
	ctx := context.Background()

	pending.Enqueue(ctx, store.PendingEvent{
		LocalEventID: "p1", CanvasID: "c1", Kind: event.ShapeCreated, ShapeID: "s1", UserID: "u1", Timestamp: 1,
	})

	ft.onSend = func(frame map[string]interface{}) {
		if frame["type"] != server.MsgBatchSync {
			return
		}
		raw, _ := json.Marshal(map[string]interface{}{
			"type":    server.MsgBatchSyncResult,
			"success": false,
			"error":   "storage failure",
		})
		q.HandleMessage(raw)
	}

	err := q.Resync(ctx)
	require.Error(t, err)

	n, _ := pending.Count(ctx, "c1")
	assert.Equal(t, 1, n, "queue cleared despite failed sync")
}
