package client

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/easelhq/easel/db"
	"github.com/easelhq/easel/event"
	qtesting "github.com/easelhq/easel/internal/testing"
	"github.com/easelhq/easel/store"
)

func newTestPendingStore(t *testing.T) *PendingStore {
	t.Helper()
	conn := qtesting.CreateTestDB(t)
	conn.SetMaxOpenConns(1)
	p, err := NewPendingStore(conn, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewPendingStore failed: %v", err)
	}
	return p
}

func TestEnqueueAndListOrdered(t *testing.T) {
	p := newTestPendingStore(t)
	ctx := context.Background()

	// Inserted out of timestamp order.
	events := []store.PendingEvent{
		{LocalEventID: "l3", CanvasID: "c1", Kind: event.ShapeEdited, ShapeID: "s1", UserID: "u1", Timestamp: 30,
			Payload: event.Payload{"properties": map[string]interface{}{"x": 3.0}}},
		{LocalEventID: "l1", CanvasID: "c1", Kind: event.ShapeCreated, ShapeID: "s1", UserID: "u1", Timestamp: 10,
			Payload: event.Payload{"type": "rectangle"}},
		{LocalEventID: "l2", CanvasID: "c1", Kind: event.ShapeMoved, ShapeID: "s1", UserID: "u1", Timestamp: 20,
			Payload: event.Payload{"position": map[string]interface{}{"x": 2.0, "y": 2.0}}},
	}
	for _, pe := range events {
		if err := p.Enqueue(ctx, pe); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", pe.LocalEventID, err)
		}
	}

	list, err := p.List(ctx, "c1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d pending events, want 3", len(list))
	}
	for i, want := range []string{"l1", "l2", "l3"} {
		if list[i].LocalEventID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].LocalEventID, want)
		}
	}
	if list[0].Kind != event.ShapeCreated {
		t.Errorf("kind = %s", list[0].Kind)
	}
	if list[0].Payload["type"] != "rectangle" {
		t.Errorf("payload lost in roundtrip: %v", list[0].Payload)
	}
}

func TestEnqueueSameIDOverwrites(t *testing.T) {
	p := newTestPendingStore(t)
	ctx := context.Background()

	base := store.PendingEvent{LocalEventID: "l1", CanvasID: "c1", Kind: event.ShapeEdited, ShapeID: "s1", UserID: "u1", Timestamp: 1,
		Payload: event.Payload{"properties": map[string]interface{}{"x": 1.0}}}
	if err := p.Enqueue(ctx, base); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	base.Payload = event.Payload{"properties": map[string]interface{}{"x": 9.0}}
	if err := p.Enqueue(ctx, base); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	list, err := p.List(ctx, "c1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("duplicate rows for one local event ID: %d", len(list))
	}
	props := list[0].Payload["properties"].(map[string]interface{})
	if props["x"] != 9.0 {
		t.Errorf("latest payload did not win: %v", props)
	}
}

func TestClearScopedToCanvas(t *testing.T) {
	p := newTestPendingStore(t)
	ctx := context.Background()

	p.Enqueue(ctx, store.PendingEvent{LocalEventID: "a", CanvasID: "c1", Kind: event.ShapeCreated, UserID: "u1", Timestamp: 1})
	p.Enqueue(ctx, store.PendingEvent{LocalEventID: "b", CanvasID: "c2", Kind: event.ShapeCreated, UserID: "u1", Timestamp: 1})

	if err := p.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	n1, _ := p.Count(ctx, "c1")
	n2, _ := p.Count(ctx, "c2")
	if n1 != 0 || n2 != 1 {
		t.Errorf("counts after clear = %d/%d, want 0/1", n1, n2)
	}
}

func TestRemoveSingle(t *testing.T) {
	p := newTestPendingStore(t)
	ctx := context.Background()

	p.Enqueue(ctx, store.PendingEvent{LocalEventID: "a", CanvasID: "c1", Kind: event.ShapeCreated, UserID: "u1", Timestamp: 1})
	if err := p.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n, _ := p.Count(ctx, "c1")
	if n != 0 {
		t.Errorf("count = %d after remove", n)
	}
}

// Pending events must survive a process restart.
func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	conn, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("open queue db: %v", err)
	}
	p, err := NewPendingStore(conn, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewPendingStore: %v", err)
	}
	if err := p.Enqueue(ctx, store.PendingEvent{
		LocalEventID: "survivor", CanvasID: "c1", Kind: event.ShapeCreated, ShapeID: "s1", UserID: "u1", Timestamp: 5,
		Payload: event.Payload{"type": "circle"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	conn.Close()

	conn2, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen queue db: %v", err)
	}
	defer conn2.Close()
	p2, err := NewPendingStore(conn2, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewPendingStore after reopen: %v", err)
	}

	list, err := p2.List(ctx, "c1")
	if err != nil {
		t.Fatalf("List after reopen: %v", err)
	}
	if len(list) != 1 || list[0].LocalEventID != "survivor" {
		t.Fatalf("pending event lost across restart: %+v", list)
	}
}
