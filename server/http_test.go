package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string, into interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]interface{}
	resp := getJSON(t, ts, "/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateCanvasEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/canvas", map[string]string{"canvasId": "c1", "name": "Board"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var canvas map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&canvas); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, "c1", canvas["id"])
	assert.Equal(t, "Board", canvas["name"])

	// Idempotent re-create.
	resp2 := postJSON(t, ts, "/api/canvas", map[string]string{"canvasId": "c1"})
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestCreateCanvasRejectsGet(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/canvas", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetCanvasMetadata(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/canvas", map[string]string{"canvasId": "c1", "name": "Board"})

	var canvas map[string]interface{}
	resp := getJSON(t, ts, "/api/canvas/c1", &canvas)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Board", canvas["name"])
}

func TestGetCanvasNotFoundHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/canvas/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCanvasStateAndEventsEndpoints(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/canvas", map[string]string{"canvasId": "c1"})
	res := postJSON(t, ts, "/api/canvas/c1/sync", map[string]interface{}{
		"lastKnownVersion": 0,
		"userId":           "u1",
		"events": []map[string]interface{}{
			{"localEventId": "p1", "canvasId": "c1", "eventType": "SHAPE_CREATED", "shapeId": "s1",
				"userId": "u1", "timestamp": 1, "payload": map[string]interface{}{"type": "rectangle", "zIndex": 1.0}},
			{"localEventId": "p2", "canvasId": "c1", "eventType": "SHAPE_EDITED", "shapeId": "s1",
				"userId": "u1", "timestamp": 2, "payload": map[string]interface{}{"properties": map[string]interface{}{"fillColor": "red"}}},
		},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var syncResult map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&syncResult); err != nil {
		t.Fatalf("decode sync result: %v", err)
	}
	require.Equal(t, true, syncResult["success"], "sync result: %v", syncResult)

	var state map[string]interface{}
	getJSON(t, ts, "/api/canvas/c1/state", &state)
	assert.Equal(t, float64(2), state["version"])
	shapes := state["shapes"].([]interface{})
	require.Len(t, shapes, 1)
	assert.Equal(t, "red", shapes[0].(map[string]interface{})["fillColor"])

	var tail map[string]interface{}
	getJSON(t, ts, "/api/canvas/c1/events?since=1", &tail)
	events := tail["events"].([]interface{})
	assert.Len(t, events, 1)
}

func TestEventsEndpointRejectsBadSince(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/canvas", map[string]string{"canvasId": "c1"})

	resp := getJSON(t, ts, "/api/canvas/c1/events?since=banana", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownCanvasSubroute(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/canvas/c1/teleport", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
