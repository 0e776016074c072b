package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mfields/calder/internal/telemetry"
)

func dialHub(t *testing.T, b *Bus) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHub(b).Routes())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_Healthz(t *testing.T) {
	srv := httptest.NewServer(NewHub(newBus(t)).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_ConfigEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewHub(newBus(t)).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.Contains(t, cfg, "backend")
	require.Contains(t, cfg, "hotkeys")
}

func TestHub_RunInlineWorkflow(t *testing.T) {
	conn := dialHub(t, newBus(t))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "run",
		"workflow": json.RawMessage(tinyWorkflow),
	}))

	msg := readMessage(t, conn)
	require.Equal(t, "run_started", msg.Type)
	require.NotEmpty(t, msg.RunID)

	// Telemetry follows on the same channel until run:end.
	var end *telemetry.RunEnd
	for end == nil {
		msg = readMessage(t, conn)
		require.Equal(t, "event", msg.Type)
		require.NotNil(t, msg.Event)
		if msg.Event.Type == telemetry.EventRunEnd {
			end = msg.Event.RunEnd
		}
	}
	require.Equal(t, telemetry.RunCompleted, end.Status)
	require.Equal(t, 1, end.ExecutedCount)
}

func TestHub_RunByPath(t *testing.T) {
	b := newBus(t)
	conn := dialHub(t, b)
	path := writeWorkflow(t, tinyWorkflow)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "run", "path": path}))
	msg := readMessage(t, conn)
	require.Equal(t, "run_started", msg.Type)
}

func TestHub_RunWithoutTarget(t *testing.T) {
	conn := dialHub(t, newBus(t))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "run"}))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Error, "workflow or a path")
}

func TestHub_UnknownMessageType(t *testing.T) {
	conn := dialHub(t, newBus(t))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Error, "bogus")
}

func TestHub_StopWithoutRuns(t *testing.T) {
	conn := dialHub(t, newBus(t))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop"}))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
}

func TestHub_GetConfig(t *testing.T) {
	conn := dialHub(t, newBus(t))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_config"}))
	msg := readMessage(t, conn)
	require.Equal(t, "config", msg.Type)
	require.NotNil(t, msg.Config)
}

func TestHub_RendezvousReplyRoundTrip(t *testing.T) {
	b := newBus(t)
	conn := dialHub(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "run",
		"workflow": json.RawMessage(`{
			"id": "wf-prompt",
			"nodes": [
				{"id": "n1", "module_type": "start"},
				{"id": "n2", "module_type": "input_prompt",
				 "config": {"prompt": "name?", "variable": "who", "timeout_sec": 60}}
			],
			"edges": [{"from": "n1", "to": "n2"}]
		}`),
	}))

	started := readMessage(t, conn)
	require.Equal(t, "run_started", started.Type)

	// Answer the prompt the way the editor would: read until the request
	// shows up, reply with its id, then expect the run to complete.
	var end *telemetry.RunEnd
	for end == nil {
		msg := readMessage(t, conn)
		require.Equal(t, "event", msg.Type)
		switch msg.Event.Type {
		case telemetry.EventRendezvous:
			require.NoError(t, conn.WriteJSON(map[string]any{
				"type":       "rendezvous_reply",
				"request_id": msg.Event.Rendezvous.RequestID,
				"reply":      map[string]any{"value": "ada"},
			}))
		case telemetry.EventRunEnd:
			end = msg.Event.RunEnd
		}
	}
	require.Equal(t, telemetry.RunCompleted, end.Status)

	run, ok := b.Lookup(started.RunID)
	if ok {
		require.Equal(t, "ada", run.Context.Get("who", nil))
	}
}
