package hub

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/telemetry"
	"github.com/Nike5170/Screener/internal/users"
)

type recordingTop struct {
	mu   sync.Mutex
	mode string
	n    int
}

func (r *recordingTop) Top(mode string, n int) (string, []TopItem) {
	r.mu.Lock()
	r.mode, r.n = mode, n
	r.mu.Unlock()
	items := []TopItem{{Symbol: "BTCUSDT", Value: 100}, {Symbol: "ETHUSDT", Value: 50}}
	if n < len(items) {
		items = items[:n]
	}
	return mode, items
}

func (r *recordingTop) last() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode, r.n
}

type failingStore struct{}

func (failingStore) ResolveToken(token string) (string, bool) { return "u1", token == "tok" }
func (failingStore) UserConfig(string) map[string]float64     { return config.MergeFilters(nil) }
func (failingStore) PatchConfig(string, map[string]any) (map[string]float64, error) {
	return nil, errors.New("backend down")
}

func newUserStore(t *testing.T) *users.FileStore {
	t.Helper()
	s, err := users.NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	_, err = s.CreateUser("alice", "", "alice-token", false)
	require.NoError(t, err)
	_, err = s.CreateUser("bob", "", "bob-token", false)
	require.NoError(t, err)
	return s
}

func startHub(t *testing.T, store UserStore, top TopProvider, sink MetricsSink) *Hub {
	t.Helper()
	h := New(store, top, sink, telemetry.NewMetrics())
	require.NoError(t, h.Start("127.0.0.1:0"))
	t.Cleanup(h.Shutdown)
	return h
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func authAs(t *testing.T, ws *websocket.Conn, token string) map[string]any {
	t.Helper()
	sendJSON(t, ws, map[string]any{"type": "auth", "token": token})
	resp := readJSON(t, ws)
	require.Equal(t, "ok", resp["type"])
	return resp
}

func TestHub_RejectsCommandsBeforeAuth(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)

	sendJSON(t, ws, map[string]any{"type": "get_config"})
	resp := readJSON(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "unauthorized", resp["error"])

	// Still open: the bare text heartbeat works in any state.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

func TestHub_AuthBadTokenCloses(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)

	sendJSON(t, ws, map[string]any{"type": "auth", "token": "nope"})
	resp := readJSON(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "unauthorized", resp["error"])

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestHub_AuthAndGetConfig(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)

	resp := authAs(t, ws, "alice-token")
	assert.Equal(t, "alice", resp["user_id"])
	assert.Greater(t, resp["ts"].(float64), 0.0)

	sendJSON(t, ws, map[string]any{"type": "get_config"})
	resp = readJSON(t, ws)
	require.Equal(t, "config", resp["type"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(10_000_000), data["volume_threshold"])
	assert.Len(t, data, len(config.FilterKeys))
}

func TestHub_SetConfigValidation(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)
	authAs(t, ws, "alice-token")

	// Off-enum value is dropped.
	sendJSON(t, ws, map[string]any{"type": "set_config", "patch": map[string]any{"volume_threshold": 12345}})
	resp := readJSON(t, ws)
	require.Equal(t, "config", resp["type"])
	assert.Equal(t, float64(10_000_000), resp["data"].(map[string]any)["volume_threshold"])

	// Enumerated value sticks and survives a round-trip.
	sendJSON(t, ws, map[string]any{"type": "set_config", "patch": map[string]any{"volume_threshold": 50_000_000}})
	resp = readJSON(t, ws)
	require.Equal(t, "config", resp["type"])
	assert.Equal(t, float64(50_000_000), resp["data"].(map[string]any)["volume_threshold"])

	sendJSON(t, ws, map[string]any{"type": "get_config"})
	resp = readJSON(t, ws)
	assert.Equal(t, float64(50_000_000), resp["data"].(map[string]any)["volume_threshold"])
}

func TestHub_SetConfigWriteFailureReturnsOldConfig(t *testing.T) {
	h := startHub(t, failingStore{}, &recordingTop{}, nil)
	ws := dialHub(t, h)
	authAs(t, ws, "tok")

	sendJSON(t, ws, map[string]any{"type": "set_config", "patch": map[string]any{"volume_threshold": 50_000_000}})
	resp := readJSON(t, ws)
	require.Equal(t, "config", resp["type"])
	assert.Equal(t, float64(10_000_000), resp["data"].(map[string]any)["volume_threshold"])
}

func TestHub_GetAllowedFilters(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)
	authAs(t, ws, "alice-token")

	sendJSON(t, ws, map[string]any{"type": "get_allowed_filters"})
	resp := readJSON(t, ws)
	require.Equal(t, "allowed_filters", resp["type"])
	data := resp["data"].(map[string]any)
	assert.Len(t, data, len(config.FilterKeys))
	vt := data["volume_threshold"].([]any)
	assert.Equal(t, float64(10_000_000), vt[0])
}

func TestHub_GetTopDefaults(t *testing.T) {
	top := &recordingTop{}
	h := startHub(t, newUserStore(t), top, nil)
	ws := dialHub(t, h)
	authAs(t, ws, "alice-token")

	sendJSON(t, ws, map[string]any{"type": "get_top"})
	resp := readJSON(t, ws)
	require.Equal(t, "top", resp["type"])
	assert.Equal(t, "volume24h", resp["mode"])
	assert.Len(t, resp["items"].([]any), 2)

	mode, n := top.last()
	assert.Equal(t, "volume24h", mode)
	assert.Equal(t, 5, n)

	sendJSON(t, ws, map[string]any{"type": "get_top", "mode": "trades24h", "n": 1})
	resp = readJSON(t, ws)
	assert.Equal(t, "trades24h", resp["mode"])
	assert.Len(t, resp["items"].([]any), 1)
}

func TestHub_MetricsForwardsToSink(t *testing.T) {
	type sinkCall struct {
		clientID string
		event    string
	}
	calls := make(chan sinkCall, 1)
	sink := func(clientID, event string, data json.RawMessage) {
		calls <- sinkCall{clientID: clientID, event: event}
	}

	h := startHub(t, newUserStore(t), &recordingTop{}, sink)
	ws := dialHub(t, h)
	authAs(t, ws, "alice-token")

	sendJSON(t, ws, map[string]any{"type": "metrics", "event": "ui_click", "data": map[string]any{"x": 1}})
	resp := readJSON(t, ws)
	assert.Equal(t, "ok", resp["type"])

	select {
	case call := <-calls:
		assert.Equal(t, "ui_click", call.event)
		assert.NotEmpty(t, call.clientID)
	default:
		t.Fatal("sink never invoked")
	}
}

func TestHub_BadJSONKeepsConnectionOpen(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	resp := readJSON(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "bad_json", resp["error"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

func TestHub_UnknownTypeWhenAuthed(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)
	ws := dialHub(t, h)
	authAs(t, ws, "alice-token")

	sendJSON(t, ws, map[string]any{"type": "frobnicate"})
	resp := readJSON(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "unknown_type", resp["error"])
}

func TestHub_FanoutTargeting(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)

	alice := dialHub(t, h)
	authAs(t, alice, "alice-token")
	bob := dialHub(t, h)
	authAs(t, bob, "bob-token")
	guest := dialHub(t, h) // never auths

	h.SendToUser("alice", map[string]any{"type": "impulse", "symbol": "BTCUSDT"})
	h.Broadcast(map[string]any{"type": "listing", "symbol": "NEWUSDT"})

	// Alice sees both, in order.
	resp := readJSON(t, alice)
	assert.Equal(t, "impulse", resp["type"])
	resp = readJSON(t, alice)
	assert.Equal(t, "listing", resp["type"])

	// Bob's first frame is the broadcast: the targeted send skipped him.
	resp = readJSON(t, bob)
	assert.Equal(t, "listing", resp["type"])

	// The unauthed guest got neither: its first frame is the pong.
	require.NoError(t, guest.WriteMessage(websocket.TextMessage, []byte("ping")))
	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := guest.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

func TestHub_ClientCount(t *testing.T) {
	h := startHub(t, newUserStore(t), &recordingTop{}, nil)

	dialHub(t, h)
	dialHub(t, h)

	require.Eventually(t, func() bool { return h.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}
