package realtime_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-study-lobby/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mgr *realtime.Manager, origins []string) string {
	t.Helper()
	server := httptest.NewServer(mgr.ServeWS(realtime.NewUpgrader(origins)))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// expectClose 讀取直到收到關閉幀，返回關閉代碼
func expectClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

// TestServeWS_Connection 測試真實 WebSocket 連線
func TestServeWS_Connection(t *testing.T) {
	mgr, _ := newTestManager(t, 2)
	base := newTestServer(t, mgr, nil)

	t.Run("connected then ping pong", func(t *testing.T) {
		ws := dial(t, base+"/ws?user_id=player_001")

		msg := readJSON(t, ws)
		assert.Equal(t, "system", msg["type"])
		assert.Equal(t, "connected", msg["action"])

		require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "timestamp": 42}))
		msg = readJSON(t, ws)
		assert.Equal(t, "pong", msg["type"])
		assert.Equal(t, 42.0, msg["timestamp"])
		assert.Equal(t, 1.0, msg["connections"])
	})

	t.Run("missing identity closes with 4001", func(t *testing.T) {
		ws := dial(t, base+"/ws")
		assert.Equal(t, realtime.CloseMissingIdentity, expectClose(t, ws))
	})

	t.Run("superseded connection closes with 4003", func(t *testing.T) {
		first := dial(t, base+"/ws?user_id=player_002")
		readJSON(t, first)

		second := dial(t, base+"/ws?user_id=player_002")
		readJSON(t, second)

		assert.Equal(t, realtime.CloseSuperseded, expectClose(t, first))
	})

	t.Run("capacity exceeded closes with 4002", func(t *testing.T) {
		// 前面子測試的連線已在 Cleanup 關閉
		require.Eventually(t, func() bool { return mgr.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

		readJSON(t, dial(t, base+"/ws?user_id=player_010"))
		readJSON(t, dial(t, base+"/ws?user_id=player_011"))

		ws := dial(t, base+"/ws?user_id=player_003")
		assert.Equal(t, realtime.CloseCapacityExceeded, expectClose(t, ws))
	})

	t.Run("client close releases the slot", func(t *testing.T) {
		ws := dial(t, base+"/ws?user_id=player_001")
		readJSON(t, ws)

		before := mgr.Count()
		require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		ws.Close()

		require.Eventually(t, func() bool { return mgr.Count() == before-1 }, 2*time.Second, 10*time.Millisecond)
	})
}

// TestServeWS_Origin 測試來源檢查
func TestServeWS_Origin(t *testing.T) {
	mgr, _ := newTestManager(t, 10)
	base := newTestServer(t, mgr, []string{"https://lobby.example"})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws?user_id=player_001", header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://lobby.example")
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws?user_id=player_001", header)
	require.NoError(t, err)
	ws.Close()
}
