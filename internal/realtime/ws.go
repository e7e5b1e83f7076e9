package realtime

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// IdentityParam WebSocket 連線攜帶身分的查詢參數
const IdentityParam = "user_id"

// NewUpgrader 依允許的來源建立 Upgrader
//
// allowedOrigins 為空時接受所有來源
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
}

// ServeWS 升級 HTTP 請求並交給 Manager
//
// 先升級再檢查身分：拒絕原因透過關閉代碼告知客戶端，
// 瀏覽器端的 WebSocket API 看不到 HTTP 錯誤狀態碼
func (m *Manager) ServeWS(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 已寫入 HTTP 錯誤回應
			m.logger.Warn("升級 WebSocket 失敗", "error", err, "remote", r.RemoteAddr)
			return
		}

		identity := r.URL.Query().Get(IdentityParam)
		if _, err := m.Connect(identity, conn); err != nil {
			m.logger.Info("拒絕 WebSocket 連線",
				"user_id", identity,
				"remote", r.RemoteAddr,
				"error", err)
		}
	}
}
