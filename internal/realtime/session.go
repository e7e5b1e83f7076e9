package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// 關閉代碼
//
// 4000-4999 是 WebSocket 保留給應用程式的範圍，
// 客戶端依此區分「換一台伺服器再試」與「你在別處登入了」
const (
	CloseNormal           = websocket.CloseNormalClosure     // 1000
	CloseMissingIdentity  = 4001                             // 缺少身分
	CloseCapacityExceeded = 4002                             // 連線數已滿
	CloseSuperseded       = 4003                             // 同一身分的新連線取代了舊連線
	CloseInternalError    = websocket.CloseInternalServerErr // 1011
)

// Transport 雙向訊息串流
//
// *websocket.Conn 直接滿足此介面；測試可替換成記憶體實作
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session 一條已被接受的即時連線
type Session struct {
	Identity     string
	ConnectionID string
	ConnectedAt  time.Time

	manager   *Manager
	transport Transport
	send      chan []byte
	done      chan struct{}
	ctx       context.Context

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu       sync.Mutex
	lastPong time.Time
}

// Done 連線終止後關閉
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastPong 最近一次收到 Pong 的時間
func (s *Session) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// CloseCode 返回終止時使用的關閉代碼（尚未終止時為 0）
func (s *Session) CloseCode() int {
	select {
	case <-s.done:
		return s.closeCode
	default:
		return 0
	}
}

// terminate 標記連線終止，由 writePump 送出關閉幀
//
// 只有第一次呼叫生效，之後的代碼會被忽略
func (s *Session) terminate(code int, reason string) bool {
	terminated := false
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
		terminated = true
	})
	return terminated
}

// enqueue 非阻塞寫入發送佇列
//
// 空訊息（序列化失敗）不送出，避免客戶端收到空白幀
func (s *Session) enqueue(message []byte) bool {
	if len(message) == 0 {
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- message:
		return true
	default:
		s.manager.metrics.DroppedMessages.Inc()
		s.manager.logger.WarnContext(s.ctx, "發送緩衝區已滿，丟棄訊息",
			"connection_id", s.ConnectionID)
		return false
	}
}

// readPump 依到達順序處理單一連線的訊息
//
// 讀取錯誤（對端關閉、逾時、傳輸失敗）都會結束迴圈並觸發 release；
// 處理過程中的 panic 只結束這條連線（1011）
func (s *Session) readPump() {
	m := s.manager
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(s.ctx, "處理訊息時發生 panic，結束連線",
				"connection_id", s.ConnectionID,
				"panic", fmt.Sprint(r))
			s.terminate(CloseInternalError, "internal error")
		}
		m.release(s)
		m.wg.Done()
	}()

	s.transport.SetReadLimit(m.cfg.MaxMessageSize)
	if err := s.transport.SetReadDeadline(time.Now().Add(m.cfg.PongWait)); err != nil {
		m.logger.WarnContext(s.ctx, "設置讀取期限失敗", "error", err)
	}
	s.transport.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return s.transport.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		messageType, data, err := s.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				CloseSuperseded,
			) {
				select {
				case <-s.done:
					// 伺服器主動關閉後的讀取錯誤是預期的
				default:
					m.logger.WarnContext(s.ctx, "讀取失敗，結束連線",
						"connection_id", s.ConnectionID,
						"error", apperrors.Transport(err))
				}
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		m.dispatch(s, data)
	}
}

// writePump 將佇列中的訊息寫入傳輸層，並定期送出 Ping
func (s *Session) writePump() {
	m := s.manager
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.transport.Close()
		m.wg.Done()
	}()

	for {
		select {
		case <-s.done:
			deadline := time.Now().Add(m.cfg.WriteWait)
			// 對端可能已經斷開，錯誤忽略
			_ = s.transport.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeReason), deadline)
			return

		case message := <-s.send:
			if err := s.transport.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.logger.WarnContext(s.ctx, "設置寫入期限失敗", "error", err)
			}
			if err := s.transport.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.WarnContext(s.ctx, "寫入失敗，結束連線",
					"connection_id", s.ConnectionID,
					"error", apperrors.Transport(err))
				return
			}

		case <-ticker.C:
			if err := s.transport.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.logger.WarnContext(s.ctx, "設置寫入期限失敗", "error", err)
			}
			if err := s.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
