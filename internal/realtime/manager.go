// Package realtime 管理即時連線、大廳廣播與客戶端訊息分派
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/presence"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-study-lobby/pkg/logger"
)

// maxLobbyCodeLen 大廳代碼長度上限
const maxLobbyCodeLen = 64

// Publisher 跨實例轉發大廳事件
//
// 設定後，大廳成員變動經由 Publisher 發佈，
// 各實例（包含自己）收到後再呼叫 Broadcast 做本地扇出
type Publisher interface {
	Publish(ctx context.Context, lobbyCode string, payload []byte) error
}

// Manager 連線管理器
//
// 兩張表：
//   - sessions: identity -> *Session（每個身分最多一條）
//   - presence: identity <-> lobbyCode（只由 Manager 修改）
//
// 鎖順序固定為 Manager.mu → presence 內部鎖
type Manager struct {
	cfg      config.RealtimeConfig
	presence *presence.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	publisher Publisher
	closed    bool

	wg sync.WaitGroup
}

// NewManager 創建連線管理器
func NewManager(cfg config.RealtimeConfig, registry *presence.Registry, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		presence: registry,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetPublisher 設定跨實例轉發
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Connect 接受一條連線
//
// 容量檢查與登記在同一把鎖內完成，併發呼叫不會超過上限。
// 同一身分已有連線時，舊連線以 CloseSuperseded 關閉，不佔用額外名額。
// 被拒絕的 transport 會以對應的關閉代碼關閉
func (m *Manager) Connect(identity string, t Transport) (*Session, error) {
	if identity == "" {
		m.metrics.ConnectionsRejected.WithLabelValues(metrics.ReasonMissingIdentity).Inc()
		m.reject(t, CloseMissingIdentity, "missing identity")
		return nil, apperrors.ErrMissingIdentity
	}

	ctx := logger.WithSessionID(context.Background(), identity)
	s := &Session{
		Identity:     identity,
		ConnectionID: uuid.NewString(),
		ConnectedAt:  time.Now(),
		manager:      m,
		transport:    t,
		send:         make(chan []byte, m.cfg.SendBuffer),
		done:         make(chan struct{}),
		ctx:          ctx,
		lastPong:     time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.reject(t, CloseNormal, "server shutting down")
		return nil, apperrors.New(apperrors.ErrCodeInternal, "connection manager closed")
	}

	old, exists := m.sessions[identity]
	if !exists && len(m.sessions) >= m.cfg.MaxConnections {
		live := len(m.sessions)
		m.mu.Unlock()

		m.metrics.ConnectionsRejected.WithLabelValues(metrics.ReasonCapacity).Inc()
		m.logger.WarnContext(ctx, "連線數已達上限，拒絕連線",
			"live", live,
			"max", m.cfg.MaxConnections)
		m.reject(t, CloseCapacityExceeded, "capacity exceeded")
		return nil, apperrors.ErrCapacityExceeded
	}

	if exists {
		// 先關閉舊連線，再登記新連線
		old.terminate(CloseSuperseded, "superseded by newer connection")
	}
	m.sessions[identity] = s
	live := len(m.sessions)

	m.wg.Add(2)
	m.mu.Unlock()

	if exists {
		m.metrics.Superseded.Inc()
		m.logger.InfoContext(ctx, "舊連線已被取代",
			"old_connection_id", old.ConnectionID,
			"connection_id", s.ConnectionID)
	} else {
		m.metrics.ConnectionsActive.Inc()
	}
	m.metrics.ConnectionsAccepted.Inc()

	go s.writePump()
	go s.readPump()

	s.enqueue(m.marshal(SystemMessage{
		Type:         TypeSystem,
		Action:       ActionConnected,
		UserID:       identity,
		ConnectionID: s.ConnectionID,
	}))

	m.logger.InfoContext(ctx, "連線建立",
		"connection_id", s.ConnectionID,
		"live", live)

	return s, nil
}

// reject 以關閉代碼結束未被接受的 transport
func (m *Manager) reject(t Transport, code int, reason string) {
	deadline := time.Now().Add(m.cfg.WriteWait)
	_ = t.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = t.Close()
}

// Disconnect 結束身分的連線並移除大廳成員資格（可重複呼叫）
func (m *Manager) Disconnect(identity string) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if !ok {
		m.mu.Unlock()
		return
	}
	lobbyCode, left := m.removeLocked(s)
	m.mu.Unlock()

	s.terminate(CloseNormal, "")
	m.afterRemove(s, lobbyCode, left)
}

// release 讀取迴圈結束時呼叫
//
// 只有當表中仍是同一個 Session 才移除，
// 被取代的舊連線結束時不會影響新連線
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	current, ok := m.sessions[s.Identity]
	if !ok || current != s {
		m.mu.Unlock()
		s.terminate(CloseNormal, "")
		return
	}
	lobbyCode, left := m.removeLocked(s)
	m.mu.Unlock()

	s.terminate(CloseNormal, "")
	m.afterRemove(s, lobbyCode, left)
}

func (m *Manager) removeLocked(s *Session) (string, bool) {
	delete(m.sessions, s.Identity)
	return m.presence.Leave(s.Identity)
}

func (m *Manager) afterRemove(s *Session, lobbyCode string, left bool) {
	m.metrics.ConnectionsActive.Dec()
	m.logger.InfoContext(s.ctx, "連線結束",
		"connection_id", s.ConnectionID,
		"duration", time.Since(s.ConnectedAt).Round(time.Millisecond))

	if left {
		m.announce(lobbyCode, LobbyMessage{
			Type:      TypeLobby,
			Action:    ActionMemberLeft,
			LobbyCode: lobbyCode,
			Members:   m.presence.Members(lobbyCode),
			UserID:    s.Identity,
		})
	}
}

// Send 送訊息給身分目前的連線
//
// 身分不在線時靜默忽略；返回是否成功放入佇列
func (m *Manager) Send(identity string, message []byte) bool {
	m.mu.RLock()
	s, ok := m.sessions[identity]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(message)
}

// Broadcast 送訊息給呼叫當下屬於該大廳的所有連線
//
// 盡力而為：緩衝區滿的連線會被跳過。返回成功放入佇列的數量
func (m *Manager) Broadcast(lobbyCode string, message []byte) int {
	members := m.presence.Members(lobbyCode)

	m.mu.RLock()
	targets := make([]*Session, 0, len(members))
	for _, identity := range members {
		if s, ok := m.sessions[identity]; ok {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(message) {
			delivered++
		}
	}
	m.metrics.BroadcastDeliveries.Add(float64(delivered))
	return delivered
}

// JoinLobby 將在線身分加入大廳
func (m *Manager) JoinLobby(identity, lobbyCode string) error {
	if err := ValidateLobbyCode(lobbyCode); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[identity]; !ok {
		m.mu.Unlock()
		return apperrors.ErrSessionNotFound
	}
	previous := m.presence.Join(identity, lobbyCode)
	m.mu.Unlock()

	if previous == lobbyCode {
		return nil
	}

	ctx := logger.WithLobbyCode(logger.WithSessionID(context.Background(), identity), lobbyCode)
	m.logger.InfoContext(ctx, "加入大廳", "previous", previous)

	if previous != "" {
		m.announce(previous, LobbyMessage{
			Type:      TypeLobby,
			Action:    ActionMemberLeft,
			LobbyCode: previous,
			Members:   m.presence.Members(previous),
			UserID:    identity,
		})
	}
	m.announce(lobbyCode, LobbyMessage{
		Type:      TypeLobby,
		Action:    ActionMemberJoined,
		LobbyCode: lobbyCode,
		Members:   m.presence.Members(lobbyCode),
		UserID:    identity,
	})
	return nil
}

// LeaveLobby 將身分移出所在大廳，返回離開的大廳代碼
func (m *Manager) LeaveLobby(identity string) (string, bool) {
	m.mu.Lock()
	lobbyCode, ok := m.presence.Leave(identity)
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	m.announce(lobbyCode, LobbyMessage{
		Type:      TypeLobby,
		Action:    ActionMemberLeft,
		LobbyCode: lobbyCode,
		Members:   m.presence.Members(lobbyCode),
		UserID:    identity,
	})
	return lobbyCode, true
}

// Members 返回大廳成員
func (m *Manager) Members(lobbyCode string) []string {
	return m.presence.Members(lobbyCode)
}

// LobbyOf 查詢身分所在的大廳
func (m *Manager) LobbyOf(identity string) (string, bool) {
	return m.presence.LobbyOf(identity)
}

// Count 目前在線連線數
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session 查詢身分目前的連線
func (m *Manager) Session(identity string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[identity]
	return s, ok
}

// Stats 連線統計
type Stats struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	Lobbies        map[string]int `json:"lobbies"`
}

// Stats 返回連線與大廳統計
func (m *Manager) Stats() Stats {
	return Stats{
		Connections:    m.Count(),
		MaxConnections: m.cfg.MaxConnections,
		Lobbies:        m.presence.Snapshot(),
	}
}

// Close 關閉所有連線並等待讀寫 goroutine 結束
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate(CloseNormal, "server shutting down")
	}
	m.wg.Wait()

	m.logger.Info("連線管理器已關閉", "closed_sessions", len(sessions))
}

// dispatch 依訊息類型處理
//
// 格式錯誤只記錄警告，連線保持開啟，不回覆
func (m *Manager) dispatch(s *Session, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		m.metrics.InboundMessages.WithLabelValues("malformed").Inc()
		m.logger.WarnContext(s.ctx, "無法解析的訊息", "error", err)
		return
	}

	switch msg := msg.(type) {
	case PingRequest:
		m.metrics.InboundMessages.WithLabelValues(TypePing).Inc()
		s.enqueue(m.marshal(PongMessage{
			Type:        TypePong,
			Timestamp:   msg.Timestamp,
			Connections: m.Count(),
		}))

	case LobbyStatusRequest:
		m.metrics.InboundMessages.WithLabelValues(TypeLobbyStatus).Inc()
		s.enqueue(m.marshal(LobbyMessage{
			Type:      TypeLobby,
			Action:    ActionStatus,
			LobbyCode: msg.LobbyCode,
			Members:   m.presence.Members(msg.LobbyCode),
		}))

	case UnknownMessage:
		m.metrics.InboundMessages.WithLabelValues("unknown").Inc()
		m.logger.WarnContext(s.ctx, "未知的訊息類型", "type", msg.Type)
	}
}

// announce 發佈大廳事件
//
// 有 Publisher 時交給它轉發，失敗時退回本地廣播
func (m *Manager) announce(lobbyCode string, v any) {
	payload := m.marshal(v)
	if payload == nil {
		return
	}

	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()

	if p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteWait)
		err := p.Publish(ctx, lobbyCode, payload)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warn("轉發大廳事件失敗，改為本地廣播", "lobby_code", lobbyCode, "error", err)
	}
	m.Broadcast(lobbyCode, payload)
}

func (m *Manager) marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// 只會序列化本套件定義的結構，不應發生
		m.logger.Error("序列化訊息失敗", "error", err)
		return nil
	}
	return data
}

// ValidateLobbyCode 檢查大廳代碼
//
// 代碼會成為 NATS subject 的一段，不能包含 . * > 或空白
func ValidateLobbyCode(code string) error {
	if code == "" || len(code) > maxLobbyCodeLen {
		return apperrors.ErrInvalidLobbyCode.WithDetails("lobby code must be 1-64 characters")
	}
	if strings.ContainsAny(code, ".*> \t\r\n") {
		return apperrors.ErrInvalidLobbyCode.WithDetails("lobby code contains reserved characters")
	}
	return nil
}
