// Package relay 透過 NATS 在多個實例之間轉發大廳廣播
//
// 每個實例只持有自己的連線，大廳成員可能分散在不同實例上。
// 大廳事件發佈到 <prefix>.<lobby_code>.broadcast，
// 所有實例（包含發佈者自己）訂閱 <prefix>.*.broadcast 後做本地扇出
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// 訊息標頭
const (
	HeaderOrigin    = "Relay-Origin"
	HeaderMessageID = "Relay-Msg-Id"
)

const subjectSuffix = "broadcast"

// Broadcaster 本地扇出
type Broadcaster interface {
	Broadcast(lobbyCode string, message []byte) int
}

// Connect 連接 NATS
//
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}

// Subject 大廳廣播主題
func Subject(prefix, lobbyCode string) string {
	return prefix + "." + lobbyCode + "." + subjectSuffix
}

// LobbyFromSubject 從主題取出大廳代碼
func LobbyFromSubject(prefix, subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	code, ok := strings.CutSuffix(rest, "."+subjectSuffix)
	if !ok || code == "" || strings.Contains(code, ".") {
		return "", false
	}
	return code, true
}

// Relay 跨實例廣播轉發器
type Relay struct {
	conn   *nats.Conn
	prefix string
	origin string
	local  Broadcaster
	logger *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// New 創建轉發器
func New(conn *nats.Conn, prefix string, local Broadcaster, logger *slog.Logger) *Relay {
	origin := uuid.NewString()
	return &Relay{
		conn:   conn,
		prefix: prefix,
		origin: origin,
		local:  local,
		logger: logger.With("relay_origin", origin),
	}
}

// Origin 本實例的識別碼
func (r *Relay) Origin() string {
	return r.origin
}

// Start 訂閱所有大廳的廣播主題
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	subject := Subject(r.prefix, "*")
	sub, err := r.conn.Subscribe(subject, r.handle)
	if err != nil {
		return fmt.Errorf("訂閱 %s 失敗: %w", subject, err)
	}
	// 確保伺服器已登記訂閱，之後的發佈不會漏掉
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	r.sub = sub
	r.logger.Info("大廳廣播轉發已啟動", "subject", subject)
	return nil
}

// Publish 發佈大廳事件（實作 realtime.Publisher）
func (r *Relay) Publish(ctx context.Context, lobbyCode string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(r.prefix, lobbyCode))
	msg.Data = payload
	msg.Header.Set(HeaderOrigin, r.origin)
	msg.Header.Set(HeaderMessageID, uuid.NewString())

	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("發佈大廳事件失敗: %w", err)
	}
	return nil
}

func (r *Relay) handle(msg *nats.Msg) {
	code, ok := LobbyFromSubject(r.prefix, msg.Subject)
	if !ok {
		r.logger.Warn("忽略無法解析的主題", "subject", msg.Subject)
		return
	}

	delivered := r.local.Broadcast(code, msg.Data)
	r.logger.Debug("轉發大廳事件",
		"lobby_code", code,
		"origin", msg.Header.Get(HeaderOrigin),
		"msg_id", msg.Header.Get(HeaderMessageID),
		"delivered", delivered)
}

// Close 停止訂閱，等待處理中的訊息完成
func (r *Relay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	r.logger.Info("大廳廣播轉發已停止")
	return nil
}
