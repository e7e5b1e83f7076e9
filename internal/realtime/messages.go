package realtime

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// 訊息類型
const (
	TypePing        = "ping"
	TypeLobbyStatus = "lobby_status"

	TypeSystem = "system"
	TypePong   = "pong"
	TypeLobby  = "lobby"
)

// 輸出訊息的 action
const (
	ActionConnected    = "connected"
	ActionStatus       = "status"
	ActionMemberJoined = "member_joined"
	ActionMemberLeft   = "member_left"
)

// Inbound 客戶端送來的訊息
//
// 封閉的變體集合：只有本套件內的型別能實作，
// dispatch 用 type switch 處理，未知類型落到 UnknownMessage
type Inbound interface {
	inboundType() string
}

// PingRequest 心跳請求，timestamp 原樣回傳
type PingRequest struct {
	Timestamp json.RawMessage
}

// LobbyStatusRequest 查詢大廳成員
type LobbyStatusRequest struct {
	LobbyCode string
}

// UnknownMessage 無法識別的訊息類型
type UnknownMessage struct {
	Type string
}

func (PingRequest) inboundType() string        { return TypePing }
func (LobbyStatusRequest) inboundType() string { return TypeLobbyStatus }
func (m UnknownMessage) inboundType() string   { return m.Type }

type envelope struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	LobbyCode string          `json:"lobby_code,omitempty"`
}

// DecodeInbound 解析客戶端訊息
//
// 格式錯誤返回 ProtocolError；類型不認得則返回 UnknownMessage 而非錯誤
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Protocol(err, "invalid json envelope")
	}
	if env.Type == "" {
		return nil, apperrors.ErrMalformedMessage.WithDetails("missing type")
	}

	switch env.Type {
	case TypePing:
		ts := env.Timestamp
		if bytes.Equal(ts, []byte("null")) {
			ts = nil
		}
		return PingRequest{Timestamp: ts}, nil
	case TypeLobbyStatus:
		if env.LobbyCode == "" {
			return nil, apperrors.ErrMalformedMessage.WithDetails("lobby_status requires lobby_code")
		}
		return LobbyStatusRequest{LobbyCode: env.LobbyCode}, nil
	default:
		return UnknownMessage{Type: env.Type}, nil
	}
}

// SystemMessage 系統通知
type SystemMessage struct {
	Type         string `json:"type"`
	Action       string `json:"action"`
	UserID       string `json:"user_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// PongMessage 心跳回覆
type PongMessage struct {
	Type        string          `json:"type"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	Connections int             `json:"connections"`
}

// LobbyMessage 大廳狀態與成員變動
type LobbyMessage struct {
	Type      string   `json:"type"`
	Action    string   `json:"action"`
	LobbyCode string   `json:"lobby_code"`
	Members   []string `json:"members"`
	UserID    string   `json:"user_id,omitempty"`
}
