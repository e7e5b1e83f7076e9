// Package api 提供大廳、排行榜與維運用的 HTTP 端點
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	"github.com/koopa0/system-design/14-study-lobby/internal/realtime"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// 排行榜查詢筆數
const (
	defaultLimit = 10
	maxLimit     = 100
)

// Check 就緒檢查
type Check func(ctx context.Context) error

// Deps Handler 的依賴
//
// Users、Orchestrator、Checks 可為 nil
type Deps struct {
	Manager      *realtime.Manager
	Upgrader     *websocket.Upgrader
	Board        *rank.Board
	Users        *cache.UserCache
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Checks       map[string]Check
	Logger       *slog.Logger
}

// Handler HTTP 請求處理器
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(deps Deps) *Handler {
	if deps.Upgrader == nil {
		deps.Upgrader = realtime.NewUpgrader(nil)
	}
	return &Handler{
		deps:   deps,
		logger: deps.Logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 即時連線
	mux.HandleFunc("GET /ws", wrap(h.deps.Manager.ServeWS(h.deps.Upgrader)))

	// 大廳
	mux.HandleFunc("POST /api/v1/lobbies/leave", wrap(h.leaveLobby))
	mux.HandleFunc("POST /api/v1/lobbies/{lobby_code}/join", wrap(h.joinLobby))
	mux.HandleFunc("GET /api/v1/lobbies/{lobby_code}", wrap(h.lobby))

	// 排行榜
	mux.HandleFunc("GET /api/v1/leaderboard/{period}", wrap(h.leaderboard))
	mux.HandleFunc("GET /api/v1/leaderboard/{period}/members/{member_id}", wrap(h.memberRank))

	// 維運
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics.Handler())
	}

	return mux
}

// 請求和響應結構
type lobbyRequest struct {
	UserID string `json:"user_id"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type lobbyResponse struct {
	Success   bool             `json:"success"`
	LobbyCode string           `json:"lobby_code"`
	Members   []string         `json:"members"`
	Profiles  []cache.UserInfo `json:"profiles,omitempty"`
}

type leaveResponse struct {
	Success   bool   `json:"success"`
	Left      bool   `json:"left"`
	LobbyCode string `json:"lobby_code,omitempty"`
}

type leaderboardEntry struct {
	Rank        int64  `json:"rank"`
	MemberID    string `json:"member_id"`
	Score       int64  `json:"score"`
	DisplayName string `json:"display_name,omitempty"`
}

type leaderboardResponse struct {
	Period  rank.Period        `json:"period"`
	Entries []leaderboardEntry `json:"entries"`
}

type statsResponse struct {
	Connections  realtime.Stats       `json:"connections"`
	Orchestrator *orchestrator.Status `json:"orchestrator,omitempty"`
}

// joinLobby 加入大廳（需要先建立 WebSocket 連線）
func (h *Handler) joinLobby(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("lobby_code")

	var req lobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "user_id required"))
		return
	}

	if err := h.deps.Manager.JoinLobby(req.UserID, code); err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, lobbyResponse{
		Success:   true,
		LobbyCode: code,
		Members:   h.deps.Manager.Members(code),
	})
}

// leaveLobby 離開目前所在的大廳
func (h *Handler) leaveLobby(w http.ResponseWriter, r *http.Request) {
	var req lobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "user_id required"))
		return
	}

	code, left := h.deps.Manager.LeaveLobby(req.UserID)
	h.respondJSON(w, leaveResponse{
		Success:   true,
		Left:      left,
		LobbyCode: code,
	})
}

// lobby 查詢大廳成員
func (h *Handler) lobby(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("lobby_code")
	if err := realtime.ValidateLobbyCode(code); err != nil {
		h.respondError(w, err)
		return
	}

	members := h.deps.Manager.Members(code)
	resp := lobbyResponse{
		Success:   true,
		LobbyCode: code,
		Members:   members,
	}
	for _, id := range members {
		if info, ok := h.userInfo(r.Context(), id); ok {
			resp.Profiles = append(resp.Profiles, info)
		}
	}

	h.respondJSON(w, resp)
}

// leaderboard 週期排行榜前 N 名
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	period, err := rank.ParsePeriod(r.PathValue("period"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxLimit {
			h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid limit").
				WithDetails(fmt.Sprintf("limit must be between 1 and %d", maxLimit)))
			return
		}
		limit = n
	}

	top, err := h.deps.Board.Top(r.Context(), period, limit)
	if err != nil {
		h.logger.Error("query leaderboard failed", "period", period, "error", err)
		h.respondError(w, err)
		return
	}

	resp := leaderboardResponse{
		Period:  period,
		Entries: make([]leaderboardEntry, 0, len(top)),
	}
	for i, e := range top {
		entry := leaderboardEntry{Rank: int64(i), MemberID: e.Member, Score: e.Score}
		if info, ok := h.userInfo(r.Context(), e.Member); ok {
			entry.DisplayName = info.DisplayName
		}
		resp.Entries = append(resp.Entries, entry)
	}

	h.respondJSON(w, resp)
}

// memberRank 查詢單一成員的排名
func (h *Handler) memberRank(w http.ResponseWriter, r *http.Request) {
	period, err := rank.ParsePeriod(r.PathValue("period"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	member := r.PathValue("member_id")

	mr, found, err := h.deps.Board.Lookup(r.Context(), period, member)
	if err != nil {
		h.logger.Error("lookup rank failed", "period", period, "member_id", member, "error", err)
		h.respondError(w, err)
		return
	}
	if !found {
		h.respondError(w, apperrors.New(apperrors.ErrCodeNotFound, "member not ranked").WithDetails(member))
		return
	}

	h.respondJSON(w, mr)
}

// userInfo 從快取取得顯示資訊，查不到時略過
func (h *Handler) userInfo(ctx context.Context, userID string) (cache.UserInfo, bool) {
	if h.deps.Users == nil {
		return cache.UserInfo{}, false
	}
	info, err := h.deps.Users.Get(ctx, userID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			h.logger.Warn("load user info failed", "user_id", userID, "error", err)
		}
		return cache.UserInfo{}, false
	}
	return info, true
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			h.respondJSON(w, errorResponse{Error: name + " not ready"}, http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// stats 連線與背景任務狀態
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Connections: h.deps.Manager.Stats()}
	if h.deps.Orchestrator != nil {
		st := h.deps.Orchestrator.Status()
		resp.Orchestrator = &st
	}
	h.respondJSON(w, resp)
}

// 中間件
// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				h.respondError(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any, status ...int) {
	w.Header().Set("Content-Type", "application/json")
	if len(status) > 0 {
		w.WriteHeader(status[0])
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError 依錯誤碼決定 HTTP 狀態
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp = errorResponse{
			Code:    appErr.Code,
			Error:   appErr.Message,
			Details: appErr.Details,
		}
	}
	h.respondJSON(w, resp, statusFor(err))
}

func statusFor(err error) int {
	switch {
	case apperrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsCapacityExceeded(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// Hijack WebSocket 升級需要接管底層連線
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	w.written = true
	return hj.Hijack()
}
