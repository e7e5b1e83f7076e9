// Package errors 提供即時協調層的應用程式錯誤
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeCapacityExceeded 連線數已達上限（可稍後重試或換一台伺服器）
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	// ErrCodeMissingIdentity 連線缺少身分
	ErrCodeMissingIdentity = "MISSING_IDENTITY"
	// ErrCodeProtocol 無法解析的客戶端訊息
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeTransport 傳輸層讀寫失敗
	ErrCodeTransport = "TRANSPORT_ERROR"
	// ErrCodeJobTransient 背景任務單次執行失敗
	ErrCodeJobTransient = "JOB_TRANSIENT"
	// ErrCodeJobTerminated 背景任務主動終止
	ErrCodeJobTerminated = "JOB_TERMINATED"
	// ErrCodeOrchestratorMisuse 重複啟動或停止
	ErrCodeOrchestratorMisuse = "ORCHESTRATOR_MISUSE"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（同錯誤碼即視為相同）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本
//
// 注意：預定義錯誤是共用的，不能直接修改，所以這裡複製一份
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrCapacityExceeded 連線數已達上限
	ErrCapacityExceeded = New(ErrCodeCapacityExceeded, "connection capacity exceeded")

	// ErrMissingIdentity 缺少身分
	ErrMissingIdentity = New(ErrCodeMissingIdentity, "missing connection identity")

	// ErrSessionNotFound 連線不存在
	ErrSessionNotFound = New(ErrCodeNotFound, "session not found")

	// ErrInvalidLobbyCode 無效的大廳代碼
	ErrInvalidLobbyCode = New(ErrCodeInvalidInput, "invalid lobby code")

	// ErrInvalidScore 分數必須為非負整數
	ErrInvalidScore = New(ErrCodeInvalidInput, "score must be non-negative")

	// ErrUnknownPeriod 未知的排行榜週期
	ErrUnknownPeriod = New(ErrCodeInvalidInput, "unknown ranking period")

	// ErrMalformedMessage 無法解析的訊息
	ErrMalformedMessage = New(ErrCodeProtocol, "malformed message")

	// ErrAlreadyRunning 排程器已在運行
	ErrAlreadyRunning = New(ErrCodeOrchestratorMisuse, "orchestrator already running")

	// ErrNotRunning 排程器未運行
	ErrNotRunning = New(ErrCodeOrchestratorMisuse, "orchestrator not running")
)

// Transient 包裝背景任務的暫時性錯誤
func Transient(err error) *AppError {
	return Wrap(err, ErrCodeJobTransient, "job iteration failed")
}

// Terminated 包裝背景任務的主動終止
func Terminated(err error) *AppError {
	return Wrap(err, ErrCodeJobTerminated, "job terminated")
}

// Transport 包裝傳輸層錯誤
func Transport(err error) *AppError {
	return Wrap(err, ErrCodeTransport, "transport failure")
}

// Protocol 包裝協定錯誤
func Protocol(err error, details string) *AppError {
	return Wrap(err, ErrCodeProtocol, "malformed message").WithDetails(details)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsCapacityExceeded 檢查是否為容量超限錯誤
func IsCapacityExceeded(err error) bool {
	return hasCode(err, ErrCodeCapacityExceeded)
}

// IsProtocol 檢查是否為協定錯誤
func IsProtocol(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsTransport 檢查是否為傳輸層錯誤
func IsTransport(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為無效輸入
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsTransient 檢查是否為暫時性任務錯誤
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeJobTransient)
}

// IsTerminated 檢查是否為任務主動終止
func IsTerminated(err error) bool {
	return hasCode(err, ErrCodeJobTerminated)
}

// IsMisuse 檢查是否為排程器誤用
func IsMisuse(err error) bool {
	return hasCode(err, ErrCodeOrchestratorMisuse)
}
