// Package errors 提供遊戲伺服器的錯誤碼與錯誤型別
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到（玩家、對局）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeConflict 狀態衝突（玩家忙碌、重複登入）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeRateLimited 操作過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodePlacementInfeasible 艦隊無法放入棋盤
	ErrCodePlacementInfeasible = "PLACEMENT_INFEASIBLE"
	// ErrCodeInvalidMove 非法開火
	ErrCodeInvalidMove = "INVALID_MOVE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 外部服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
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

// Is 以錯誤碼與訊息比對，讓預定義錯誤可以搭配 errors.Is 使用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
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

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的變數，不能直接修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrPlayerNotFound 玩家不在名單中
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrSessionNotFound 對局不存在
	ErrSessionNotFound = New(ErrCodeNotFound, "session not found")

	// ErrPlayerBusy 玩家正在對局中
	ErrPlayerBusy = New(ErrCodeConflict, "player is already playing")

	// ErrAlreadyLoggedIn 同一連線重複登入
	ErrAlreadyLoggedIn = New(ErrCodeConflict, "connection already logged in")

	// ErrSelfChallenge 不能挑戰自己
	ErrSelfChallenge = New(ErrCodeInvalidInput, "cannot challenge yourself")

	// ErrNoPendingChallenge 沒有對應的挑戰
	ErrNoPendingChallenge = New(ErrCodeConflict, "no pending challenge from player")

	// ErrRateLimited 挑戰過於頻繁
	ErrRateLimited = New(ErrCodeRateLimited, "too many requests")

	// ErrPlacementInfeasible 艦隊無法放入棋盤
	ErrPlacementInfeasible = New(ErrCodePlacementInfeasible, "fleet cannot be placed on grid")

	// ErrParticipantMissing 建立對局時參與者連線已不存在
	ErrParticipantMissing = New(ErrCodeNotFound, "session participant is not connected")

	// ErrNotYourTurn 非回合擁有者開火
	ErrNotYourTurn = New(ErrCodeInvalidMove, "not your turn")

	// ErrCellAlreadyFired 已經開火過的格子
	ErrCellAlreadyFired = New(ErrCodeInvalidMove, "cell already fired upon")

	// ErrOutOfBounds 座標超出棋盤
	ErrOutOfBounds = New(ErrCodeInvalidMove, "coordinate out of bounds")

	// ErrSessionOver 對局已結束
	ErrSessionOver = New(ErrCodeInvalidMove, "session is over")

	// ErrInvalidPayload 訊息內容格式錯誤
	ErrInvalidPayload = New(ErrCodeInvalidInput, "invalid message payload")

	// ErrInvalidConfig 配置錯誤
	ErrInvalidConfig = New(ErrCodeInvalidInput, "invalid configuration")
)

// CodeOf 取得錯誤碼，非 AppError 時回傳 ErrCodeInternal
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsInvalidMove 檢查是否為非法開火
func IsInvalidMove(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidMove
	}
	return false
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeRateLimited
	}
	return false
}
