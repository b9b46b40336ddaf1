package internal

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// 客戶端 → 伺服器
const (
	MsgLogin     = "login"
	MsgChallenge = "challenge"
	MsgAccept    = "accept"
	MsgFire      = "fire"
	MsgForfeit   = "forfeit"
	MsgMove      = "move"
)

// 伺服器 → 客戶端
const (
	MsgUpdatePlayers = "updatePlayers"
	MsgInitPlayer    = "initPlayer"
	MsgStartGame     = "startGame"
	MsgInitGrid      = "initGrid"
	MsgYourTurn      = "yourTurn"
	MsgEndTurn       = "endTurn"
	MsgResult        = "result"
	MsgGameOver      = "gameOver"
	MsgPlayerMoved   = "playerMoved"
	MsgError         = "error"
)

// Envelope 線上訊息格式：{"type": "...", "data": ...}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound 伺服器發出的訊息
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// encode 序列化伺服器訊息
func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: msgType, Data: payload})
}

// LoginRequest 登入
type LoginRequest struct {
	Name          string `json:"name" validate:"required,min=1,max=32"`
	LinkToTwitter bool   `json:"linkToTwitter"`
}

// ChallengeRequest 挑戰某位玩家
type ChallengeRequest struct {
	TargetID string `json:"targetId" validate:"required"`
}

// AcceptRequest 接受挑戰
type AcceptRequest struct {
	ChallengerID string `json:"challengerId" validate:"required"`
}

// FireRequest 開火，x 為列、y 為欄
type FireRequest struct {
	X *int `json:"x" validate:"required"`
	Y *int `json:"y" validate:"required"`
}

// MoveRequest 探索模式的位置更新
type MoveRequest struct {
	Position Vec3        `json:"position"`
	Rotation *Quaternion `json:"rotation,omitempty"`
}

// ChallengeNotice 發給被挑戰者
type ChallengeNotice struct {
	FromID string `json:"fromId"`
}

// StartGameNotice 對局開始
type StartGameNotice struct {
	AttackerID string `json:"attackerId"`
	DefenderID string `json:"defenderId"`
}

// FireResult 開火結果，發給對局兩方
type FireResult struct {
	FiredBy string `json:"firedBy"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Hit     bool   `json:"hit"`
}

// PlayerMovedNotice 玩家位置變更
type PlayerMovedNotice struct {
	ID       string      `json:"id"`
	Position Vec3        `json:"position"`
	Rotation *Quaternion `json:"rotation,omitempty"`
}

// ErrorNotice 致命錯誤通知（如對局建立失敗）
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EndState connectionID -> 結束原因
type EndState map[string]string

// 對局結束原因（gameOver 訊息中的值）
const (
	ReasonWin        = "win"
	ReasonLose       = "lose"
	ReasonForfeit    = "forfeit"
	ReasonDisconnect = "disconnect"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode 解析並驗證訊息內容
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, apperrors.ErrInvalidPayload.Message)
	}
	if err := validate.Struct(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, apperrors.ErrInvalidPayload.Message).
			WithDetails(fmt.Sprintf("%T", v))
	}
	return nil
}
