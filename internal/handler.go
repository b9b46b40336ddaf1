package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// Handler HTTP 請求處理器
type Handler struct {
	lobby     *Lobby
	gw        *Gateway
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(lobby *Lobby, gw *Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		lobby:     lobby,
		gw:        gw,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/players", wrap(h.listPlayers))
	mux.HandleFunc("GET /api/v1/players/{player_id}", wrap(h.getPlayer))
	mux.HandleFunc("GET /api/v1/sessions", wrap(h.listSessions))
	mux.HandleFunc("GET /api/v1/sessions/{session_id}", wrap(h.getSession))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// WebSocket 需要 Hijacker，不經過 responseWriter 包裝
	mux.HandleFunc("GET /ws", h.recoverer(h.gw.ServeWS))

	return mux
}

// sessionView 對局摘要（不含棋盤）
type sessionView struct {
	ID         string         `json:"id"`
	AttackerID string         `json:"attacker_id"`
	DefenderID string         `json:"defender_id"`
	State      SessionState   `json:"state"`
	Turn       string         `json:"turn,omitempty"`
	ShipsSunk  map[string]int `json:"ships_sunk"`
	FleetSize  int            `json:"fleet_size"`
}

func newSessionView(s *Session) sessionView {
	attacker, defender := s.Participants()
	return sessionView{
		ID:         s.ID(),
		AttackerID: attacker.ID,
		DefenderID: defender.ID,
		State:      s.State(),
		Turn:       s.Turn(),
		ShipsSunk: map[string]int{
			attacker.ID: s.ShipsSunk(attacker.ID),
			defender.ID: s.ShipsSunk(defender.ID),
		},
		FleetSize: s.FleetSize(),
	}
}

// listPlayers 名單快照（與 updatePlayers 相同格式）
func (h *Handler) listPlayers(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.lobby.Players(), http.StatusOK)
}

// getPlayer 單一玩家
func (h *Handler) getPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := h.lobby.Player(r.PathValue("player_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, p, http.StatusOK)
}

// listSessions 進行中的對局
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.lobby.Sessions()
	views := make([]sessionView, 0, len(ids))
	for _, id := range ids {
		s, err := h.lobby.Session(id)
		if err != nil {
			continue // 剛好結束
		}
		views = append(views, newSessionView(s))
	}

	h.jsonResponse(w, map[string]any{
		"sessions": views,
		"total":    len(views),
	}, http.StatusOK)
}

// getSession 單一對局
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.lobby.Session(r.PathValue("session_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, newSessionView(s), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"lobby":          h.lobby.Stats(),
		"connections":    h.gw.ConnectionCount(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, code, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"code":  code,
		"error": message,
	}, status)
}

// appErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidMove:
		status = http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	h.errorResponse(w, code, err.Error(), status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.ErrCodeInternal, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
