package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// 系統設計問題：
//   大廳如何維護「誰在線上、誰正在對戰」並安全地撮合兩人？
//
// 核心挑戰：
//   1. 名單一致性：登入、離線、開局、結束都會改名單，每次改動都要廣播
//   2. 原子撮合：兩位玩家的 IsPlaying 必須同時設定，避免同一人被兩場對局搶走
//   3. 結束通知：對局結束時清旗標，但玩家可能已經離線
//   4. 濫發挑戰：同一位玩家短時間內大量發送 challenge
//
// 設計方案：
//   ✅ sync.RWMutex - 名單只在鎖內修改，廣播也在鎖內發出，順序不會錯亂
//   ✅ 先設旗標再建立對局，失敗時回滾
//   ✅ onEnded 回呼只清除仍在名單中的玩家
//   ✅ Limiter 介面 - 單機令牌桶或 Redis 令牌桶

// LobbyConfig 大廳參數
type LobbyConfig struct {
	Session          SessionConfig
	RequireChallenge bool // accept 前必須先收到對方的 challenge
}

// Connector 提供新連線通知（*Gateway 實作）
type Connector interface {
	OnConnect(fn func(connID string))
}

// LobbyStats 大廳統計
type LobbyStats struct {
	Players        int               `json:"players"`
	Playing        int               `json:"playing"`
	ActiveSessions int               `json:"active_sessions"`
	TotalLogins    int64             `json:"total_logins"`
	MatchesStarted int64             `json:"matches_started"`
	MatchesEnded   map[EndReason]int `json:"matches_ended"`
}

// Lobby 玩家名單的唯一擁有者
type Lobby struct {
	cfg     LobbyConfig
	gw      Transport
	limiter Limiter
	pub     Publisher
	logger  *slog.Logger

	players  map[string]*Player
	pending  map[string]map[string]struct{} // 被挑戰者 -> 挑戰者
	sessions map[string]*Session
	subs     map[string][]Subscription // connID -> 大廳註冊的處理器
	rng      *rand.Rand

	totalLogins    int64
	matchesStarted int64
	matchesEnded   map[EndReason]int

	mu sync.RWMutex
}

// NewLobby 創建大廳
//
// limiter 為 nil 時不限流；pub 為 nil 時不發布事件。
func NewLobby(cfg LobbyConfig, gw Transport, limiter Limiter, pub Publisher, logger *slog.Logger) *Lobby {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Lobby{
		cfg:          cfg,
		gw:           gw,
		limiter:      limiter,
		pub:          pub,
		logger:       logger,
		players:      make(map[string]*Player),
		pending:      make(map[string]map[string]struct{}),
		sessions:     make(map[string]*Session),
		subs:         make(map[string][]Subscription),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		matchesEnded: make(map[EndReason]int),
	}
}

// Attach 讓每條新連線都先交給大廳
func (l *Lobby) Attach(c Connector) {
	c.OnConnect(func(connID string) {
		if err := l.Connect(connID); err != nil {
			l.logger.Warn("註冊大廳處理器失敗", "conn_id", connID, "error", err)
		}
	})
}

// Connect 為連線註冊 login/challenge/accept/move 與斷線回呼
func (l *Lobby) Connect(connID string) error {
	regs := []struct {
		msgType string
		h       MessageHandler
	}{
		{MsgLogin, l.handleLogin},
		{MsgChallenge, l.handleChallenge},
		{MsgAccept, l.handleAccept},
		{MsgMove, l.handleMove},
	}

	subs := make([]Subscription, 0, len(regs)+1)
	release := func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}

	for _, r := range regs {
		sub, err := l.gw.Handle(connID, r.msgType, r.h)
		if err != nil {
			release()
			return err
		}
		subs = append(subs, sub)
	}
	sub, err := l.gw.OnDisconnect(connID, func() { l.Disconnect(connID) })
	if err != nil {
		release()
		return err
	}
	subs = append(subs, sub)

	l.mu.Lock()
	l.subs[connID] = subs
	l.mu.Unlock()
	return nil
}

func (l *Lobby) handleLogin(connID string, data json.RawMessage) error {
	var req LoginRequest
	if err := Decode(data, &req); err != nil {
		return err
	}
	_, err := l.Login(connID, req.Name, req.LinkToTwitter)
	return err
}

func (l *Lobby) handleChallenge(connID string, data json.RawMessage) error {
	var req ChallengeRequest
	if err := Decode(data, &req); err != nil {
		return err
	}
	return l.Challenge(context.Background(), connID, req.TargetID)
}

func (l *Lobby) handleAccept(connID string, data json.RawMessage) error {
	var req AcceptRequest
	if err := Decode(data, &req); err != nil {
		return err
	}
	_, err := l.Accept(connID, req.ChallengerID)
	return err
}

func (l *Lobby) handleMove(connID string, data json.RawMessage) error {
	var req MoveRequest
	if err := Decode(data, &req); err != nil {
		return err
	}
	return l.Move(connID, req.Position, req.Rotation)
}

// Login 登入：回覆 initPlayer 並廣播名單
func (l *Lobby) Login(connID, name string, linkToTwitter bool) (Player, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.players[connID]; exists {
		return Player{}, apperrors.ErrAlreadyLoggedIn
	}
	// 與斷線回呼互斥：連線已移除就不再加入名單
	if !l.gw.Connected(connID) {
		return Player{}, apperrors.ErrParticipantMissing.WithDetails(connID)
	}

	p := &Player{
		ID:            connID,
		Name:          name,
		LinkToTwitter: linkToTwitter,
		Position:      RandomSpawn(l.rng),
	}
	l.players[connID] = p
	l.totalLogins++

	l.gw.Send(connID, MsgInitPlayer, p.clone())
	l.broadcastRosterLocked()

	l.logger.Info("玩家登入", "player_id", connID, "name", name)
	return p.clone(), nil
}

// Challenge 轉發挑戰給對方
func (l *Lobby) Challenge(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return apperrors.ErrSelfChallenge
	}

	l.mu.RLock()
	_, fromOK := l.players[fromID]
	_, toOK := l.players[toID]
	l.mu.RUnlock()
	if !fromOK {
		return apperrors.ErrPlayerNotFound.WithDetails(fromID)
	}
	if !toOK {
		return apperrors.ErrPlayerNotFound.WithDetails(toID)
	}

	if l.limiter != nil {
		allowed, err := l.limiter.Allow(ctx, fromID)
		if err != nil {
			l.logger.Warn("限流器錯誤", "player_id", fromID, "error", err)
		}
		if !allowed {
			return apperrors.ErrRateLimited.WithDetails(fromID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 限流期間雙方可能已離線
	if _, ok := l.players[toID]; !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(toID)
	}
	if _, ok := l.players[fromID]; !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(fromID)
	}

	if l.pending[toID] == nil {
		l.pending[toID] = make(map[string]struct{})
	}
	l.pending[toID][fromID] = struct{}{}
	l.gw.Send(toID, MsgChallenge, ChallengeNotice{FromID: fromID})

	l.logger.Debug("挑戰已送出", "from", fromID, "to", toID)
	return nil
}

// Accept 接受挑戰並開始對局，接受者為攻擊方（先手）
func (l *Lobby) Accept(byID, challengerID string) (*Session, error) {
	if byID == challengerID {
		return nil, apperrors.ErrSelfChallenge
	}

	l.mu.Lock()
	by, byOK := l.players[byID]
	challenger, chOK := l.players[challengerID]
	switch {
	case !byOK:
		l.mu.Unlock()
		return nil, apperrors.ErrPlayerNotFound.WithDetails(byID)
	case !chOK:
		l.mu.Unlock()
		return nil, apperrors.ErrPlayerNotFound.WithDetails(challengerID)
	case by.IsPlaying || challenger.IsPlaying:
		l.mu.Unlock()
		return nil, apperrors.ErrPlayerBusy
	}
	if _, ok := l.pending[byID][challengerID]; !ok && l.cfg.RequireChallenge {
		l.mu.Unlock()
		return nil, apperrors.ErrNoPendingChallenge
	}
	delete(l.pending[byID], challengerID)

	by.IsPlaying = true
	challenger.IsPlaying = true
	l.broadcastRosterLocked()

	attacker, defender := by.clone(), challenger.clone()
	cfg := l.cfg.Session
	cfg.Rand = rand.New(rand.NewSource(l.rng.Int63()))
	l.mu.Unlock()

	s, err := NewSession(cfg, attacker, defender, l.gw, l.logger, l.endSession)
	if err != nil {
		l.mu.Lock()
		l.clearPlayingLocked(attacker.ID, defender.ID)
		l.broadcastRosterLocked()
		l.mu.Unlock()

		l.logger.Warn("建立對局失敗", "attacker_id", attacker.ID, "defender_id", defender.ID, "error", err)
		return nil, err
	}

	l.mu.Lock()
	registered := false
	select {
	case <-s.Done():
		// 建立後立刻結束（例如一方斷線），旗標已由 endSession 清除
	default:
		l.sessions[s.ID()] = s
		l.matchesStarted++
		registered = true
	}
	l.mu.Unlock()

	if registered {
		l.publish(MatchEvent{
			Type:       MatchStarted,
			SessionID:  s.ID(),
			AttackerID: attacker.ID,
			DefenderID: defender.ID,
			Timestamp:  time.Now(),
		})
	}
	return s, nil
}

// endSession 對局結束回呼
func (l *Lobby) endSession(s *Session, reason EndReason) {
	attacker, defender := s.Participants()

	l.mu.Lock()
	l.clearPlayingLocked(attacker.ID, defender.ID)
	registered := false
	if cur, ok := l.sessions[s.ID()]; ok && cur == s {
		delete(l.sessions, s.ID())
		l.matchesEnded[reason]++
		registered = true
	}
	l.broadcastRosterLocked()
	l.mu.Unlock()

	l.logger.Info("對局已移除", "session_id", s.ID(), "reason", reason)

	if registered {
		l.publish(MatchEvent{
			Type:       MatchEnded,
			SessionID:  s.ID(),
			AttackerID: attacker.ID,
			DefenderID: defender.ID,
			Reason:     reason,
			Timestamp:  time.Now(),
		})
	}
}

// Move 探索模式：更新位置並廣播
func (l *Lobby) Move(connID string, position Vec3, rotation *Quaternion) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.players[connID]
	if !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(connID)
	}
	p.Position = position
	if rotation != nil {
		r := *rotation
		p.Rotation = &r
	}

	l.gw.Broadcast(MsgPlayerMoved, PlayerMovedNotice{ID: p.ID, Position: p.Position, Rotation: p.Rotation})
	return nil
}

// Disconnect 移除玩家與相關的挑戰；對局由 Session 自己的斷線回呼處理
func (l *Lobby) Disconnect(connID string) {
	l.mu.Lock()
	for _, s := range l.subs[connID] {
		s.Unsubscribe()
	}
	delete(l.subs, connID)
	delete(l.pending, connID)
	for _, challengers := range l.pending {
		delete(challengers, connID)
	}

	_, existed := l.players[connID]
	delete(l.players, connID)
	if existed {
		l.broadcastRosterLocked()
	}
	l.mu.Unlock()

	if l.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.limiter.Forget(ctx, connID); err != nil {
			l.logger.Debug("清除限流狀態失敗", "player_id", connID, "error", err)
		}
	}

	if existed {
		l.logger.Info("玩家離線", "player_id", connID)
	}
}

// Players 名單快照
func (l *Lobby) Players() map[string]Player {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rosterLocked()
}

// Player 查詢單一玩家
func (l *Lobby) Player(id string) (Player, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.players[id]
	if !ok {
		return Player{}, apperrors.ErrPlayerNotFound.WithDetails(id)
	}
	return p.clone(), nil
}

// Sessions 進行中的對局 ID（排序後）
func (l *Lobby) Sessions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session 查詢進行中的對局
func (l *Lobby) Session(id string) (*Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound.WithDetails(id)
	}
	return s, nil
}

// Stats 統計資訊
func (l *Lobby) Stats() LobbyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	playing := 0
	for _, p := range l.players {
		if p.IsPlaying {
			playing++
		}
	}
	ended := make(map[EndReason]int, len(l.matchesEnded))
	for k, v := range l.matchesEnded {
		ended[k] = v
	}

	return LobbyStats{
		Players:        len(l.players),
		Playing:        playing,
		ActiveSessions: len(l.sessions),
		TotalLogins:    l.totalLogins,
		MatchesStarted: l.matchesStarted,
		MatchesEnded:   ended,
	}
}

// Stop 結束所有進行中的對局
func (l *Lobby) Stop() {
	l.mu.RLock()
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.RUnlock()

	// Abort 會回呼 endSession，不能持有鎖
	for _, s := range sessions {
		s.Abort()
	}
	l.logger.Info("大廳已停止", "aborted_sessions", len(sessions))
}

func (l *Lobby) clearPlayingLocked(ids ...string) {
	for _, id := range ids {
		if p, ok := l.players[id]; ok {
			p.IsPlaying = false
		}
	}
}

func (l *Lobby) rosterLocked() map[string]Player {
	roster := make(map[string]Player, len(l.players))
	for id, p := range l.players {
		roster[id] = p.clone()
	}
	return roster
}

func (l *Lobby) broadcastRosterLocked() {
	l.gw.Broadcast(MsgUpdatePlayers, l.rosterLocked())
}

func (l *Lobby) publish(event MatchEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.pub.Publish(ctx, event); err != nil {
		l.logger.Warn("發布對局事件失敗", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}
