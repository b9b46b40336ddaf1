package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/armada-battleship/internal"
	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
	"github.com/koopa0/armada-battleship/pkg/logger"
)

// recordingPublisher 記錄發布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []internal.MatchEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev internal.MatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) Events() []internal.MatchEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]internal.MatchEvent(nil), p.events...)
}

type lobbyFixture struct {
	gw    *internal.Gateway
	lobby *internal.Lobby
	pub   *recordingPublisher
}

func defaultLobbyConfig() internal.LobbyConfig {
	return internal.LobbyConfig{
		Session: internal.SessionConfig{GridSize: 6, Fleet: []int{4, 3, 2, 1}},
	}
}

func newLobbyFixture(t *testing.T, cfg internal.LobbyConfig, limiter internal.Limiter) *lobbyFixture {
	t.Helper()

	gw := internal.NewGateway(logger.Discard(), nil)
	pub := &recordingPublisher{}
	l := internal.NewLobby(cfg, gw, limiter, pub, logger.Discard())
	l.Attach(gw)
	t.Cleanup(l.Stop)

	return &lobbyFixture{gw: gw, lobby: l, pub: pub}
}

// login 建立連線並登入
func (f *lobbyFixture) login(t *testing.T, id, name string) *internal.Client {
	t.Helper()

	c := f.gw.Attach(id)
	_, err := f.lobby.Login(id, name, false)
	require.NoError(t, err)
	return c
}

func lastRoster(t *testing.T, envs []internal.Envelope) map[string]internal.Player {
	t.Helper()

	var roster map[string]internal.Player
	for _, e := range envs {
		if e.Type == internal.MsgUpdatePlayers {
			roster = nil
			require.NoError(t, json.Unmarshal(e.Data, &roster))
		}
	}
	return roster
}

// TestLobby_Login 測試登入回覆與名單廣播
func TestLobby_Login(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	watcher := f.gw.Attach("watcher")

	alice := f.gw.Attach("alice")
	p, err := f.lobby.Login("alice", "Alice", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.False(t, p.IsPlaying)
	assert.True(t, p.LinkToTwitter)
	assert.InDelta(t, 1.0, p.Position.X*p.Position.X+p.Position.Y*p.Position.Y+p.Position.Z*p.Position.Z, 1e-9)

	envs := drain(t, alice)
	assert.Equal(t, []string{internal.MsgInitPlayer, internal.MsgUpdatePlayers}, typesOf(envs))

	var initPlayer internal.Player
	require.True(t, find(t, envs, internal.MsgInitPlayer, &initPlayer))
	assert.Equal(t, "Alice", initPlayer.Name)

	// 未登入的連線也會收到名單
	roster := lastRoster(t, drain(t, watcher))
	require.Contains(t, roster, "alice")
	assert.Equal(t, "Alice", roster["alice"].Name)

	_, err = f.lobby.Login("alice", "Again", false)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyLoggedIn))
	assert.Len(t, f.lobby.Players(), 1)
}

func TestLobby_LoginRequiresConnection(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)

	_, err := f.lobby.Login("ghost", "Ghost", false)
	assert.True(t, errors.Is(err, apperrors.ErrParticipantMissing))
	assert.Empty(t, f.lobby.Players())
}

// TestLobby_Dispatch 測試經由 Gateway 路由的大廳訊息
func TestLobby_Dispatch(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	f.gw.Attach("alice")
	bob := f.login(t, "bob", "Bob")

	tests := []struct {
		name    string
		msg     internal.Envelope
		wantErr error
	}{
		{"login", internal.Envelope{Type: internal.MsgLogin, Data: json.RawMessage(`{"name":"Alice"}`)}, nil},
		{"empty name", internal.Envelope{Type: internal.MsgLogin, Data: json.RawMessage(`{"name":""}`)}, apperrors.ErrInvalidPayload},
		{"malformed", internal.Envelope{Type: internal.MsgChallenge, Data: json.RawMessage(`{`)}, apperrors.ErrInvalidPayload},
		{"challenge", internal.Envelope{Type: internal.MsgChallenge, Data: json.RawMessage(`{"targetId":"bob"}`)}, nil},
		{"missing target", internal.Envelope{Type: internal.MsgChallenge, Data: json.RawMessage(`{}`)}, apperrors.ErrInvalidPayload},
		{"move", internal.Envelope{Type: internal.MsgMove, Data: json.RawMessage(`{"position":{"x":1,"y":0,"z":0}}`)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.gw.Dispatch("alice", tt.msg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	var notice internal.ChallengeNotice
	require.True(t, find(t, drain(t, bob), internal.MsgChallenge, &notice))
	assert.Equal(t, "alice", notice.FromID)
}

// TestLobby_Challenge 測試挑戰只送給對方
func TestLobby_Challenge(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	alice := f.login(t, "alice", "Alice")
	bob := f.login(t, "bob", "Bob")
	carol := f.gw.Attach("carol")
	drain(t, alice)
	drain(t, bob)

	require.NoError(t, f.lobby.Challenge(context.Background(), "alice", "bob"))

	var notice internal.ChallengeNotice
	bobEnvs := drain(t, bob)
	require.True(t, find(t, bobEnvs, internal.MsgChallenge, &notice))
	assert.Equal(t, "alice", notice.FromID)
	assert.Empty(t, drain(t, alice))
	assert.Zero(t, count(drain(t, carol), internal.MsgChallenge))

	tests := []struct {
		name     string
		from, to string
		wantErr  *apperrors.AppError
	}{
		{"unknown target", "alice", "nobody", apperrors.ErrPlayerNotFound},
		{"challenger not logged in", "carol", "bob", apperrors.ErrPlayerNotFound},
		{"self", "alice", "alice", apperrors.ErrSelfChallenge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.lobby.Challenge(context.Background(), tt.from, tt.to)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, drain(t, bob))
		})
	}
}

// TestLobby_ChallengeRateLimited 測試挑戰限流
func TestLobby_ChallengeRateLimited(t *testing.T) {
	limiter := internal.NewLocalLimiter(2, 0)
	f := newLobbyFixture(t, defaultLobbyConfig(), limiter)
	f.login(t, "alice", "Alice")
	bob := f.login(t, "bob", "Bob")
	drain(t, bob)

	ctx := context.Background()
	require.NoError(t, f.lobby.Challenge(ctx, "alice", "bob"))
	require.NoError(t, f.lobby.Challenge(ctx, "alice", "bob"))

	err := f.lobby.Challenge(ctx, "alice", "bob")
	assert.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, 2, count(drain(t, bob), internal.MsgChallenge))

	// 離線後清除限流狀態
	f.gw.Detach("alice")
	assert.Equal(t, 0, limiter.Len())
}

// TestLobby_AcceptAndEnd 測試開局與結束時的旗標、名單與事件
func TestLobby_AcceptAndEnd(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	alice := f.login(t, "alice", "Alice")
	bob := f.login(t, "bob", "Bob")
	watcher := f.gw.Attach("watcher")
	require.NoError(t, f.lobby.Challenge(context.Background(), "alice", "bob"))
	drain(t, alice)
	drain(t, bob)

	s, err := f.lobby.Accept("bob", "alice")
	require.NoError(t, err)

	// 接受者為攻擊方
	attacker, defender := s.Participants()
	assert.Equal(t, "bob", attacker.ID)
	assert.Equal(t, "alice", defender.ID)
	assert.Equal(t, "bob", s.Turn())
	assert.Equal(t, []string{"bob-alice"}, f.lobby.Sessions())

	roster := lastRoster(t, drain(t, watcher))
	assert.True(t, roster["alice"].IsPlaying)
	assert.True(t, roster["bob"].IsPlaying)

	bobEnvs := drain(t, bob)
	assert.Equal(t, []string{
		internal.MsgUpdatePlayers,
		internal.MsgStartGame,
		internal.MsgInitGrid,
		internal.MsgYourTurn,
	}, typesOf(bobEnvs))
	assert.Equal(t, internal.MsgEndTurn, typesOf(drain(t, alice))[3])

	stats := f.lobby.Stats()
	assert.Equal(t, 2, stats.Playing)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.MatchesStarted)

	require.NoError(t, s.Forfeit("alice"))

	roster = lastRoster(t, drain(t, watcher))
	assert.False(t, roster["alice"].IsPlaying)
	assert.False(t, roster["bob"].IsPlaying)
	assert.Empty(t, f.lobby.Sessions())

	stats = f.lobby.Stats()
	assert.Zero(t, stats.Playing)
	assert.Equal(t, 1, stats.MatchesEnded[internal.EndForfeit])

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, internal.MatchStarted, events[0].Type)
	assert.Equal(t, "bob-alice", events[0].SessionID)
	assert.Equal(t, internal.MatchEnded, events[1].Type)
	assert.Equal(t, internal.EndForfeit, events[1].Reason)

	// 結束後可以再開一局
	_, err = f.lobby.Accept("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice-bob"}, f.lobby.Sessions())
}

// TestLobby_AcceptRejected 測試無法開局的情況
func TestLobby_AcceptRejected(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")
	carol := f.login(t, "carol", "Carol")

	_, err := f.lobby.Accept("bob", "alice")
	require.NoError(t, err)
	drain(t, carol)

	tests := []struct {
		name       string
		by, target string
		wantErr    *apperrors.AppError
	}{
		{"challenger busy", "carol", "alice", apperrors.ErrPlayerBusy},
		{"acceptor busy", "bob", "carol", apperrors.ErrPlayerBusy},
		{"unknown challenger", "carol", "dave", apperrors.ErrPlayerNotFound},
		{"unknown acceptor", "dave", "carol", apperrors.ErrPlayerNotFound},
		{"self", "carol", "carol", apperrors.ErrSelfChallenge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.lobby.Accept(tt.by, tt.target)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, drain(t, carol))
			assert.Len(t, f.lobby.Sessions(), 1)
		})
	}
}

// TestLobby_RequireChallenge 測試需要先收到挑戰才能接受
func TestLobby_RequireChallenge(t *testing.T) {
	cfg := defaultLobbyConfig()
	cfg.RequireChallenge = true
	f := newLobbyFixture(t, cfg, nil)
	f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")

	_, err := f.lobby.Accept("bob", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrNoPendingChallenge))

	// 方向相反的挑戰不算
	require.NoError(t, f.lobby.Challenge(context.Background(), "bob", "alice"))
	_, err = f.lobby.Accept("bob", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrNoPendingChallenge))

	require.NoError(t, f.lobby.Challenge(context.Background(), "alice", "bob"))
	s, err := f.lobby.Accept("bob", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Forfeit("bob"))

	// 挑戰只能使用一次
	_, err = f.lobby.Accept("bob", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrNoPendingChallenge))
}

// TestLobby_AcceptPlacementFailure 測試建立失敗時回滾旗標
func TestLobby_AcceptPlacementFailure(t *testing.T) {
	cfg := defaultLobbyConfig()
	cfg.Session = internal.SessionConfig{GridSize: 3, Fleet: []int{4}}
	f := newLobbyFixture(t, cfg, nil)
	alice := f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")
	drain(t, alice)

	_, err := f.lobby.Accept("bob", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrPlacementInfeasible))

	envs := drain(t, alice)
	assert.Equal(t, 1, count(envs, internal.MsgError))
	assert.Zero(t, count(envs, internal.MsgStartGame))

	roster := lastRoster(t, envs)
	assert.False(t, roster["alice"].IsPlaying)
	assert.False(t, roster["bob"].IsPlaying)
	assert.Empty(t, f.lobby.Sessions())
	assert.Empty(t, f.pub.Events())
}

// TestLobby_DisconnectDuringGame 測試對局中斷線
func TestLobby_DisconnectDuringGame(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	alice := f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")

	_, err := f.lobby.Accept("bob", "alice")
	require.NoError(t, err)
	drain(t, alice)

	f.gw.Detach("bob")

	envs := drain(t, alice)
	var end internal.EndState
	require.True(t, find(t, envs, internal.MsgGameOver, &end))
	assert.Equal(t, internal.EndState{"alice": internal.ReasonDisconnect, "bob": internal.ReasonDisconnect}, end)

	roster := lastRoster(t, envs)
	assert.NotContains(t, roster, "bob")
	assert.False(t, roster["alice"].IsPlaying)

	assert.Empty(t, f.lobby.Sessions())
	assert.Len(t, f.lobby.Players(), 1)
	assert.Zero(t, f.gw.HandlerCount("alice", internal.MsgFire))
	assert.Equal(t, 1, f.gw.HandlerCount("alice", internal.MsgLogin))

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, internal.EndDisconnect, events[1].Reason)
}

// TestLobby_DisconnectClearsPending 測試離線時清除挑戰
func TestLobby_DisconnectClearsPending(t *testing.T) {
	cfg := defaultLobbyConfig()
	cfg.RequireChallenge = true
	f := newLobbyFixture(t, cfg, nil)
	f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")

	require.NoError(t, f.lobby.Challenge(context.Background(), "alice", "bob"))
	f.gw.Detach("alice")

	// 同一個連線 ID 重新登入後，舊的挑戰不再有效
	f.login(t, "alice", "Alice")
	_, err := f.lobby.Accept("bob", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrNoPendingChallenge))
}

// TestLobby_Move 測試位置更新廣播
func TestLobby_Move(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	f.login(t, "alice", "Alice")
	bob := f.login(t, "bob", "Bob")
	drain(t, bob)

	pos := internal.Vec3{X: 0, Y: 1, Z: 0}
	rot := &internal.Quaternion{W: 1}
	require.NoError(t, f.lobby.Move("alice", pos, rot))

	var moved internal.PlayerMovedNotice
	require.True(t, find(t, drain(t, bob), internal.MsgPlayerMoved, &moved))
	assert.Equal(t, "alice", moved.ID)
	assert.Equal(t, pos, moved.Position)
	require.NotNil(t, moved.Rotation)
	assert.Equal(t, 1.0, moved.Rotation.W)

	p, err := f.lobby.Player("alice")
	require.NoError(t, err)
	assert.Equal(t, pos, p.Position)

	// 快照不共用 Rotation
	p.Rotation.W = 0
	p2, _ := f.lobby.Player("alice")
	assert.Equal(t, 1.0, p2.Rotation.W)

	assert.True(t, errors.Is(f.lobby.Move("nobody", pos, nil), apperrors.ErrPlayerNotFound))
}

// TestLobby_Stop 測試停止時結束所有對局
func TestLobby_Stop(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	alice := f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")
	f.login(t, "carol", "Carol")
	dave := f.login(t, "dave", "Dave")

	_, err := f.lobby.Accept("bob", "alice")
	require.NoError(t, err)
	_, err = f.lobby.Accept("dave", "carol")
	require.NoError(t, err)
	drain(t, alice)
	drain(t, dave)

	f.lobby.Stop()

	assert.Empty(t, f.lobby.Sessions())
	for _, c := range []*internal.Client{alice, dave} {
		assert.Equal(t, 1, count(drain(t, c), internal.MsgGameOver))
	}
	assert.Equal(t, 2, f.lobby.Stats().MatchesEnded[internal.EndDisconnect])
}

// TestLobby_ConcurrentAccept 測試同一位玩家同時接受兩個挑戰只會開一局
func TestLobby_ConcurrentAccept(t *testing.T) {
	f := newLobbyFixture(t, defaultLobbyConfig(), nil)
	f.login(t, "alice", "Alice")
	f.login(t, "bob", "Bob")
	f.login(t, "carol", "Carol")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		busyErrs int
	)
	for _, challenger := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(challenger string) {
			defer wg.Done()
			_, err := f.lobby.Accept("alice", challenger)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, apperrors.ErrPlayerBusy) {
				busyErrs++
			}
		}(challenger)
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, busyErrs)
	assert.Len(t, f.lobby.Sessions(), 1)
	assert.Equal(t, 2, f.lobby.Stats().Playing)
}
