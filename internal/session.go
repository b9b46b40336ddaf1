package internal

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// 系統設計問題：
//   如何在不可靠的連線上執行嚴格輪流的對局協議？
//
// 核心挑戰：
//   1. 狀態機：AwaitingGrids → TurnOf(player) → GameOver(reason)
//   2. 回合驗證：伺服器自己追蹤回合，不信任客戶端
//   3. 原子性：棋盤修改、result 廣播、endTurn/yourTurn 交接之間不能插入另一次開火
//   4. 清理：GameOver 後釋放所有註冊在連線上的處理器，且 ended 通知只發一次
//
// 設計方案：
//   ✅ sync.Mutex - 每個處理器在鎖內執行完畢
//   ✅ Subscription 句柄 - 建立時註冊，GameOver 時全部釋放
//   ✅ sync.Once - teardown 與 ended 通知只執行一次
//   ✅ time.AfterFunc + 回合序號 - 伺服器端回合計時

// SessionState 對局狀態
type SessionState string

const (
	StateAwaitingGrids SessionState = "awaiting_grids"
	StateTurn          SessionState = "turn"
	StateGameOver      SessionState = "game_over"
)

// EndReason 對局結束原因
type EndReason string

const (
	EndWin        EndReason = "win"
	EndForfeit    EndReason = "forfeit"
	EndDisconnect EndReason = "disconnect"
)

// SessionConfig 對局參數
type SessionConfig struct {
	GridSize    int
	Fleet       []int
	TurnTimeout time.Duration // 0 表示不限時
	Rand        *rand.Rand    // 只給這個對局使用；nil 時自動建立
}

// combatant 對局中的一方：玩家副本 + 棋盤 + 被擊中的格數
type combatant struct {
	Player
	grid      Grid
	shipsSunk int
}

// Session 一場兩人對局
type Session struct {
	id        string
	cfg       SessionConfig
	players   [2]*combatant // 0 = attacker, 1 = defender
	fleetSize int
	turn      int    // 回合擁有者的索引
	turnSeq   uint64 // 每次換手遞增，用來識別過期的計時器
	state     SessionState
	reason    EndReason
	startedAt time.Time

	gw      Transport
	logger  *slog.Logger
	rng     *rand.Rand
	subs    []Subscription
	timer   *time.Timer
	onEnded func(*Session, EndReason)
	done    chan struct{}

	endOnce sync.Once
	mu      sync.Mutex
}

// SessionID 由雙方 ID 決定的對局 ID
func SessionID(attackerID, defenderID string) string {
	return attackerID + "-" + defenderID
}

// NewSession 建立並開始對局
//
// 兩方連線都必須存在，否則回傳 ErrParticipantMissing 且不發送任何訊息。
// 艦隊無法放置時通知雙方 error 並回傳 ErrPlacementInfeasible。
// onEnded 在 GameOver 後呼叫一次（不持有對局的鎖）。
func NewSession(cfg SessionConfig, attacker, defender Player, gw Transport, logger *slog.Logger, onEnded func(*Session, EndReason)) (*Session, error) {
	if !gw.Connected(attacker.ID) || !gw.Connected(defender.ID) {
		return nil, apperrors.ErrParticipantMissing
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	grids, err := placeFleets(rng, cfg)
	if err != nil {
		notice := ErrorNotice{Code: apperrors.CodeOf(err), Message: err.Error()}
		gw.Send(attacker.ID, MsgError, notice)
		gw.Send(defender.ID, MsgError, notice)
		logger.Error("艦隊放置失敗，取消對局",
			"attacker_id", attacker.ID,
			"defender_id", defender.ID,
			"error", err)
		return nil, err
	}

	id := SessionID(attacker.ID, defender.ID)
	s := &Session{
		id:  id,
		cfg: cfg,
		players: [2]*combatant{
			{Player: attacker, grid: grids[0]},
			{Player: defender, grid: grids[1]},
		},
		fleetSize: FleetSize(cfg.Fleet),
		state:     StateAwaitingGrids,
		startedAt: time.Now(),
		gw:        gw,
		logger:    logger.With("session_id", id),
		rng:       rng,
		onEnded:   onEnded,
		done:      make(chan struct{}),
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func placeFleets(rng *rand.Rand, cfg SessionConfig) ([2]Grid, error) {
	var grids [2]Grid
	for i := range grids {
		g, err := PlaceFleet(rng, cfg.GridSize, cfg.Fleet)
		if err != nil {
			return grids, err
		}
		grids[i] = g
	}
	return grids, nil
}

// start 加入群組、發送初始狀態、註冊處理器，進入 TurnOf(attacker)
func (s *Session) start() error {
	s.mu.Lock()

	attacker, defender := s.players[0], s.players[1]
	s.gw.JoinGroup(s.id, attacker.ID, defender.ID)
	s.gw.SendToGroup(s.id, MsgStartGame, StartGameNotice{AttackerID: attacker.ID, DefenderID: defender.ID})
	s.gw.Send(attacker.ID, MsgInitGrid, attacker.grid.Clone())
	s.gw.Send(defender.ID, MsgInitGrid, defender.grid.Clone())

	var regErr error
	for _, p := range s.players {
		connID := p.ID
		for _, reg := range []func() (Subscription, error){
			func() (Subscription, error) { return s.gw.Handle(connID, MsgFire, s.handleFire) },
			func() (Subscription, error) { return s.gw.Handle(connID, MsgForfeit, s.handleForfeit) },
			func() (Subscription, error) { return s.gw.OnDisconnect(connID, func() { s.Disconnect(connID) }) },
		} {
			sub, err := reg()
			if err != nil {
				regErr = err
				continue
			}
			s.subs = append(s.subs, sub)
		}
	}

	if regErr != nil {
		// 建立過程中有一方已經斷線
		s.state = StateGameOver
		s.reason = EndDisconnect
		s.gw.SendToGroup(s.id, MsgGameOver, EndState{
			attacker.ID: ReasonDisconnect,
			defender.ID: ReasonDisconnect,
		})
		s.releaseLocked()
		s.endOnce.Do(func() {}) // 對局從未成立，不通知 onEnded
		s.mu.Unlock()
		return regErr
	}

	s.state = StateTurn
	s.turn = 0
	s.gw.Send(attacker.ID, MsgYourTurn, nil)
	s.gw.Send(defender.ID, MsgEndTurn, nil)
	s.startTimerLocked()
	s.mu.Unlock()

	s.logger.Info("對局開始", "attacker_id", attacker.ID, "defender_id", defender.ID)
	return nil
}

// Fire 回合擁有者對對手棋盤 (x, y) 開火
//
// 非法開火（不是自己的回合、超出棋盤、已開火過的格子、對局已結束）
// 不改變任何狀態也不發送任何訊息，只回傳錯誤。
func (s *Session) Fire(by string, x, y int) error {
	return s.locked(func() error {
		if s.state != StateTurn {
			return apperrors.ErrSessionOver
		}
		idx := s.indexOf(by)
		if idx < 0 {
			return apperrors.ErrPlayerNotFound.WithDetails(by)
		}
		if idx != s.turn {
			return apperrors.ErrNotYourTurn
		}
		return s.fireLocked(idx, x, y)
	})
}

// Forfeit 投降：投降者 forfeit，對手 win
func (s *Session) Forfeit(by string) error {
	return s.locked(func() error {
		if s.state != StateTurn {
			return apperrors.ErrSessionOver
		}
		idx := s.indexOf(by)
		if idx < 0 {
			return apperrors.ErrPlayerNotFound.WithDetails(by)
		}
		s.endLocked(EndForfeit, EndState{
			s.players[idx].ID:   ReasonForfeit,
			s.players[1-idx].ID: ReasonWin,
		})
		return nil
	})
}

// Disconnect 任一方斷線：雙方都是 disconnect
func (s *Session) Disconnect(connID string) {
	_ = s.locked(func() error {
		if s.state != StateTurn {
			return nil
		}
		s.logger.Info("對局中玩家斷線", "conn_id", connID)
		s.endLocked(EndDisconnect, s.bothState(ReasonDisconnect))
		return nil
	})
}

// Abort 伺服器關閉時結束對局
func (s *Session) Abort() {
	_ = s.locked(func() error {
		if s.state != StateTurn {
			return nil
		}
		s.endLocked(EndDisconnect, s.bothState(ReasonDisconnect))
		return nil
	})
}

func (s *Session) handleFire(connID string, data json.RawMessage) error {
	var req FireRequest
	if err := Decode(data, &req); err != nil {
		return err
	}
	return s.Fire(connID, *req.X, *req.Y)
}

func (s *Session) handleForfeit(connID string, _ json.RawMessage) error {
	return s.Forfeit(connID)
}

// locked 在鎖內執行 fn；進入 GameOver 後在鎖外執行 teardown
func (s *Session) locked(fn func() error) error {
	s.mu.Lock()
	err := fn()
	over := s.state == StateGameOver
	s.mu.Unlock()

	if over {
		s.teardown()
	}
	return err
}

// fireLocked 修改棋盤、廣播結果並交接回合（需持有鎖）
func (s *Session) fireLocked(idx, x, y int) error {
	firing, receiving := s.players[idx], s.players[1-idx]

	if !receiving.grid.InBounds(x, y) {
		return apperrors.ErrOutOfBounds
	}
	cell := receiving.grid[x][y]
	if cell < 0 {
		return apperrors.ErrCellAlreadyFired
	}

	hit := cell > 0
	if hit {
		receiving.grid[x][y] = CellHit
		receiving.shipsSunk++
	} else {
		receiving.grid[x][y] = CellMiss
	}

	s.gw.SendToGroup(s.id, MsgResult, FireResult{FiredBy: firing.ID, X: x, Y: y, Hit: hit})

	if hit && receiving.shipsSunk >= s.fleetSize {
		s.endLocked(EndWin, EndState{
			receiving.ID: ReasonLose,
			firing.ID:    ReasonWin,
		})
		return nil
	}

	s.gw.Send(firing.ID, MsgEndTurn, nil)
	s.gw.Send(receiving.ID, MsgYourTurn, nil)
	s.turn = 1 - idx
	s.turnSeq++
	s.startTimerLocked()
	return nil
}

// endLocked 進入 GameOver 並廣播 gameOver（需持有鎖）
func (s *Session) endLocked(reason EndReason, endState EndState) {
	s.state = StateGameOver
	s.reason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gw.SendToGroup(s.id, MsgGameOver, endState)

	s.logger.Info("對局結束",
		"reason", reason,
		"duration", time.Since(s.startedAt))
}

// teardown 釋放處理器、解散群組、通知 Lobby，只執行一次
func (s *Session) teardown() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.releaseLocked()
		reason := s.reason
		s.mu.Unlock()

		close(s.done)
		if s.onEnded != nil {
			s.onEnded(s, reason)
		}
	})
}

func (s *Session) releaseLocked() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.gw.DissolveGroup(s.id)
}

// startTimerLocked 重設回合計時器（需持有鎖）
func (s *Session) startTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cfg.TurnTimeout <= 0 {
		return
	}
	seq := s.turnSeq
	s.timer = time.AfterFunc(s.cfg.TurnTimeout, func() { s.turnExpired(seq) })
}

// turnExpired 回合逾時：代替回合擁有者隨機對未開火的格子開火
func (s *Session) turnExpired(seq uint64) {
	_ = s.locked(func() error {
		if s.state != StateTurn || seq != s.turnSeq {
			return nil
		}

		target := s.players[1-s.turn].grid
		var open [][2]int
		for x, row := range target {
			for y, c := range row {
				if c >= 0 {
					open = append(open, [2]int{x, y})
				}
			}
		}
		if len(open) == 0 {
			return nil
		}
		cell := open[s.rng.Intn(len(open))]

		s.logger.Info("回合逾時，自動開火",
			"conn_id", s.players[s.turn].ID,
			"x", cell[0],
			"y", cell[1])
		return s.fireLocked(s.turn, cell[0], cell[1])
	})
}

func (s *Session) indexOf(connID string) int {
	for i, p := range s.players {
		if p.ID == connID {
			return i
		}
	}
	return -1
}

func (s *Session) bothState(reason string) EndState {
	return EndState{
		s.players[0].ID: reason,
		s.players[1].ID: reason,
	}
}

// ID 對局 ID（同時也是群組 ID）
func (s *Session) ID() string {
	return s.id
}

// Done 對局結束並釋放資源後關閉
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State 目前狀態
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason 結束原因，對局進行中為空字串
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Turn 回合擁有者的連線 ID，對局結束後為空字串
func (s *Session) Turn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTurn {
		return ""
	}
	return s.players[s.turn].ID
}

// Participants 攻擊方與防守方
func (s *Session) Participants() (attacker, defender Player) {
	return s.players[0].Player, s.players[1].Player
}

// CellAt 讀取某位參與者棋盤上的格子
func (s *Session) CellAt(ownerID string, x, y int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(ownerID)
	if idx < 0 {
		return 0, apperrors.ErrPlayerNotFound.WithDetails(ownerID)
	}
	grid := s.players[idx].grid
	if !grid.InBounds(x, y) {
		return 0, apperrors.ErrOutOfBounds
	}
	return grid[x][y], nil
}

// Grid 某位參與者棋盤的副本
func (s *Session) Grid(ownerID string) Grid {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(ownerID)
	if idx < 0 {
		return nil
	}
	return s.players[idx].grid.Clone()
}

// ShipsSunk 某位參與者被擊中的艦艇格數
func (s *Session) ShipsSunk(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(ownerID)
	if idx < 0 {
		return 0
	}
	return s.players[idx].shipsSunk
}

// FleetSize 艦隊總格數（勝利條件）
func (s *Session) FleetSize() int {
	return s.fleetSize
}
