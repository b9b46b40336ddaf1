package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// 系統設計問題：
//   核心邏輯（Lobby、Session）如何與傳輸層解耦？
//
// 核心挑戰：
//   1. 訊息路由：同一條連線在大廳階段由 Lobby 處理，對局中 fire/forfeit 由 Session 處理
//   2. 監聽器洩漏：對局結束後必須移除 Session 註冊的處理器
//   3. 房間廣播：對局訊息只發給兩位參與者
//   4. 斷線通知：斷線時通知所有關心這條連線的元件，且只通知一次
//
// 設計方案：
//   ✅ Transport 介面 - 核心只依賴 Send/Broadcast/SendToGroup/Handle/OnDisconnect
//   ✅ Subscription - 每次註冊回傳可釋放的句柄
//   ✅ Group - 以對局 ID 為鍵的連線集合
//   ✅ Ping/Pong 心跳（54s/60s）+ 緩衝 channel

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// MessageHandler 處理某條連線的某種訊息
type MessageHandler func(connID string, data json.RawMessage) error

// Subscription 註冊句柄，Unsubscribe 可重複呼叫
type Subscription interface {
	Unsubscribe()
}

// Transport 核心元件看到的傳輸層
//
// 所有發送都是 fire-and-forget，不會阻塞呼叫者。
type Transport interface {
	Connected(connID string) bool
	Send(connID, msgType string, payload any)
	Broadcast(msgType string, payload any)
	SendToGroup(groupID, msgType string, payload any)
	JoinGroup(groupID string, connIDs ...string)
	DissolveGroup(groupID string)
	Handle(connID, msgType string, h MessageHandler) (Subscription, error)
	OnDisconnect(connID string, fn func()) (Subscription, error)
}

// Gateway WebSocket 連接中心
//
// 連線、群組、處理器都由 mu 保護；呼叫處理器與斷線回呼時不持有鎖，
// 所以處理器內可以再呼叫 Send、Handle、Unsubscribe。
type Gateway struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients  map[string]*Client
	groups   map[string]map[string]struct{}       // groupID -> connIDs
	handlers map[string]map[string][]handlerEntry // connID -> msgType -> handlers
	hooks    map[string][]hookEntry               // connID -> disconnect hooks
	nextSub  uint64
	connect  func(connID string)
	mu       sync.RWMutex
}

type handlerEntry struct {
	id uint64
	fn MessageHandler
}

type hookEntry struct {
	id uint64
	fn func()
}

// Client 一條連線
//
// conn 為 nil 時是沒有 socket 的連線（由 Attach 建立），訊息只會進入 outbox。
type Client struct {
	ID        string
	conn      *websocket.Conn
	send      chan []byte
	gw        *Gateway
	lastPing  time.Time
	mu        sync.Mutex
	closeOnce sync.Once
}

// Outbox 待發送訊息（Detach 後關閉）
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// NewGateway 創建連接中心
//
// allowedOrigins 為空時接受所有來源。
func NewGateway(logger *slog.Logger, allowedOrigins []string) *Gateway {
	gw := &Gateway{
		logger:   logger,
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]struct{}),
		handlers: make(map[string]map[string][]handlerEntry),
		hooks:    make(map[string][]hookEntry),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins, logger),
	}
	return gw
}

// OnConnect 設定新連線回呼（在開始讀取訊息前呼叫）
func (gw *Gateway) OnConnect(fn func(connID string)) {
	gw.mu.Lock()
	gw.connect = fn
	gw.mu.Unlock()
}

// ServeWS 處理 WebSocket 連接
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		gw:       gw,
		lastPing: time.Now(),
	}
	gw.register(client)

	go client.writePump()
	// 先讓 Lobby 註冊處理器，再開始讀取，避免遺失第一則 login
	gw.notifyConnect(client.ID)
	go client.readPump()

	gw.logger.Info("WebSocket 連接建立", "conn_id", client.ID, "remote", r.RemoteAddr)
}

// Attach 建立沒有 socket 的連線並觸發連線回呼
func (gw *Gateway) Attach(connID string) *Client {
	client := &Client{
		ID:       connID,
		send:     make(chan []byte, sendBufferSize),
		gw:       gw,
		lastPing: time.Now(),
	}
	gw.register(client)
	gw.notifyConnect(connID)
	return client
}

func (gw *Gateway) register(client *Client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if old, exists := gw.clients[client.ID]; exists {
		old.close()
		if old.conn != nil {
			old.conn.Close()
		}
	}
	gw.clients[client.ID] = client
}

func (gw *Gateway) notifyConnect(connID string) {
	gw.mu.RLock()
	fn := gw.connect
	gw.mu.RUnlock()
	if fn != nil {
		fn(connID)
	}
}

// Detach 移除連線，釋放其所有處理器並依註冊順序呼叫斷線回呼
//
// 重複呼叫是 no-op，斷線回呼只會被呼叫一次。
func (gw *Gateway) Detach(connID string) {
	gw.mu.Lock()
	client, exists := gw.clients[connID]
	if !exists {
		gw.mu.Unlock()
		return
	}
	delete(gw.clients, connID)
	delete(gw.handlers, connID)
	hooks := gw.hooks[connID]
	delete(gw.hooks, connID)
	for groupID, members := range gw.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(gw.groups, groupID)
		}
	}
	gw.mu.Unlock()

	client.close()
	if client.conn != nil {
		client.conn.Close()
	}

	for _, h := range hooks {
		h.fn()
	}

	gw.logger.Info("連線已移除", "conn_id", connID)
}

// Dispatch 將一則入站訊息交給該連線註冊的處理器
func (gw *Gateway) Dispatch(connID string, env Envelope) error {
	gw.mu.RLock()
	entries := append([]handlerEntry(nil), gw.handlers[connID][env.Type]...)
	gw.mu.RUnlock()

	if len(entries) == 0 {
		gw.logger.Debug("收到未處理的訊息類型", "type", env.Type, "conn_id", connID)
		return nil
	}

	var errs []error
	for _, e := range entries {
		if err := e.fn(connID, env.Data); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		level := slog.LevelWarn
		if apperrors.IsInvalidMove(err) {
			level = slog.LevelDebug
		}
		gw.logger.Log(context.Background(), level, "處理訊息失敗", "type", env.Type, "conn_id", connID, "error", err)
	}
	return err
}

// Connected 連線是否存在
func (gw *Gateway) Connected(connID string) bool {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	_, ok := gw.clients[connID]
	return ok
}

// Send 單播
func (gw *Gateway) Send(connID, msgType string, payload any) {
	message, err := encode(msgType, payload)
	if err != nil {
		gw.logger.Error("序列化訊息失敗", "type", msgType, "error", err)
		return
	}

	gw.mu.RLock()
	defer gw.mu.RUnlock()
	if client, ok := gw.clients[connID]; ok {
		gw.push(client, message)
	}
}

// Broadcast 廣播給所有連線
func (gw *Gateway) Broadcast(msgType string, payload any) {
	message, err := encode(msgType, payload)
	if err != nil {
		gw.logger.Error("序列化訊息失敗", "type", msgType, "error", err)
		return
	}

	gw.mu.RLock()
	defer gw.mu.RUnlock()
	for _, client := range gw.clients {
		gw.push(client, message)
	}
}

// SendToGroup 發送給群組內的連線
func (gw *Gateway) SendToGroup(groupID, msgType string, payload any) {
	message, err := encode(msgType, payload)
	if err != nil {
		gw.logger.Error("序列化訊息失敗", "type", msgType, "error", err)
		return
	}

	gw.mu.RLock()
	defer gw.mu.RUnlock()
	for connID := range gw.groups[groupID] {
		if client, ok := gw.clients[connID]; ok {
			gw.push(client, message)
		}
	}
}

// push 非阻塞寫入 outbox（需持有讀鎖，確保 client 未被關閉）
func (gw *Gateway) push(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		gw.logger.Warn("連接緩衝區滿，丟棄訊息", "conn_id", client.ID)
	}
}

// JoinGroup 將連線加入群組，不存在的連線會被忽略
func (gw *Gateway) JoinGroup(groupID string, connIDs ...string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	members, ok := gw.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		gw.groups[groupID] = members
	}
	for _, id := range connIDs {
		if _, ok := gw.clients[id]; ok {
			members[id] = struct{}{}
		}
	}
}

// DissolveGroup 解散群組
func (gw *Gateway) DissolveGroup(groupID string) {
	gw.mu.Lock()
	delete(gw.groups, groupID)
	gw.mu.Unlock()
}

// GroupMembers 群組成員（排序後）
func (gw *Gateway) GroupMembers(groupID string) []string {
	gw.mu.RLock()
	defer gw.mu.RUnlock()

	ids := make([]string, 0, len(gw.groups[groupID]))
	for id := range gw.groups[groupID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle 為連線註冊訊息處理器
func (gw *Gateway) Handle(connID, msgType string, h MessageHandler) (Subscription, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if _, ok := gw.clients[connID]; !ok {
		return nil, apperrors.ErrParticipantMissing.WithDetails(connID)
	}

	gw.nextSub++
	id := gw.nextSub
	if gw.handlers[connID] == nil {
		gw.handlers[connID] = make(map[string][]handlerEntry)
	}
	gw.handlers[connID][msgType] = append(gw.handlers[connID][msgType], handlerEntry{id: id, fn: h})

	return &subscription{release: func() { gw.removeHandler(connID, msgType, id) }}, nil
}

// OnDisconnect 註冊斷線回呼
func (gw *Gateway) OnDisconnect(connID string, fn func()) (Subscription, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if _, ok := gw.clients[connID]; !ok {
		return nil, apperrors.ErrParticipantMissing.WithDetails(connID)
	}

	gw.nextSub++
	id := gw.nextSub
	gw.hooks[connID] = append(gw.hooks[connID], hookEntry{id: id, fn: fn})

	return &subscription{release: func() { gw.removeHook(connID, id) }}, nil
}

func (gw *Gateway) removeHandler(connID, msgType string, id uint64) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	byType, ok := gw.handlers[connID]
	if !ok {
		return
	}
	entries := byType[msgType]
	for i, e := range entries {
		if e.id == id {
			byType[msgType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(byType[msgType]) == 0 {
		delete(byType, msgType)
	}
}

func (gw *Gateway) removeHook(connID string, id uint64) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	hooks := gw.hooks[connID]
	for i, h := range hooks {
		if h.id == id {
			gw.hooks[connID] = append(hooks[:i:i], hooks[i+1:]...)
			return
		}
	}
}

// HandlerCount 某條連線某種訊息的處理器數量
func (gw *Gateway) HandlerCount(connID, msgType string) int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.handlers[connID][msgType])
}

// HookCount 某條連線的斷線回呼數量
func (gw *Gateway) HookCount(connID string) int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.hooks[connID])
}

// ConnectionCount 連線數
func (gw *Gateway) ConnectionCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.clients)
}

// Stop 關閉所有連線（會觸發斷線回呼）
func (gw *Gateway) Stop() {
	gw.mu.RLock()
	ids := make([]string, 0, len(gw.clients))
	for id := range gw.clients {
		ids = append(ids, id)
	}
	gw.mu.RUnlock()

	for _, id := range ids {
		gw.Detach(id)
	}
	gw.logger.Info("Gateway 已停止")
}

type subscription struct {
	once    sync.Once
	release func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.release)
}

// readPump 讀取客戶端訊息
//
// 60 秒內沒有收到任何訊息（包括 Pong）就視為斷線。
func (c *Client) readPump() {
	defer c.gw.Detach(c.ID)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.gw.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gw.logger.Warn("WebSocket 讀取錯誤", "error", err, "conn_id", c.ID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			c.gw.logger.Debug("無法解析客戶端訊息", "error", err, "conn_id", c.ID)
			continue
		}
		_ = c.gw.Dispatch(c.ID, env)
	}
}

// writePump 寫入訊息到客戶端，每 54 秒發送 Ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.gw.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.gw.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// originChecker 檢查 WebSocket 來源
func originChecker(allowed []string, logger *slog.Logger) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		logger.Warn("拒絕 WebSocket 來源", "origin", origin)
		return false
	}
}
