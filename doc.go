// Package armada 是一個雙人即時海戰（Battleship）伺服器。
//
// 玩家透過 WebSocket 登入大廳、互相挑戰，被接受後雙方進入一場
// 嚴格輪流的對局，直到一方擊沉對手全部艦隊、投降或斷線。
//
// # 元件
//
// 系統由四個元件組成，由下而上：
//   - Board Generator（internal/board.go）：在 N×N 棋盤上隨機放置艦隊
//   - Gateway（internal/gateway.go）：WebSocket 連線、訊息分派、群組與斷線通知
//   - Session（internal/session.go）：單場對局的狀態機與回合計時
//   - Lobby（internal/lobby.go）：玩家名單、挑戰、配對與對局登記
//
// 核心元件只依賴 Transport 介面，測試時以沒有 socket 的連線
// （Gateway.Attach / Dispatch / Detach）驅動。
//
// # 訊息格式
//
// 所有訊息都是 {"type": "...", "data": ...}：
//
//	→ {"type":"login","data":{"name":"alice"}}
//	← {"type":"initPlayer","data":{"id":"...","name":"alice",...}}
//	→ {"type":"challenge","data":{"targetId":"..."}}
//	→ {"type":"accept","data":{"challengerId":"..."}}
//	← {"type":"startGame","data":{"attackerId":"...","defenderId":"..."}}
//	→ {"type":"fire","data":{"x":2,"y":3}}
//	← {"type":"result","data":{"firedBy":"...","x":2,"y":3,"hit":true}}
//	← {"type":"gameOver","data":{"<id>":"win","<id>":"lose"}}
//
// # 棋盤編碼
//
//	0   空格
//	>0  艦艇（值為艦艇長度）
//	-1  已開火未命中
//	-2  已命中
//
// # 外部依賴（皆為選用）
//
//   - Redis：跨實例共享的挑戰限流（Lua token bucket），不可用時改用單機限流
//   - NATS：發布 <prefix>.match.started / <prefix>.match.ended 事件
//
// # 使用範例
//
//	go run ./cmd/server -config config.yaml
//
//	curl localhost:3000/health
//	curl localhost:3000/api/v1/players
//	curl localhost:3000/api/v1/sessions
package armada
