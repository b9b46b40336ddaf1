package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 對局事件類型，也是 subject 的最後一段：<prefix>.match.started
const (
	MatchStarted = "started"
	MatchEnded   = "ended"
)

// MatchEvent 對局生命週期事件
type MatchEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	AttackerID string    `json:"attacker_id"`
	DefenderID string    `json:"defender_id"`
	Reason     EndReason `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher 對局事件發布者
type Publisher interface {
	Publish(ctx context.Context, event MatchEvent) error
	Close()
}

// NopPublisher 未設定 NATS 時使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, MatchEvent) error { return nil }
func (NopPublisher) Close()                                    {}

// NATSPublisher 以 NATS core publish 送出事件
//
// 事件是給其他服務的通知訊號（統計、排行榜），不做持久化，
// 所以不使用 JetStream。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("armada-battleship"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject 事件類型對應的 subject
func (p *NATSPublisher) Subject(eventType string) string {
	return MatchSubject(p.prefix, eventType)
}

// MatchSubject <prefix>.match.<type>
func MatchSubject(prefix, eventType string) string {
	return prefix + ".match." + eventType
}

// Publish 發布事件（非同步，斷線期間由客戶端緩衝）
func (p *NATSPublisher) Publish(_ context.Context, event MatchEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("發布事件失敗: %w", err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain 失敗", "error", err)
		p.conn.Close()
	}
}
