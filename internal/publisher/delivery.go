package publisher

import (
	"context"
	"log/slog"
	"time"

	"TrustClaw/pkg/logger"
)

// Announcement 是交付给外部渠道的公告。ID 为本次交付请求的
// 唯一标识,接收端可据此做幂等处理。
type Announcement struct {
	ID        string    `json:"id"`
	AgentID   uint64    `json:"agent_id"`
	EventKey  string    `json:"event_key"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery 抽象公告的交付渠道。
type Delivery interface {
	Name() string
	Send(ctx context.Context, announcement Announcement) error
}

// LogDelivery 把公告写进审计日志,用于本地运行和演练。
type LogDelivery struct{}

// Name 返回渠道名称。
func (d *LogDelivery) Name() string { return "log" }

// Send 实现 Delivery 接口。
func (d *LogDelivery) Send(_ context.Context, announcement Announcement) error {
	logger.Audit().Info("announcement delivered",
		slog.String("delivery", d.Name()),
		slog.String("request_id", announcement.ID),
		slog.Uint64("agent_id", announcement.AgentID),
		slog.String("event_key", announcement.EventKey),
		slog.String("text", announcement.Text),
	)
	return nil
}
