package ledger

import (
	"context"

	xerrors "TrustClaw/internal/errors"
)

// ListOptions 控制账本查询的过滤与分页。
type ListOptions struct {
	States  []State
	AgentID uint64
	Limit   int
	Offset  int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Stats 汇总账本中各状态的事件数量。
type Stats struct {
	Total      int64 `json:"total"`
	Seen       int64 `json:"seen"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Announced  int64 `json:"announced"`
}

// Store 抽象了交付账本的持久化接口。实现必须保证 Record、Claim 和
// MarkAnnounced 的条件更新是原子的:并发调用中恰好一个成功。
type Store interface {
	// Record 插入一条新的事件记录。事件键已存在时返回 ErrEventConflict,
	// 调用方据此识别重放的事件。
	Record(ctx context.Context, entry *Entry) error
	// Get 返回指定事件的当前记录。
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim 以 CAS 方式把事件从 seen 或可重试的 failed 切换到
	// processing,并递增尝试次数。
	Claim(ctx context.Context, key string) (*Entry, error)
	// Release 把滞留在 processing 的事件退回 seen,尝试次数保留。
	// 供进程重启恢复使用;事件不在 processing 状态时是无操作。
	Release(ctx context.Context, key string) error
	// MarkDone 记录事件处理完毕以及过滤器给出的理由。
	MarkDone(ctx context.Context, key string, reason string) error
	// MarkFailed 记录一次失败。terminal 为真时事件不再参与重试。
	MarkFailed(ctx context.Context, key string, code xerrors.Code, lastError string, terminal bool) error
	// MarkAnnounced 登记一次成功公告。每个代理只允许登记一次,
	// 竞争落败的调用收到 ErrAlreadyAnnounced。
	MarkAnnounced(ctx context.Context, agentID uint64, key string) error
	// Announced 查询某个代理是否已经公告过。
	Announced(ctx context.Context, agentID uint64) (bool, error)
	// Cursor 返回扫描游标。第二个返回值为 false 表示尚未建立游标。
	Cursor(ctx context.Context) (uint64, bool, error)
	// SetCursor 推进扫描游标。游标只增不减。
	SetCursor(ctx context.Context, height uint64) error
	// ListUndelivered 按事件键顺序返回所有未完成的事件,
	// 供进程重启后重新入队。
	ListUndelivered(ctx context.Context) ([]*Entry, error)
	// List 按更新时间倒序返回事件记录。
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)
	// Stats 返回账本聚合统计。
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
