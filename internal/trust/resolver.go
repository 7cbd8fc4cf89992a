package trust

import (
	"context"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/registry"
)

// Resolver 负责把链上原始信誉摘要解析成归一化的 Record。
// 代理在信誉注册表中不存在并不算错误:这类代理得到一份
// 反馈数为零的记录,由过滤器以 ZERO_REPUTATION 理由拒绝。
type Resolver struct {
	reader     registry.Reader
	dimensions []string
	timeout    time.Duration
}

// NewResolver 构建解析器。dimensions 决定参与评分的维度集合。
func NewResolver(reader registry.Reader, dimensions []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dims := make([]string, len(dimensions))
	copy(dims, dimensions)
	return &Resolver{reader: reader, dimensions: dims, timeout: timeout}
}

// Dimensions 返回解析器使用的维度集合副本。
func (r *Resolver) Dimensions() []string {
	dims := make([]string, len(r.dimensions))
	copy(dims, r.dimensions)
	return dims
}

// Resolve 查询并归一化指定代理的信誉记录。
// 链上临时故障原样返回(可重试);未注册则返回零记录。
func (r *Resolver) Resolve(ctx context.Context, agentID uint64) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.reader.Reputation(ctx, agentID, r.dimensions)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotRegistered {
			return BuildRecord(agentID, registry.RawReputation{}, r.dimensions), nil
		}
		return Record{}, err
	}
	return BuildRecord(agentID, raw, r.dimensions), nil
}
