package publisher

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/metrics"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/trust"
	"TrustClaw/pkg/logger"

	"github.com/google/uuid"
)

// Publisher 对外公告已通过过滤的注册事件。
type Publisher interface {
	Publish(ctx context.Context, event registry.RegistrationEvent, record trust.Record) error
	Close() error
}

// Announcer 在交付渠道之上实现每个代理至多公告一次的语义:
// 发送前查账本,发送成功后以单赢者 CAS 登记。崩溃恰好落在
// 两步之间时会产生一次重复公告,但绝不会静默丢失。
type Announcer struct {
	store    ledger.Store
	delivery Delivery
	limiter  *RateLimiter
	dryRun   bool
	logger   *slog.Logger
}

// AnnouncerOption 定义可选配置。
type AnnouncerOption func(*Announcer)

// WithRateLimiter 配置发送限流。
func WithRateLimiter(limiter *RateLimiter) AnnouncerOption {
	return func(a *Announcer) {
		a.limiter = limiter
	}
}

// WithDryRun 开启演练模式:走完整条路径但不真正交付。
func WithDryRun(dryRun bool) AnnouncerOption {
	return func(a *Announcer) {
		a.dryRun = dryRun
	}
}

// WithAnnouncerLogger 指定日志输出。
func WithAnnouncerLogger(logger *slog.Logger) AnnouncerOption {
	return func(a *Announcer) {
		a.logger = logger
	}
}

// NewAnnouncer 构造 Announcer。
func NewAnnouncer(store ledger.Store, delivery Delivery, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{store: store, delivery: delivery}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Publish 实现 Publisher 接口。已公告过的代理直接成功返回。
func (a *Announcer) Publish(ctx context.Context, event registry.RegistrationEvent, record trust.Record) error {
	if a == nil || a.store == nil || a.delivery == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "公告器未初始化")
	}

	announced, err := a.store.Announced(ctx, event.AgentID)
	if err != nil {
		return err
	}
	if announced {
		a.logDebug("代理已公告,跳过", slog.Uint64("agent_id", event.AgentID), slog.String("event_key", event.Key.String()))
		return nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "等待发送配额失败")
	}

	announcement := Announcement{
		ID:        uuid.NewString(),
		AgentID:   event.AgentID,
		EventKey:  event.Key.String(),
		Text:      trust.FormatAnnouncement(event, record),
		CreatedAt: time.Now(),
	}

	if a.dryRun {
		logger.Audit().Info("dry-run announcement",
			slog.String("request_id", announcement.ID),
			slog.Uint64("agent_id", announcement.AgentID),
			slog.String("event_key", announcement.EventKey),
			slog.String("text", announcement.Text),
		)
	} else {
		if err := a.delivery.Send(ctx, announcement); err != nil {
			metrics.IncPipeline(metrics.AnnouncementsFailed, a.delivery.Name())
			return err
		}
	}

	if err := a.store.MarkAnnounced(ctx, event.AgentID, announcement.EventKey); err != nil {
		if stdErrors.Is(err, ledger.ErrAlreadyAnnounced) {
			// 并发竞争中另一条事件先登记成功,本次交付成为重复公告。
			logger.L().Warn("公告登记竞争落败",
				slog.Uint64("agent_id", event.AgentID),
				slog.String("event_key", announcement.EventKey),
			)
			return nil
		}
		return err
	}

	metrics.IncPipeline(metrics.Announcements, a.delivery.Name())
	logger.Audit().Info("agent announced",
		slog.String("request_id", announcement.ID),
		slog.Uint64("agent_id", announcement.AgentID),
		slog.String("event_key", announcement.EventKey),
		slog.Int("average", record.Average),
		slog.Uint64("feedback_count", record.FeedbackCount),
		slog.Bool("dry_run", a.dryRun),
	)
	return nil
}

// Close 释放交付渠道资源。
func (a *Announcer) Close() error {
	return nil
}

func (a *Announcer) logDebug(msg string, attrs ...slog.Attr) {
	if a.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		a.logger.Debug(msg, args...)
	}
}

var _ Publisher = (*Announcer)(nil)
