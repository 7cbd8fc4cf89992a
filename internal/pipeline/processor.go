package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/alerting"
	"TrustClaw/internal/observability/metrics"
	"TrustClaw/internal/publisher"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/trust"
	"TrustClaw/pkg/logger"
)

// Processor 消费队列中的事件键:认领账本记录、解析信誉、
// 执行过滤,并把通过的事件交给公告器。
type Processor struct {
	resolver     *trust.Resolver
	store        ledger.Store
	consumer     Consumer
	producer     Producer
	publisher    publisher.Publisher
	threshold    int
	workerCount  int
	retryBackoff time.Duration
	logger       *slog.Logger
	alerter      alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。多于一个工作协程时事件可能
// 乱序完成,公告顺序由账本的单赢者登记兜底。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRetryBackoff 设置重试退避的基准间隔。第 n 次失败后延迟
// n 倍基准再入队;设为 0 表示立即同步重投。
func WithRetryBackoff(backoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.retryBackoff = backoff
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(resolver *trust.Resolver, store ledger.Store, consumer Consumer, producer Producer, pub publisher.Publisher, threshold int, opts ...ProcessorOption) *Processor {
	p := &Processor{
		resolver:     resolver,
		store:        store,
		consumer:     consumer,
		producer:     producer,
		publisher:    pub,
		threshold:    threshold,
		workerCount:  1,
		retryBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动事件处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个事件键。重复投递的键在认领阶段被识别并跳过,
// 这里是至少一次队列语义收敛为恰好一次处理的地方。
func (p *Processor) Handle(ctx context.Context, eventKey string) error {
	if p.store == nil || p.resolver == nil || p.publisher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	entry, err := p.store.Claim(ctx, eventKey)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrEventExhausted) {
			// 崩溃可能在最后一次尝试途中耗尽预算而没来得及终结,
			// 这里补记终态并告警,避免事件停在非终态。
			if entry != nil && !entry.Terminal {
				return p.sealExhausted(ctx, entry)
			}
			p.logDebug("跳过事件", slog.String("event_key", eventKey), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ledger.ErrEventNotFound) ||
			stdErrors.Is(err, ledger.ErrEventDone) ||
			stdErrors.Is(err, ledger.ErrEventConflict) {
			p.logDebug("跳过事件", slog.String("event_key", eventKey), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("认领事件失败", slog.Any("error", err), slog.String("event_key", eventKey))
		p.emitAlert(ctx, &ledger.Entry{Key: eventKey}, xerrors.CodeStorageFailure, err, "claim")
		return err
	}

	key, err := registry.ParseEventKey(entry.Key)
	if err != nil {
		// 键损坏无法处理,直接终结。
		return p.failEntry(ctx, entry, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件键损坏", xerrors.WithRetryable(false)))
	}
	event := registry.RegistrationEvent{
		AgentID:  entry.AgentID,
		Owner:    entry.Owner,
		Key:      key,
		TxHash:   entry.TxHash,
		ViaSkill: entry.ViaSkill,
	}

	record, err := p.resolver.Resolve(ctx, entry.AgentID)
	if err != nil {
		return p.failEntry(ctx, entry, err)
	}

	decision := trust.Decide(event, record, p.threshold)
	if decision.Accepted {
		if err := p.publisher.Publish(ctx, event, record); err != nil {
			return p.failEntry(ctx, entry, err)
		}
	}

	if err := p.store.MarkDone(ctx, entry.Key, string(decision.Reason)); err != nil {
		logger.L().Error("标记事件完成失败", slog.Any("error", err), slog.String("event_key", entry.Key))
		if storeErr := p.store.MarkFailed(ctx, entry.Key, xerrors.CodeStorageFailure, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("event_key", entry.Key))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, entry.Key); pubErr != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, fmt.Sprintf("事件 %s 在标记完成失败后重投失败", entry.Key))
		}
		return nil
	}

	metrics.IncPipeline(metrics.EventsProcessed, string(decision.Reason))
	logger.Audit().Info("事件处理完成",
		slog.String("event_key", entry.Key),
		slog.Uint64("agent_id", entry.AgentID),
		slog.String("reason", string(decision.Reason)),
		slog.Bool("accepted", decision.Accepted),
		slog.Int("average", record.Average),
		slog.Uint64("feedback_count", record.FeedbackCount),
	)
	return nil
}

// failEntry 统一处理事件失败:落账、告警,可重试时重新入队。
func (p *Processor) failEntry(ctx context.Context, entry *ledger.Entry, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeChainFetchFailure
	}
	retryable := xerrors.RetryableError(cause)
	terminal := entry.Attempts >= entry.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, entry.Key, code, cause.Error(), terminal); storeErr != nil {
		logger.L().Error("标记事件失败状态出错", slog.Any("error", storeErr), slog.String("event_key", entry.Key))
		return storeErr
	}
	logger.Audit().Warn("事件处理失败",
		slog.String("event_key", entry.Key),
		slog.Uint64("agent_id", entry.AgentID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", entry.Attempts),
		slog.Int("max_retries", entry.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.IncPipeline(metrics.EventsExhausted, string(code))
	}
	if terminal || xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, entry, code, cause, stage)
	}

	if retryable && !terminal {
		metrics.IncPipeline(metrics.EventsRetried, string(code))
		if pubErr := p.scheduleRetry(ctx, entry.Key, entry.Attempts); pubErr != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, fmt.Sprintf("事件 %s 重投失败", entry.Key))
		}
		p.logDebug("事件已重新排队", slog.String("event_key", entry.Key), slog.Int("attempts", entry.Attempts))
	}
	return nil
}

// scheduleRetry 按尝试次数线性退避后重新入队。退避为 0 时同步
// 重投。延迟投递失败只记录,下一轮扫描的补投兜底。
func (p *Processor) scheduleRetry(ctx context.Context, eventKey string, attempts int) error {
	if p.retryBackoff <= 0 {
		return p.producer.Publish(ctx, eventKey)
	}
	delay := p.retryBackoff * time.Duration(attempts)
	if delay <= 0 {
		delay = p.retryBackoff
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.producer.Publish(ctx, eventKey); err != nil {
			logger.L().Error("延迟重投事件失败", slog.Any("error", err), slog.String("event_key", eventKey))
		}
	}()
	return nil
}

// sealExhausted 把耗尽重试却仍处于非终态的事件落成终态失败。
func (p *Processor) sealExhausted(ctx context.Context, entry *ledger.Entry) error {
	code := xerrors.Code(entry.ErrorCode)
	if code == "" {
		code = xerrors.CodeUnknown
	}
	lastError := entry.LastError
	if lastError == "" {
		lastError = "事件重试预算耗尽"
	}
	if err := p.store.MarkFailed(ctx, entry.Key, code, lastError, true); err != nil {
		logger.L().Error("终结耗尽事件失败", slog.Any("error", err), slog.String("event_key", entry.Key))
		return err
	}
	metrics.IncPipeline(metrics.EventsExhausted, string(code))
	p.emitAlert(ctx, entry, code, nil, "terminal")
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, entry *ledger.Entry, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || entry == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		EventKey:   entry.Key,
		AgentID:    entry.AgentID,
		Attempts:   entry.Attempts,
		MaxRetries: entry.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("event_key", entry.Key),
			slog.String("stage", stage),
		)
	}
}
