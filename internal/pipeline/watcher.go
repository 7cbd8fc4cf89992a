package pipeline

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/metrics"
	"TrustClaw/internal/registry"
	"TrustClaw/pkg/logger"
)

// WatcherConfig 描述扫链参数。
type WatcherConfig struct {
	// PollInterval 是两轮扫描之间的间隔。
	PollInterval time.Duration
	// LookbackBlocks 是首次启动(没有游标)时向后回看的区块数。
	LookbackBlocks uint64
	// RescanBlocks 是每轮在游标之前重扫的区块数,用于吸收链重组。
	// 重扫出的旧事件由账本的事件键去重。
	RescanBlocks uint64
	// MaxRetries 写入每条新账本记录,决定事件的重试预算。
	MaxRetries int
}

// Watcher 轮询身份注册表,把新的注册事件写进账本并投递到队列。
// 游标只有在一轮事件全部落账之后才会推进,因此崩溃最多造成重扫,
// 不会漏事件。
type Watcher struct {
	reader   registry.Reader
	store    ledger.Store
	producer Producer
	cfg      WatcherConfig
	logger   *slog.Logger
}

// NewWatcher 构造 Watcher。
func NewWatcher(reader registry.Reader, store ledger.Store, producer Producer, cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Watcher{
		reader:   reader,
		store:    store,
		producer: producer,
		cfg:      cfg,
		logger:   logger.Named("watcher"),
	}
}

// Run 启动扫描循环,直到上下文取消。启动时先把账本中未完成的
// 事件重新入队,保证重启后的至少一次交付。
func (w *Watcher) Run(ctx context.Context) error {
	if w.reader == nil || w.store == nil || w.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "watcher 未初始化")
	}

	if err := w.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.scanOnce(ctx); err != nil {
			if stdErrors.Is(err, context.Canceled) {
				return err
			}
			// 扫描失败只记录,下一轮从同一游标重试。
			w.logger.Error("扫描注册事件失败", slog.Any("error", err))
		}
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recover 把未完成的账本事件重新投递到队列。上次进程崩溃时
// 停在 processing 的事件先退回 seen,否则认领会把重投识别为
// 冲突而永远跳过。
func (w *Watcher) recover(ctx context.Context) error {
	entries, err := w.store.ListUndelivered(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.State == ledger.StateProcessing {
			if err := w.store.Release(ctx, entry.Key); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放滞留事件失败")
			}
		}
		if err := w.producer.Publish(ctx, entry.Key); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "重投未完成事件失败")
		}
	}
	if len(entries) > 0 {
		w.logger.Info("重启恢复完成", slog.Int("requeued", len(entries)))
	}
	return nil
}

// sweep 周期性重投未送达的事件,兜住入队失败后滞留在账本里的
// 记录。processing 状态的事件可能正在处理,不碰;本轮刚记录的
// 事件也不碰,只补投搁置超过一个轮询周期的。重复投递由认领
// 阶段去重。
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := w.store.ListUndelivered(ctx)
	if err != nil {
		w.logger.Error("查询未送达事件失败", slog.Any("error", err))
		return
	}
	cutoff := time.Now().Unix() - int64(w.cfg.PollInterval/time.Second)
	requeued := 0
	for _, entry := range entries {
		if entry.State == ledger.StateProcessing {
			continue
		}
		if entry.UpdatedAt > cutoff {
			continue
		}
		if err := w.producer.Publish(ctx, entry.Key); err != nil {
			w.logger.Error("重投事件失败", slog.Any("error", err), slog.String("event_key", entry.Key))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		w.logger.Info("补投未送达事件", slog.Int("requeued", requeued))
	}
}

func (w *Watcher) scanOnce(ctx context.Context) error {
	head, err := w.reader.LatestBlock(ctx)
	if err != nil {
		return err
	}

	from, err := w.scanStart(ctx, head)
	if err != nil {
		return err
	}
	if from > head {
		return nil
	}

	events, err := w.reader.RegistrationEvents(ctx, from, head)
	if err != nil {
		return err
	}

	fresh := 0
	for _, event := range events {
		entry := &ledger.Entry{
			Key:        event.Key.String(),
			AgentID:    event.AgentID,
			Owner:      event.Owner,
			TxHash:     event.TxHash,
			ViaSkill:   event.ViaSkill,
			MaxRetries: w.cfg.MaxRetries,
		}
		if err := w.store.Record(ctx, entry); err != nil {
			if stdErrors.Is(err, ledger.ErrEventConflict) {
				// 重扫窗口里的旧事件,账本已经记过账。
				continue
			}
			return err
		}
		fresh++
		metrics.IncPipeline(metrics.EventsSeen, "")
		if err := w.producer.Publish(ctx, entry.Key); err != nil {
			// 入队失败不可回滚账本记录,重启恢复会再次投递。
			w.logger.Error("投递事件失败", slog.Any("error", err), slog.String("event_key", entry.Key))
		}
	}

	// 本轮事件全部落账之后才推进游标。
	if err := w.store.SetCursor(ctx, head); err != nil {
		return err
	}
	metrics.IncPipeline(metrics.ScanRounds, "")
	if fresh > 0 {
		w.logger.Info("发现新注册事件",
			slog.Int("fresh", fresh),
			slog.Uint64("from_block", from),
			slog.Uint64("to_block", head),
		)
	}
	return nil
}

// scanStart 计算本轮扫描的起始区块。
func (w *Watcher) scanStart(ctx context.Context, head uint64) (uint64, error) {
	cursor, ok, err := w.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		if w.cfg.LookbackBlocks >= head {
			return 0, nil
		}
		return head - w.cfg.LookbackBlocks, nil
	}
	start := cursor + 1
	if w.cfg.RescanBlocks >= start {
		return 0, nil
	}
	return start - w.cfg.RescanBlocks, nil
}
