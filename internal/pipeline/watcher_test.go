package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"TrustClaw/internal/ledger"
	"TrustClaw/internal/registry"
)

type scriptedReader struct {
	mu     sync.Mutex
	latest uint64
	events []registry.RegistrationEvent
	rep    registry.RawReputation
	// repErrs 按调用顺序返回,耗尽后返回 rep。
	repErrs []error
}

func (r *scriptedReader) LatestBlock(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, nil
}

func (r *scriptedReader) RegistrationEvents(ctx context.Context, fromBlock, toBlock uint64) ([]registry.RegistrationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]registry.RegistrationEvent, 0, len(r.events))
	for _, event := range r.events {
		if event.Key.BlockHeight >= fromBlock && event.Key.BlockHeight <= toBlock {
			matched = append(matched, event)
		}
	}
	return matched, nil
}

func (r *scriptedReader) Reputation(ctx context.Context, agentID uint64, dimensions []string) (registry.RawReputation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.repErrs) > 0 {
		err := r.repErrs[0]
		r.repErrs = r.repErrs[1:]
		if err != nil {
			return registry.RawReputation{}, err
		}
	}
	return r.rep, nil
}

func (r *scriptedReader) Close() {}

type collectProducer struct {
	mu   sync.Mutex
	keys []string
}

func (p *collectProducer) Publish(_ context.Context, eventKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, eventKey)
	return nil
}

func (p *collectProducer) Close() error { return nil }

func (p *collectProducer) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func TestWatcherScanRecordsAndEnqueues(t *testing.T) {
	reader := &scriptedReader{
		latest: 100,
		events: []registry.RegistrationEvent{
			{AgentID: 1, ViaSkill: true, Key: registry.EventKey{BlockHeight: 95, LogIndex: 0}},
			{AgentID: 2, ViaSkill: true, Key: registry.EventKey{BlockHeight: 95, LogIndex: 3}},
		},
	}
	store := ledger.NewMemoryStore()
	producer := &collectProducer{}
	watcher := NewWatcher(reader, store, producer, WatcherConfig{
		PollInterval:   time.Minute,
		LookbackBlocks: 10,
		RescanBlocks:   5,
		MaxRetries:     3,
	})
	ctx := context.Background()

	if err := watcher.scanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	published := producer.published()
	if len(published) != 2 {
		t.Fatalf("expected 2 enqueued keys, got %d", len(published))
	}
	if published[0] != "000000000095:000000" || published[1] != "000000000095:000003" {
		t.Fatalf("keys out of order: %v", published)
	}

	height, ok, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !ok || height != 100 {
		t.Fatalf("cursor = %d (set=%v), want 100", height, ok)
	}

	// 重扫窗口覆盖同样的事件,不允许重复入账或重复入队。
	if err := watcher.scanOnce(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if got := len(producer.published()); got != 2 {
		t.Fatalf("rescan enqueued duplicates, total %d", got)
	}
}

func TestWatcherFirstScanUsesLookbackWindow(t *testing.T) {
	reader := &scriptedReader{
		latest: 1000,
		events: []registry.RegistrationEvent{
			// 在回看窗口之外,不应被扫到。
			{AgentID: 1, ViaSkill: true, Key: registry.EventKey{BlockHeight: 500, LogIndex: 0}},
			{AgentID: 2, ViaSkill: true, Key: registry.EventKey{BlockHeight: 995, LogIndex: 0}},
		},
	}
	store := ledger.NewMemoryStore()
	producer := &collectProducer{}
	watcher := NewWatcher(reader, store, producer, WatcherConfig{LookbackBlocks: 10, MaxRetries: 3})

	if err := watcher.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	published := producer.published()
	if len(published) != 1 || published[0] != "000000000995:000000" {
		t.Fatalf("unexpected keys: %v", published)
	}
}

func TestWatcherRecoveryRequeuesUndelivered(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	pending := &ledger.Entry{Key: "000000000090:000000", AgentID: 1, MaxRetries: 3}
	finished := &ledger.Entry{Key: "000000000091:000000", AgentID: 2, MaxRetries: 3}
	for _, entry := range []*ledger.Entry{pending, finished} {
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.MarkDone(ctx, finished.Key, "BELOW_THRESHOLD"); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	producer := &collectProducer{}
	watcher := NewWatcher(&scriptedReader{latest: 100}, store, producer, WatcherConfig{MaxRetries: 3})

	if err := watcher.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	published := producer.published()
	if len(published) != 1 || published[0] != pending.Key {
		t.Fatalf("expected only the pending key requeued, got %v", published)
	}
}

// 认领途中崩溃的事件停在 processing。重启恢复必须先把它释放回
// seen 再重投,否则重投会被认领阶段当作冲突跳过,事件永远悬空。
func TestWatcherRecoveryReleasesInterruptedClaim(t *testing.T) {
	reader := &scriptedReader{rep: strongReputation()}
	h := newHarness(t, reader)
	ctx := context.Background()
	key := "000000000092:000000"
	h.seed(t, &ledger.Entry{Key: key, AgentID: 9, ViaSkill: true})

	// 模拟崩溃:事件被认领后进程没有走到任何落账动作。
	if _, err := h.store.Claim(ctx, key); err != nil {
		t.Fatalf("claim: %v", err)
	}

	watcher := NewWatcher(reader, h.store, h.producer, WatcherConfig{MaxRetries: 3})
	if err := watcher.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	published := h.producer.published()
	if len(published) != 1 || published[0] != key {
		t.Fatalf("expected the interrupted key requeued, got %v", published)
	}

	// 重投的事件必须能被正常处理到终态,而不是被当作冲突跳过。
	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("handle after recovery: %v", err)
	}
	entry, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != ledger.StateDone {
		t.Fatalf("entry = %+v, want done after recovery", entry)
	}
	if h.delivery.count() != 1 {
		t.Fatalf("expected 1 delivery after recovery, got %d", h.delivery.count())
	}
}

// 入队失败后滞留在 seen 的事件由周期性补投捞回来,不需要重启。
func TestWatcherSweepRequeuesStrandedEvents(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	stranded := &ledger.Entry{Key: "000000000093:000000", AgentID: 1, MaxRetries: 3}
	inflight := &ledger.Entry{Key: "000000000094:000000", AgentID: 2, MaxRetries: 3}
	for _, entry := range []*ledger.Entry{stranded, inflight} {
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	// 正在处理中的事件不允许被补投。
	if _, err := store.Claim(ctx, inflight.Key); err != nil {
		t.Fatalf("claim: %v", err)
	}

	producer := &collectProducer{}
	watcher := NewWatcher(&scriptedReader{latest: 100}, store, producer, WatcherConfig{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   3,
	})

	watcher.sweep(ctx)
	published := producer.published()
	if len(published) != 1 || published[0] != stranded.Key {
		t.Fatalf("expected only the stranded key requeued, got %v", published)
	}
}
