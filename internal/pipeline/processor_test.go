package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/alerting"
	"TrustClaw/internal/publisher"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/trust"
)

type stubDelivery struct {
	mu   sync.Mutex
	sent []publisher.Announcement
}

func (d *stubDelivery) Name() string { return "stub" }

func (d *stubDelivery) Send(_ context.Context, announcement publisher.Announcement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, announcement)
	return nil
}

func (d *stubDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

var defaultDims = []string{"quality", "reliability", "speed", "safety", "alignment"}

func strongReputation() registry.RawReputation {
	return registry.RawReputation{
		FeedbackCount: 15,
		Dimensions: map[string]registry.RawDimension{
			"quality":     {Value: big.NewInt(88)},
			"reliability": {Value: big.NewInt(85)},
			"speed":       {Value: big.NewInt(82)},
			"safety":      {Value: big.NewInt(90)},
			"alignment":   {Value: big.NewInt(85)},
		},
	}
}

type processorHarness struct {
	store     *ledger.MemoryStore
	producer  *collectProducer
	delivery  *stubDelivery
	processor *Processor
	alerter   *recordingAlerter
}

func newHarness(t *testing.T, reader registry.Reader) *processorHarness {
	t.Helper()
	store := ledger.NewMemoryStore()
	producer := &collectProducer{}
	delivery := &stubDelivery{}
	alerter := &recordingAlerter{}
	resolver := trust.NewResolver(reader, defaultDims, time.Second)
	announcer := publisher.NewAnnouncer(store, delivery)
	proc := NewProcessor(resolver, store, NewMemoryQueue(8), producer, announcer, 60,
		WithAlertDispatcher(alerter), WithRetryBackoff(0))
	return &processorHarness{
		store:     store,
		producer:  producer,
		delivery:  delivery,
		processor: proc,
		alerter:   alerter,
	}
}

func (h *processorHarness) seed(t *testing.T, entry *ledger.Entry) {
	t.Helper()
	if entry.MaxRetries == 0 {
		entry.MaxRetries = 3
	}
	if err := h.store.Record(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestProcessorAcceptedEventAnnouncedExactlyOnce(t *testing.T) {
	reader := &scriptedReader{rep: strongReputation()}
	h := newHarness(t, reader)
	ctx := context.Background()
	key := "000000000100:000000"
	h.seed(t, &ledger.Entry{Key: key, AgentID: 7, ViaSkill: true})

	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.delivery.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", h.delivery.count())
	}

	entry, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != ledger.StateDone || entry.Reason != string(trust.ReasonAccepted) {
		t.Fatalf("unexpected entry after handle: %+v", entry)
	}
	if !entry.Announced {
		t.Fatal("entry should be announced")
	}

	// 队列重复投递同一个键,处理必须是无操作。
	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("duplicate handle: %v", err)
	}
	if h.delivery.count() != 1 {
		t.Fatalf("duplicate delivery observed, total %d", h.delivery.count())
	}
}

func TestProcessorRejectionReasonsRecorded(t *testing.T) {
	cases := []struct {
		name   string
		entry  *ledger.Entry
		rep    registry.RawReputation
		reason trust.Reason
	}{
		{
			name:   "direct registration",
			entry:  &ledger.Entry{Key: "000000000200:000000", AgentID: 20, ViaSkill: false},
			rep:    strongReputation(),
			reason: trust.ReasonNotViaSanctionedPath,
		},
		{
			name:   "zero reputation",
			entry:  &ledger.Entry{Key: "000000000201:000000", AgentID: 21, ViaSkill: true},
			rep:    registry.RawReputation{FeedbackCount: 0},
			reason: trust.ReasonZeroReputation,
		},
		{
			name:  "below threshold",
			entry: &ledger.Entry{Key: "000000000202:000000", AgentID: 22, ViaSkill: true},
			rep: registry.RawReputation{
				FeedbackCount: 5,
				Dimensions: map[string]registry.RawDimension{
					"quality": {Value: big.NewInt(55)},
				},
			},
			reason: trust.ReasonBelowThreshold,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reader := &scriptedReader{rep: tc.rep}
			h := newHarness(t, reader)
			ctx := context.Background()
			h.seed(t, tc.entry)

			if err := h.processor.Handle(ctx, tc.entry.Key); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if h.delivery.count() != 0 {
				t.Fatalf("rejected event must not be delivered")
			}
			entry, err := h.store.Get(ctx, tc.entry.Key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if entry.State != ledger.StateDone || entry.Reason != string(tc.reason) {
				t.Fatalf("entry = %+v, want done with reason %s", entry, tc.reason)
			}
			announced, _ := h.store.Announced(ctx, tc.entry.AgentID)
			if announced {
				t.Fatal("rejected agent must not be announced")
			}
		})
	}
}

func TestProcessorRetriesTransientFailureThenSucceeds(t *testing.T) {
	reader := &scriptedReader{
		rep: strongReputation(),
		repErrs: []error{
			xerrors.New(xerrors.CodeChainFetchFailure, "rpc timeout"),
			xerrors.New(xerrors.CodeChainFetchFailure, "rpc timeout"),
		},
	}
	h := newHarness(t, reader)
	ctx := context.Background()
	key := "000000000300:000000"
	h.seed(t, &ledger.Entry{Key: key, AgentID: 30, ViaSkill: true, MaxRetries: 3})

	// 前两次处理失败并重新入队。
	for attempt := 1; attempt <= 2; attempt++ {
		if err := h.processor.Handle(ctx, key); err != nil {
			t.Fatalf("handle attempt %d: %v", attempt, err)
		}
		entry, err := h.store.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if entry.State != ledger.StateFailed || entry.Terminal {
			t.Fatalf("attempt %d entry = %+v, want retryable failure", attempt, entry)
		}
		if got := len(h.producer.published()); got != attempt {
			t.Fatalf("expected %d requeues, got %d", attempt, got)
		}
	}

	// 第三次成功。
	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("final handle: %v", err)
	}
	entry, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != ledger.StateDone || entry.Attempts != 3 {
		t.Fatalf("entry = %+v, want done after 3 attempts", entry)
	}
	if h.delivery.count() != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", h.delivery.count())
	}
}

func TestProcessorExhaustsRetriesAndAlerts(t *testing.T) {
	reader := &scriptedReader{
		rep: strongReputation(),
		repErrs: []error{
			xerrors.New(xerrors.CodeChainFetchFailure, "rpc down"),
			xerrors.New(xerrors.CodeChainFetchFailure, "rpc down"),
		},
	}
	h := newHarness(t, reader)
	ctx := context.Background()
	key := "000000000400:000000"
	h.seed(t, &ledger.Entry{Key: key, AgentID: 40, ViaSkill: true, MaxRetries: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		if err := h.processor.Handle(ctx, key); err != nil {
			t.Fatalf("handle attempt %d: %v", attempt, err)
		}
	}

	entry, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != ledger.StateFailed || !entry.Terminal {
		t.Fatalf("entry = %+v, want terminal failure", entry)
	}

	h.alerter.mu.Lock()
	alerts := len(h.alerter.events)
	h.alerter.mu.Unlock()
	if alerts == 0 {
		t.Fatal("terminal failure should raise an alert")
	}

	// 耗尽后的重复投递被静默跳过。
	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("post-exhaustion handle: %v", err)
	}
	if h.delivery.count() != 0 {
		t.Fatalf("exhausted event must never be delivered")
	}
}

// 认领后进程崩溃、重启释放回 seen 的事件,若尝试次数已经用满,
// 再次认领必须把事件终结成 terminal 并告警,不能停在非终态。
func TestProcessorSealsReleasedEventWithSpentBudget(t *testing.T) {
	reader := &scriptedReader{rep: strongReputation()}
	h := newHarness(t, reader)
	ctx := context.Background()
	key := "000000000500:000000"
	h.seed(t, &ledger.Entry{Key: key, AgentID: 50, ViaSkill: true, MaxRetries: 1})

	if _, err := h.store.Claim(ctx, key); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// 模拟崩溃后的重启恢复:事件退回 seen,但预算已经用完。
	if err := h.store.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := h.processor.Handle(ctx, key); err != nil {
		t.Fatalf("handle: %v", err)
	}

	entry, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != ledger.StateFailed || !entry.Terminal {
		t.Fatalf("entry = %+v, want terminal failure", entry)
	}
	h.alerter.mu.Lock()
	alerts := len(h.alerter.events)
	h.alerter.mu.Unlock()
	if alerts == 0 {
		t.Fatal("sealing a spent event should raise an alert")
	}
}

func TestProcessorDelaysRetryRequeue(t *testing.T) {
	reader := &scriptedReader{
		rep: strongReputation(),
		repErrs: []error{
			xerrors.New(xerrors.CodeChainFetchFailure, "rpc timeout"),
		},
	}
	store := ledger.NewMemoryStore()
	producer := &collectProducer{}
	delivery := &stubDelivery{}
	resolver := trust.NewResolver(reader, defaultDims, time.Second)
	announcer := publisher.NewAnnouncer(store, delivery)
	proc := NewProcessor(resolver, store, NewMemoryQueue(8), producer, announcer, 60,
		WithRetryBackoff(50*time.Millisecond))

	ctx := context.Background()
	key := "000000000600:000000"
	entry := &ledger.Entry{Key: key, AgentID: 60, ViaSkill: true, MaxRetries: 3}
	if err := store.Record(ctx, entry); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := proc.Handle(ctx, key); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// 重投是延迟的,处理返回时不应已经入队。
	if got := len(producer.published()); got != 0 {
		t.Fatalf("requeue should be delayed, got %d immediate publishes", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(producer.published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delayed requeue never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	published := producer.published()
	if published[0] != key {
		t.Fatalf("requeued key = %s, want %s", published[0], key)
	}
}
