package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"TrustClaw/internal/ledger"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/trust"
)

type captureDelivery struct {
	mu   sync.Mutex
	sent []Announcement
	err  error
}

func (d *captureDelivery) Name() string { return "capture" }

func (d *captureDelivery) Send(_ context.Context, announcement Announcement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, announcement)
	return nil
}

func (d *captureDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func acceptedEvent(agentID uint64, block uint64) registry.RegistrationEvent {
	return registry.RegistrationEvent{
		AgentID:  agentID,
		Owner:    "0x1234567890abcdef1234567890abcdef12345678",
		Key:      registry.EventKey{BlockHeight: block, LogIndex: 0},
		ViaSkill: true,
	}
}

func sampleRecord(agentID uint64) trust.Record {
	return trust.Record{
		AgentID:       agentID,
		FeedbackCount: 15,
		Average:       86,
		Scores:        map[string]int{"quality": 88, "safety": 84},
	}
}

func TestAnnouncerPublishesOncePerAgent(t *testing.T) {
	store := ledger.NewMemoryStore()
	delivery := &captureDelivery{}
	announcer := NewAnnouncer(store, delivery)
	ctx := context.Background()

	if err := announcer.Publish(ctx, acceptedEvent(7, 100), sampleRecord(7)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if delivery.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivery.count())
	}

	// 同一代理的重放事件必须是无操作的成功。
	if err := announcer.Publish(ctx, acceptedEvent(7, 105), sampleRecord(7)); err != nil {
		t.Fatalf("replay publish: %v", err)
	}
	if delivery.count() != 1 {
		t.Fatalf("replay must not deliver again, got %d deliveries", delivery.count())
	}

	announced, err := store.Announced(ctx, 7)
	if err != nil {
		t.Fatalf("announced: %v", err)
	}
	if !announced {
		t.Fatal("agent should be marked announced")
	}
}

func TestAnnouncerDeliveryFailureLeavesAgentUnannounced(t *testing.T) {
	store := ledger.NewMemoryStore()
	delivery := &captureDelivery{err: context.DeadlineExceeded}
	announcer := NewAnnouncer(store, delivery)
	ctx := context.Background()

	if err := announcer.Publish(ctx, acceptedEvent(9, 200), sampleRecord(9)); err == nil {
		t.Fatal("expected delivery failure to propagate")
	}

	announced, err := store.Announced(ctx, 9)
	if err != nil {
		t.Fatalf("announced: %v", err)
	}
	if announced {
		t.Fatal("failed delivery must not mark the agent announced")
	}

	// 故障恢复后重试可以成功。
	delivery.err = nil
	if err := announcer.Publish(ctx, acceptedEvent(9, 200), sampleRecord(9)); err != nil {
		t.Fatalf("retry publish: %v", err)
	}
	if delivery.count() != 1 {
		t.Fatalf("expected exactly 1 successful delivery, got %d", delivery.count())
	}
}

func TestAnnouncerDryRunSkipsDelivery(t *testing.T) {
	store := ledger.NewMemoryStore()
	delivery := &captureDelivery{}
	announcer := NewAnnouncer(store, delivery, WithDryRun(true))
	ctx := context.Background()

	if err := announcer.Publish(ctx, acceptedEvent(3, 50), sampleRecord(3)); err != nil {
		t.Fatalf("dry-run publish: %v", err)
	}
	if delivery.count() != 0 {
		t.Fatalf("dry-run must not deliver, got %d", delivery.count())
	}
	announced, _ := store.Announced(ctx, 3)
	if !announced {
		t.Fatal("dry-run still claims the announcement slot")
	}
}

func TestRateLimiterBlocksOverCapacity(t *testing.T) {
	limiter := NewRateLimiter(2, time.Hour)
	base := time.Unix(1_700_000_000, 0)
	current := base
	limiter.now = func() time.Time { return current }

	var slept time.Duration
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		current = current.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if slept != 0 {
		t.Fatalf("first two waits should not sleep, slept %s", slept)
	}

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("third wait: %v", err)
	}
	if slept != time.Hour {
		t.Fatalf("third wait should sleep out the window, slept %s", slept)
	}
}

func TestRateLimiterCancelledContext(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	ctx := context.Background()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(cancelled); err == nil {
		t.Fatal("expected cancelled context to abort the wait")
	}
}
