package publisher

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 实现滑动窗口限流,默认窗口为一小时。
type RateLimiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	stamps   []time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter 创建限流器。capacity <= 0 表示不限流。
func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{
		capacity: capacity,
		window:   window,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Wait 阻塞直到获得一个发送配额或上下文取消。
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.capacity <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := r.now()
		r.prune(now)
		if len(r.stamps) < r.capacity {
			r.stamps = append(r.stamps, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.stamps[0].Add(r.window).Sub(now)
		r.mu.Unlock()
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(r.stamps) && !r.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[idx:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
