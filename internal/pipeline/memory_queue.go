package pipeline

import (
	"context"
	"sync"

	xerrors "TrustClaw/internal/errors"
)

// MemoryQueue 使用带缓冲 channel 实现事件键队列,用于测试和单机
// 部署。channel 天然保持 FIFO,配合单 worker 即可保证事件按
// (区块高度, 日志序号) 顺序处理。
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将事件键投递到队列。队列满时阻塞等待,由调用方的
// 上下文决定何时放弃。
func (q *MemoryQueue) Publish(ctx context.Context, eventKey string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- eventKey:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的事件。处理失败不在
// 队列层重试,事件会留在账本中等待恢复扫描重新投递。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case eventKey, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, eventKey)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
