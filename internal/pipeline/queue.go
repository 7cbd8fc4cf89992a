package pipeline

import (
	"context"
)

// Handler 处理来自消息队列的事件键。事件键是 registry.EventKey 的
// 字符串形式,队列中只传键,事件本体从账本取。
type Handler func(ctx context.Context, eventKey string) error

// Producer 负责向队列投递事件键。投递语义是至少一次:
// 重复投递由账本的认领逻辑吸收。
type Producer interface {
	Publish(ctx context.Context, eventKey string) error
	Close() error
}

// Consumer 负责从队列中消费事件键。workerCount 为 1 时保证
// 事件按入队顺序处理。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
