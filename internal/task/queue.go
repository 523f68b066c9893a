package task

import (
	"context"
	"sync"
	"time"
)

// Handler 处理一个轮次任务 ID。返回错误表示本次投递未被处理，队列会把它放回。
type Handler func(ctx context.Context, taskID string) error

// Producer 把轮次任务 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的 worker 消费队列，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能够报告积压数量的队列实现，用于健康检查。
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// QueueStatus 是健康检查中队列部分的快照。
type QueueStatus struct {
	Driver string `json:"driver"`
	Depth  int    `json:"depth"`
	// DepthKnown 为 false 时队列不支持查询积压。
	DepthKnown bool   `json:"depth_known"`
	Error      string `json:"error,omitempty"`
}

const (
	defaultRedisQueueName    = "agentcore:turns"
	defaultRabbitMQQueueName = "agentcore.turns"
	consumeRetryDelay        = time.Second
)

// sleepCtx 等待 d 或 ctx 结束，返回 false 表示 ctx 已结束。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runWorkers 启动 n 个（至少一个）协程执行 work，并等待全部退出。
func runWorkers(n int, work func()) {
	var wg sync.WaitGroup
	for range max(n, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			work()
		}()
	}
	wg.Wait()
}
