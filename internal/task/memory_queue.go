package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "agent-core/internal/errors"
	"agent-core/pkg/logger"
)

// MemoryQueue 以带缓冲的 channel 承载轮次任务，单进程部署与测试使用。
type MemoryQueue struct {
	mu     sync.RWMutex
	jobs   chan string
	closed bool
}

// NewMemoryQueue 创建内存队列，size 为缓冲容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{jobs: make(chan string, size)}
}

// Publish 投递任务，缓冲区满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(CodeTaskPublish, "内存队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程，处理失败的任务会被放回队尾。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	runWorkers(workerCount, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case taskID, ok := <-q.jobs:
				if !ok {
					return
				}
				if err := handler(ctx, taskID); err != nil {
					q.requeue(ctx, taskID, err)
				}
			}
		}
	})
	return ctx.Err()
}

func (q *MemoryQueue) requeue(ctx context.Context, taskID string, cause error) {
	if !sleepCtx(ctx, consumeRetryDelay) {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- taskID:
	default:
		logger.L().Warn("内存队列已满，丢弃重投任务",
			slog.String("task_id", taskID),
			slog.Any("error", cause))
	}
}

// Depth 返回缓冲区中尚未被领取的任务数。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return len(q.jobs), nil
}

// Close 关闭队列，之后的 Publish 返回错误。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.jobs)
		q.closed = true
	}
	return nil
}
