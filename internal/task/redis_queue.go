package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-core/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list：LPUSH 入队，BRPOP 出队，多个实例可共享同一队列。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并验证连通性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有的客户端，例如与限流器共享连接。
func NewRedisQueueWithClient(client redis.UniversalClient, key string, blockWait time.Duration) *RedisQueue {
	if key == "" {
		key = defaultRedisQueueName
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: blockWait}
}

// Publish 将任务 ID 压入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 每个 worker 独立执行 BRPOP。Redis 暂时不可用时等待后重试，不会退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("task.redis_queue").With(slog.String("queue", q.key))

	runWorkers(workerCount, func() { q.work(ctx, log, handler) })
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, log *slog.Logger, handler Handler) {
	for ctx.Err() == nil {
		taskID, err := q.pop(ctx)
		if errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("Redis 取任务失败，稍后重试", slog.Any("error", err))
			if !sleepCtx(ctx, consumeRetryDelay) {
				return
			}
			continue
		}
		if taskID == "" {
			continue
		}
		if handler(ctx, taskID) == nil {
			continue
		}
		// 放回队列尾部（最后被取出），避免同一任务立即被重复领取。
		if err := q.client.LPush(context.WithoutCancel(ctx), q.key, taskID).Err(); err != nil {
			log.Error("Redis 重投任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		}
	}
}

// pop 阻塞等待一个任务 ID，超时返回空字符串。
func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(values) != 2 {
		return "", nil
	}
	return values[1], nil
}

// Depth 返回队列长度。
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("查询 Redis 队列长度失败: %w", err)
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
