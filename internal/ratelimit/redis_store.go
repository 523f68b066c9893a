package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript 保证 GET/SET/INCR 在一次往返内原子完成。
var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return {1, 1}
end
current = tonumber(current)
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
return {redis.call('INCR', KEYS[1]), 1}
`)

// RedisConfig 描述 Redis 计数器的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisStore 使用 Redis 实现跨实例共享的 CounterStore。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 创建 Redis 计数器并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端。
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire 实现 CounterStore。
func (s *RedisStore) Acquire(ctx context.Context, key string, limit int, window time.Duration) (int64, bool, error) {
	values, err := acquireScript.Run(ctx, s.client, []string{key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("Redis 计数失败: %w", err)
	}
	if len(values) != 2 {
		return 0, false, fmt.Errorf("Redis 计数返回异常: %v", values)
	}
	return values[0], values[1] == 1, nil
}

// Count 实现 CounterStore。
func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Redis 读取计数失败: %w", err)
	}
	return count, nil
}

// Delete 实现 CounterStore。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("Redis 删除计数失败: %w", err)
	}
	return nil
}

// Ping 检查 Redis 是否可用，供健康检查使用。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ CounterStore = (*RedisStore)(nil)
