package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore 是带过期时间的计数器存储，所有方法必须并发安全。
type CounterStore interface {
	// Acquire 在窗口内尝试占用一次配额：键不存在时以 1 初始化并设置 TTL=window，
	// 计数已达到 limit 时拒绝且不递增，否则递增。
	Acquire(ctx context.Context, key string, limit int, window time.Duration) (count int64, allowed bool, err error)
	// Count 返回当前窗口的计数，键不存在时返回 0。
	Count(ctx context.Context, key string) (int64, error)
	// Delete 清除计数。
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore 在进程内实现 CounterStore，适用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*MemoryStore)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建内存计数器。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Acquire 实现 CounterStore。
func (m *MemoryStore) Acquire(_ context.Context, key string, limit int, window time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		m.entries[key] = &memoryEntry{count: 1, expiresAt: now.Add(window)}
		return 1, true, nil
	}
	if entry.count >= int64(limit) {
		return entry.count, false, nil
	}
	entry.count++
	return entry.count, true, nil
}

// Count 实现 CounterStore。
func (m *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !m.now().Before(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

// Delete 实现 CounterStore。
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Purge 删除已过期的计数，返回删除数量。
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ CounterStore = (*MemoryStore)(nil)
