package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "agent-core/internal/errors"
)

// MemoryStore 把任务保存在进程内，单机部署与测试使用。返回值均为副本。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// MemoryStoreOption 配置 MemoryStore。
type MemoryStoreOption func(*MemoryStore)

// WithStoreClock 替换时间源，测试用。
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// Claim 在写锁内完成状态检查与 running 转换。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	var claimed *Task
	err := m.update(id, func(task *Task) error {
		switch {
		case task.Status == StatusSucceeded:
			claimed = cloneTask(task)
			return ErrTaskCompleted
		case task.Status == StatusRunning:
			claimed = cloneTask(task)
			return ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			claimed = cloneTask(task)
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		task.LastError, task.ErrorCode = "", ""
		claimed = cloneTask(task)
		return nil
	})
	return claimed, err
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result TurnResult) error {
	return m.update(id, func(task *Task) error {
		task.Status = StatusSucceeded
		task.Result = cloneResult(&result)
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return m.update(id, func(task *Task) error {
		task.Status = StatusFailed
		task.LastError = lastError
		task.ErrorCode = string(code)
		if terminal {
			task.Attempts = max(task.Attempts, task.MaxRetries)
		}
		return nil
	})
}

// update 在写锁内修改任务；fn 返回错误时仍保留其修改，但不刷新 UpdatedAt。
func (m *MemoryStore) update(id string, fn func(*Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return err
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	matched := m.selectTasks(opts)

	slices.SortFunc(matched, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(b.UpdatedAt, a.UpdatedAt),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
			strings.Compare(b.ID, a.ID),
		)
		if opts.Order == SortByUpdatedAsc {
			return -c
		}
		return c
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	return matched[:min(len(matched), opts.Limit)], nil
}

// Stats 忽略分页参数，统计全部匹配的任务。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	var stats TaskStats
	for _, task := range m.selectTasks(opts) {
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		stats.NewestUpdatedAt = max(stats.NewestUpdatedAt, task.UpdatedAt)
		if stats.OldestUpdatedAt == 0 || task.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) selectTasks(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// matches 与 MySQL 存储的 WHERE 子句保持同样的语义。
func (opts ListOptions) matches(task *Task) bool {
	switch {
	case len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, task.Status):
		return false
	case opts.SessionID != "" && task.SessionID != opts.SessionID:
		return false
	case opts.UserID != "" && task.UserID != opts.UserID:
		return false
	case opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE:
		return false
	case opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE:
		return false
	case opts.HasResult != nil && (task.Result != nil) != *opts.HasResult:
		return false
	case opts.Query != "" && !queryMatches(task, strings.ToLower(opts.Query)):
		return false
	}
	return true
}

func queryMatches(task *Task, query string) bool {
	fields := []string{task.ID, task.SessionID, task.UserID, task.Input, task.LastError}
	if task.Result != nil {
		fields = append(fields, task.Result.Response)
	}
	return slices.ContainsFunc(fields, func(field string) bool {
		return strings.Contains(strings.ToLower(field), query)
	})
}

var _ Store = (*MemoryStore)(nil)
