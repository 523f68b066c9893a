package task

import (
	"context"

	xerrors "agent-core/internal/errors"
)

// Store 持久化轮次任务的状态机。实现必须保证 Claim 的原子性：
// 同一任务同一时刻只有一个 worker 能把它从 pending 置为 running。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 递增 attempts 并置为 running；已成功返回 ErrTaskCompleted，重试耗尽返回 ErrTaskExhausted。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result TurnResult) error
	// MarkFailed 记录失败；terminal 为 true 时任务不再可被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// TaskStats 按状态汇总轮次任务，时间戳为 Unix 秒。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Backlog 返回尚未结束的任务数。
func (s TaskStats) Backlog() int { return s.Pending + s.Running }
