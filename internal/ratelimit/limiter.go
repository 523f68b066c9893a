package ratelimit

import (
	"context"
	"log/slog"
	"time"

	xerrors "agent-core/internal/errors"
	"agent-core/internal/policy"
	"agent-core/pkg/logger"
)

// CodeStoreUnavailable 表示计数器存储不可用。
const CodeStoreUnavailable xerrors.Code = "RATE_STORE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeStoreUnavailable, xerrors.Attributes{
		Message:   "rate limit store unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

const defaultStoreTimeout = 500 * time.Millisecond

// Decision 是一次限流判断的结果。
type Decision struct {
	Allowed bool
	Count   int64
	Limit   policy.RateLimit
	// Degraded 表示计数器存储不可用，结果由 fail-open/fail-closed 策略决定。
	Degraded bool
}

// Limiter 按 (用户, 工具) 维度执行固定窗口限流。
type Limiter struct {
	store    CounterStore
	failOpen bool
	timeout  time.Duration
	logger   *slog.Logger
}

// Option 定义 Limiter 的可选配置。
type Option func(*Limiter)

// WithFailOpen 设置计数器不可用时是否放行，默认放行。
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// WithStoreTimeout 设置单次访问计数器的超时时间。
func WithStoreTimeout(timeout time.Duration) Option {
	return func(l *Limiter) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.logger = log
		}
	}
}

// New 创建 Limiter。
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		failOpen: true,
		timeout:  defaultStoreTimeout,
		logger:   logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Key 返回计数器使用的键。
func Key(userID string, tool policy.ToolName) string {
	return "rate_limit:" + userID + ":" + string(tool)
}

// FailOpen 返回当前的降级策略。
func (l *Limiter) FailOpen() bool { return l.failOpen }

// Allow 判断用户对工具的调用是否在配额内。
func (l *Limiter) Allow(ctx context.Context, userID string, tool policy.ToolName, limit policy.RateLimit) Decision {
	decision := Decision{Limit: limit}
	if l == nil || l.store == nil || limit.Count <= 0 {
		decision.Allowed = true
		return decision
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, allowed, err := l.store.Acquire(storeCtx, Key(userID, tool), limit.Count, limit.Period)
	if err != nil {
		wrapped := xerrors.Wrap(CodeStoreUnavailable, err, "限流计数器不可用")
		l.logger.Warn("限流计数器不可用",
			slog.Any("error", wrapped),
			slog.String("user_id", userID),
			slog.String("tool", string(tool)),
			slog.Bool("fail_open", l.failOpen))
		decision.Degraded = true
		decision.Allowed = l.failOpen
		return decision
	}
	decision.Count = count
	decision.Allowed = allowed
	return decision
}

// Remaining 返回当前窗口剩余的调用次数。
func (l *Limiter) Remaining(ctx context.Context, userID string, tool policy.ToolName, limit policy.RateLimit) (int, error) {
	if l == nil || l.store == nil || limit.Count <= 0 {
		return limit.Count, nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.store.Count(storeCtx, Key(userID, tool))
	if err != nil {
		return 0, xerrors.Wrap(CodeStoreUnavailable, err, "读取限流计数失败")
	}
	remaining := limit.Count - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset 清除用户对工具的计数。
func (l *Limiter) Reset(ctx context.Context, userID string, tool policy.ToolName) error {
	if l == nil || l.store == nil {
		return nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Delete(storeCtx, Key(userID, tool)); err != nil {
		return xerrors.Wrap(CodeStoreUnavailable, err, "重置限流计数失败")
	}
	return nil
}

// Close 释放底层存储。
func (l *Limiter) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Close()
}
