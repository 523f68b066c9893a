package task

import (
	"context"

	xerrors "agent-core/internal/errors"
)

// OutcomeDegraded 标记由补偿策略生成的结果。
const OutcomeDegraded = "degraded"

// RecoveryHandler 在任务终止失败时给出降级结果；返回 nil 结果表示不降级，任务按失败落库。
type RecoveryHandler interface {
	Recover(ctx context.Context, task *Task, cause error) (*TurnResult, error)
}

// RecoveryFunc 把普通函数适配为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, task *Task, cause error) (*TurnResult, error)

func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (*TurnResult, error) {
	return f(ctx, task, cause)
}

// ApologyRecovery 用固定的致歉回复结束执行失败的轮次，让轮询方拿到确定终态。
// 输入校验失败不降级，调用方需要看到原始错误。
func ApologyRecovery(message string) RecoveryHandler {
	if message == "" {
		message = "I encountered an error processing your request."
	}
	return RecoveryFunc(func(_ context.Context, _ *Task, cause error) (*TurnResult, error) {
		if xerrors.CodeOf(cause) == CodeTaskValidation {
			return nil, nil
		}
		return &TurnResult{Response: message, Outcome: OutcomeDegraded, Error: cause.Error()}, nil
	})
}
