package task

import (
	stdErrors "errors"
	"maps"
	"net/http"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TurnResult 保存一次异步轮次的处理结果。
type TurnResult struct {
	Response          string                   `json:"response"`
	Success           bool                     `json:"success"`
	NeedsConfirmation bool                     `json:"needs_confirmation"`
	Outcome           string                   `json:"outcome"`
	Intent            string                   `json:"intent,omitempty"`
	Error             string                   `json:"error,omitempty"`
	ActionResults     []agent.ToolActionResult `json:"action_results,omitempty"`
}

// Task 描述了排队执行的对话轮次，状态经历 pending → running → succeeded/failed。
type Task struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	Input      string         `json:"user_input"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TurnResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeTaskConflict:   {Message: "task conflict", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusConflict},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeTaskCompensate: {Message: "task compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// IsTaskError 判断错误链上是否有指定任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	return err != nil && stdErrors.Is(err, xerrors.New(target, ""))
}

func cloneMetadata(metadata map[string]any) map[string]any {
	return maps.Clone(metadata)
}

func cloneResult(result *TurnResult) *TurnResult {
	if result == nil {
		return nil
	}
	clone := *result
	if result.ActionResults != nil {
		clone.ActionResults = append([]agent.ToolActionResult(nil), result.ActionResults...)
	}
	return &clone
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Result = cloneResult(task.Result)
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
