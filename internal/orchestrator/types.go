package orchestrator

import (
	"strings"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
)

// TurnRequest 是一次对话轮次的输入。
type TurnRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Input     string         `json:"user_input"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate 检查必填字段。
func (r TurnRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "session_id is required")
	case strings.TrimSpace(r.UserID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "user_id is required")
	case strings.TrimSpace(r.Input) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "user_input is required")
	}
	return nil
}

// ConfirmRequest 显式确认或拒绝挂起的计划。
type ConfirmRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Confirmed bool   `json:"confirmed"`
}

// Validate 检查必填字段。
func (r ConfirmRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session_id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "user_id is required")
	}
	return nil
}

// ClassifyRequest 仅做意图分类。
type ClassifyRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"user_input"`
}

// PlanRequest 仅生成计划，不校验也不执行。Intent 为空时先分类。
type PlanRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Input     string        `json:"user_input"`
	Intent    *agent.Intent `json:"intent,omitempty"`
}

// ValidateRequest 校验单个动作。
type ValidateRequest struct {
	UserID string           `json:"user_id"`
	Action agent.ToolAction `json:"action"`
}

// ValidateResponse 返回校验结论与（可能被提升确认级别的）动作。
type ValidateResponse struct {
	Valid  bool             `json:"valid"`
	Reason string           `json:"reason,omitempty"`
	Action agent.ToolAction `json:"action"`
}

// TurnResponse 是 ProcessTurn 与 Confirm 在所有路径上的统一返回。
type TurnResponse struct {
	SessionID         string                   `json:"session_id"`
	Success           bool                     `json:"success"`
	Response          string                   `json:"response"`
	Error             string                   `json:"error,omitempty"`
	Plan              *agent.Plan              `json:"plan,omitempty"`
	ActionResults     []agent.ToolActionResult `json:"action_results"`
	NeedsConfirmation bool                     `json:"needs_confirmation"`
	Intent            *agent.Intent            `json:"intent,omitempty"`
	Outcome           string                   `json:"outcome"` // 本轮结果分类，供指标与异步任务重试判断
}
