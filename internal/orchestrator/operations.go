package orchestrator

import (
	"context"
	"strings"

	"agent-core/internal/agent"
	"agent-core/internal/conversation"
	xerrors "agent-core/internal/errors"
	"agent-core/internal/intent"
	"agent-core/internal/llm"
	"agent-core/internal/policy"
	"agent-core/internal/storage/mysql"
)

// Classify 仅做意图分类；提供 session_id 时使用该会话的对话摘要。
func (o *Orchestrator) Classify(ctx context.Context, req ClassifyRequest) (intent.Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return intent.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "user_input is required")
	}
	summary := ""
	if req.SessionID != "" {
		summary = o.sessions.Summary(req.SessionID)
	}
	return o.classifier.Classify(ctx, req.Input, summary), nil
}

// Plan 仅生成计划，不做校验与执行。
func (o *Orchestrator) Plan(ctx context.Context, req PlanRequest) (*agent.Plan, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_input is required")
	}
	pctx := llm.PlanContext{}
	if req.SessionID != "" {
		convCtx := o.sessions.GetContext(req.SessionID, 0)
		pctx = llm.PlanContext{
			Summary:     o.sessions.Summary(req.SessionID),
			CurrentTask: convCtx.CurrentTask,
			Preferences: convCtx.Preferences,
		}
	}
	var in agent.Intent
	if req.Intent != nil {
		in = *req.Intent
	} else {
		in = o.classifier.Classify(ctx, req.Input, pctx.Summary).Intent
	}
	return o.planner.CreatePlan(ctx, req.Input, in, pctx), nil
}

// ValidateAction 校验单个动作并返回提升确认级别后的副本。
func (o *Orchestrator) ValidateAction(ctx context.Context, req ValidateRequest) (ValidateResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return ValidateResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "user_id is required")
	}
	action := req.Action.Clone()
	action.Tool = policy.ParseToolName(string(action.Tool))
	if action.Confirmation != "" {
		action.Confirmation = policy.ParseConfirmationLevel(string(action.Confirmation))
	}
	valid, reason := o.validator.Validate(ctx, &action, req.UserID)
	return ValidateResponse{Valid: valid, Reason: reason, Action: action}, nil
}

// Conversation 返回会话的完整快照。
func (o *Orchestrator) Conversation(sessionID string) (*conversation.Session, error) {
	session, ok := o.sessions.Snapshot(sessionID)
	if !ok {
		return nil, xerrors.New(conversation.CodeSessionNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
	}
	return session, nil
}

// DeleteConversation 结束会话；会等待进行中的轮次。
func (o *Orchestrator) DeleteConversation(ctx context.Context, sessionID string) error {
	lockCtx, cancel := context.WithTimeout(ctx, o.lockTimeout)
	defer cancel()
	return o.sessions.End(lockCtx, sessionID)
}

// History 返回会话的归档记录，未配置归档时返回空列表。
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]mysql.TranscriptRecord, error) {
	if o.transcripts == nil {
		return []mysql.TranscriptRecord{}, nil
	}
	records, err := o.transcripts.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话归档失败")
	}
	if records == nil {
		records = []mysql.TranscriptRecord{}
	}
	return records, nil
}

// Tools 返回工具目录中的全部策略。
func (o *Orchestrator) Tools() []*policy.ToolPolicy {
	catalog := o.validator.Catalog()
	names := catalog.Names()
	out := make([]*policy.ToolPolicy, 0, len(names))
	for _, name := range names {
		if p, ok := catalog.Tool(name); ok {
			out = append(out, p)
		}
	}
	return out
}

// Stats 返回会话统计。
func (o *Orchestrator) Stats() conversation.Stats {
	return o.sessions.Stats()
}
