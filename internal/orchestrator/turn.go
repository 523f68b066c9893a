package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"agent-core/internal/agent"
	"agent-core/internal/conversation"
	xerrors "agent-core/internal/errors"
	"agent-core/internal/llm"
	"agent-core/internal/observability/metrics"
	"agent-core/pkg/logger"
)

// 轮次结果分类。
const (
	OutcomeInvalid              = "invalid"
	OutcomeError                = "error"
	OutcomeClarification        = "clarification"
	OutcomeConversation         = "conversation"
	OutcomeEmptyPlan            = "empty_plan"
	OutcomeValidationFailed     = "validation_failed"
	OutcomeAwaitingConfirmation = "awaiting_confirmation"
	OutcomeExecuted             = "executed"
	OutcomeConfirmed            = "confirmed"
	OutcomeDeclined             = "declined"
	OutcomeReprompt             = "reprompt"
	OutcomeNothingPending       = "nothing_pending"
)

// ProcessTurn 处理一次用户输入。任何路径都返回 TurnResponse，内部 panic 会被转换为失败响应。
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (resp *TurnResponse) {
	start := time.Now()
	log := o.logger.With(slog.String("session_id", req.SessionID), slog.String("user_id", req.UserID))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("处理轮次时发生 panic",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			resp = o.failure(req.SessionID, fmt.Errorf("panic: %v", rec))
		}
		metrics.ObserveTurn(resp.Outcome)
		if resp.Outcome != OutcomeInvalid {
			o.archive(req.SessionID, req.UserID, req.Input, resp)
		}
		log.Info("轮次处理完成",
			slog.String("outcome", resp.Outcome),
			slog.Bool("success", resp.Success),
			slog.Duration("elapsed", time.Since(start)))
	}()

	if err := req.Validate(); err != nil {
		return &TurnResponse{
			SessionID: req.SessionID,
			Response:  xerrors.MessageOf(err),
			Error:     err.Error(),
			Outcome:   OutcomeInvalid,
		}
	}

	unlock, err := o.lock(ctx, req.SessionID, req.UserID)
	if err != nil {
		return o.failure(req.SessionID, err)
	}
	defer unlock()

	return o.processLocked(logger.WithContext(ctx, log), req)
}

// Confirm 显式确认或拒绝挂起的计划。
func (o *Orchestrator) Confirm(ctx context.Context, req ConfirmRequest) (resp *TurnResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("处理确认时发生 panic",
				slog.String("session_id", req.SessionID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			resp = &TurnResponse{
				SessionID: req.SessionID,
				Response:  msgConfirmError,
				Error:     fmt.Sprintf("panic: %v", rec),
				Outcome:   OutcomeError,
			}
		}
		metrics.ObserveTurn(resp.Outcome)
	}()

	if err := req.Validate(); err != nil {
		return &TurnResponse{
			SessionID: req.SessionID,
			Response:  xerrors.MessageOf(err),
			Error:     err.Error(),
			Outcome:   OutcomeInvalid,
		}
	}

	unlock, err := o.lock(ctx, req.SessionID, req.UserID)
	if err != nil {
		resp = o.failure(req.SessionID, err)
		resp.Response = msgConfirmError
		return resp
	}
	defer unlock()

	return o.resolve(ctx, req.SessionID, req.UserID, req.Confirmed)
}

func (o *Orchestrator) lock(ctx context.Context, sessionID, userID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, o.lockTimeout)
	defer cancel()
	return o.sessions.Lock(lockCtx, sessionID, userID)
}

func (o *Orchestrator) processLocked(ctx context.Context, req TurnRequest) *TurnResponse {
	o.sessions.AddUserMessage(req.SessionID, req.UserID, req.Input, req.Metadata)

	if pending := o.sessions.GetPendingConfirmation(req.SessionID); pending != nil {
		return o.handleReply(ctx, req, pending)
	}

	convCtx := o.sessions.GetContext(req.SessionID, 0)
	pctx := llm.PlanContext{
		Summary:     o.sessions.Summary(req.SessionID),
		CurrentTask: convCtx.CurrentTask,
		Preferences: convCtx.Preferences,
	}

	classification := o.classifier.Classify(ctx, req.Input, pctx.Summary)
	in := classification.Intent
	logger.FromContext(ctx).Debug("意图分类完成",
		slog.String("intent", string(in.Type)),
		slog.Float64("confidence", in.Confidence),
		slog.Bool("llm_fallback", classification.RequiredLLMFallback))

	switch in.Type {
	case agent.IntentClarification:
		reason := in.Reasoning
		if strings.TrimSpace(reason) == "" {
			reason = "I need more information"
		}
		return o.respond(req, clarificationPrompt(reason), &in, OutcomeClarification)
	case agent.IntentConversation:
		return o.respond(req, cannedReply(req.Input), &in, OutcomeConversation)
	}

	plan := o.planner.CreatePlan(ctx, req.Input, in, pctx)
	if plan.Empty() {
		return o.respond(req, msgNeedDetail, &in, OutcomeEmptyPlan)
	}
	o.sessions.SetCurrentTask(req.SessionID, req.UserID, req.Input)

	if rejections := o.validator.ValidatePlan(ctx, plan, req.UserID); len(rejections) > 0 {
		lines := make([]string, 0, len(rejections))
		for _, r := range rejections {
			lines = append(lines, r.String())
		}
		detail := "Some actions failed validation:\n" + strings.Join(lines, "\n")
		text := errorResponse(detail)
		o.sessions.AddAssistantMessage(req.SessionID, req.UserID, text, nil)
		return &TurnResponse{
			SessionID: req.SessionID,
			Response:  text,
			Error:     detail,
			Plan:      plan,
			Intent:    &in,
			Outcome:   OutcomeValidationFailed,
		}
	}

	if plan.RequiresConfirmation() {
		prompt := o.confirmationPrompt(ctx, plan)
		pending, err := o.sessions.SetPendingConfirmation(req.SessionID, req.UserID, plan)
		if err != nil {
			return o.failure(req.SessionID, err)
		}
		o.sessions.AddAssistantMessage(req.SessionID, req.UserID, prompt, plan)
		logger.Audit().Info("计划等待用户确认",
			slog.String("session_id", req.SessionID),
			slog.String("user_id", req.UserID),
			slog.String("pending_id", pending.ID),
			slog.String("plan", plan.Summary()))
		return &TurnResponse{
			SessionID:         req.SessionID,
			Success:           true,
			Response:          prompt,
			Plan:              plan,
			NeedsConfirmation: true,
			Intent:            &in,
			Outcome:           OutcomeAwaitingConfirmation,
		}
	}

	results := o.execute(ctx, plan, req.SessionID, req.UserID)
	text := o.synthesize(ctx, req.Input, plan, results)
	o.sessions.AddAssistantMessage(req.SessionID, req.UserID, text, plan)
	return &TurnResponse{
		SessionID:     req.SessionID,
		Success:       true,
		Response:      text,
		Plan:          plan,
		ActionResults: results,
		Intent:        &in,
		Outcome:       OutcomeExecuted,
	}
}

// handleReply 解释用户对待确认计划的回复；歧义回复不改变状态。
func (o *Orchestrator) handleReply(ctx context.Context, req TurnRequest, pending *conversation.PendingConfirmation) *TurnResponse {
	switch classifyReply(req.Input) {
	case replyAffirmative:
		return o.resolve(ctx, req.SessionID, req.UserID, true)
	case replyNegative:
		return o.resolve(ctx, req.SessionID, req.UserID, false)
	default:
		return &TurnResponse{
			SessionID:         req.SessionID,
			Success:           true,
			Response:          msgReprompt,
			Plan:              pending.Plan,
			NeedsConfirmation: true,
			Outcome:           OutcomeReprompt,
		}
	}
}

// resolve 消费挂起的计划，调用方必须持有会话锁。
func (o *Orchestrator) resolve(ctx context.Context, sessionID, userID string, confirmed bool) *TurnResponse {
	pending := o.sessions.GetPendingConfirmation(sessionID)
	if pending == nil {
		return &TurnResponse{SessionID: sessionID, Response: msgNothingPending, Outcome: OutcomeNothingPending}
	}
	o.sessions.ClearPendingConfirmation(sessionID)

	if !confirmed {
		logger.Audit().Info("用户拒绝执行计划",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID),
			slog.String("pending_id", pending.ID))
		o.sessions.AddAssistantMessage(sessionID, userID, msgDeclined, nil)
		return &TurnResponse{SessionID: sessionID, Success: true, Response: msgDeclined, Outcome: OutcomeDeclined}
	}

	logger.Audit().Info("用户确认执行计划",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("pending_id", pending.ID),
		slog.String("plan", pending.Plan.Summary()))
	results := o.execute(ctx, pending.Plan, sessionID, userID)
	text := o.synthesize(ctx, confirmedInput, pending.Plan, results)
	o.sessions.AddAssistantMessage(sessionID, userID, text, pending.Plan)
	return &TurnResponse{
		SessionID:     sessionID,
		Success:       true,
		Response:      text,
		Plan:          pending.Plan,
		ActionResults: results,
		Outcome:       OutcomeConfirmed,
	}
}

func (o *Orchestrator) respond(req TurnRequest, text string, in *agent.Intent, outcome string) *TurnResponse {
	o.sessions.AddAssistantMessage(req.SessionID, req.UserID, text, nil)
	return &TurnResponse{
		SessionID: req.SessionID,
		Success:   true,
		Response:  text,
		Intent:    in,
		Outcome:   outcome,
	}
}

func (o *Orchestrator) failure(sessionID string, err error) *TurnResponse {
	o.logger.Error("处理轮次失败",
		slog.String("session_id", sessionID),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	return &TurnResponse{
		SessionID: sessionID,
		Response:  msgGenericError,
		Error:     "Error processing request: " + err.Error(),
		Outcome:   OutcomeError,
	}
}

// execute 依次分发计划中的动作。分发使用与调用方取消解耦的 context，单个失败不影响后续动作。
func (o *Orchestrator) execute(ctx context.Context, plan *agent.Plan, sessionID, userID string) []agent.ToolActionResult {
	dispatchCtx := context.WithoutCancel(ctx)
	results := make([]agent.ToolActionResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		results = append(results, o.dispatch(dispatchCtx, action, sessionID, userID))
	}
	return results
}

func (o *Orchestrator) dispatch(ctx context.Context, action agent.ToolAction, sessionID, userID string) (result agent.ToolActionResult) {
	timeout := o.actionTimeout
	if p, ok := o.validator.Catalog().Tool(action.Tool); ok && p.Timeout > 0 {
		timeout = p.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("工具执行发生 panic",
				slog.String("tool", string(action.Tool)),
				slog.Any("panic", rec))
			result = agent.FailedResult(action.Tool, "%v", rec)
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		metrics.ObserveToolExecution(string(action.Tool), result.Success, result.Duration)
		logger.Audit().Info("工具执行完成",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID),
			slog.String("tool", string(action.Tool)),
			slog.Bool("success", result.Success),
			slog.String("error", result.Error),
			slog.Duration("duration", result.Duration))
	}()

	if o.executor == nil {
		return agent.FailedResult(action.Tool, "No executor configured")
	}
	result = o.executor.Execute(actx, action.Tool, action.Parameters)
	result.Tool = action.Tool
	return result
}
