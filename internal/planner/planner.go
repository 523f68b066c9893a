package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"agent-core/internal/agent"
	"agent-core/internal/llm"
	"agent-core/internal/policy"
	"agent-core/pkg/logger"
)

// DefaultMaxActions 是单个计划允许的最大动作数。
const DefaultMaxActions = 5

// Planner 调用大模型生成执行计划。
type Planner struct {
	generator  llm.Generator
	catalog    *policy.Catalog
	maxActions int
	timeout    time.Duration
	logger     *slog.Logger
}

// Option 定义 Planner 的可选配置。
type Option func(*Planner)

// WithMaxActions 设置计划动作上限。
func WithMaxActions(limit int) Option {
	return func(p *Planner) {
		if limit > 0 {
			p.maxActions = limit
		}
	}
}

// WithTimeout 设置单次规划调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(p *Planner) {
		p.timeout = timeout
	}
}

// New 创建 Planner。
func New(generator llm.Generator, catalog *policy.Catalog, opts ...Option) *Planner {
	p := &Planner{
		generator:  generator,
		catalog:    catalog,
		maxActions: DefaultMaxActions,
		logger:     logger.Named("planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// MaxActions 返回动作上限。
func (p *Planner) MaxActions() int { return p.maxActions }

type rawPlan struct {
	ThoughtProcess    string            `json:"thought_process"`
	Actions           []json.RawMessage `json:"actions"`
	ExpectedOutcome   string            `json:"expected_outcome"`
	NeedsConfirmation bool              `json:"needs_confirmation"`
}

type rawAction struct {
	Tool         string         `json:"tool"`
	ToolName     string         `json:"tool_name"`
	Parameters   map[string]any `json:"parameters"`
	Reasoning    string         `json:"reasoning"`
	Confirmation *string        `json:"confirmation_level"`
}

// CreatePlan 生成计划。任何失败都返回空计划（confidence=0），不会向调用方返回错误。
func (p *Planner) CreatePlan(ctx context.Context, input string, intent agent.Intent, pctx llm.PlanContext) *agent.Plan {
	if p.generator == nil {
		return failedPlan(fmt.Errorf("no language model configured"))
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	text, err := p.generator.Generate(callCtx, llm.Request{
		Prompt:      llm.PlanningPrompt(input, p.toolList(), pctx),
		System:      llm.PlanningSystem,
		MaxTokens:   800,
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil {
		p.logger.Warn("生成计划失败", slog.Any("error", err))
		return failedPlan(err)
	}

	var decoded rawPlan
	if err := llm.DecodeJSON(text, &decoded); err != nil {
		p.logger.Warn("解析计划失败", slog.Any("error", err))
		return failedPlan(err)
	}

	proposed := decoded.Actions
	if len(proposed) > p.maxActions {
		p.logger.Warn("计划动作数超出上限，已截断",
			slog.Int("proposed", len(proposed)),
			slog.Int("max_actions", p.maxActions))
		proposed = proposed[:p.maxActions]
	}

	actions := make([]agent.ToolAction, 0, len(proposed))
	for _, raw := range proposed {
		action, ok := p.parseAction(raw)
		if ok {
			actions = append(actions, action)
		}
	}

	plan := &agent.Plan{
		Actions:         actions,
		ThoughtProcess:  decoded.ThoughtProcess,
		ExpectedOutcome: decoded.ExpectedOutcome,
		Confidence:      Confidence(actions, intent),
	}
	plan.NeedsUserConfirmation = decoded.NeedsConfirmation || plan.RequiresConfirmation()
	return plan
}

// RefinePlan 根据用户反馈重新规划，失败时返回原计划。
func (p *Planner) RefinePlan(ctx context.Context, original *agent.Plan, feedback string, pctx llm.PlanContext) *agent.Plan {
	type refineAction struct {
		Tool       policy.ToolName `json:"tool"`
		Parameters map[string]any  `json:"parameters"`
		Reasoning  string          `json:"reasoning"`
	}
	summary := struct {
		ThoughtProcess  string         `json:"thought_process"`
		Actions         []refineAction `json:"actions"`
		ExpectedOutcome string         `json:"expected_outcome"`
	}{}
	if original != nil {
		summary.ThoughtProcess = original.ThoughtProcess
		summary.ExpectedOutcome = original.ExpectedOutcome
		for _, action := range original.Actions {
			summary.Actions = append(summary.Actions, refineAction{Tool: action.Tool, Parameters: action.Parameters, Reasoning: action.Reasoning})
		}
	}
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return original
	}

	prompt := fmt.Sprintf("Original plan:\n%s\n\nUser feedback: %s\n\nRefine the plan based on the feedback and produce a new, improved plan.", encoded, feedback)
	refined := p.CreatePlan(ctx, prompt, agent.Intent{Type: agent.IntentExecute, Confidence: 0.8}, pctx)
	if refined.Empty() && original != nil {
		p.logger.Warn("重新规划失败，沿用原计划", slog.String("thought_process", refined.ThoughtProcess))
		return original
	}
	return refined
}

// Confidence 按动作数量与破坏性动作比例折减意图置信度。
func Confidence(actions []agent.ToolAction, intent agent.Intent) float64 {
	if len(actions) == 0 {
		return 0
	}
	confidence := intent.Confidence
	if len(actions) > 3 {
		confidence *= 0.9
	}
	if len(actions) > 4 {
		confidence *= 0.85
	}
	hard := 0
	for _, action := range actions {
		if action.Confirmation == policy.ConfirmHard {
			hard++
		}
	}
	if hard > 0 {
		confidence *= math.Max(0.7, 1-float64(hard)*0.1)
	}
	return math.Min(1, math.Max(0, confidence))
}

func (p *Planner) parseAction(raw json.RawMessage) (agent.ToolAction, bool) {
	var decoded rawAction
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.logger.Warn("忽略无法解析的动作", slog.Any("error", err))
		return agent.ToolAction{}, false
	}
	name := decoded.ToolName
	if name == "" {
		name = decoded.Tool
	}
	tool := policy.ParseToolName(name)
	if tool == policy.ToolUnknown {
		p.logger.Warn("忽略未知工具", slog.String("tool", name))
		return agent.ToolAction{}, false
	}

	level := policy.ConfirmSoft
	if decoded.Confirmation != nil {
		level = policy.ParseConfirmationLevel(*decoded.Confirmation)
	}
	params := decoded.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return agent.ToolAction{
		Tool:         tool,
		Parameters:   params,
		Reasoning:    decoded.Reasoning,
		Confirmation: level,
	}, true
}

func (p *Planner) toolList() []string {
	enabled := p.catalog.Enabled()
	out := make([]string, 0, len(enabled))
	for _, tool := range enabled {
		if tool.Description != "" {
			out = append(out, fmt.Sprintf("%s (%s)", tool.Name, tool.Description))
			continue
		}
		out = append(out, string(tool.Name))
	}
	return out
}

func failedPlan(err error) *agent.Plan {
	return &agent.Plan{
		Actions:         []agent.ToolAction{},
		ThoughtProcess:  fmt.Sprintf("Error creating plan: %v", err),
		ExpectedOutcome: "Unable to create plan",
	}
}
