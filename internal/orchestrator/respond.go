package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"agent-core/internal/agent"
	"agent-core/internal/llm"
)

const (
	msgGenericError   = "I encountered an error processing your request."
	msgConfirmError   = "Error processing confirmation."
	msgNeedDetail     = "I understand your request, but I'm not sure how to proceed. Could you provide more details?"
	msgReprompt       = "I'm not sure if you want to proceed. Please respond with 'yes' to confirm or 'no' to cancel."
	msgNothingPending = "No pending actions to confirm."
	msgDeclined       = "Understood. I've cancelled the pending actions. Is there anything else I can help you with?"
	confirmedInput    = "[Confirmed action]"
)

var (
	affirmativeWords = []string{"yes", "y", "ok", "sure", "proceed", "go ahead", "confirm"}
	negativeWords    = []string{"no", "n", "cancel", "stop", "abort"}

	greetingWords = []string{"hello", "hi", "hey", "good morning", "good afternoon"}
	thanksWords   = []string{"thank", "thanks", "appreciate"}
	goodbyeWords  = []string{"bye", "goodbye", "see you"}
)

type replyKind int

const (
	replyAmbiguous replyKind = iota
	replyAffirmative
	replyNegative
)

// classifyReply 按整词匹配确认关键字。同时包含肯定与否定词的回复视为含糊，
// 重新询问用户而不是执行计划。
func classifyReply(input string) replyKind {
	normalized := normalizeWords(input)
	yes := containsPhrase(normalized, affirmativeWords)
	no := containsPhrase(normalized, negativeWords)
	switch {
	case yes && !no:
		return replyAffirmative
	case no && !yes:
		return replyNegative
	default:
		return replyAmbiguous
	}
}

// normalizeWords 把输入转为以单个空格分隔的小写词序列，首尾带空格。
func normalizeWords(input string) string {
	words := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

func containsPhrase(normalized string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(normalized, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func cannedReply(input string) string {
	normalized := normalizeWords(input)
	switch {
	case containsPhrase(normalized, greetingWords):
		return "Hello! I'm your AI assistant. How can I help you today?"
	case containsPhrase(normalized, thanksWords):
		return "You're welcome! Is there anything else I can help you with?"
	case containsPhrase(normalized, goodbyeWords):
		return "Goodbye! Feel free to reach out anytime you need assistance."
	default:
		return "I'm here to help. What would you like me to do?"
	}
}

func clarificationPrompt(reason string) string {
	return fmt.Sprintf("I'm not entirely sure what you'd like me to do. %s\n\nCould you please clarify your request?", reason)
}

func errorResponse(detail string) string {
	return fmt.Sprintf("I apologize, but I encountered an error while processing your request: %s\n\nCould you please rephrase or provide more details?", detail)
}

// fallbackSummary 在大模型不可用时按成功/失败数量生成回复。
func fallbackSummary(results []agent.ToolActionResult) string {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	failed := len(results) - succeeded
	switch {
	case failed == 0:
		return fmt.Sprintf("I've completed %d action(s) successfully.", succeeded)
	case succeeded == 0:
		return fmt.Sprintf("I encountered errors executing %d action(s). Please try again or rephrase your request.", failed)
	default:
		return fmt.Sprintf("I completed %d action(s) successfully, but %d action(s) failed.", succeeded, failed)
	}
}

func fallbackConfirmation(actions []agent.ToolAction) string {
	lines := make([]string, 0, len(actions))
	for _, action := range actions {
		lines = append(lines, fmt.Sprintf("- %s with parameters: %s", action.Tool, encodeParams(action.Parameters)))
	}
	return "I need your confirmation to proceed with these actions:\n\n" + strings.Join(lines, "\n") + "\n\nDo you want me to proceed? (yes/no)"
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	return string(encoded)
}

// confirmationPrompt 为需要确认的动作生成提示，任一动作生成失败时整体回退到模板。
func (o *Orchestrator) confirmationPrompt(ctx context.Context, plan *agent.Plan) string {
	actions := plan.PendingActions()
	if len(actions) == 0 {
		actions = plan.Actions
	}
	if o.generator == nil {
		return fallbackConfirmation(actions)
	}

	prompts := make([]string, 0, len(actions))
	for _, action := range actions {
		cctx, cancel := context.WithTimeout(ctx, o.synthesisTimeout)
		text, err := o.generator.Generate(cctx, llm.Request{
			Prompt:      llm.ConfirmationPrompt(string(action.Tool), action.Parameters, action.Reasoning),
			System:      llm.ConversationSystem,
			MaxTokens:   200,
			Temperature: 0.5,
		})
		cancel()
		if err != nil || strings.TrimSpace(text) == "" {
			o.logger.Warn("生成确认提示失败，使用模板", slog.String("tool", string(action.Tool)), slog.Any("error", err))
			return fallbackConfirmation(actions)
		}
		prompts = append(prompts, strings.TrimSpace(text))
	}

	if len(prompts) == 1 {
		return prompts[0] + "\n\nDo you want me to proceed? (yes/no)"
	}
	var b strings.Builder
	b.WriteString("I need your confirmation for the following actions:\n\n")
	for i, p := range prompts {
		fmt.Fprintf(&b, "%d. %s\n\n", i+1, p)
	}
	b.WriteString("Do you want me to proceed with all these actions? (yes/no)")
	return b.String()
}

type planView struct {
	ThoughtProcess  string       `json:"thought_process"`
	Actions         []actionView `json:"actions"`
	ExpectedOutcome string       `json:"expected_outcome"`
}

type actionView struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

type resultView struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Error   string `json:"error,omitempty"`
}

// synthesize 用大模型把计划与结果组织成自然语言回复，失败时回退到计数模板。
func (o *Orchestrator) synthesize(ctx context.Context, input string, plan *agent.Plan, results []agent.ToolActionResult) string {
	if o.generator == nil {
		return fallbackSummary(results)
	}

	pv := planView{ThoughtProcess: plan.ThoughtProcess, ExpectedOutcome: plan.ExpectedOutcome}
	for _, action := range plan.Actions {
		pv.Actions = append(pv.Actions, actionView{Tool: string(action.Tool), Parameters: action.Parameters, Reasoning: action.Reasoning})
	}
	rv := make([]resultView, 0, len(results))
	for _, r := range results {
		rv = append(rv, resultView{Tool: string(r.Tool), Success: r.Success, Result: r.Result, Error: r.Error})
	}

	cctx, cancel := context.WithTimeout(ctx, o.synthesisTimeout)
	defer cancel()
	text, err := o.generator.Generate(cctx, llm.Request{
		Prompt:      llm.SynthesisPrompt(input, pv, rv),
		System:      llm.ConversationSystem,
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		o.logger.Warn("结果汇总失败，使用模板回复", slog.Any("error", err))
		return fallbackSummary(results)
	}
	return strings.TrimSpace(text)
}
