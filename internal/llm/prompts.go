package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PlanningSystem 是规划阶段的系统提示词。
const PlanningSystem = `You are an AI agent planner. Break the user's request into concrete tool actions.

RULES:
1. You propose actions; you never execute them.
2. Only use tools from the available tools list.
3. Give every action clear, valid parameters.
4. Set confirmation_level to none, soft or hard.
5. Explain the reasoning for every action.
6. Never propose more than 5 actions.

SAFETY:
- file writes and system commands always need hard confirmation
- web search and fetch are read-only (none); page automation is soft
- prefer safe, reversible actions; when unsure use hard

Return ONLY valid JSON:
{
  "thought_process": "short reasoning",
  "actions": [
    {"tool_name": "name", "parameters": {"key": "value"}, "confirmation_level": "none|soft|hard", "reasoning": "why"}
  ],
  "expected_outcome": "what the user gets",
  "needs_confirmation": false
}`

// ConversationSystem 是对话与结果汇总使用的系统提示词。
const ConversationSystem = `You are a helpful assistant that can use tools on the user's behalf.
Be direct, friendly and concise. Explain what you did and why, mention problems honestly,
and ask for clarification instead of guessing. Never claim a destructive action happened
unless the results say so.`

// ClassificationPrompt 构造意图分类提示词。
func ClassificationPrompt(input, context string) string {
	if strings.TrimSpace(context) == "" {
		context = "No recent conversation"
	}
	return fmt.Sprintf(`Classify the user's intent and extract relevant entities.

User input: %q

Recent context:
%s

Intent types: search, browse, execute, remember, conversation, clarification, unknown.

Return ONLY valid JSON:
{"type": "intent_type", "confidence": 0.0, "entities": {"key": "value"}, "reasoning": "short"}

If the request is truly ambiguous use type "unknown" with low confidence.`, input, context)
}

// PlanContext 是规划提示词需要的上下文摘要。
type PlanContext struct {
	Summary     string
	CurrentTask string
	Preferences map[string]string
}

// PlanningPrompt 构造规划提示词。
func PlanningPrompt(input string, tools []string, ctx PlanContext) string {
	summary := ctx.Summary
	if strings.TrimSpace(summary) == "" {
		summary = "None"
	}
	task := ctx.CurrentTask
	if strings.TrimSpace(task) == "" {
		task = "None"
	}
	return fmt.Sprintf(`User request: %s

Available tools: %s

Context summary:
- Recent conversation: %s
- Current task: %s
- User preferences: %s

Generate a plan to fulfil the request with the available tools. Keep it simple and focused.`,
		input, strings.Join(tools, ", "), summary, task, formatPreferences(ctx.Preferences))
}

// SynthesisPrompt 构造结果汇总提示词。
func SynthesisPrompt(input string, plan, results any) string {
	return fmt.Sprintf(`Write a natural, helpful reply based on the plan and the tool results.

User request: %s

Agent plan:
%s

Tool execution results:
%s

Address the request directly, summarise what was done, present results clearly,
mention any failures and suggest next steps when useful.`, input, indentJSON(plan), indentJSON(results))
}

// ConfirmationPrompt 构造单个动作的确认请求提示词。
func ConfirmationPrompt(tool string, params map[string]any, reasoning string) string {
	return fmt.Sprintf(`Write a confirmation request for the user.

Action to confirm:
Tool: %s
Parameters: %s
Reasoning: %s

Explain what will be done, show the key parameters, warn if it cannot be undone.
Do not ask the yes/no question yourself.`, tool, indentJSON(params), reasoning)
}

func indentJSON(v any) string {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

func formatPreferences(prefs map[string]string) string {
	if len(prefs) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+prefs[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
