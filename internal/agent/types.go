package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agent-core/internal/policy"
)

// IntentType 是意图分类的结果类别。
type IntentType string

const (
	IntentSearch        IntentType = "search"
	IntentBrowse        IntentType = "browse"
	IntentExecute       IntentType = "execute"
	IntentRemember      IntentType = "remember"
	IntentConversation  IntentType = "conversation"
	IntentClarification IntentType = "clarification"
	IntentUnknown       IntentType = "unknown"
)

var intentTypes = []IntentType{
	IntentSearch,
	IntentBrowse,
	IntentExecute,
	IntentRemember,
	IntentConversation,
	IntentClarification,
	IntentUnknown,
}

// ParseIntentType 将任意字符串映射为意图类别，无法识别时返回 IntentUnknown。
func ParseIntentType(raw string) IntentType {
	candidate := IntentType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range intentTypes {
		if candidate == known {
			return known
		}
	}
	return IntentUnknown
}

// Valid 判断是否为已知意图（不含 unknown）。
func (t IntentType) Valid() bool {
	return t != IntentUnknown && ParseIntentType(string(t)) == t
}

// Actionable 表示该意图需要进入规划阶段。
func (t IntentType) Actionable() bool {
	return t != IntentConversation && t != IntentClarification
}

// Intent 是一次分类得到的用户意图，生成后不再修改。
type Intent struct {
	Type       IntentType        `json:"type"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// ToolAction 是计划中的单个工具调用。
type ToolAction struct {
	Tool         policy.ToolName          `json:"tool_name"`
	Parameters   map[string]any           `json:"parameters"`
	Reasoning    string                   `json:"reasoning,omitempty"`
	Confirmation policy.ConfirmationLevel `json:"confirmation_level"`
}

// Clone 返回动作的深拷贝，参数中的嵌套值按 JSON 语义复制。
func (a ToolAction) Clone() ToolAction {
	out := a
	out.Parameters = cloneParams(a.Parameters)
	return out
}

// String 以 "tool(k=v, ...)" 的形式描述动作。
func (a ToolAction) String() string {
	if len(a.Parameters) == 0 {
		return string(a.Tool)
	}
	encoded, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Sprintf("%s %v", a.Tool, a.Parameters)
	}
	return fmt.Sprintf("%s %s", a.Tool, encoded)
}

// Plan 是规划器生成的有序动作列表。
type Plan struct {
	Actions               []ToolAction `json:"actions"`
	ThoughtProcess        string       `json:"thought_process"`
	ExpectedOutcome       string       `json:"expected_outcome"`
	Confidence            float64      `json:"confidence"`
	NeedsUserConfirmation bool         `json:"needs_user_confirmation"`
}

// Empty 表示计划不包含任何动作。
func (p *Plan) Empty() bool {
	return p == nil || len(p.Actions) == 0
}

// RequiresConfirmation 在模型要求确认或存在 soft/hard 动作时返回 true。
func (p *Plan) RequiresConfirmation() bool {
	if p == nil {
		return false
	}
	if p.NeedsUserConfirmation {
		return true
	}
	for _, action := range p.Actions {
		if action.Confirmation.RequiresConfirmation() {
			return true
		}
	}
	return false
}

// PendingActions 返回需要用户确认的动作。
func (p *Plan) PendingActions() []ToolAction {
	if p == nil {
		return nil
	}
	var out []ToolAction
	for _, action := range p.Actions {
		if action.Confirmation.RequiresConfirmation() {
			out = append(out, action)
		}
	}
	return out
}

// Summary 返回计划的单行描述。
func (p *Plan) Summary() string {
	if p.Empty() {
		return "Empty plan"
	}
	names := make([]string, 0, len(p.Actions))
	for _, action := range p.Actions {
		names = append(names, string(action.Tool))
	}
	return fmt.Sprintf("Plan with %d action(s): %s", len(p.Actions), strings.Join(names, ", "))
}

// Clone 返回计划的深拷贝，用于挂起确认时保存快照。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Actions = make([]ToolAction, len(p.Actions))
	for i, action := range p.Actions {
		out.Actions[i] = action.Clone()
	}
	return &out
}

// ToolActionResult 是执行边界返回的单个动作结果，生成后不再修改。
type ToolActionResult struct {
	Tool     policy.ToolName `json:"tool_name"`
	Success  bool            `json:"success"`
	Result   any             `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns,omitempty"`
}

// FailedResult 构造失败结果。
func FailedResult(tool policy.ToolName, format string, args ...any) ToolActionResult {
	return ToolActionResult{Tool: tool, Error: fmt.Sprintf(format, args...)}
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneParams(typed)
	case []any:
		cp := make([]any, len(typed))
		for i, item := range typed {
			cp[i] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}
