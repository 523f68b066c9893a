package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolName 标识一个可被计划调用的工具。
type ToolName string

const (
	ToolWebSearch       ToolName = "web_search"
	ToolWebFetch        ToolName = "web_fetch"
	ToolBrowserNavigate ToolName = "browser_navigate"
	ToolBrowserClick    ToolName = "browser_click"
	ToolBrowserType     ToolName = "browser_type"
	ToolFileRead        ToolName = "file_read"
	ToolFileWrite       ToolName = "file_write"
	ToolFileList        ToolName = "file_list"
	ToolSystemCommand   ToolName = "system_command"
	// ToolUnknown 是无法识别的工具名称的统一落点。
	ToolUnknown ToolName = "unknown"
)

var knownTools = []ToolName{
	ToolWebSearch,
	ToolWebFetch,
	ToolBrowserNavigate,
	ToolBrowserClick,
	ToolBrowserType,
	ToolFileRead,
	ToolFileWrite,
	ToolFileList,
	ToolSystemCommand,
}

// KnownTools 返回全部已知工具名称。
func KnownTools() []ToolName {
	return append([]ToolName(nil), knownTools...)
}

// ParseToolName 将任意字符串映射为工具名称，无法识别时返回 ToolUnknown。
func ParseToolName(raw string) ToolName {
	candidate := ToolName(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range knownTools {
		if candidate == known {
			return known
		}
	}
	return ToolUnknown
}

// Valid 判断工具名称是否属于已知集合。
func (t ToolName) Valid() bool {
	return t != ToolUnknown && ParseToolName(string(t)) == t
}

// ConfirmationLevel 表示执行动作前需要的用户确认程度。
type ConfirmationLevel string

const (
	ConfirmNone ConfirmationLevel = "none"
	ConfirmSoft ConfirmationLevel = "soft"
	ConfirmHard ConfirmationLevel = "hard"
)

// ParseConfirmationLevel 将字符串映射为确认级别，空值或无法识别时返回 soft。
func ParseConfirmationLevel(raw string) ConfirmationLevel {
	switch ConfirmationLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case ConfirmNone:
		return ConfirmNone
	case ConfirmHard:
		return ConfirmHard
	default:
		return ConfirmSoft
	}
}

func (l ConfirmationLevel) rank() int {
	switch l {
	case ConfirmNone:
		return 0
	case ConfirmHard:
		return 2
	default:
		return 1
	}
}

// Less 判断 l 是否低于 other。
func (l ConfirmationLevel) Less(other ConfirmationLevel) bool {
	return l.rank() < other.rank()
}

// RequiresConfirmation 对 soft 与 hard 返回 true。
func (l ConfirmationLevel) RequiresConfirmation() bool {
	return l.rank() > 0
}

// UnmarshalYAML 保证目录中的确认级别总能解析。
func (l *ConfirmationLevel) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*l = ParseConfirmationLevel(raw)
	return nil
}

// ParamType 描述参数的取值类型。
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// ParameterSpec 描述单个工具参数的校验规则。
type ParameterSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Pattern     string    `yaml:"pattern" json:"pattern,omitempty"`
	Enum        []any     `yaml:"enum" json:"enum,omitempty"`
	Min         *float64  `yaml:"min" json:"min,omitempty"`
	Max         *float64  `yaml:"max" json:"max,omitempty"`
	Description string    `yaml:"description" json:"description,omitempty"`

	pattern *regexp.Regexp
}

// Regexp 返回加载时编译好的参数正则。
func (p ParameterSpec) Regexp() *regexp.Regexp {
	return p.pattern
}

// ToolPolicy 是单个工具的静态策略。
type ToolPolicy struct {
	Name         ToolName            `yaml:"-" json:"name"`
	Description  string              `yaml:"description" json:"description"`
	Enabled      bool                `yaml:"enabled" json:"enabled"`
	Parameters   []ParameterSpec     `yaml:"parameters" json:"parameters"`
	Confirmation ConfirmationLevel   `yaml:"confirmation_level" json:"confirmation_level"`
	RateLimit    string              `yaml:"rate_limit" json:"rate_limit,omitempty"`
	Allowlist    map[string][]string `yaml:"allowlist" json:"allowlist,omitempty"`
	Blocklist    map[string][]string `yaml:"blocklist" json:"blocklist,omitempty"`
	Timeout      time.Duration       `yaml:"timeout" json:"timeout,omitempty"`
}

// Parameter 按名称查找参数定义。
func (p *ToolPolicy) Parameter(name string) (ParameterSpec, bool) {
	for _, spec := range p.Parameters {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}

// RateLimit 表示固定窗口内允许的调用次数。
type RateLimit struct {
	Count  int
	Period time.Duration
	raw    string
}

// String 以 "10/minute" 形式返回限流配置。
func (r RateLimit) String() string {
	if r.raw != "" {
		return r.raw
	}
	return fmt.Sprintf("%d/%s", r.Count, r.Period)
}

// ParseRateLimit 解析 "N/second|minute|hour|day" 形式的限流配置。
func ParseRateLimit(raw string) (RateLimit, error) {
	trimmed := strings.TrimSpace(raw)
	countPart, periodPart, ok := strings.Cut(trimmed, "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("限流配置格式错误: %q", raw)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countPart))
	if err != nil || count <= 0 {
		return RateLimit{}, fmt.Errorf("限流次数非法: %q", raw)
	}
	var period time.Duration
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(periodPart)), "s") {
	case "second", "sec":
		period = time.Second
	case "minute", "min":
		period = time.Minute
	case "hour":
		period = time.Hour
	case "day":
		period = 24 * time.Hour
	default:
		return RateLimit{}, fmt.Errorf("限流周期非法: %q", raw)
	}
	return RateLimit{Count: count, Period: period, raw: trimmed}, nil
}
