package validator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"agent-core/internal/agent"
	"agent-core/internal/observability/metrics"
	"agent-core/internal/policy"
	"agent-core/internal/ratelimit"
	"agent-core/pkg/logger"
)

// Stage 标识校验流水线中的阶段。
type Stage string

const (
	StageTool       Stage = "tool"
	StageParameters Stage = "parameters"
	StageRateLimit  Stage = "rate_limit"
	StagePolicy     Stage = "policy"
)

// sensitiveParams 是需要经过 allow/block 规则检查的参数。
var sensitiveParams = []string{"path", "url", "command", "selector"}

// Rejection 描述一次校验失败。
type Rejection struct {
	Tool   policy.ToolName `json:"tool_name"`
	Stage  Stage           `json:"stage"`
	Reason string          `json:"reason"`
}

// String 以 "tool: reason" 形式输出。
func (r Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Tool, r.Reason)
}

// Validator 依据工具目录与限流器校验动作。
type Validator struct {
	catalog      *policy.Catalog
	limiter      *ratelimit.Limiter
	limits       map[policy.ToolName]policy.RateLimit
	defaultLimit policy.RateLimit
	match        matcher
	logger       *slog.Logger
}

// Option 定义 Validator 的可选配置。
type Option func(*validatorOptions)

type validatorOptions struct {
	defaultLimit string
	home         string
	cwd          string
}

// WithDefaultRateLimit 为未配置 rate_limit 的工具设置默认限流，例如 "20/minute"。
func WithDefaultRateLimit(raw string) Option {
	return func(o *validatorOptions) {
		o.defaultLimit = raw
	}
}

// WithPathBase 指定展开 ~ 与解析相对路径时使用的目录。
func WithPathBase(home, cwd string) Option {
	return func(o *validatorOptions) {
		o.home = home
		o.cwd = cwd
	}
}

// New 创建 Validator。limiter 为空时不做限流。
func New(catalog *policy.Catalog, limiter *ratelimit.Limiter, opts ...Option) *Validator {
	var options validatorOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	v := &Validator{
		catalog: catalog,
		limiter: limiter,
		limits:  make(map[policy.ToolName]policy.RateLimit),
		match:   newMatcher(options.home, options.cwd),
		logger:  logger.Named("validator"),
	}
	if options.defaultLimit != "" {
		limit, err := policy.ParseRateLimit(options.defaultLimit)
		if err != nil {
			v.logger.Warn("默认限流配置无效，忽略", slog.String("rate_limit", options.defaultLimit), slog.Any("error", err))
		} else {
			v.defaultLimit = limit
		}
	}
	for _, name := range catalog.Names() {
		tool, _ := catalog.Tool(name)
		if tool.RateLimit == "" {
			continue
		}
		// 非法配置已在加载目录时告警，这里按不限流处理。
		if limit, err := policy.ParseRateLimit(tool.RateLimit); err == nil {
			v.limits[name] = limit
		}
	}
	return v
}

// Catalog 返回校验使用的工具目录。
func (v *Validator) Catalog() *policy.Catalog { return v.catalog }

// Validate 校验单个动作。通过时动作的确认级别可能被提升到策略要求的最低级别。
func (v *Validator) Validate(ctx context.Context, action *agent.ToolAction, userID string) (bool, string) {
	if rejection := v.Check(ctx, action, userID); rejection != nil {
		return false, rejection.Reason
	}
	return true, ""
}

// ValidatePlan 校验计划中的全部动作并返回所有失败原因。
func (v *Validator) ValidatePlan(ctx context.Context, plan *agent.Plan, userID string) []Rejection {
	if plan == nil {
		return nil
	}
	var rejections []Rejection
	for i := range plan.Actions {
		if rejection := v.Check(ctx, &plan.Actions[i], userID); rejection != nil {
			rejections = append(rejections, *rejection)
		}
	}
	return rejections
}

// Check 执行校验流水线，首个失败的阶段即返回。
func (v *Validator) Check(ctx context.Context, action *agent.ToolAction, userID string) *Rejection {
	if action == nil {
		return &Rejection{Tool: policy.ToolUnknown, Stage: StageTool, Reason: "Action is required"}
	}

	rejection := v.check(ctx, action, userID)
	if rejection != nil {
		metrics.ObserveValidationRejection(string(rejection.Tool), string(rejection.Stage))
		logger.Audit().Warn("动作校验未通过",
			slog.String("user_id", userID),
			slog.String("tool", string(rejection.Tool)),
			slog.String("stage", string(rejection.Stage)),
			slog.String("reason", rejection.Reason))
	}
	return rejection
}

func (v *Validator) check(ctx context.Context, action *agent.ToolAction, userID string) *Rejection {
	reject := func(stage Stage, format string, args ...any) *Rejection {
		return &Rejection{Tool: action.Tool, Stage: stage, Reason: fmt.Sprintf(format, args...)}
	}

	// 1. 工具存在且已启用。
	tool, ok := v.catalog.Tool(action.Tool)
	if !ok {
		return reject(StageTool, "Tool '%s' not found in configuration", action.Tool)
	}
	if !tool.Enabled {
		return reject(StageTool, "Tool '%s' is disabled", action.Tool)
	}

	// 2. 参数校验。
	if reason := validateParameters(tool, action.Parameters); reason != "" {
		return reject(StageParameters, "%s", reason)
	}

	// 3. 限流。
	if limit, limited := v.rateLimit(tool.Name); limited && v.limiter != nil {
		decision := v.limiter.Allow(ctx, userID, tool.Name, limit)
		if !decision.Allowed {
			if decision.Degraded {
				return reject(StageRateLimit, "Rate limit store unavailable for '%s'", action.Tool)
			}
			return reject(StageRateLimit, "Rate limit exceeded for '%s': %s", action.Tool, limit)
		}
	}

	// 4. 黑白名单，黑名单优先。
	for _, name := range sensitiveParams {
		raw, present := action.Parameters[name]
		if !present || raw == nil {
			continue
		}
		value := fmt.Sprint(raw)
		if v.blocked(name, value, tool.Blocklist[name]) {
			return reject(StagePolicy, "Parameter '%s' value is blocked: %s", name, value)
		}
		if allow := tool.Allowlist[name]; len(allow) > 0 && !v.allowed(name, value, allow) {
			return reject(StagePolicy, "Parameter '%s' value not in allowlist: %s", name, value)
		}
	}

	// 5. 确认级别只升不降。
	if action.Confirmation == "" {
		action.Confirmation = policy.ConfirmNone
	} else {
		action.Confirmation = policy.ParseConfirmationLevel(string(action.Confirmation))
	}
	if action.Confirmation.Less(tool.Confirmation) {
		v.logger.Debug("提升动作确认级别",
			slog.String("tool", string(tool.Name)),
			slog.String("from", string(action.Confirmation)),
			slog.String("to", string(tool.Confirmation)))
		action.Confirmation = tool.Confirmation
	}
	return nil
}

// blocked 对命令逐段检查，任一段命中即拒绝。
func (v *Validator) blocked(name, value string, patterns []string) bool {
	switch name {
	case "path":
		return v.match.anyPathMatch(value, patterns)
	case "command":
		for _, head := range commandHeads(value) {
			if v.match.anyMatch(head, patterns) {
				return true
			}
		}
		return false
	default:
		return v.match.anyMatch(value, patterns)
	}
}

// allowed 要求命令的每一段都在白名单内。
func (v *Validator) allowed(name, value string, patterns []string) bool {
	switch name {
	case "path":
		return v.match.anyPathMatch(value, patterns)
	case "command":
		for _, head := range commandHeads(value) {
			if !v.match.anyMatch(head, patterns) {
				return false
			}
		}
		return true
	default:
		return v.match.anyMatch(value, patterns)
	}
}

func (v *Validator) rateLimit(name policy.ToolName) (policy.RateLimit, bool) {
	if limit, ok := v.limits[name]; ok {
		return limit, true
	}
	if v.defaultLimit.Count > 0 {
		return v.defaultLimit, true
	}
	return policy.RateLimit{}, false
}

func validateParameters(tool *policy.ToolPolicy, params map[string]any) string {
	for _, spec := range tool.Parameters {
		value, present := params[spec.Name]
		if !present || value == nil {
			if spec.Required {
				return fmt.Sprintf("Missing required parameter: %s", spec.Name)
			}
			continue
		}
		if reason := validateValue(spec, value); reason != "" {
			return reason
		}
	}
	return ""
}

func validateValue(spec policy.ParameterSpec, value any) string {
	switch spec.Type {
	case policy.TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("Parameter '%s' must be a string", spec.Name)
		}
	case policy.TypeInteger:
		if !isInteger(value) {
			return fmt.Sprintf("Parameter '%s' must be an integer", spec.Name)
		}
	case policy.TypeNumber:
		if _, ok := toFloat(value); !ok {
			return fmt.Sprintf("Parameter '%s' must be a number", spec.Name)
		}
	case policy.TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("Parameter '%s' must be a boolean", spec.Name)
		}
	}

	if re := spec.Regexp(); re != nil {
		if s, ok := value.(string); ok {
			if loc := re.FindStringIndex(s); loc == nil || loc[0] != 0 {
				return fmt.Sprintf("Parameter '%s' does not match pattern: %s", spec.Name, spec.Pattern)
			}
		}
	}

	if len(spec.Enum) > 0 {
		allowed := make([]string, len(spec.Enum))
		found := false
		for i, candidate := range spec.Enum {
			allowed[i] = fmt.Sprint(candidate)
			if allowed[i] == fmt.Sprint(value) {
				found = true
			}
		}
		if !found {
			return fmt.Sprintf("Parameter '%s' must be one of: %s", spec.Name, strings.Join(allowed, ", "))
		}
	}

	if spec.Type == policy.TypeInteger || spec.Type == policy.TypeNumber {
		number, _ := toFloat(value)
		if spec.Min != nil && number < *spec.Min {
			return fmt.Sprintf("Parameter '%s' must be >= %v", spec.Name, *spec.Min)
		}
		if spec.Max != nil && number > *spec.Max {
			return fmt.Sprintf("Parameter '%s' must be <= %v", spec.Name, *spec.Max)
		}
	}
	return ""
}

func isInteger(value any) bool {
	switch typed := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return float64(typed) == math.Trunc(float64(typed))
	case float64:
		// JSON 数字统一解码为 float64，整数值视为 integer。
		return typed == math.Trunc(typed) && !math.IsInf(typed, 0)
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}
