package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agent-core/internal/agent"
	"agent-core/internal/llm"
	"agent-core/internal/policy"
	"agent-core/pkg/logger"
)

const (
	// DefaultThreshold 是规则置信度低于该值时转交大模型的阈值。
	DefaultThreshold = 0.7
	// ambiguityPenalty 是命中歧义指示时置信度的乘数。
	ambiguityPenalty = 0.7
	// invalidTypeConfidence 是大模型返回未知类型时使用的置信度。
	invalidTypeConfidence = 0.3
	// failureConfidence 是大模型调用失败时使用的置信度。
	failureConfidence = 0.1
)

// Result 是一次分类的完整结果。
type Result struct {
	Intent              agent.Intent `json:"intent"`
	MatchedRules        []string     `json:"matched_rules,omitempty"`
	RequiredLLMFallback bool         `json:"required_llm_fallback"`
}

// Classifier 采用"规则优先、大模型兜底"的方式识别意图。
type Classifier struct {
	rules     *policy.IntentRules
	generator llm.Generator
	threshold float64
	timeout   time.Duration
	logger    *slog.Logger
}

// Option 定义 Classifier 的可选配置。
type Option func(*Classifier)

// WithThreshold 设置转交大模型的置信度阈值。
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithTimeout 设置单次大模型分类的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Classifier) {
		c.timeout = timeout
	}
}

// New 创建分类器。generator 为空时仅使用规则。
func New(rules *policy.IntentRules, generator llm.Generator, opts ...Option) *Classifier {
	c := &Classifier{
		rules:     rules,
		generator: generator,
		threshold: DefaultThreshold,
		logger:    logger.Named("intent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Threshold 返回当前阈值。
func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify 识别意图。contextSummary 是最近对话的文字摘要，可为空。
func (c *Classifier) Classify(ctx context.Context, input, contextSummary string) Result {
	ruleResult, matched := c.MatchRules(input)
	if matched && ruleResult.Intent.Confidence >= c.threshold {
		return ruleResult
	}

	if c.generator == nil {
		if matched {
			return ruleResult
		}
		return Result{
			Intent: agent.Intent{
				Type:       agent.IntentUnknown,
				Confidence: failureConfidence,
				Entities:   map[string]string{},
				Reasoning:  "No rule matched and no language model is configured",
			},
			RequiredLLMFallback: true,
		}
	}

	c.logger.Debug("规则置信度不足，使用大模型分类",
		slog.Float64("rule_confidence", ruleResult.Intent.Confidence),
		slog.Bool("rule_matched", matched))
	return c.classifyWithLLM(ctx, input, contextSummary)
}

// MatchRules 仅使用规则匹配。置信度严格更高者胜出，相同置信度时靠前的规则优先。
func (c *Classifier) MatchRules(input string) (Result, bool) {
	if c.rules == nil || len(c.rules.Intents) == 0 {
		return Result{}, false
	}
	lowered := strings.ToLower(strings.TrimSpace(input))

	var (
		best    Result
		found   bool
		topConf float64
	)
	for _, rule := range c.rules.Intents {
		for i, re := range rule.Compiled() {
			if !re.MatchString(lowered) || rule.Confidence <= topConf {
				continue
			}
			topConf = rule.Confidence
			found = true
			best = Result{
				Intent: agent.Intent{
					Type:       agent.ParseIntentType(rule.Name),
					Confidence: rule.Confidence,
					Entities:   extractEntities(input, rule.Entities),
				},
				MatchedRules: []string{rule.Patterns[i]},
			}
		}
	}
	if !found {
		return Result{}, false
	}

	for _, re := range c.rules.Ambiguity() {
		if re.MatchString(lowered) {
			best.Intent.Confidence *= ambiguityPenalty
			best.RequiredLLMFallback = true
			break
		}
	}
	return best, true
}

// IsAmbiguous 判断结果是否需要向用户澄清。
func (c *Classifier) IsAmbiguous(result Result) bool {
	return result.Intent.Confidence < c.threshold ||
		result.RequiredLLMFallback ||
		result.Intent.Type == agent.IntentClarification
}

type llmClassification struct {
	Type       string         `json:"type"`
	Intent     string         `json:"intent"`
	Confidence *float64       `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reasoning  string         `json:"reasoning"`
}

func (c *Classifier) classifyWithLLM(ctx context.Context, input, contextSummary string) Result {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.generator.Generate(callCtx, llm.Request{
		Prompt:      llm.ClassificationPrompt(input, contextSummary),
		MaxTokens:   150,
		Temperature: 0.2,
		JSONMode:    true,
	})
	var decoded llmClassification
	if err == nil {
		err = llm.DecodeJSON(text, &decoded)
	}
	if err != nil {
		c.logger.Warn("大模型意图分类失败", slog.Any("error", err))
		return Result{
			Intent: agent.Intent{
				Type:       agent.IntentUnknown,
				Confidence: failureConfidence,
				Entities:   map[string]string{},
				Reasoning:  fmt.Sprintf("Classification error: %v", err),
			},
			RequiredLLMFallback: true,
		}
	}

	raw := decoded.Type
	if raw == "" {
		raw = decoded.Intent
	}
	confidence := 0.5
	if decoded.Confidence != nil {
		confidence = clamp(*decoded.Confidence)
	}
	intentType := agent.ParseIntentType(raw)
	if intentType == agent.IntentUnknown && agent.IntentType(strings.ToLower(strings.TrimSpace(raw))) != agent.IntentUnknown {
		confidence = invalidTypeConfidence
	}

	entities := make(map[string]string, len(decoded.Entities))
	for k, v := range decoded.Entities {
		if v == nil {
			continue
		}
		entities[k] = fmt.Sprint(v)
	}
	return Result{
		Intent: agent.Intent{
			Type:       intentType,
			Confidence: confidence,
			Entities:   entities,
			Reasoning:  decoded.Reasoning,
		},
		RequiredLLMFallback: true,
	}
}

func extractEntities(input string, rules []policy.EntityRule) map[string]string {
	entities := make(map[string]string)
	for _, rule := range rules {
		re := rule.Regexp()
		if re == nil {
			continue
		}
		match := re.FindStringSubmatch(input)
		if match == nil {
			continue
		}
		if len(match) > 1 {
			entities[rule.Name] = match[1]
		} else {
			entities[rule.Name] = match[0]
		}
	}
	return entities
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
