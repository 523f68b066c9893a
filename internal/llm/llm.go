package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	xerrors "agent-core/internal/errors"
)

const (
	// CodeFailure 表示大模型调用失败（重试耗尽或不可重试的错误）。
	CodeFailure xerrors.Code = "LLM_FAILURE"
	// CodeInvalidJSON 表示 JSON 模式下大模型返回的文本无法解析。
	CodeInvalidJSON xerrors.Code = "LLM_INVALID_JSON"
)

func init() {
	xerrors.Register(CodeFailure, xerrors.Attributes{
		Message:   "language model call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidJSON, xerrors.Attributes{
		Message:   "language model returned malformed json",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.RegisterHTTPStatus(CodeFailure, http.StatusBadGateway)
	xerrors.RegisterHTTPStatus(CodeInvalidJSON, http.StatusBadGateway)
}

// Request 描述一次文本生成调用。
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float32
	// JSONMode 要求返回文本必须是合法 JSON，否则调用失败且不重试。
	JSONMode bool
}

// Generator 是生成式模型的统一接口。
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc 将普通函数适配为 Generator。
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate 实现 Generator。
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StripFences 去掉模型常见的 ```json 代码块包裹。
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// DecodeJSON 将模型输出解析到 v，失败时返回 CodeInvalidJSON 错误。
func DecodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(StripFences(text)), v); err != nil {
		return xerrors.Wrap(CodeInvalidJSON, err, "大模型未返回合法 JSON")
	}
	return nil
}

// ValidJSON 判断文本是否为合法 JSON。
func ValidJSON(text string) bool {
	return json.Valid([]byte(StripFences(text)))
}
