package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
	"agent-core/internal/policy"
	"agent-core/pkg/logger"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 20
)

// Sink 执行单个工具动作。
type Sink interface {
	Execute(ctx context.Context, tool policy.ToolName, params map[string]any) agent.ToolActionResult
}

// SinkFunc 允许使用函数实现 Sink。
type SinkFunc func(ctx context.Context, tool policy.ToolName, params map[string]any) agent.ToolActionResult

// Execute 实现 Sink。
func (f SinkFunc) Execute(ctx context.Context, tool policy.ToolName, params map[string]any) agent.ToolActionResult {
	return f(ctx, tool, params)
}

// requestBuilder 将工具调用映射为执行服务的路径与请求体。
type requestBuilder func(tool policy.ToolName, params map[string]any) (string, any)

// HTTPSink 通过 HTTP JSON 调用远端执行服务。
type HTTPSink struct {
	name    string
	baseURL string
	client  *http.Client
	build   requestBuilder
	logger  *slog.Logger
}

// Option 定义 HTTPSink 的可选配置。
type Option func(*HTTPSink)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTimeout 设置单次请求的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(s *HTTPSink) {
		if timeout > 0 {
			s.client = &http.Client{Timeout: timeout, Transport: s.client.Transport}
		}
	}
}

func newHTTPSink(name, baseURL string, build requestBuilder, opts ...Option) (*HTTPSink, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 执行服务地址不能为空", name))
	}
	s := &HTTPSink{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		build:   build,
		logger:  logger.Named("executor").With(slog.String("sink", name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// NewWebSink 创建浏览器/网页执行端。
//
// web_search 发送 {query, max_results}，web_fetch 发送 {url, extract_type}，
// browser_* 发送 {action, parameters}。
func NewWebSink(baseURL string, opts ...Option) (*HTTPSink, error) {
	return newHTTPSink("web", baseURL, buildWebRequest, opts...)
}

// NewToolSink 创建文件/系统执行端，请求体为 {tool_name, parameters}。
func NewToolSink(baseURL string, opts ...Option) (*HTTPSink, error) {
	return newHTTPSink("tool", baseURL, buildToolRequest, opts...)
}

func buildWebRequest(tool policy.ToolName, params map[string]any) (string, any) {
	switch tool {
	case policy.ToolWebSearch:
		return "/v1/search", map[string]any{
			"query":       stringParam(params, "query", ""),
			"max_results": intParam(params, "max_results", 5),
		}
	case policy.ToolWebFetch:
		return "/v1/fetch", map[string]any{
			"url":          stringParam(params, "url", ""),
			"extract_type": stringParam(params, "extract_type", "text"),
		}
	default:
		return "/v1/browser", map[string]any{
			"action":     string(tool),
			"parameters": nonNil(params),
		}
	}
}

func buildToolRequest(tool policy.ToolName, params map[string]any) (string, any) {
	return "/v1/execute", map[string]any{
		"tool_name":  string(tool),
		"parameters": nonNil(params),
	}
}

// sinkResponse 兼容执行服务返回的 result/content/results 三种字段。
type sinkResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Content json.RawMessage `json:"content"`
	Results json.RawMessage `json:"results"`
	Error   string          `json:"error"`
}

func (r sinkResponse) payload() any {
	for _, raw := range []json.RawMessage{r.Result, r.Content, r.Results} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err == nil {
			return value
		}
	}
	return nil
}

// Execute 实现 Sink。
func (s *HTTPSink) Execute(ctx context.Context, tool policy.ToolName, params map[string]any) agent.ToolActionResult {
	start := time.Now()
	result := s.execute(ctx, tool, params)
	result.Tool = tool
	result.Duration = time.Since(start)
	if !result.Success {
		s.logger.Warn("工具执行失败",
			slog.String("tool", string(tool)),
			slog.String("error", result.Error),
			slog.Duration("duration", result.Duration))
	}
	return result
}

func (s *HTTPSink) execute(ctx context.Context, tool policy.ToolName, params map[string]any) agent.ToolActionResult {
	path, body := s.build(tool, params)
	payload, err := json.Marshal(body)
	if err != nil {
		return agent.FailedResult(tool, "序列化执行请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return agent.FailedResult(tool, "构造执行请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return agent.FailedResult(tool, "调用 %s 执行服务失败: %v", s.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return agent.FailedResult(tool, "读取执行结果失败: %v", err)
	}

	var decoded sinkResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil && resp.StatusCode < 300 {
			return agent.FailedResult(tool, "解析执行结果失败: %v", err)
		}
	}
	if resp.StatusCode >= 300 {
		if decoded.Error != "" {
			return agent.FailedResult(tool, "%s 执行服务返回 %d: %s", s.name, resp.StatusCode, decoded.Error)
		}
		return agent.FailedResult(tool, "%s 执行服务返回 %d", s.name, resp.StatusCode)
	}

	return agent.ToolActionResult{
		Success: decoded.Success,
		Result:  decoded.payload(),
		Error:   decoded.Error,
	}
}

func nonNil(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
