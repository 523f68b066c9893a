package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	xerrors "agent-core/internal/errors"
	"agent-core/internal/llm"
	"agent-core/pkg/logger"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModelName      = "gpt-4o-mini"
	defaultTimeout        = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 10 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// HTTPClient 为空时使用带 Timeout 的默认客户端。
	HTTPClient *http.Client
}

// Client 通过 go-openai SDK 调用大模型，带有限次数的指数退避重试。
type Client struct {
	api            *openai.Client
	model          string
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

var _ llm.Generator = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	config.HTTPClient = httpClient

	c := &Client{
		api:            openai.NewClientWithConfig(config),
		model:          model,
		maxAttempts:    cfg.MaxAttempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		sleep:          sleepContext,
		logger:         logger.Named("llm"),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoffInitial <= 0 {
		c.backoffInitial = defaultBackoffInitial
	}
	if c.backoffMax <= 0 {
		c.backoffMax = defaultBackoffMax
	}
	return c, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string { return c.model }

// Generate 调用 Chat Completions 并返回首个候选的文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	request := c.buildRequest(req)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return "", wrapContextErr(err)
			}
		}

		content, err := c.complete(ctx, request)
		if err == nil {
			if req.JSONMode && !llm.ValidJSON(content) {
				// 非法 JSON 直接返回，不做静默重试。
				return "", xerrors.New(llm.CodeInvalidJSON, "大模型未返回合法 JSON",
					xerrors.WithMetadata("model", c.model))
			}
			return content, nil
		}
		lastErr = err

		// 调用方取消或超时时不再重试；单次 HTTP 超时仍按瞬时错误处理。
		if ctx.Err() != nil {
			return "", wrapContextErr(err)
		}
		if !retryable(err) {
			break
		}
		c.logger.Warn("大模型调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxAttempts),
			slog.Any("error", err))
	}
	return "", xerrors.Wrap(llm.CodeFailure, lastErr, "调用大模型失败",
		xerrors.WithMetadata("model", c.model))
}

func (c *Client) buildRequest(req llm.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return request
}

func (c *Client) complete(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

func (c *Client) backoff(retry int) time.Duration {
	delay := c.backoffInitial << (retry - 1)
	if delay <= 0 || delay > c.backoffMax {
		return c.backoffMax
	}
	return delay
}

// retryable 对 429 与 5xx 以及网络错误重试，其余 4xx 直接失败。
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusRetryable(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusRetryable(reqErr.HTTPStatusCode)
	}
	return true
}

func statusRetryable(status int) bool {
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func wrapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "大模型调用超时")
	}
	return xerrors.Wrap(llm.CodeFailure, err, "大模型调用被取消", xerrors.WithRetryable(false))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// String 便于日志输出客户端配置。
func (c *Client) String() string {
	return fmt.Sprintf("openai(model=%s, attempts=%d)", c.model, c.maxAttempts)
}
