package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agent-core/internal/conversation"
	"agent-core/internal/executor"
	"agent-core/internal/intent"
	"agent-core/internal/llm"
	"agent-core/internal/planner"
	"agent-core/internal/storage/mysql"
	"agent-core/internal/validator"
	"agent-core/pkg/logger"
)

const (
	defaultActionTimeout    = 30 * time.Second
	defaultLockTimeout      = 2 * time.Minute
	defaultSynthesisTimeout = 30 * time.Second
	archiveTimeout          = 5 * time.Second
)

// Orchestrator 串联分类、规划、校验、确认与执行。
type Orchestrator struct {
	sessions   *conversation.Manager
	classifier *intent.Classifier
	planner    *planner.Planner
	validator  *validator.Validator
	executor   executor.Sink

	generator   llm.Generator
	transcripts mysql.TranscriptRepository

	actionTimeout    time.Duration
	lockTimeout      time.Duration
	synthesisTimeout time.Duration
	logger           *slog.Logger
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithGenerator 配置用于结果汇总与确认提示的大模型，未配置时使用模板回复。
func WithGenerator(generator llm.Generator) Option {
	return func(o *Orchestrator) {
		o.generator = generator
	}
}

// WithTranscripts 配置轮次归档仓库。
func WithTranscripts(repo mysql.TranscriptRepository) Option {
	return func(o *Orchestrator) {
		o.transcripts = repo
	}
}

// WithActionTimeout 设置工具策略未指定超时时的单动作超时。
func WithActionTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.actionTimeout = timeout
		}
	}
}

// WithLockTimeout 设置等待会话锁的最长时间。
func WithLockTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.lockTimeout = timeout
		}
	}
}

// WithSynthesisTimeout 设置结果汇总调用的超时时间。
func WithSynthesisTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.synthesisTimeout = timeout
		}
	}
}

// New 创建 Orchestrator。
func New(sessions *conversation.Manager, classifier *intent.Classifier, planner *planner.Planner, validator *validator.Validator, sink executor.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:         sessions,
		classifier:       classifier,
		planner:          planner,
		validator:        validator,
		executor:         sink,
		actionTimeout:    defaultActionTimeout,
		lockTimeout:      defaultLockTimeout,
		synthesisTimeout: defaultSynthesisTimeout,
		logger:           logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Sessions 返回会话管理器。
func (o *Orchestrator) Sessions() *conversation.Manager { return o.sessions }

func (o *Orchestrator) archive(sessionID, userID, input string, resp *TurnResponse) {
	if o.transcripts == nil || resp == nil {
		return
	}
	record := &mysql.TranscriptRecord{
		SessionID:         sessionID,
		UserID:            userID,
		Input:             input,
		Response:          resp.Response,
		Success:           resp.Success,
		NeedsConfirmation: resp.NeedsConfirmation,
		Error:             resp.Error,
		CreatedAt:         time.Now().Unix(),
	}
	if resp.Intent != nil {
		record.Intent = string(resp.Intent.Type)
		record.Confidence = resp.Intent.Confidence
	}
	if resp.Plan != nil {
		if encoded, err := json.Marshal(resp.Plan); err == nil {
			record.Plan = string(encoded)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.transcripts.Save(ctx, record); err != nil {
		o.logger.Warn("归档轮次失败", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}
