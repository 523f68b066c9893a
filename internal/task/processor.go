package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "agent-core/internal/errors"
	"agent-core/internal/observability/alerting"
	"agent-core/internal/observability/metrics"
	"agent-core/internal/orchestrator"
	"agent-core/pkg/logger"
)

// Executor 是处理器需要的轮次处理能力，*orchestrator.Orchestrator 直接满足。
type Executor interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) *orchestrator.TurnResponse
}

// Processor 从队列取出轮次任务，交给编排器执行并回写结果。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer

	workers  int
	log      *slog.Logger
	recovery RecoveryHandler
	alerter  alerting.Dispatcher
}

type ProcessorOption func(*Processor)

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数，非正数忽略。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRecoveryHandler 设置终止失败时的降级策略。
func WithRecoveryHandler(h RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = h }
}

func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		log:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// handle 处理一次投递。返回错误会让队列重投，因此只有领取失败这类暂时性问题才返回错误。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case isSkippable(err):
		p.debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		metrics.ObserveTurnJob("skipped")
		return nil
	default:
		p.log.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.alert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	resp := p.executor.ProcessTurn(ctx, orchestrator.TurnRequest{
		SessionID: task.SessionID,
		UserID:    task.UserID,
		Input:     task.Input,
		Metadata:  cloneMetadata(task.Metadata),
	})
	if execErr := turnError(resp); execErr != nil {
		return p.fail(ctx, task, execErr)
	}
	p.succeed(ctx, task, resultFromResponse(resp), "succeeded")
	return nil
}

// isSkippable 判断领取失败是否意味着这次投递已无事可做（重复投递、已完成、已耗尽或正被其他 worker 处理）。
func isSkippable(err error) bool {
	for _, target := range []error{ErrTaskNotFound, ErrTaskCompleted, ErrTaskExhausted, ErrTaskConflict} {
		if stdErrors.Is(err, target) {
			return true
		}
	}
	return false
}

// succeed 写入成功结果。轮次已经产生副作用，回写失败只告警不重投。
func (p *Processor) succeed(ctx context.Context, task *Task, result TurnResult, stage string) bool {
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.log.Error("回写任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.alert(ctx, task, xerrors.CodeStorageFailure, err, "persist")
		return false
	}
	metrics.ObserveTurnJob(stage)
	logger.Audit().Info("异步轮次完成",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("user_id", task.UserID),
		slog.String("outcome", result.Outcome),
		slog.String("stage", stage),
	)
	return true
}

// fail 记录执行失败：可重试且未耗尽时重新入队，否则先尝试降级再落为终态失败。
func (p *Processor) fail(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	terminal := task.Attempts >= task.MaxRetries || !xerrors.RetryableError(execErr)

	if terminal && p.degrade(ctx, task, execErr) {
		p.alert(ctx, task, code, execErr, "degraded")
		return nil
	}

	if err := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); err != nil {
		p.log.Error("记录任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	metrics.ObserveTurnJob(stage)
	logger.Audit().Warn("异步轮次失败",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	p.alert(ctx, task, code, execErr, stage)

	if terminal {
		return nil
	}
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.debug("任务重新入队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// degrade 调用降级策略，成功写入降级结果时返回 true。
func (p *Processor) degrade(ctx context.Context, task *Task, cause error) bool {
	if p.recovery == nil {
		return false
	}
	fallback, err := p.recovery.Recover(ctx, task, cause)
	if err != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, err, "任务补偿失败")
		p.log.Error("执行降级策略失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.alert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false
	}
	return fallback != nil && p.succeed(ctx, task, *fallback, "degraded")
}

// turnError 把编排器的失败结果转换为带错误码的错误；输入错误不可重试。
func turnError(resp *orchestrator.TurnResponse) error {
	switch {
	case resp == nil:
		return xerrors.New(CodeTaskProcessing, "编排器未返回结果")
	case resp.Outcome == orchestrator.OutcomeInvalid:
		return xerrors.New(CodeTaskValidation, resp.Error)
	case resp.Outcome == orchestrator.OutcomeError:
		return xerrors.New(CodeTaskProcessing, resp.Error)
	default:
		return nil
	}
}

func resultFromResponse(resp *orchestrator.TurnResponse) TurnResult {
	result := TurnResult{
		Response:          resp.Response,
		Success:           resp.Success,
		NeedsConfirmation: resp.NeedsConfirmation,
		Outcome:           resp.Outcome,
		Error:             resp.Error,
		ActionResults:     resp.ActionResults,
	}
	if resp.Intent != nil {
		result.Intent = string(resp.Intent.Type)
	}
	return result
}

func (p *Processor) debug(msg string, attrs ...slog.Attr) {
	p.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

// alert 只为注册了 Alert 属性的错误码发通知，通知失败仅记录日志。
func (p *Processor) alert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	attrs := xerrors.AttributesOf(code)
	if p.alerter == nil || !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
