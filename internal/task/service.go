package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "agent-core/internal/errors"
	"agent-core/internal/orchestrator"
	"agent-core/pkg/logger"
)

// Service 是异步轮次的入口：网关提交轮次后立即返回任务 ID，再轮询结果。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务，maxRetries<=0 时默认 3 次。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// SubmitRequest 描述一次异步轮次。ID 非空时提交是幂等的：重复提交返回已有任务。
type SubmitRequest struct {
	ID string `json:"id,omitempty"`
	orchestrator.TurnRequest
}

// Submit 校验轮次、写入 pending 任务并投递到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := req.TurnRequest.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, found, err := s.lookup(ctx, id); err != nil || found {
		return existing, err
	}

	pending := &Task{
		ID:         id,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Input:      req.Input,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, pending); err != nil {
		// 并发的同 ID 提交：以先写入者为准。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, found, getErr := s.lookup(ctx, id); getErr != nil || found {
				return existing, getErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布轮次任务失败")
		logger.L().Error("轮次任务入队失败",
			slog.Any("error", err),
			slog.String("task_id", id),
			slog.String("session_id", pending.SessionID))
		if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), id, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("记录入队失败状态失败", slog.Any("error", markErr), slog.String("task_id", id))
		}
		return nil, wrapped
	}

	logger.Audit().Info("异步轮次已入队",
		slog.String("task_id", id),
		slog.String("session_id", pending.SessionID),
		slog.String("user_id", pending.UserID),
		slog.Int("max_retries", pending.MaxRetries))
	return pending, nil
}

func (s *Service) lookup(ctx context.Context, id string) (*Task, bool, error) {
	existing, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return existing, true, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Get 返回任务当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 按过滤条件列出任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 按过滤条件汇总任务状态。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// QueueStatus 报告队列积压，队列不支持查询时 DepthKnown 为 false。
func (s *Service) QueueStatus(ctx context.Context, driver string) QueueStatus {
	status := QueueStatus{Driver: driver}
	reporter, ok := s.producer.(DepthReporter)
	if !ok {
		return status
	}
	depth, err := reporter.Depth(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Depth = depth
	status.DepthKnown = true
	return status
}

// Close 依次关闭存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到任务成功，或失败且不会再被重试。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusSucceeded || (current.Status == StatusFailed && current.Attempts >= current.MaxRetries) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
