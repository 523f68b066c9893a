package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
	"agent-core/internal/observability/alerting"
	"agent-core/internal/orchestrator"
)

type fakeOrchestrator struct {
	processed atomic.Int32
	latency   time.Duration
	outcomes  []string
	mu        sync.Mutex
}

func (f *fakeOrchestrator) ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) *orchestrator.TurnResponse {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return &orchestrator.TurnResponse{SessionID: req.SessionID, Error: ctx.Err().Error(), Outcome: orchestrator.OutcomeError}
		}
	}
	f.processed.Add(1)

	outcome := orchestrator.OutcomeExecuted
	f.mu.Lock()
	if len(f.outcomes) > 0 {
		outcome = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.mu.Unlock()

	if outcome == orchestrator.OutcomeError {
		return &orchestrator.TurnResponse{SessionID: req.SessionID, Response: "I encountered an error processing your request.", Error: "Error processing request: boom", Outcome: outcome}
	}
	return &orchestrator.TurnResponse{
		SessionID:     req.SessionID,
		Success:       true,
		Response:      "done: " + req.Input,
		Intent:        &agent.Intent{Type: agent.IntentSearch, Confidence: 0.9},
		ActionResults: []agent.ToolActionResult{{Tool: "web_search", Success: true}},
		Outcome:       outcome,
	}
}

type capturingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func submitTurn(t *testing.T, svc *Service, sessionID, input string) *Task {
	t.Helper()
	task, err := svc.Submit(context.Background(), SubmitRequest{TurnRequest: orchestrator.TurnRequest{SessionID: sessionID, UserID: "alice", Input: input}})
	require.NoError(t, err)
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	orch := &fakeOrchestrator{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(orch, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		submitTurn(t, service, fmt.Sprintf("s-%d", i), fmt.Sprintf("search for item %d", i))
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(orch.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", orch.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorStoresTurnResult(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	p := NewProcessor(&fakeOrchestrator{}, store, queue, queue)

	task := submitTurn(t, service, "s1", "search for go")
	require.NoError(t, p.handle(context.Background(), task.ID))

	got, err := service.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done: search for go", got.Result.Response)
	assert.Equal(t, orchestrator.OutcomeExecuted, got.Result.Outcome)
	assert.Equal(t, "search", got.Result.Intent)
	assert.Len(t, got.Result.ActionResults, 1)

	// 重复投递不会再次执行。
	require.NoError(t, p.handle(context.Background(), task.ID))
	again, err := service.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
}

func TestProcessorRetriesErrorOutcome(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	orch := &fakeOrchestrator{outcomes: []string{orchestrator.OutcomeError}}
	alerts := &capturingDispatcher{}
	p := NewProcessor(orch, store, queue, queue, WithAlertDispatcher(alerts))
	ctx := context.Background()

	task := submitTurn(t, service, "s1", "search for go")
	<-queue.jobs

	require.NoError(t, p.handle(ctx, task.ID))
	failed, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, string(CodeTaskProcessing), failed.ErrorCode)

	requeued := <-queue.jobs
	assert.Equal(t, task.ID, requeued)
	require.NoError(t, p.handle(ctx, requeued))

	done, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 2, done.Attempts)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, "retry", alerts.events[0].Metadata["stage"])
	assert.Equal(t, "s1", alerts.events[0].SessionID)
}

func TestProcessorTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 1)
	orch := &fakeOrchestrator{outcomes: []string{orchestrator.OutcomeError}}
	alerts := &capturingDispatcher{}
	p := NewProcessor(orch, store, queue, queue, WithAlertDispatcher(alerts))
	ctx := context.Background()

	task := submitTurn(t, service, "s1", "search for go")
	<-queue.jobs
	require.NoError(t, p.handle(ctx, task.ID))

	got, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, queue.jobs)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "terminal", alerts.events[0].Metadata["stage"])
	assert.Equal(t, xerrors.SeverityWarning, alerts.events[0].Severity)
}

func TestProcessorRecoveryDegradesTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 1)
	orch := &fakeOrchestrator{outcomes: []string{orchestrator.OutcomeError}}
	p := NewProcessor(orch, store, queue, queue, WithRecoveryHandler(ApologyRecovery("")))
	ctx := context.Background()

	task := submitTurn(t, service, "s1", "search for go")
	require.NoError(t, p.handle(ctx, task.ID))

	got, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, OutcomeDegraded, got.Result.Outcome)
	assert.Equal(t, "I encountered an error processing your request.", got.Result.Response)
	assert.Contains(t, got.Result.Error, "boom")
}

func TestServiceSubmitValidationAndIdempotency(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 0)
	ctx := context.Background()

	_, err := service.Submit(ctx, SubmitRequest{TurnRequest: orchestrator.TurnRequest{SessionID: "s1", UserID: "alice"}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	req := SubmitRequest{ID: "turn-1", TurnRequest: orchestrator.TurnRequest{SessionID: "s1", UserID: "alice", Input: "hello"}}
	first, err := service.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, first.MaxRetries)

	second, err := service.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, queue.jobs, 1)

	listed, err := service.List(ctx, WithSessionID("s1"))
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	stats, err := service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	p := NewProcessor(&fakeOrchestrator{}, store, queue, queue)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = p.Start(ctx) }()

	task := submitTurn(t, service, "s1", "search for go")
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
}

func TestProcessorInvalidInputIsTerminalAndNotDegraded(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	orch := &fakeOrchestrator{outcomes: []string{orchestrator.OutcomeInvalid}}
	p := NewProcessor(orch, store, queue, queue, WithRecoveryHandler(ApologyRecovery("")))
	ctx := context.Background()

	task := submitTurn(t, service, "s1", "search for go")
	<-queue.jobs
	require.NoError(t, p.handle(ctx, task.ID))

	got, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, string(CodeTaskValidation), got.ErrorCode)
	assert.Equal(t, got.MaxRetries, got.Attempts)
	assert.Nil(t, got.Result)
	assert.Empty(t, queue.jobs)
}

func TestProcessorSkipsTaskClaimedElsewhere(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	orch := &fakeOrchestrator{}
	p := NewProcessor(orch, store, queue, queue)
	ctx := context.Background()

	task := submitTurn(t, service, "s1", "search for go")
	_, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, p.handle(ctx, task.ID))
	assert.Zero(t, orch.processed.Load())
	got, err := service.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}
