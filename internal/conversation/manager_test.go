package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
	"agent-core/internal/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts ...Option) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithTokenCounter(HeuristicCounter{})}
	return NewManager(append(base, opts...)...), clock
}

func samplePlan() *agent.Plan {
	return &agent.Plan{
		Actions: []agent.ToolAction{{
			Tool:         policy.ToolFileWrite,
			Parameters:   map[string]any{"path": "~/notes.txt", "content": "hi"},
			Confirmation: policy.ConfirmHard,
		}},
		NeedsUserConfirmation: true,
	}
}

func TestMessagesCreateSessionLazily(t *testing.T) {
	m, _ := newTestManager()
	_, ok := m.Snapshot("s1")
	require.False(t, ok)

	user := m.AddUserMessage("s1", "alice", "hello", map[string]any{"channel": "web"})
	assistant := m.AddAssistantMessage("s1", "alice", "hi there", nil)

	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, user.ID, assistant.ID)

	snap, ok := m.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", snap.UserID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "web", snap.Messages[0].Metadata["channel"])
}

func TestSinglePendingConfirmation(t *testing.T) {
	m, _ := newTestManager()

	first, err := m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.Error(t, err)
	assert.Equal(t, CodePendingConfirmation, xerrors.CodeOf(err))

	pending := m.GetPendingConfirmation("s1")
	require.NotNil(t, pending)
	assert.Equal(t, first.ID, pending.ID)

	assert.True(t, m.ClearPendingConfirmation("s1"))
	assert.Nil(t, m.GetPendingConfirmation("s1"))
	assert.False(t, m.ClearPendingConfirmation("s1"))

	_, err = m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)
}

func TestPendingConfirmationIsSnapshot(t *testing.T) {
	m, _ := newTestManager()
	plan := samplePlan()
	_, err := m.SetPendingConfirmation("s1", "alice", plan)
	require.NoError(t, err)

	plan.Actions[0].Parameters["path"] = "/etc/passwd"

	pending := m.GetPendingConfirmation("s1")
	require.NotNil(t, pending)
	assert.Equal(t, "~/notes.txt", pending.Plan.Actions[0].Parameters["path"])

	pending.Plan.Actions = nil
	again := m.GetPendingConfirmation("s1")
	require.Len(t, again.Plan.Actions, 1)
}

func TestPendingConfirmationExpires(t *testing.T) {
	m, clock := newTestManager()
	_, err := m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	require.NotNil(t, m.GetPendingConfirmation("s1"), "exactly five minutes is still valid")
	assert.True(t, m.GetContext("s1", 0).HasPending)

	clock.Advance(time.Second)
	assert.False(t, m.GetContext("s1", 0).HasPending)
	assert.Nil(t, m.GetPendingConfirmation("s1"))

	snap, _ := m.Snapshot("s1")
	assert.Nil(t, snap.Pending, "expired pending is cleared")
}

func TestExpiredPendingIsReplaced(t *testing.T) {
	m, clock := newTestManager(WithPendingTTL(time.Minute))
	first, err := m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	second, err := m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSetPendingRejectsNilPlan(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.SetPendingConfirmation("s1", "alice", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestGetContextReturnsRecentMessages(t *testing.T) {
	m, _ := newTestManager()
	for i := 0; i < 15; i++ {
		m.AddUserMessage("s1", "alice", fmt.Sprintf("msg %d", i), nil)
	}
	m.UpdatePreferences("s1", "alice", map[string]string{"language": "zh"})
	m.SetCurrentTask("s1", "alice", "research")

	ctx := m.GetContext("s1", 0)
	require.Len(t, ctx.Messages, DefaultHistoryLimit)
	assert.Equal(t, "msg 5", ctx.Messages[0].Content)
	assert.Equal(t, "msg 14", ctx.Messages[9].Content)
	assert.Equal(t, 15, ctx.MessageCount)
	assert.Equal(t, "zh", ctx.Preferences["language"])
	assert.Equal(t, "research", ctx.CurrentTask)

	ctx.Preferences["language"] = "en"
	assert.Equal(t, "zh", m.GetContext("s1", 3).Preferences["language"])
	assert.Len(t, m.GetContext("s1", 3).Messages, 3)
}

func TestGetContextDoesNotCreateSession(t *testing.T) {
	m, _ := newTestManager()
	ctx := m.GetContext("ghost", 0)
	assert.Empty(t, ctx.Messages)
	assert.Equal(t, 0, m.Len())
}

func TestStoredMessagesAreBounded(t *testing.T) {
	m, _ := newTestManager(WithMaxStoredMessages(4))
	for i := 0; i < 6; i++ {
		m.AddUserMessage("s1", "alice", fmt.Sprintf("msg %d", i), nil)
	}
	snap, _ := m.Snapshot("s1")
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, "msg 2", snap.Messages[0].Content)
}

func TestSummaryRespectsTokenBudget(t *testing.T) {
	m, _ := newTestManager(WithSummaryTokens(10))
	m.AddUserMessage("s1", "alice", strings.Repeat("a", 80), nil)
	m.AddAssistantMessage("s1", "alice", "short", nil)
	m.AddUserMessage("s1", "alice", "latest", nil)

	summary := m.Summary("s1")
	assert.Equal(t, "assistant: short\nuser: latest", summary)
	assert.Empty(t, m.Summary("ghost"))
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	m, clock := newTestManager()
	m.AddUserMessage("old", "alice", "hi", nil)
	clock.Advance(20 * time.Minute)
	m.AddUserMessage("fresh", "bob", "hi", nil)
	clock.Advance(11 * time.Minute)

	removed := m.Sweep(clock.Now())
	assert.Equal(t, 1, removed)
	_, ok := m.Snapshot("old")
	assert.False(t, ok)
	_, ok = m.Snapshot("fresh")
	assert.True(t, ok)
}

func TestSweepSkipsLockedSessions(t *testing.T) {
	m, clock := newTestManager()
	m.AddUserMessage("busy", "alice", "hi", nil)
	unlock, err := m.Lock(context.Background(), "busy", "alice")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(clock.Now()))

	unlock()
	unlock()
	assert.Equal(t, 1, m.Sweep(clock.Now()))
	assert.Equal(t, 0, m.Len())
}

func TestLockHonoursContext(t *testing.T) {
	m, _ := newTestManager()
	unlock, err := m.Lock(context.Background(), "s1", "alice")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "s1", "alice")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestLockSerialisesTurns(t *testing.T) {
	m, _ := newTestManager()
	var (
		wg      sync.WaitGroup
		active  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "s1", "alice")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestConcurrentSessions(t *testing.T) {
	m, _ := newTestManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i%10)
			m.AddUserMessage(id, "alice", "hi", nil)
			m.AddAssistantMessage(id, "alice", "hello", nil)
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, 10, stats.ActiveSessions)
	assert.Equal(t, 100, stats.TotalMessages)
}

func TestEndWaitsForTurnAndRemovesSession(t *testing.T) {
	m, _ := newTestManager()
	m.AddUserMessage("s1", "alice", "hi", nil)

	err := m.End(context.Background(), "ghost")
	assert.Equal(t, CodeSessionNotFound, xerrors.CodeOf(err))

	unlock, err := m.Lock(context.Background(), "s1", "alice")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.End(context.Background(), "s1") }()

	select {
	case <-done:
		t.Fatal("End returned while the turn was still running")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	require.NoError(t, <-done)
	_, ok := m.Snapshot("s1")
	assert.False(t, ok)

	// 结束后再次写入会创建新的会话。
	m.AddUserMessage("s1", "alice", "again", nil)
	snap, ok := m.Snapshot("s1")
	require.True(t, ok)
	assert.Len(t, snap.Messages, 1)
}

func TestStatsCountsPending(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.SetPendingConfirmation("s1", "alice", samplePlan())
	require.NoError(t, err)
	m.AddUserMessage("s2", "bob", "hi", nil)

	stats := m.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 1, stats.PendingConfirmations)
}

func TestSweeperRejectsBadSpec(t *testing.T) {
	m, _ := newTestManager()
	_, err := NewSweeper(m, "not a cron spec")
	require.Error(t, err)

	s, err := NewSweeper(m, "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Entries())
	s.Start()
	s.Stop()
}
