package conversation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-core/internal/agent"
	xerrors "agent-core/internal/errors"
	"agent-core/pkg/logger"
)

const (
	// CodePendingConfirmation 表示会话已有未过期的待确认计划。
	CodePendingConfirmation xerrors.Code = "PENDING_CONFIRMATION"
	// CodeSessionNotFound 表示会话不存在。
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
)

func init() {
	xerrors.Register(CodePendingConfirmation, xerrors.Attributes{
		Message:  "session already awaits confirmation",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.RegisterHTTPStatus(CodePendingConfirmation, http.StatusConflict)
	xerrors.RegisterHTTPStatus(CodeSessionNotFound, http.StatusNotFound)
}

const (
	shardCount = 32

	DefaultPendingTTL    = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultHistoryLimit  = 10
	DefaultSummaryTokens = 512
	defaultMaxStored     = 200
)

type entry struct {
	// turn 是容量为 1 的信号量，持有者独占该会话的一次完整轮次。
	turn    chan struct{}
	mu      sync.Mutex
	session *Session
	deleted bool
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() { <-e.turn }

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// Manager 管理全部会话，可被并发调用。
type Manager struct {
	shards        [shardCount]*shard
	pendingTTL    time.Duration
	idleTimeout   time.Duration
	historyLimit  int
	maxStored     int
	summaryTokens int
	tokens        TokenCounter
	now           func() time.Time
	logger        *slog.Logger
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithPendingTTL 设置待确认计划的有效期。
func WithPendingTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.pendingTTL = ttl
		}
	}
}

// WithIdleTimeout 设置会话空闲回收时间。
func WithIdleTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// WithHistoryLimit 设置 GetContext 默认返回的消息数。
func WithHistoryLimit(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.historyLimit = limit
		}
	}
}

// WithMaxStoredMessages 设置单个会话保留的最大消息数。
func WithMaxStoredMessages(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.maxStored = limit
		}
	}
}

// WithSummaryTokens 设置对话摘要的 token 预算。
func WithSummaryTokens(tokens int) Option {
	return func(m *Manager) {
		if tokens > 0 {
			m.summaryTokens = tokens
		}
	}
}

// WithTokenCounter 替换 token 计数器。
func WithTokenCounter(counter TokenCounter) Option {
	return func(m *Manager) {
		if counter != nil {
			m.tokens = counter
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建会话管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pendingTTL:    DefaultPendingTTL,
		idleTimeout:   DefaultIdleTimeout,
		historyLimit:  DefaultHistoryLimit,
		maxStored:     defaultMaxStored,
		summaryTokens: DefaultSummaryTokens,
		now:           time.Now,
		logger:        logger.Named("conversation"),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.tokens == nil {
		m.tokens = NewTokenizer("cl100k_base")
	}
	return m
}

// PendingTTL 返回待确认计划的有效期。
func (m *Manager) PendingTTL() time.Duration { return m.pendingTTL }

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Manager) lookup(id string) (*entry, bool) {
	s := m.shardFor(id)
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	return e, ok
}

func (m *Manager) getOrCreate(id, userID string) *entry {
	s := m.shardFor(id)
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[id]; ok {
		return e
	}
	now := m.now()
	e = &entry{
		turn: make(chan struct{}, 1),
		session: &Session{
			ID:           id,
			UserID:       userID,
			Preferences:  map[string]string{},
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	s.sessions[id] = e
	m.logger.Debug("创建会话", slog.String("session_id", id), slog.String("user_id", userID))
	return e
}

func (m *Manager) remove(id string, e *entry) {
	s := m.shardFor(id)
	s.mu.Lock()
	if current, ok := s.sessions[id]; ok && current == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

// update 在会话（必要时创建）上执行写操作。
func (m *Manager) update(id, userID string, fn func(*Session)) {
	for {
		e := m.getOrCreate(id, userID)
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		if e.session.UserID == "" {
			e.session.UserID = userID
		}
		fn(e.session)
		e.mu.Unlock()
		return
	}
}

// view 在已存在的会话上执行操作，会话不存在时返回 false。
func (m *Manager) view(id string, fn func(*Session)) bool {
	e, ok := m.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	fn(e.session)
	return true
}

// Lock 获取会话的轮次锁，会话不存在时先创建。返回的函数用于释放锁。
func (m *Manager) Lock(ctx context.Context, sessionID, userID string) (func(), error) {
	for {
		e := m.getOrCreate(sessionID, userID)
		if err := e.acquire(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待会话锁超时",
				xerrors.WithMetadata("session_id", sessionID))
		}
		e.mu.Lock()
		deleted := e.deleted
		e.mu.Unlock()
		if deleted {
			e.release()
			continue
		}
		var once sync.Once
		return func() { once.Do(e.release) }, nil
	}
}

// AddUserMessage 追加一条用户消息。
func (m *Manager) AddUserMessage(sessionID, userID, content string, metadata map[string]any) Message {
	return m.appendMessage(sessionID, userID, Message{Role: RoleUser, Content: content, Metadata: metadata})
}

// AddAssistantMessage 追加一条助手消息，可附带计划。
func (m *Manager) AddAssistantMessage(sessionID, userID, content string, plan *agent.Plan) Message {
	return m.appendMessage(sessionID, userID, Message{Role: RoleAssistant, Content: content, Plan: plan.Clone()})
}

func (m *Manager) appendMessage(sessionID, userID string, msg Message) Message {
	now := m.now()
	msg.ID = uuid.NewString()
	msg.Timestamp = now
	var stored Message
	m.update(sessionID, userID, func(s *Session) {
		s.Messages = append(s.Messages, msg)
		if overflow := len(s.Messages) - m.maxStored; overflow > 0 {
			s.Messages = append([]Message(nil), s.Messages[overflow:]...)
		}
		s.LastActivity = now
		stored = msg.clone()
	})
	return stored
}

// SetPendingConfirmation 挂起计划等待确认。已有未过期的待确认计划时返回 CodePendingConfirmation 错误。
func (m *Manager) SetPendingConfirmation(sessionID, userID string, plan *agent.Plan) (*PendingConfirmation, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待确认计划不能为空")
	}
	now := m.now()
	var (
		result *PendingConfirmation
		err    error
	)
	m.update(sessionID, userID, func(s *Session) {
		if s.Pending != nil && !m.expired(s.Pending, now) {
			err = xerrors.New(CodePendingConfirmation, "会话已有待确认的计划",
				xerrors.WithMetadata("session_id", sessionID),
				xerrors.WithMetadata("pending_id", s.Pending.ID))
			return
		}
		s.Pending = &PendingConfirmation{ID: uuid.NewString(), Plan: plan.Clone(), CreatedAt: now}
		s.LastActivity = now
		result = &PendingConfirmation{ID: s.Pending.ID, Plan: plan.Clone(), CreatedAt: now}
	})
	return result, err
}

// GetPendingConfirmation 返回未过期的待确认计划；已过期时清除并返回 nil。
func (m *Manager) GetPendingConfirmation(sessionID string) *PendingConfirmation {
	now := m.now()
	var result *PendingConfirmation
	m.view(sessionID, func(s *Session) {
		if s.Pending == nil {
			return
		}
		if m.expired(s.Pending, now) {
			m.logger.Info("待确认计划已过期",
				slog.String("session_id", sessionID),
				slog.String("pending_id", s.Pending.ID))
			s.Pending = nil
			return
		}
		result = &PendingConfirmation{ID: s.Pending.ID, Plan: s.Pending.Plan.Clone(), CreatedAt: s.Pending.CreatedAt}
	})
	return result
}

// ClearPendingConfirmation 无条件清除待确认计划，返回是否存在过。
func (m *Manager) ClearPendingConfirmation(sessionID string) bool {
	cleared := false
	m.view(sessionID, func(s *Session) {
		cleared = s.Pending != nil
		s.Pending = nil
	})
	return cleared
}

func (m *Manager) expired(p *PendingConfirmation, now time.Time) bool {
	return now.Sub(p.CreatedAt) > m.pendingTTL
}

// GetContext 返回最近 maxMessages 条消息及偏好、当前任务；maxMessages<=0 时使用默认值。
func (m *Manager) GetContext(sessionID string, maxMessages int) Context {
	if maxMessages <= 0 {
		maxMessages = m.historyLimit
	}
	now := m.now()
	ctx := Context{SessionID: sessionID, Preferences: map[string]string{}}
	m.view(sessionID, func(s *Session) {
		ctx.UserID = s.UserID
		start := len(s.Messages) - maxMessages
		if start < 0 {
			start = 0
		}
		ctx.Messages = make([]Message, 0, len(s.Messages)-start)
		for _, msg := range s.Messages[start:] {
			ctx.Messages = append(ctx.Messages, msg.clone())
		}
		ctx.Preferences = cloneStrings(s.Preferences)
		ctx.CurrentTask = s.CurrentTask
		ctx.MessageCount = len(s.Messages)
		ctx.HasPending = s.Pending != nil && !m.expired(s.Pending, now)
	})
	return ctx
}

// UpdatePreferences 合并用户偏好。
func (m *Manager) UpdatePreferences(sessionID, userID string, prefs map[string]string) {
	m.update(sessionID, userID, func(s *Session) {
		for k, v := range prefs {
			s.Preferences[k] = v
		}
		s.LastActivity = m.now()
	})
}

// SetCurrentTask 设置当前任务描述。
func (m *Manager) SetCurrentTask(sessionID, userID, task string) {
	m.update(sessionID, userID, func(s *Session) {
		s.CurrentTask = task
		s.LastActivity = m.now()
	})
}

// Summary 从最新消息开始倒序拼接 "role: content"，直到达到 token 预算。
func (m *Manager) Summary(sessionID string) string {
	var messages []Message
	m.view(sessionID, func(s *Session) {
		start := len(s.Messages) - m.historyLimit
		if start < 0 {
			start = 0
		}
		messages = append(messages, s.Messages[start:]...)
	})
	if len(messages) == 0 {
		return ""
	}

	budget := m.summaryTokens
	lines := make([]string, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		line := string(messages[i].Role) + ": " + strings.TrimSpace(messages[i].Content)
		cost := m.tokens.CountText(line)
		if cost > budget {
			break
		}
		budget -= cost
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// Snapshot 返回会话的深拷贝。
func (m *Manager) Snapshot(sessionID string) (*Session, bool) {
	var out *Session
	ok := m.view(sessionID, func(s *Session) {
		out = s.clone()
	})
	return out, ok
}

// End 结束会话并释放其状态；会等待进行中的轮次结束。
func (m *Manager) End(ctx context.Context, sessionID string) error {
	e, ok := m.lookup(sessionID)
	if !ok {
		return xerrors.New(CodeSessionNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
	}
	if err := e.acquire(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待会话锁超时")
	}
	defer e.release()

	e.mu.Lock()
	deleted := e.deleted
	e.mu.Unlock()
	if deleted {
		return xerrors.New(CodeSessionNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
	}
	m.remove(sessionID, e)
	m.logger.Info("会话已结束", slog.String("session_id", sessionID))
	return nil
}

// Sweep 删除空闲超过 idleTimeout 的会话，返回删除数量。正在处理轮次的会话会被跳过。
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.RLock()
		candidates := make(map[string]*entry, len(s.sessions))
		for id, e := range s.sessions {
			candidates[id] = e
		}
		s.mu.RUnlock()

		for id, e := range candidates {
			if !e.tryAcquire() {
				continue
			}
			e.mu.Lock()
			idle := !e.deleted && now.Sub(e.session.LastActivity) > m.idleTimeout
			e.mu.Unlock()
			if idle {
				m.remove(id, e)
				removed++
			}
			e.release()
		}
	}
	if removed > 0 {
		m.logger.Info("清理空闲会话", slog.Int("removed", removed))
	}
	return removed
}

// Len 返回当前会话数。
func (m *Manager) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.sessions)
		s.mu.RUnlock()
	}
	return total
}

// Stats 汇总会话统计。
func (m *Manager) Stats() Stats {
	now := m.now()
	var stats Stats
	for _, s := range m.shards {
		s.mu.RLock()
		entries := make([]*entry, 0, len(s.sessions))
		for _, e := range s.sessions {
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			if !e.deleted {
				stats.ActiveSessions++
				stats.TotalMessages += len(e.session.Messages)
				if e.session.Pending != nil && !m.expired(e.session.Pending, now) {
					stats.PendingConfirmations++
				}
			}
			e.mu.Unlock()
		}
	}
	return stats
}
