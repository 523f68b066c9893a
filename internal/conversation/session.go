package conversation

import (
	"time"

	"agent-core/internal/agent"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是会话中的一条消息。
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Plan      *agent.Plan    `json:"plan,omitempty"`
}

// PendingConfirmation 是等待用户确认的计划快照。
type PendingConfirmation struct {
	ID        string      `json:"id"`
	Plan      *agent.Plan `json:"plan"`
	CreatedAt time.Time   `json:"created_at"`
}

// Session 是单个会话的完整状态。
type Session struct {
	ID           string               `json:"session_id"`
	UserID       string               `json:"user_id"`
	Messages     []Message            `json:"messages"`
	Preferences  map[string]string    `json:"user_preferences"`
	CurrentTask  string               `json:"current_task,omitempty"`
	Pending      *PendingConfirmation `json:"pending_confirmation,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
}

// Context 是供分类与规划使用的只读上下文投影。
type Context struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Messages     []Message         `json:"messages"`
	Preferences  map[string]string `json:"user_preferences"`
	CurrentTask  string            `json:"current_task,omitempty"`
	MessageCount int               `json:"message_count"`
	HasPending   bool              `json:"has_pending_confirmation"`
}

// Stats 汇总会话管理器的运行状态。
type Stats struct {
	ActiveSessions       int `json:"active_sessions"`
	PendingConfirmations int `json:"pending_confirmations"`
	TotalMessages        int `json:"total_messages"`
}

func (s *Session) clone() *Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, msg := range s.Messages {
		out.Messages[i] = msg.clone()
	}
	out.Preferences = cloneStrings(s.Preferences)
	if s.Pending != nil {
		pending := *s.Pending
		pending.Plan = s.Pending.Plan.Clone()
		out.Pending = &pending
	}
	return &out
}

func (m Message) clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Plan = m.Plan.Clone()
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
