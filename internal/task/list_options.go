package task

import (
	"fmt"
	"slices"
	"strings"
	"time"

	xerrors "agent-core/internal/errors"
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的在前，默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的在前。
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是任务查询的过滤条件，零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	SessionID  string
	UserID     string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 对 ID、会话、用户、输入、错误与回复做大小写无关的子串匹配。
	Query string
}

func (opts *ListOptions) normalize() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = dedupeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.UserID = strings.TrimSpace(opts.UserID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithSessionID 只返回某个会话的轮次。
func WithSessionID(sessionID string) ListOption {
	return func(opts *ListOptions) { opts.SessionID = sessionID }
}

// WithUserID 只返回某个用户提交的轮次。
func WithUserID(userID string) ListOption {
	return func(opts *ListOptions) { opts.UserID = userID }
}

// WithUpdatedSince 过滤 ts 之后（含）更新的任务，零值取消过滤。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤 ts 之前（含）更新的任务，零值取消过滤。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有轮次结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 设置模糊搜索关键字。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

// ParseStatuses 解析逗号分隔的状态列表，未知状态返回 INVALID_ARGUMENT。
func ParseStatuses(raw string) ([]Status, error) {
	var statuses []Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status := Status(part)
		if !IsValidStatus(status) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid status: %s", part))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ParseSortOrder 接受 asc / desc，空串视为 desc。
func ParseSortOrder(raw string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "desc":
		return SortByUpdatedDesc, nil
	case "asc":
		return SortByUpdatedAsc, nil
	default:
		return SortByUpdatedDesc, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid order: %s", raw))
	}
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
