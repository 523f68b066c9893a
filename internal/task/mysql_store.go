package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "agent-core/internal/errors"
	storage "agent-core/internal/storage/mysql"
)

const (
	taskTable   = "task_states"
	taskColumns = "id, session_id, user_id, input, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at"
	// mysqlDuplicateEntry 是主键冲突的错误号。
	mysqlDuplicateEntry = 1062
)

// MySQLStore 把轮次任务保存在 task_states 表，多实例共享同一张表时依靠行锁保证 Claim 互斥。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 打开连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, storage.DialectMySQL, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接任务存储失败")
	}
	if err := storage.Migrate(ctx, db, storage.DialectMySQL); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行任务存储迁移失败")
	}
	return NewMySQLStoreFromDB(db), nil
}

// NewMySQLStoreFromDB 复用已有连接池，调用方负责迁移。
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	metadata, err := nullableJSON(task.Metadata, len(task.Metadata) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+taskTable+` (id, session_id, user_id, input, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		task.ID, task.SessionID, task.UserID, task.Input, metadata,
		task.Status, task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt,
	)
	var mysqlErr *mysql.MySQLError
	switch {
	case err == nil:
		return nil
	case stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry:
		return ErrTaskConflict
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.db, id, false)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MySQLStore) get(ctx context.Context, q queryRower, id string, forUpdate bool) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + taskTable + ` WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	task, err := scanTask(q.QueryRowContext(ctx, query, id))
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, sql.ErrNoRows):
		return nil, ErrTaskNotFound
	default:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
}

// Claim 在事务内锁定行，检查状态后置为 running。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	task, err := s.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	}

	task.Status = StatusRunning
	task.Attempts++
	task.LastError, task.ErrorCode = "", ""
	task.UpdatedAt = s.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+taskTable+` SET status = ?, attempts = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		task.Status, task.Attempts, task.UpdatedAt, id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务领取失败")
	}
	return task, nil
}

func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result TurnResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return s.exec(ctx, "标记任务成功失败",
		`UPDATE `+taskTable+` SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		StatusSucceeded, string(encoded), s.now().Unix(), id)
}

// MarkFailed 的 terminal 分支把 attempts 提到 max_retries，之后 Claim 返回 ErrTaskExhausted。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	attempts := "attempts"
	if terminal {
		attempts = "GREATEST(attempts, max_retries)"
	}
	return s.exec(ctx, "标记任务失败失败",
		`UPDATE `+taskTable+` SET status = ?, last_error = ?, error_code = ?, attempts = `+attempts+`, updated_at = ? WHERE id = ?`,
		StatusFailed, lastError, string(code), s.now().Unix(), id)
}

// exec 执行单行更新。MySQL 对值未变化的行报告 0 行，因此 0 行时再确认一次记录是否存在。
func (s *MySQLStore) exec(ctx context.Context, failure, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failure)
	}
	if rows, err := res.RowsAffected(); err != nil || rows > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+taskTable+` WHERE id = ?`, args[len(args)-1]).Scan(&exists)
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, sql.ErrNoRows):
		return ErrTaskNotFound
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, failure)
	}
}

func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	where, args := opts.whereClause()
	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY updated_at %[4]s, created_at %[4]s, id %[4]s LIMIT ? OFFSET ?`,
		taskColumns, taskTable, where, direction)

	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 在一条查询里按状态计数，忽略分页参数。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	where, filterArgs := opts.whereClause()
	query := `SELECT COUNT(*),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
        FROM ` + taskTable + where
	args := append([]any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// whereClause 返回以 " WHERE " 开头的过滤条件，无过滤时返回空串。
func (opts ListOptions) whereClause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}

	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Statuses)), ",")
		values := make([]any, len(opts.Statuses))
		for i, status := range opts.Statuses {
			values[i] = status
		}
		add("status IN ("+placeholders+")", values...)
	}
	if opts.SessionID != "" {
		add("session_id = ?", opts.SessionID)
	}
	if opts.UserID != "" {
		add("user_id = ?", opts.UserID)
	}
	if opts.UpdatedGTE > 0 {
		add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		add("updated_at <= ?", opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			add("(result IS NOT NULL AND result <> '')")
		} else {
			add("(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		like := "%" + opts.Query + "%"
		add("(id LIKE ? OR session_id LIKE ? OR user_id LIKE ? OR input LIKE ? OR last_error LIKE ? OR result LIKE ?)",
			like, like, like, like, like, like)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                                   Task
		metadata, lastError, errorCode, result sql.NullString
	)
	if err := row.Scan(
		&task.ID, &task.SessionID, &task.UserID, &task.Input, &metadata,
		&task.Status, &task.Attempts, &task.MaxRetries, &lastError, &errorCode,
		&result, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String

	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		task.Result = new(TurnResult)
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
	}
	return &task, nil
}

func nullableJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

var _ Store = (*MySQLStore)(nil)
