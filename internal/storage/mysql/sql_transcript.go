package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLTranscriptRepository 使用 MySQL 或 SQLite 保存轮次归档。
type SQLTranscriptRepository struct {
	db      *sql.DB
	dialect string
}

var _ TranscriptRepository = (*SQLTranscriptRepository)(nil)

// NewSQLTranscriptRepository 打开数据库、执行迁移并返回仓库。dialect 为 mysql 或 sqlite。
func NewSQLTranscriptRepository(ctx context.Context, dialect string, cfg Config) (*SQLTranscriptRepository, error) {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, dialect)
	}
	db, err := Open(ctx, dialect, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLTranscriptRepository{db: db, dialect: dialect}, nil
}

// NewSQLTranscriptRepositoryFromDB 基于已有连接创建仓库，不执行迁移。
func NewSQLTranscriptRepositoryFromDB(db *sql.DB, dialect string) *SQLTranscriptRepository {
	return &SQLTranscriptRepository{db: db, dialect: dialect}
}

// Save 写入一条归档记录。
func (s *SQLTranscriptRepository) Save(ctx context.Context, record *TranscriptRecord) error {
	if record == nil || strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("归档记录缺少 session_id")
	}
	const stmt = `INSERT INTO transcripts
        (session_id, user_id, input, response, intent, confidence, plan, success, needs_confirmation, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.UserID,
		record.Input,
		record.Response,
		record.Intent,
		record.Confidence,
		record.Plan,
		record.Success,
		record.NeedsConfirmation,
		record.Error,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入归档失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListBySession 查询会话最近的归档记录。
func (s *SQLTranscriptRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, user_id, input, response, intent, confidence, plan, success, needs_confirmation, error, created_at
        FROM transcripts WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档失败: %w", err)
	}
	defer rows.Close()

	var records []TranscriptRecord
	for rows.Next() {
		var (
			record    TranscriptRecord
			plan, msg sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.SessionID, &record.UserID, &record.Input, &record.Response,
			&record.Intent, &record.Confidence, &plan, &record.Success, &record.NeedsConfirmation, &msg, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		record.Plan = plan.String
		record.Error = msg.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLTranscriptRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
