package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"agent-core/deploy/migrations"
)

const (
	createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectAppliedVersions = `SELECT version FROM schema_migrations`
	insertAppliedVersion  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// Migration 是一个版本的迁移脚本，Statements 已按分号拆分。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Migrate 按版本顺序执行 dialect 下尚未应用的迁移，可重复调用。
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	_, err := MigrateWithReport(ctx, db, dialect)
	return err
}

// MigrateWithReport 与 Migrate 相同，额外返回本次执行的迁移列表。
func MigrateWithReport(ctx context.Context, db *sql.DB, dialect string) ([]Migration, error) {
	pending, err := PendingMigrations(ctx, db, dialect)
	if err != nil {
		return nil, err
	}
	for _, m := range pending {
		if err := m.apply(ctx, db); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// PendingMigrations 返回尚未执行的迁移，会按需创建 schema_migrations 表。
func PendingMigrations(ctx context.Context, db *sql.DB, dialect string) ([]Migration, error) {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m Migration) bool {
		_, done := applied[m.Version]
		return done
	}), nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, selectAppliedVersions)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	return applied, rows.Err()
}

// apply 在单个事务里执行全部语句并登记版本。
func (m Migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.Statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.Name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertAppliedVersion, m.Version, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", m.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.Name, err)
	}
	return nil
}

func loadMigrations(dialect string) ([]Migration, error) {
	dir, err := migrations.Dialect(dialect)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(dir, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录 %s 失败: %w", dialect, err)
	}

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, Migration{Version: migrationVersion(name), Name: name, Statements: statements})
	}
	slices.SortFunc(out, func(a, b Migration) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

// splitSQLStatements 按分号拆分脚本；迁移文件中不允许在字符串字面量里出现分号。
func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线前的部分，例如 0002_create_task_states.sql 得到 0002。
func migrationVersion(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	version, _, _ := strings.Cut(name, "_")
	return version
}
