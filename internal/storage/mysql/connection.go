package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// 支持的 SQL 方言，同时也是 database/sql 的驱动名。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// Config 描述数据库连接池参数，零值字段使用方言默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// poolDefaults 是各方言的连接池默认值；SQLite 只允许一个写连接，因此固定为 1。
var poolDefaults = map[string]Config{
	DialectMySQL:  {MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute},
	DialectSQLite: {MaxOpenConns: 1, MaxIdleConns: 1},
}

func (c Config) withDefaults(dialect string) Config {
	def := poolDefaults[dialect]
	if dialect == DialectSQLite || c.MaxOpenConns <= 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = min(def.MaxIdleConns, c.MaxOpenConns)
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = def.ConnMaxLifetime
	}
	return c
}

// Open 按方言打开连接池并 Ping 一次。
func Open(ctx context.Context, dialect string, cfg Config) (*sql.DB, error) {
	if _, ok := poolDefaults[dialect]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, dialect)
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}
	if dialect == DialectMySQL {
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}
	cfg = cfg.withDefaults(dialect)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}
	return db, nil
}

// normalizeMySQLDSN 解析 DSN 并打开 clientFoundRows，使 UPDATE 的影响行数包含值未变化的行。
func normalizeMySQLDSN(dsn string) (string, error) {
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	parsed.ClientFoundRows = true
	if parsed.Timeout == 0 {
		parsed.Timeout = 5 * time.Second
	}
	return parsed.FormatDSN(), nil
}
