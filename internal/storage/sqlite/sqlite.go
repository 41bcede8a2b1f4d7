// Package sqlite opens the single-node pet and task database backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	breed TEXT NOT NULL DEFAULT '',
	balance TEXT NOT NULL DEFAULT '0',
	active INTEGER NOT NULL DEFAULT 1,
	wallet_address TEXT NOT NULL DEFAULT '',
	encrypted_key TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pets_user_active ON pets(user_id, active);
CREATE UNIQUE INDEX IF NOT EXISTS uk_pets_active_user ON pets(user_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	pet_id TEXT NOT NULL DEFAULT '',
	payload TEXT,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	error_code TEXT NOT NULL DEFAULT '',
	result TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Open 创建数据库文件所在目录，打开 WAL 模式连接并初始化表结构。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite 只允许单写者，连接数保持较小以减少 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}
