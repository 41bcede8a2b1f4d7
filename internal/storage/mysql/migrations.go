package mysql

import (
	"bufio"
	"cmp"
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"pawmise/deploy/migrations"
	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

const (
	createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectVersions = `SELECT version FROM schema_migrations`
	insertVersion  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 是一个迁移文件，版本号取文件名中第一个下划线之前的部分。
type migration struct {
	version    string
	file       string
	statements []string
}

// Migrator 从 source 中读取 *.sql 文件并按版本顺序应用到数据库。
type Migrator struct {
	source fs.FS
	now    func() time.Time
}

// NewMigrator 使用给定的文件系统构造迁移器，nil 表示内置迁移。
func NewMigrator(source fs.FS) *Migrator {
	if source == nil {
		source = migrations.Files
	}
	return &Migrator{source: source, now: time.Now}
}

// RunMigrations 应用内置的全部迁移。
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return NewMigrator(nil).Run(ctx, db)
}

// Run 跳过 schema_migrations 中已记录的版本，其余每个文件在独立事务中执行。
func (m *Migrator) Run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := m.load()
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if applied[mig.version] {
			continue
		}
		if err := m.apply(ctx, db, mig); err != nil {
			return err
		}
		logger.Named("storage").Info("已应用数据库迁移",
			slog.String("version", mig.version),
			slog.String("file", mig.file))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已应用的迁移失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, db *sql.DB, mig migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+mig.file+" 失败",
				xerrors.WithMetadata("version", mig.version))
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersion, mig.version, m.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// load 读取 source 根目录下的 .sql 文件，忽略没有语句的文件。
func (m *Migrator) load() ([]migration, error) {
	names, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{version: migrationVersion(name), file: name, statements: statements})
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// splitStatements 去掉整行的 -- 注释后按分号切分。迁移文件中不允许出现带分号的字符串字面量。
func splitStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, raw := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
