package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

// Config 描述 MySQL 连接池参数，零值字段使用默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingAttempts 是启动时探测数据库的次数，数据库容器可能晚于服务就绪。
	PingAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.PingAttempts <= 0 {
		c.PingAttempts = 3
	}
	return c
}

// Open 建立连接池并执行嵌入的迁移脚本。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := connect(ctx, cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	driverCfg, err := mysqldrv.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}
	// 宠物名可能包含 emoji，未指定字符集时使用 utf8mb4。
	if driverCfg.Params == nil {
		driverCfg.Params = map[string]string{}
	}
	if _, ok := driverCfg.Params["charset"]; !ok {
		driverCfg.Params["charset"] = "utf8mb4"
	}
	connector, err := mysqldrv.NewConnector(driverCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建 MySQL 连接器失败")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := ping(ctx, db, cfg.PingAttempts, driverCfg.Addr); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, attempts int, addr string) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.Named("storage").Warn("MySQL 尚未就绪，稍后重试",
			slog.String("addr", addr),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待 MySQL 就绪超时")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 MySQL", xerrors.WithMetadata("addr", addr))
}
