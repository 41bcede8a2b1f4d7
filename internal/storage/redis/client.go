package redis

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "pawmise/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix 作为所有 key 与频道的命名空间。
	Prefix string
}

// NewClient 创建并校验 Redis 连接。
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return client, nil
}

func prefixOrDefault(prefix string) string {
	if strings.TrimSpace(prefix) == "" {
		return "pawmise"
	}
	return prefix
}
