package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"pawmise/internal/session"
	"pawmise/pkg/logger"
)

// SessionStore 将每个会话保存为一个 Redis list，key 的 TTL 即空闲超时。
// 空 list 在 Redis 中不存在，因此另用一个标记 key 记录“会话已打开”，
// 只读取过历史的会话同样可以被 Clear 识别。
type SessionStore struct {
	client      redis.UniversalClient
	prefix      string
	idleTimeout time.Duration
}

// NewSessionStore 基于已有连接创建会话存储。
func NewSessionStore(client redis.UniversalClient, prefix string, idleTimeout time.Duration) *SessionStore {
	if idleTimeout <= 0 {
		idleTimeout = session.DefaultIdleTimeout
	}
	return &SessionStore{client: client, prefix: prefixOrDefault(prefix), idleTimeout: idleTimeout}
}

func (s *SessionStore) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *SessionStore) markerKey(sessionID string) string {
	return s.key(sessionID) + ":open"
}

// History 读取整个列表，打开会话并刷新 TTL。
func (s *SessionStore) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	key := s.key(sessionID)
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Expire(ctx, key, s.idleTimeout)
		pipe.Set(ctx, s.markerKey(sessionID), 1, s.idleTimeout)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}

	raw := lrange.Val()
	messages := make([]session.Message, 0, len(raw))
	for _, item := range raw {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Append 追加消息到列表尾部并刷新 TTL。
func (s *SessionStore) Append(ctx context.Context, sessionID string, msg session.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化会话消息失败: %w", err)
	}
	key := s.key(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, s.idleTimeout)
		pipe.Set(ctx, s.markerKey(sessionID), 1, s.idleTimeout)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

// Clear 删除会话，Redis 异常时记录日志并返回 false。
func (s *SessionStore) Clear(ctx context.Context, sessionID string) bool {
	removed, err := s.client.Del(ctx, s.key(sessionID), s.markerKey(sessionID)).Result()
	if err != nil {
		logger.L().Warn("清理会话失败", slog.String("session", sessionID), slog.Any("error", err))
		return false
	}
	return removed > 0
}

// Sweep 由 Redis TTL 负责过期，这里无需处理。
func (s *SessionStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

var _ session.Store = (*SessionStore)(nil)
