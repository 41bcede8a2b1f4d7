// Package session buffers per-user chat history with idle-timeout eviction.
package session

import (
	"context"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultIdleTimeout 是会话在无活动后被清理前的默认时长。
const DefaultIdleTimeout = 30 * time.Minute

// DefaultSweepInterval 是后台清理的默认周期。
const DefaultSweepInterval = 10 * time.Minute

// Message 是会话中的一条消息，追加后不再修改。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store 抽象了会话历史的存取，支持内存与共享缓存两类实现。
type Store interface {
	// History 返回按时间排序的消息副本；会话不存在时视为空会话并刷新活跃时间。
	History(ctx context.Context, sessionID string) ([]Message, error)
	// Append 将消息追加到末尾并刷新活跃时间，不校验角色交替。
	Append(ctx context.Context, sessionID string, msg Message) error
	// Clear 删除整个会话，返回会话此前是否存在，内部错误只记录不返回。
	Clear(ctx context.Context, sessionID string) bool
	// Sweep 清理超过空闲时长的会话，返回清理数量。
	Sweep(ctx context.Context) (int, error)
}
