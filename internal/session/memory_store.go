package session

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	messages     []Message
	lastActivity time.Time
}

// MemoryStore 以进程内 map 保存会话，适用于单实例部署与测试。
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*memorySession
	idleTimeout time.Duration
	now         func() time.Time
}

// MemoryOption 定义内存存储的可选配置。
type MemoryOption func(*MemoryStore)

// WithIdleTimeout 设置会话空闲超时。
func WithIdleTimeout(timeout time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if timeout > 0 {
			s.idleTimeout = timeout
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:    make(map[string]*memorySession),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// History 实现 Store 接口。
func (s *MemoryStore) History(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(sessionID)
	out := make([]Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

// Append 实现 Store 接口。
func (s *MemoryStore) Append(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(sessionID)
	sess.messages = append(sess.messages, msg)
	return nil
}

// Clear 实现 Store 接口。
func (s *MemoryStore) Clear(_ context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// Sweep 清理 lastActivity 早于 now-idleTimeout 的会话。
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTimeout)
	evicted := 0
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted, nil
}

// Len 返回当前会话数量。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// touch 获取或创建会话并刷新活跃时间，调用方需持有锁。
func (s *MemoryStore) touch(sessionID string) *memorySession {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	sess.lastActivity = s.now()
	return sess
}

var _ Store = (*MemoryStore)(nil)
