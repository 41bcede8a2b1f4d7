package task

import (
	"context"
	"sync"
	"time"

	xerrors "pawmise/internal/errors"
)

// MemoryStore 在进程内保存任务，适用于单实例部署与测试。重启后任务丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务及其 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	stamp := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = stamp
	}
	task.UpdatedAt = stamp
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	var claimed *Task
	err := m.update(id, func(task *Task) error {
		if err := claimError(task); err != nil {
			claimed = cloneTask(task)
			return err
		}
		task.Status = StatusRunning
		task.Attempts++
		task.UpdatedAt = m.now().Unix()
		claimed = cloneTask(task)
		return nil
	})
	return claimed, err
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	return m.update(id, func(task *Task) error {
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return m.update(id, func(task *Task) error {
		task.Status = StatusPending
		if terminal {
			task.Status = StatusFailed
		}
		task.LastError, task.ErrorCode = lastError, string(code)
		return nil
	})
}

// update 在写锁内修改任务，fn 返回 nil 时刷新更新时间。
func (m *MemoryStore) update(id string, fn func(task *Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return err
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
