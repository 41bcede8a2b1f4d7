package task

import (
	"context"

	xerrors "pawmise/internal/errors"
)

// Store 定义任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待执行任务切换为运行中并累加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败原因；terminal 为 false 时任务回到待执行状态等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	Close() error
}

// claimError 判断任务当前能否被领取，不能领取时返回对应的哨兵错误。
func claimError(task *Task) error {
	switch {
	case task.Status == StatusSucceeded:
		return ErrTaskCompleted
	case task.Status == StatusRunning:
		return ErrTaskConflict
	case task.Status == StatusFailed, task.Attempts >= task.MaxRetries:
		return ErrTaskExhausted
	default:
		return nil
	}
}
