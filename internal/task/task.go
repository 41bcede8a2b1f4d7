package task

import (
	"net/http"

	xerrors "pawmise/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次任务执行的结果。
type ExecutionResult struct {
	Summary string `json:"summary"`
	TxHash  string `json:"tx_hash,omitempty"`
	Tier    int    `json:"tier,omitempty"`
}

// Task 描述了排队执行的后台任务，例如宠物余额变化后的 NFT 成长。
type Task struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	Address    string           `json:"address"`
	PetID      string           `json:"pet_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Finished 判断任务是否已经进入终态。
func (t *Task) Finished() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound},
		CodeTaskConflict:   {Message: "task is held by another worker", Severity: xerrors.SeverityWarning, Status: http.StatusConflict},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo, Status: http.StatusConflict},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo, Status: http.StatusBadRequest},
		CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// 存储层返回的哨兵错误，调用方用 errors.Is 按错误码匹配。
// 包级变量先于 init 初始化，因此消息与级别在这里显式给出。
var (
	ErrTaskNotFound  = xerrors.New(CodeTaskNotFound, "task not found", xerrors.WithSeverity(xerrors.SeverityInfo))
	ErrTaskConflict  = xerrors.New(CodeTaskConflict, "task is held by another worker", xerrors.WithSeverity(xerrors.SeverityWarning))
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

// IsTaskError 判断 err 是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	return err != nil && xerrors.Is(err, target)
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Payload = clonePayload(task.Payload)
	return &clone
}
