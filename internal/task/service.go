package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

// DefaultMaxRetries 是未配置时每个任务允许的最大尝试次数。
const DefaultMaxRetries = 3

// SubmitRequest 描述提交任务所需的参数。ID 非空时作为幂等键。
type SubmitRequest struct {
	ID      string
	Kind    string
	Address string
	PetID   string
	Payload map[string]any
}

// Service 把任务写入存储后投递到队列，并提供状态查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务，maxRetries 不大于 0 时使用 DefaultMaxRetries。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 持久化任务并投递。相同 ID 重复提交时直接返回已有任务，不会重复投递。
// 投递失败的任务被标记为失败终态，避免留下永远不会被消费的 pending 记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		if existing, err := s.lookup(ctx, id); existing != nil || err != nil {
			return existing, err
		}
	} else {
		id = uuid.NewString()
	}

	task := &Task{
		ID:         id,
		Kind:       kind,
		Address:    req.Address,
		PetID:      req.PetID,
		Payload:    clonePayload(req.Payload),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if !IsTaskError(err, CodeTaskConflict) {
			return nil, err
		}
		// 并发提交同一 ID，以先写入的一方为准。
		if existing, getErr := s.lookup(ctx, id); existing != nil || getErr != nil {
			return existing, getErr
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败", xerrors.WithMetadata("task_id", id))
		logger.Named("task").Error("任务入队失败", slog.String("task_id", id), slog.Any("error", err))
		if markErr := s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.Named("task").Warn("标记入队失败的任务失败", slog.String("task_id", id), slog.Any("error", markErr))
		}
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.String("kind", kind),
		slog.String("address", task.Address),
		slog.String("pet_id", task.PetID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// lookup 返回已存在的任务；任务不存在时两个返回值都为 nil。
func (s *Service) lookup(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case IsTaskError(err, CodeTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// Get 返回指定任务的当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// WaitUntilCompleted 轮询任务直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 依次关闭存储与生产者，返回第一个错误。
func (s *Service) Close() error {
	var first error
	if s.store != nil {
		first = s.store.Close()
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
