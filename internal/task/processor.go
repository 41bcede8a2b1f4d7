package task

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/observability/alerting"
	"pawmise/internal/observability/metrics"
	"pawmise/pkg/logger"
)

// Executor 执行某一类任务。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc 允许使用普通函数实现 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute 调用函数本身。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// Processor 负责从队列消费任务并按 Kind 分派给对应的 Executor。
type Processor struct {
	executors   map[string]Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithExecutor 为指定类型的任务注册执行器。
func WithExecutor(kind string, executor Executor) ProcessorOption {
	return func(p *Processor) {
		if kind != "" && executor != nil {
			p.executors[kind] = executor
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executors:   make(map[string]Executor),
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// claimSkipReason 判断领取失败是否属于正常竞争，返回可记录的原因。
func claimSkipReason(err error) (string, bool) {
	switch xerrors.CodeOf(err) {
	case CodeTaskNotFound:
		return "not_found", true
	case CodeTaskCompleted:
		return "completed", true
	case CodeTaskExhausted:
		return "exhausted", true
	case CodeTaskConflict:
		return "held_by_other_worker", true
	default:
		return "", false
	}
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if reason, skip := claimSkipReason(err); skip {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", reason))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	executor, ok := p.executors[task.Kind]
	if !ok {
		return p.handleExecutionFailure(ctx, task,
			xerrors.New(CodeTaskValidation, fmt.Sprintf("未注册任务类型 %q 的执行器", task.Kind)))
	}

	result, execErr := executor.Execute(ctx, cloneTask(task))
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}
	var record ExecutionResult
	if result != nil {
		record = *result
	}
	return p.recordSuccess(ctx, task, record)
}

// recordSuccess 写回成功结果；写回失败时任务回到待执行并重新投递。
// 成长任务在链上已经生效，重复执行只会再铸造一次同等级 NFT。
func (p *Processor) recordSuccess(ctx context.Context, task *Task, record ExecutionResult) error {
	err := p.store.MarkSucceeded(ctx, task.ID, record)
	if err == nil {
		metrics.ObserveTaskFinished(task.Kind, string(StatusSucceeded))
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", task.ID),
			slog.String("kind", task.Kind),
			slog.String("address", task.Address),
			slog.Int("tier", record.Tier),
			slog.String("tx_hash", record.TxHash),
		)
		return nil
	}

	p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
	if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, "标记成功失败后重投任务失败", xerrors.WithMetadata("task_id", task.ID))
	}
	logger.Audit().Warn("任务标记成功失败后重试",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Any("error", err),
	)
	return nil
}

// failureStage 描述一次失败后任务的去向，同时作为告警的 stage 字段。
type failureStage string

const (
	stageRetry        failureStage = "retry"
	stageTerminal     failureStage = "terminal"
	stageNonRetryable failureStage = "non_retryable"
)

func classifyFailure(task *Task, err error) failureStage {
	switch {
	case !xerrors.RetryableError(err):
		return stageNonRetryable
	case task.Attempts >= task.MaxRetries:
		return stageTerminal
	default:
		return stageRetry
	}
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	stage := classifyFailure(task, execErr)
	terminal := stage != stageRetry

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("stage", string(stage)),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
		slog.Any("error", execErr),
	)
	if terminal {
		metrics.ObserveTaskFinished(task.Kind, string(StatusFailed))
	}
	p.emitAlert(ctx, task, code, execErr, string(stage))

	if terminal {
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, "任务重投失败", xerrors.WithMetadata("task_id", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// emitAlert 以任务地址作为告警主体，没有地址时退回任务 ID。
func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil || cause == nil {
		return
	}
	subject := task.Address
	if subject == "" {
		subject = task.ID
	}
	event := alerting.EventFromError(cause, subject)
	event.Code = code
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 3)
	}
	event.Metadata["stage"] = stage
	event.Metadata["task_id"] = task.ID
	if task.Kind != "" {
		event.Metadata["kind"] = task.Kind
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
