package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的可靠队列：取出的任务先移入 processing 列表，
// 处理成功后删除，失败则移回主队列。多实例部署共享同一组 key。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	owned      bool
}

// NewRedisQueue 按配置建立独立连接并创建 Redis 队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
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
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient 复用已有连接创建队列，Close 不会关闭该连接。
func NewRedisQueueWithClient(client *redis.Client, queue string, blockWait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "pawmise:tasks"
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       blockWait,
	}
}

// Publish 将任务 ID 推入主队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "投递任务到 Redis 失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Consume 先把上次进程退出时遗留在 processing 列表中的任务放回主队列，
// 再启动 workerCount 个协程消费，直到 ctx 取消或 Redis 返回不可恢复的错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := q.recover(ctx); err != nil {
		return err
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			return q.work(gctx, handler)
		})
	}
	return group.Wait()
}

// recover 把 processing 列表中的任务逐个移回主队列尾部，使其优先被消费。
func (q *RedisQueue) recover(ctx context.Context) error {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExternalDependency, err, "恢复 Redis 处理中任务失败")
		}
		moved++
	}
	if moved > 0 {
		logger.Named("task").Info("已恢复未确认的任务", slog.String("queue", q.queue), slog.Int("count", moved))
	}
	return nil
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(xerrors.CodeExternalDependency, err, "从 Redis 取任务失败")
		}

		handlerErr := handler(ctx, taskID)
		// ctx 取消后仍需确认，使用独立的短超时。
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_, err = q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ackCtx, q.processing, 1, taskID)
			if handlerErr != nil {
				// 失败的任务排到队尾，不阻塞其他任务。
				pipe.LPush(ackCtx, q.queue, taskID)
			}
			return nil
		})
		cancel()
		if err != nil {
			logger.Named("task").Warn("确认 Redis 任务失败",
				slog.String("task_id", taskID),
				slog.Bool("requeue", handlerErr != nil),
				slog.Any("error", err))
		}
	}
}

// Close 关闭自有的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
