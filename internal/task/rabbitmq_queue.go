package task

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 把任务 ID 作为持久化消息投递到 RabbitMQ，手动确认。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	// amqp channel 不支持并发发布。
	publishMu sync.Mutex
	closeOnce sync.Once
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pawmise.tasks"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{conn: conn, queue: queue}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ QoS 失败")
		}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", q.queue))
	}
	return nil
}

// Publish 投递一条持久化消息，MessageId 即任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Timestamp:    time.Now(),
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "投递任务到 RabbitMQ 失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Consume 以 workerCount 个协程处理消息，handler 失败的消息 Nack 后重新入队。
// 连接断开导致投递通道关闭时返回错误，由调用方决定是否重建。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalDependency, err, "订阅 RabbitMQ 队列失败")
	}

	log := logger.Named("task").With(slog.String("queue", q.queue))
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case msg, ok := <-deliveries:
					if !ok {
						return xerrors.New(xerrors.CodeExternalDependency, "RabbitMQ 投递通道已关闭")
					}
					taskID := string(msg.Body)
					if err := handler(gctx, taskID); err != nil {
						log.Warn("任务处理失败，消息重新入队", slog.String("task_id", taskID), slog.Any("error", err))
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		})
	}
	return group.Wait()
}

// Close 关闭 channel 与连接，可重复调用。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var err error
	q.closeOnce.Do(func() {
		if q.ch != nil {
			_ = q.ch.Close()
		}
		if q.conn != nil {
			err = q.conn.Close()
		}
	})
	return err
}

var _ Queue = (*RabbitMQQueue)(nil)
