package task

import "context"

// Handler 处理一条队列消息，消息体就是任务 ID。
// 返回错误表示本次投递未被消费，各队列实现会以自己的方式重新投递。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的协程消费任务 ID，阻塞直到 ctx 取消或底层连接出错。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是内存、Redis 与 RabbitMQ 三种实现共同满足的接口。
type Queue interface {
	Producer
	Consumer
}
