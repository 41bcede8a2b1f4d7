package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"pawmise/pkg/logger"
)

// ToolkitInvalidator 通过 Redis pub/sub 在实例之间广播工具集失效事件。
type ToolkitInvalidator struct {
	client  redis.UniversalClient
	channel string
}

// NewToolkitInvalidator 创建广播器。
func NewToolkitInvalidator(client redis.UniversalClient, prefix string) *ToolkitInvalidator {
	return &ToolkitInvalidator{client: client, channel: prefixOrDefault(prefix) + ":toolkit:invalidate"}
}

// Channel 返回使用的频道名称。
func (i *ToolkitInvalidator) Channel() string {
	return i.channel
}

// Publish 广播指定用户地址的失效事件。
func (i *ToolkitInvalidator) Publish(ctx context.Context, userAddress string) error {
	if err := i.client.Publish(ctx, i.channel, userAddress).Err(); err != nil {
		return fmt.Errorf("发布工具集失效事件失败: %w", err)
	}
	return nil
}

// Listen 订阅失效事件直到 ctx 结束，每条消息调用一次 handle。
func (i *ToolkitInvalidator) Listen(ctx context.Context, handle func(userAddress string)) error {
	sub := i.client.Subscribe(ctx, i.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅工具集失效频道失败: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("工具集失效频道已关闭")
			}
			logger.L().Debug("收到工具集失效事件", slog.String("address", msg.Payload))
			handle(msg.Payload)
		}
	}
}
