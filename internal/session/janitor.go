package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pawmise/pkg/logger"
)

// Janitor 周期性地调用 Store.Sweep 清理空闲会话。
type Janitor struct {
	store    Store
	interval time.Duration
	observe  func(int)

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// JanitorOption 定义 Janitor 的可选配置。
type JanitorOption func(*Janitor)

// WithSweepObserver 在每轮清理结束后回调清理数量。
func WithSweepObserver(fn func(evicted int)) JanitorOption {
	return func(j *Janitor) {
		if fn != nil {
			j.observe = fn
		}
	}
}

// NewJanitor 创建清理器，interval 非正数时使用默认周期。
func NewJanitor(store Store, interval time.Duration, opts ...JanitorOption) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	j := &Janitor{store: store, interval: interval, observe: func(int) {}}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Start 注册周期任务并启动调度器，重复调用无副作用。
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.interval), func() { j.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("注册会话清理任务失败: %w", err)
	}
	c.Start()
	j.cron = c
	j.started = true
	return nil
}

// Stop 停止调度并等待正在执行的清理结束。
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.started = false
	j.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce 立即执行一轮清理并返回清理数量。
func (j *Janitor) RunOnce(ctx context.Context) int {
	evicted, err := j.store.Sweep(ctx)
	if err != nil {
		logger.L().Warn("会话清理失败", slog.Any("error", err))
		return 0
	}
	if evicted > 0 {
		logger.L().Info("已清理空闲会话", slog.Int("evicted", evicted))
	}
	j.observe(evicted)
	return evicted
}
