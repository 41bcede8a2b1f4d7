package progression

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/pet"
	"pawmise/internal/task"
	"pawmise/pkg/logger"
)

// KindNFTProgression 是成长任务在任务队列中的类型。
const KindNFTProgression = "nft_progression"

const payloadBalance = "balance"

// Submitter 是 Scheduler 依赖的任务提交能力，由 task.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
}

// Scheduler 监听宠物余额变化，为每次变化提交一条持久化的成长任务。
type Scheduler struct {
	tasks Submitter
}

// NewScheduler 创建 Scheduler。
func NewScheduler(tasks Submitter) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// BalanceChanged 实现 pet.BalanceObserver。提交失败只记录日志，不影响已完成的余额更新。
func (s *Scheduler) BalanceChanged(ctx context.Context, change pet.BalanceChange) {
	scheduled, err := s.Schedule(ctx, change)
	if err != nil {
		logger.L().Error("提交成长任务失败",
			slog.String("pet_id", change.PetID),
			slog.String("user_address", change.UserAddress),
			slog.Any("error", err),
		)
		return
	}
	if receipt, ok := ctx.Value(receiptKey{}).(*Receipt); ok {
		receipt.set(scheduled.ID)
	}
}

// Schedule 提交成长任务并返回任务记录。
func (s *Scheduler) Schedule(ctx context.Context, change pet.BalanceChange) (*task.Task, error) {
	if change.Balance == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "余额不能为空")
	}
	return s.tasks.Submit(ctx, task.SubmitRequest{
		Kind:    KindNFTProgression,
		Address: change.UserAddress,
		PetID:   change.PetID,
		Payload: map[string]any{payloadBalance: change.Balance.String()},
	})
}

type receiptKey struct{}

// Receipt 收集同一请求内由余额变化触发的成长任务 ID。
type Receipt struct {
	mu     sync.Mutex
	taskID string
}

// WithReceipt 返回携带 Receipt 的 ctx，供调用方在余额更新后读取任务 ID。
func WithReceipt(ctx context.Context) (context.Context, *Receipt) {
	receipt := &Receipt{}
	return context.WithValue(ctx, receiptKey{}, receipt), receipt
}

// TaskID 返回最近一次提交的任务 ID，没有提交时为空。
func (r *Receipt) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

func (r *Receipt) set(id string) {
	r.mu.Lock()
	r.taskID = id
	r.mu.Unlock()
}

// Executor 在任务处理器中执行成长任务。
type Executor struct {
	upgrader *Upgrader
}

// NewExecutor 创建 Executor。
func NewExecutor(upgrader *Upgrader) *Executor {
	return &Executor{upgrader: upgrader}
}

// Execute 实现 task.Executor。
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	raw, _ := t.Payload[payloadBalance].(string)
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("成长任务余额非法: %q", raw),
			xerrors.WithMetadata("task_id", t.ID))
	}
	outcome, err := e.upgrader.UpgradeOrMintNFT(ctx, t.Address, balance)
	if err != nil {
		return nil, err
	}
	summary := outcome.Message
	if summary == "" {
		summary = fmt.Sprintf("tier %d NFT %s minted", outcome.Tier, outcome.NFTID)
	}
	return &task.ExecutionResult{Summary: summary, TxHash: outcome.TxHash, Tier: outcome.Tier}, nil
}

var (
	_ pet.BalanceObserver = (*Scheduler)(nil)
	_ task.Executor       = (*Executor)(nil)
	_ Submitter           = (*task.Service)(nil)
)
