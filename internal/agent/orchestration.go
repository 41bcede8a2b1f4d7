package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/observability/alerting"
	"pawmise/internal/observability/metrics"
	"pawmise/internal/toolkit"
	"pawmise/internal/web3"
	"pawmise/pkg/logger"
)

// FlowResult 是编排流程的结果，失败时 Message 为固定致歉。
type FlowResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

// Fraction 表示要质押的余额比例。
type Fraction struct {
	Num int64
	Den int64
}

var (
	// FractionAll 质押全部余额。
	FractionAll = Fraction{Num: 1, Den: 1}
	// FractionHalf 质押一半余额。
	FractionHalf = Fraction{Num: 1, Den: 2}
)

// StakeAmount 按比例计算质押金额（最小单位，向下取整）。非法输入返回 0。
func StakeAmount(balance *big.Int, f Fraction) *big.Int {
	if balance == nil || balance.Sign() <= 0 || f.Num <= 0 || f.Den <= 0 || f.Num > f.Den {
		return new(big.Int)
	}
	out := new(big.Int).Mul(balance, big.NewInt(f.Num))
	return out.Quo(out, big.NewInt(f.Den))
}

// EmergencyWithdrawal 赎回全部质押、把全部流动余额转回用户地址，然后停用宠物。
// 停用不可逆，之后用户需要重新领养宠物。
func (a *Agent) EmergencyWithdrawal(ctx context.Context, userAddress string) *FlowResult {
	start := time.Now()
	result, err := a.emergencyWithdrawal(ctx, userAddress)
	metrics.ObserveAgentRun("emergency_withdrawal", err == nil, time.Since(start))
	if err != nil {
		return a.fail(ctx, "紧急提现失败", userAddress, err)
	}
	return result
}

func (a *Agent) emergencyWithdrawal(ctx context.Context, userAddress string) (*FlowResult, error) {
	log := logger.Named("agent").With(slog.String("user_address", userAddress))
	// 金额取自链上余额，资金只回到宠物钱包或主人地址，不受单笔上限约束。
	ctx = toolkit.WithOwnerExit(ctx)

	tk, err := a.toolkits.GetToolkit(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	wallet := tk.Wallet()
	token := wallet.SavingsToken()

	// 并行读取质押金额与流动余额。
	var (
		staked *big.Int
		liquid web3.Balance
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		staked, err = wallet.DepositOf(gctx, wallet.Address())
		return err
	})
	g.Go(func() error {
		var err error
		liquid, err = wallet.Balance(gctx, wallet.Address(), token)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("紧急提现开始",
		slog.String("staked", staked.String()),
		slog.String("liquid", liquid.Value.String()),
	)

	flow := &FlowResult{Success: true}

	// 第一阶段：赎回全部质押。
	if staked.Sign() > 0 {
		amount := web3.FormatUnits(staked, liquid.Decimals)
		instruction := fmt.Sprintf(
			"EMERGENCY WITHDRAWAL, phase 1 of 2. Call redeem_token exactly once with amount \"%s\" to redeem every staked %s. Do not call any other tool, then briefly confirm.",
			amount, token)
		run, err := a.Instruct(ctx, userAddress, instruction, a.emergencyMaxSteps)
		if err != nil {
			return nil, err
		}
		if err := requireInvocation(run, "redeem_token"); err != nil {
			return nil, err
		}
		flow.TxHash = run.LastTxHash()
		flow.Message = run.Text
	}

	// 第二阶段：重新读取余额并全部转回用户地址。
	liquid, err = wallet.Balance(ctx, wallet.Address(), token)
	if err != nil {
		return nil, err
	}
	if liquid.Value.Sign() > 0 {
		amount := web3.FormatUnits(liquid.Value, liquid.Decimals)
		instruction := fmt.Sprintf(
			"EMERGENCY WITHDRAWAL, phase 2 of 2. Call send_tokens exactly once with to \"%s\", amount \"%s\" and tokenType \"%s\". Do not call any other tool, then solemnly describe the realm falling silent.",
			tk.UserAddress(), amount, token)
		run, err := a.Instruct(ctx, userAddress, instruction, a.emergencyMaxSteps)
		if err != nil {
			return nil, err
		}
		if err := requireInvocation(run, "send_tokens"); err != nil {
			return nil, err
		}
		flow.TxHash = run.LastTxHash()
		flow.Message = run.Text
		flow.Amount = amount
	}

	// 停用宠物并丢弃工具集。
	if a.pets != nil {
		if _, err := a.pets.Deactivate(ctx, userAddress); err != nil {
			return nil, err
		}
	}
	a.toolkits.Invalidate(ctx, userAddress)

	if flow.Message == "" {
		flow.Message = "The grove falls silent. There was nothing left to withdraw, and your companion has returned to the stars."
	}
	logger.Audit().Warn("紧急提现完成",
		slog.String("user_address", userAddress),
		slog.String("pet_id", tk.PetID()),
		slog.String("tx_hash", flow.TxHash),
	)
	return flow, nil
}

// StakeAllTokens 质押全部流动储蓄代币。
func (a *Agent) StakeAllTokens(ctx context.Context, userAddress string) *FlowResult {
	return a.stake(ctx, userAddress, FractionAll, "stake_all")
}

// StakeHalfTokens 质押一半流动储蓄代币。
func (a *Agent) StakeHalfTokens(ctx context.Context, userAddress string) *FlowResult {
	return a.stake(ctx, userAddress, FractionHalf, "stake_half")
}

func (a *Agent) stake(ctx context.Context, userAddress string, fraction Fraction, kind string) *FlowResult {
	start := time.Now()
	result, err := a.stakeFraction(ctx, userAddress, fraction)
	metrics.ObserveAgentRun(kind, err == nil && result.Success, time.Since(start))
	if err != nil {
		return a.fail(ctx, "质押失败", userAddress, err)
	}
	return result
}

func (a *Agent) stakeFraction(ctx context.Context, userAddress string, fraction Fraction) (*FlowResult, error) {
	tk, err := a.toolkits.GetToolkit(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	wallet := tk.Wallet()
	token := wallet.SavingsToken()
	balance, err := wallet.Balance(ctx, wallet.Address(), token)
	if err != nil {
		return nil, err
	}

	// 金额在服务端确定，模型只负责调用 stake_token。
	amount := StakeAmount(balance.Value, fraction)
	if amount.Sign() == 0 {
		return &FlowResult{Success: false, Message: fmt.Sprintf("There are no %s tokens to stake.", token)}, nil
	}
	formatted := web3.FormatUnits(amount, balance.Decimals)
	instruction := fmt.Sprintf(
		"Call stake_token exactly once with amount \"%s\" (%s). Do not call any other tool and do not change the amount, then celebrate the saving in one short line.",
		formatted, token)
	run, err := a.Instruct(ctx, userAddress, instruction, a.maxSteps)
	if err != nil {
		return nil, err
	}
	if err := requireInvocation(run, "stake_token"); err != nil {
		return nil, err
	}
	return &FlowResult{Success: true, Message: run.Text, TxHash: run.LastTxHash(), Amount: formatted}, nil
}

// fail 记录错误、发送告警并返回致歉结果。
func (a *Agent) fail(ctx context.Context, msg, userAddress string, err error) *FlowResult {
	logger.L().Error(msg, slog.String("user_address", userAddress), slog.Any("error", err))
	if a.alerts != nil {
		event := alerting.EventFromError(err, userAddress)
		event.Message = msg + ": " + event.Message
		if alertErr := a.alerts.Notify(ctx, event); alertErr != nil {
			logger.L().Warn("发送告警失败", slog.Any("error", alertErr))
		}
	}
	return &FlowResult{Success: false, Message: ApologyMessage}
}

func requireInvocation(run *RunResult, tool string) error {
	if len(run.Invoked(tool)) == 0 {
		return xerrors.New(xerrors.CodeExecutorFailure, "模型未调用 "+tool,
			xerrors.WithMetadata("tool", tool))
	}
	return nil
}

var _ ToolkitProvider = (*toolkit.Provisioner)(nil)
