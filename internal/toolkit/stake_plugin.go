package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"pawmise/internal/web3"
)

// StakePlugin 提供储蓄代币的存取工具。
type StakePlugin struct{}

// Name 返回插件名称。
func (StakePlugin) Name() string { return "stakeTools" }

// Tools 构建 stake_token、redeem_token、check_deposit 与 mint_token。
func (StakePlugin) Tools(env Env) []Tool {
	amountOnly := func(description string) map[string]any {
		return objectSchema(map[string]any{"amount": amountProp(description)}, "amount")
	}

	return []Tool{
		{
			Name:        "stake_token",
			Description: "Stake an amount of token",
			Parameters:  amountOnly("The amount of tokens to deposit"),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					Amount Amount `json:"amount"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				token := env.Wallet.SavingsToken()
				balance, err := env.Wallet.Balance(ctx, env.Wallet.Address(), token)
				if err != nil {
					return Result{}, err
				}
				amount, err := env.Guard.Amount(args.Amount, balance.Decimals)
				if err != nil {
					return Result{}, err
				}
				if err := ensureFunds(token, balance, amount); err != nil {
					return Result{}, err
				}
				receipt, err := env.Wallet.Deposit(ctx, amount)
				if err != nil {
					return Result{}, err
				}
				return Result{
					Output: txOutput{TxHash: receipt.TxHash, Amount: web3.FormatUnits(amount, balance.Decimals)},
					TxHash: receipt.TxHash,
				}, nil
			},
		},
		{
			Name:        "redeem_token",
			Description: "Redeem staked token from a contract",
			Parameters:  amountOnly("The amount of tokens to redeem"),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					Amount Amount `json:"amount"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				decimals, err := savingsDecimals(ctx, env)
				if err != nil {
					return Result{}, err
				}
				amount, err := env.Guard.ExitAmount(ctx, args.Amount, decimals)
				if err != nil {
					return Result{}, err
				}
				deposited, err := env.Wallet.DepositOf(ctx, env.Wallet.Address())
				if err != nil {
					return Result{}, err
				}
				token := env.Wallet.SavingsToken()
				if err := ensureFunds(token, web3.Balance{Value: deposited, Decimals: decimals, Symbol: string(token)}, amount); err != nil {
					return Result{}, err
				}
				receipt, err := env.Wallet.Redeem(ctx, amount)
				if err != nil {
					return Result{}, err
				}
				return Result{
					Output: redeemOutput{
						TxHash:               receipt.TxHash,
						Amount:               web3.FormatUnits(amount, decimals),
						ExpectedWithInterest: web3.FormatUnits(ExpectedWithInterest(amount), decimals),
					},
					TxHash: receipt.TxHash,
				}, nil
			},
		},
		{
			Name:        "check_deposit",
			Description: "Check the amount of tokens deposited by the user",
			Parameters: objectSchema(map[string]any{
				"humanReadable": map[string]any{"type": "boolean", "description": "Returns in a human readable format"},
			}),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					HumanReadable bool `json:"humanReadable"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				deposited, err := env.Wallet.DepositOf(ctx, env.Wallet.Address())
				if err != nil {
					return Result{}, err
				}
				decimals, err := savingsDecimals(ctx, env)
				if err != nil {
					return Result{}, err
				}
				token := env.Wallet.SavingsToken()
				if args.HumanReadable {
					return Result{Output: fmt.Sprintf("%s %s", web3.FormatUnits(deposited, decimals), token)}, nil
				}
				return Result{Output: balanceOutput{
					Value:    deposited.String(),
					Decimals: decimals,
					Symbol:   string(token),
					Address:  env.Wallet.Address().Hex(),
				}}, nil
			},
		},
		{
			Name:        "mint_token",
			Description: "Mint a amount of tokens to self",
			Parameters:  amountOnly("The amount of tokens to mint"),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					Amount Amount `json:"amount"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				decimals, err := savingsDecimals(ctx, env)
				if err != nil {
					return Result{}, err
				}
				amount, err := env.Guard.Amount(args.Amount, decimals)
				if err != nil {
					return Result{}, err
				}
				receipt, err := env.Wallet.MintTokens(ctx, amount)
				if err != nil {
					return Result{}, err
				}
				return Result{
					Output: txOutput{TxHash: receipt.TxHash, Amount: web3.FormatUnits(amount, decimals)},
					TxHash: receipt.TxHash,
				}, nil
			},
		},
	}
}

type redeemOutput struct {
	TxHash               string `json:"txHash"`
	Amount               string `json:"amount"`
	ExpectedWithInterest string `json:"expectedWithInterest"`
}

// ExpectedWithInterest 返回赎回金额加上 10% 利息后的预期值（最小单位，向下取整）。
func ExpectedWithInterest(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(11))
	return out.Quo(out, big.NewInt(10))
}

func savingsDecimals(ctx context.Context, env Env) (uint8, error) {
	balance, err := env.Wallet.Balance(ctx, env.Wallet.Address(), env.Wallet.SavingsToken())
	if err != nil {
		return 0, err
	}
	return balance.Decimals, nil
}
