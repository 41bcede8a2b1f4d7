package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"
)

// TokenPlugin 提供余额查询与转账工具。
type TokenPlugin struct{}

// Name 返回插件名称。
func (TokenPlugin) Name() string { return "tokenTools" }

// Tools 构建 view_balance 与 send_tokens。
func (TokenPlugin) Tools(env Env) []Tool {
	return []Tool{
		{
			Name:        "view_balance",
			Description: "View balance of a token of an address.",
			Parameters: objectSchema(map[string]any{
				"address":   stringProp("The address to check (defaults to current wallet if not provided)"),
				"formatted": map[string]any{"type": "boolean", "description": "Whether to return a human-readable format"},
				"tokenType": tokenTypeProp("The type of token to check"),
			}),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					Address   string `json:"address"`
					Formatted bool   `json:"formatted"`
					TokenType string `json:"tokenType"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				token, err := parseToken(args.TokenType)
				if err != nil {
					return Result{}, err
				}
				owner, err := env.Guard.Address(args.Address, env.Wallet.Address())
				if err != nil {
					return Result{}, err
				}
				balance, err := env.Wallet.Balance(ctx, owner, token)
				if err != nil {
					return Result{}, err
				}
				if args.Formatted {
					return Result{Output: balance.Formatted()}, nil
				}
				return Result{Output: balanceOutput{
					Value:    balance.Value.String(),
					Decimals: balance.Decimals,
					Symbol:   balance.Symbol,
					Address:  owner.Hex(),
				}}, nil
			},
		},
		{
			Name:        "send_tokens",
			Description: "Send tokens to an address.",
			Parameters: objectSchema(map[string]any{
				"to":        stringProp("The recipient's address"),
				"amount":    amountProp("The amount of token to send"),
				"tokenType": tokenTypeProp("The type of token to send"),
			}, "to", "amount", "tokenType"),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					To        string `json:"to"`
					Amount    Amount `json:"amount"`
					TokenType string `json:"tokenType"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				token, err := parseToken(args.TokenType)
				if err != nil {
					return Result{}, err
				}
				to, err := env.Guard.Recipient(args.To, env.Owner)
				if err != nil {
					return Result{}, err
				}
				balance, err := env.Wallet.Balance(ctx, env.Wallet.Address(), token)
				if err != nil {
					return Result{}, err
				}
				var amount *big.Int
				if to == env.Owner {
					// 退出流程中转回主人的全部余额不受单笔上限约束。
					amount, err = env.Guard.ExitAmount(ctx, args.Amount, balance.Decimals)
				} else {
					amount, err = env.Guard.Amount(args.Amount, balance.Decimals)
				}
				if err != nil {
					return Result{}, err
				}
				if err := ensureFunds(token, balance, amount); err != nil {
					return Result{}, err
				}
				receipt, err := env.Wallet.Transfer(ctx, to, amount, token)
				if err != nil {
					return Result{}, err
				}
				return Result{
					Output: txOutput{TxHash: receipt.TxHash, Amount: web3.FormatUnits(amount, balance.Decimals), To: to.Hex()},
					TxHash: receipt.TxHash,
				}, nil
			},
		},
	}
}

type balanceOutput struct {
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
}

type txOutput struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount,omitempty"`
	To     string `json:"to,omitempty"`
}

func parseToken(raw string) (web3.TokenType, error) {
	token, err := web3.ParseTokenType(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "不支持的代币类型")
	}
	return token, nil
}

// ensureFunds 在提交交易前确认余额足够。
func ensureFunds(token web3.TokenType, balance web3.Balance, amount *big.Int) error {
	if balance.Value != nil && balance.Value.Cmp(amount) >= 0 {
		return nil
	}
	have := "0"
	if balance.Value != nil {
		have = web3.FormatUnits(balance.Value, balance.Decimals)
	}
	return xerrors.New(xerrors.CodeInsufficientFunds,
		fmt.Sprintf("Insufficient %s balance: have %s, need %s", token, have, web3.FormatUnits(amount, balance.Decimals)))
}
