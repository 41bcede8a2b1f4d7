package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"
)

// DefaultMaxAmount 是单次工具调用允许的最大金额（以代币单位计）。
const DefaultMaxAmount = "1000000"

// Amount 是模型给出的十进制金额，兼容 JSON 字符串与数字两种写法。
type Amount string

// UnmarshalJSON 保留数字的原始文本，避免经过 float64 丢失精度。
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a decimal: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// GuardConfig 描述服务端参数校验策略。
type GuardConfig struct {
	// MaxAmount 为空时使用 DefaultMaxAmount。
	MaxAmount string
	// OwnerOnlyRecipients 要求转账接收方必须是宠物的主人。
	OwnerOnlyRecipients bool
}

// Guard 在任何链上调用之前校验模型给出的参数。
type Guard struct {
	maxAmount string
	ownerOnly bool
}

// NewGuard 创建 Guard。
func NewGuard(cfg GuardConfig) *Guard {
	max := strings.TrimSpace(cfg.MaxAmount)
	if max == "" {
		max = DefaultMaxAmount
	}
	return &Guard{maxAmount: max, ownerOnly: cfg.OwnerOnlyRecipients}
}

// Amount 把十进制金额转换为最小单位，要求 0 < amount <= MaxAmount。
func (g *Guard) Amount(raw Amount, decimals uint8) (*big.Int, error) {
	value, err := positiveUnits(raw, decimals)
	if err != nil {
		return nil, err
	}
	limit, err := web3.ParseUnits(g.maxAmount, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额上限配置非法")
	}
	if value.Cmp(limit) > 0 {
		return nil, xerrors.New(xerrors.CodePolicyViolation, "金额超过单笔上限",
			xerrors.WithMetadata("amount", string(raw)),
			xerrors.WithMetadata("max_amount", g.maxAmount))
	}
	return value, nil
}

// ExitAmount 在 WithOwnerExit 标记的 ctx 中只校验金额格式，不检查单笔上限；
// 其他 ctx 中等同于 Amount。调用方需自行保证资金只流向宠物或其主人。
func (g *Guard) ExitAmount(ctx context.Context, raw Amount, decimals uint8) (*big.Int, error) {
	if !isOwnerExit(ctx) {
		return g.Amount(raw, decimals)
	}
	return positiveUnits(raw, decimals)
}

func positiveUnits(raw Amount, decimals uint8) (*big.Int, error) {
	value, err := web3.ParseUnits(string(raw), decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额格式非法",
			xerrors.WithMetadata("amount", string(raw)))
	}
	if value.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数",
			xerrors.WithMetadata("amount", string(raw)))
	}
	return value, nil
}

type ownerExitKey struct{}

// WithOwnerExit 标记 ctx 属于服务端发起的全额退出流程，金额由服务端按链上余额计算。
func WithOwnerExit(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerExitKey{}, true)
}

func isOwnerExit(ctx context.Context) bool {
	exit, _ := ctx.Value(ownerExitKey{}).(bool)
	return exit
}

// Recipient 校验接收地址；开启 OwnerOnlyRecipients 时只允许发往 owner。
func (g *Guard) Recipient(raw string, owner common.Address) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "接收地址非法",
			xerrors.WithMetadata("to", raw))
	}
	to := common.HexToAddress(trimmed)
	if to == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "接收地址不能为零地址")
	}
	if g.ownerOnly && to != owner {
		return common.Address{}, xerrors.New(xerrors.CodePolicyViolation, "只允许转账到宠物主人的地址",
			xerrors.WithMetadata("to", to.Hex()),
			xerrors.WithMetadata("owner", owner.Hex()))
	}
	return to, nil
}

// Address 校验任意地址参数，空值时返回 fallback。
func (g *Guard) Address(raw string, fallback common.Address) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址非法",
			xerrors.WithMetadata("address", raw))
	}
	return common.HexToAddress(trimmed), nil
}

// TokenID 解析 NFT 编号。
func (g *Guard) TokenID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	id, ok := new(big.Int).SetString(trimmed, 0)
	if !ok || id.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "NFT 编号非法",
			xerrors.WithMetadata("nft_id", raw))
	}
	return id, nil
}

// Text 校验字符串参数非空且不超过长度上限。
func (g *Guard) Text(field, raw string, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, field+" 不能为空")
	}
	if maxLen > 0 && len(trimmed) > maxLen {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 长度不能超过 %d", field, maxLen))
	}
	return trimmed, nil
}
