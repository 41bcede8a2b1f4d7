package toolkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/llm"
	"pawmise/internal/observability/metrics"
	"pawmise/internal/web3"
	"pawmise/pkg/logger"
)

// Handler 执行一次工具调用，args 为模型给出的原始 JSON 参数。
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Result 是工具调用的输出，Output 会被序列化后回传给模型。
type Result struct {
	Output any
	TxHash string
}

// Tool 是暴露给模型的一个函数。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Env 是插件构建工具时可以使用的资源。
type Env struct {
	Wallet web3.Wallet
	// Owner 是托管该宠物的用户地址。
	Owner common.Address
	Guard *Guard
}

// Plugin 按领域提供一组工具。
type Plugin interface {
	Name() string
	Tools(env Env) []Tool
}

// DefaultPlugins 返回固定的工具插件集合。
func DefaultPlugins() []Plugin {
	return []Plugin{TokenPlugin{}, StakePlugin{}, NFTPlugin{}}
}

// Invocation 记录一次已执行的工具调用。
type Invocation struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
	TxHash    string `json:"txHash,omitempty"`
}

// Toolkit 绑定到单个签名身份，不在用户之间共享。
type Toolkit struct {
	petID       string
	userAddress string
	owner       common.Address
	wallet      web3.Wallet
	order       []string
	tools       map[string]Tool
}

// New 使用给定插件为钱包组装工具集。
func New(petID string, owner common.Address, wallet web3.Wallet, guard *Guard, plugins ...Plugin) *Toolkit {
	if guard == nil {
		guard = NewGuard(GuardConfig{})
	}
	if len(plugins) == 0 {
		plugins = DefaultPlugins()
	}
	tk := &Toolkit{
		petID:       petID,
		userAddress: owner.Hex(),
		owner:       owner,
		wallet:      wallet,
		tools:       make(map[string]Tool),
	}
	env := Env{Wallet: wallet, Owner: owner, Guard: guard}
	for _, plugin := range plugins {
		for _, tool := range plugin.Tools(env) {
			if _, exists := tk.tools[tool.Name]; exists {
				logger.L().Warn("工具名称重复，忽略后注册的工具",
					slog.String("tool", tool.Name), slog.String("plugin", plugin.Name()))
				continue
			}
			tk.tools[tool.Name] = tool
			tk.order = append(tk.order, tool.Name)
		}
	}
	return tk
}

// PetID 返回工具集所属宠物。
func (t *Toolkit) PetID() string { return t.petID }

// UserAddress 返回托管该宠物的用户地址（校验和格式）。
func (t *Toolkit) UserAddress() string { return t.userAddress }

// PetAddress 返回宠物钱包地址。
func (t *Toolkit) PetAddress() string { return t.wallet.Address().Hex() }

// Wallet 返回底层签名钱包。
func (t *Toolkit) Wallet() web3.Wallet { return t.wallet }

// Names 按注册顺序返回工具名称。
func (t *Toolkit) Names() []string {
	return append([]string(nil), t.order...)
}

// Definitions 返回提供给模型的函数定义。
func (t *Toolkit) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(t.order))
	for _, name := range t.order {
		tool := t.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}

// Invoke 执行指定工具并记录指标。
func (t *Toolkit) Invoke(ctx context.Context, name, arguments string) (*Invocation, error) {
	tool, ok := t.tools[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知工具: "+name)
	}
	args := json.RawMessage(strings.TrimSpace(arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	metrics.ObserveToolInvocation(name, err, time.Since(start))
	if err != nil {
		logger.L().Warn("工具调用失败",
			slog.String("tool", name),
			slog.String("pet_id", t.petID),
			slog.Any("error", err),
		)
		return nil, err
	}

	output, err := encodeOutput(result.Output)
	if err != nil {
		return nil, err
	}
	inv := &Invocation{Name: name, Arguments: string(args), Output: output, TxHash: result.TxHash}
	if inv.TxHash != "" {
		logger.Audit().Info("工具已提交交易",
			slog.String("tool", name),
			slog.String("pet_id", t.petID),
			slog.String("user_address", t.userAddress),
			slog.String("tx_hash", inv.TxHash),
		)
	}
	return inv, nil
}

func encodeOutput(output any) (string, error) {
	if s, ok := output.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeParseFailure, err, "序列化工具输出失败")
	}
	return string(raw), nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数格式错误")
	}
	return nil
}

// objectSchema 构建 JSON Schema 对象描述。
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func amountProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description + " (decimal string, e.g. \"12.5\")"}
}

func tokenTypeProp(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"enum":        []string{string(web3.TokenETH), string(web3.TokenUSDC), string(web3.TokenUSDT)},
		"description": description,
	}
}
