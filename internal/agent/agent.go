package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/llm"
	"pawmise/internal/observability/alerting"
	"pawmise/internal/observability/metrics"
	"pawmise/internal/pet"
	"pawmise/internal/session"
	"pawmise/internal/toolkit"
	"pawmise/internal/web3"
	"pawmise/pkg/logger"
)

// ApologyMessage 是生成或工具调用失败时返回给用户的固定回复。
const ApologyMessage = "I'm sorry, I encountered an error while processing your request."

const (
	// DefaultMaxSteps 是普通对话允许的工具调用次数。
	DefaultMaxSteps = 10
	// DefaultEmergencyMaxSteps 是紧急提现允许的工具调用次数。
	DefaultEmergencyMaxSteps = 20

	budgetExhaustedMessage = "Tool budget exhausted for this request. Do not call more tools; answer the user with what you already know."
)

// ToolkitProvider 按用户提供工具集。
type ToolkitProvider interface {
	GetToolkit(ctx context.Context, userAddress string) (*toolkit.Toolkit, error)
	Invalidate(ctx context.Context, userAddress string)
}

// PetDeactivator 在紧急提现后停用宠物。
type PetDeactivator interface {
	Deactivate(ctx context.Context, userAddress string) (*pet.Pet, error)
}

// Reply 是一次对话的结果。
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RunResult 汇总一次工具循环的输出。
type RunResult struct {
	Text        string               `json:"text"`
	Invocations []toolkit.Invocation `json:"invocations,omitempty"`
	Steps       int                  `json:"steps"`
	Usage       llm.Usage            `json:"-"`
}

// LastTxHash 返回最后一次提交交易的哈希。
func (r *RunResult) LastTxHash() string {
	if r == nil {
		return ""
	}
	for i := len(r.Invocations) - 1; i >= 0; i-- {
		if r.Invocations[i].TxHash != "" {
			return r.Invocations[i].TxHash
		}
	}
	return ""
}

// Invoked 返回指定工具的调用记录。
func (r *RunResult) Invoked(name string) []toolkit.Invocation {
	if r == nil {
		return nil
	}
	var out []toolkit.Invocation
	for _, inv := range r.Invocations {
		if inv.Name == name {
			out = append(out, inv)
		}
	}
	return out
}

// Agent 协调大模型、工具集与会话历史，是系统的业务核心。
type Agent struct {
	llmClient         llm.Client
	toolkits          ToolkitProvider
	sessions          session.Store
	pets              PetDeactivator
	alerts            alerting.Dispatcher
	prompt            *Prompt
	maxSteps          int
	emergencyMaxSteps int
	llmTimeout        time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxSteps 设置普通对话的工具调用预算。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		if steps > 0 {
			a.maxSteps = steps
		}
	}
}

// WithEmergencyMaxSteps 设置紧急提现的工具调用预算。
func WithEmergencyMaxSteps(steps int) Option {
	return func(a *Agent) {
		if steps > 0 {
			a.emergencyMaxSteps = steps
		}
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间，0 表示不限制。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithAlerts 配置编排流程失败时的告警渠道。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) {
		if dispatcher != nil {
			a.alerts = dispatcher
		}
	}
}

// WithPrompt 替换默认的系统提示词。
func WithPrompt(prompt *Prompt) Option {
	return func(a *Agent) {
		if prompt != nil {
			a.prompt = prompt
		}
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, toolkits ToolkitProvider, sessions session.Store, pets PetDeactivator, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:         llmClient,
		toolkits:          toolkits,
		sessions:          sessions,
		pets:              pets,
		prompt:            NewPrompt(DefaultPolicy()),
		maxSteps:          DefaultMaxSteps,
		emergencyMaxSteps: DefaultEmergencyMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// ProcessMessage 把用户消息加入会话，运行工具循环并记录回复。
// 工具集构建失败时直接返回错误；生成或工具失败时返回固定致歉并写入历史。
func (a *Agent) ProcessMessage(ctx context.Context, message, userAddress string) (*Reply, error) {
	start := time.Now()
	log := logger.Named("agent").With(slog.String("user_address", userAddress))
	log.Info("处理用户消息")

	// 准备用户的工具集。
	tk, err := a.toolkits.GetToolkit(ctx, userAddress)
	if err != nil {
		metrics.ObserveAgentRun("chat", false, time.Since(start))
		return nil, err
	}

	// 记录用户消息并读取完整历史。
	key := sessionKey(userAddress)
	if _, err := a.sessions.History(ctx, key); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	if err := a.sessions.Append(ctx, key, session.Message{Role: session.RoleUser, Content: message}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	history, err := a.sessions.History(ctx, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}

	// 运行工具循环。
	reply := &Reply{Success: true}
	result, err := a.run(ctx, tk, toLLMMessages(history), a.maxSteps)
	if err != nil {
		log.Error("生成回复失败", slog.Any("error", err))
		reply = &Reply{Success: false, Message: ApologyMessage}
	} else {
		reply.Message = result.Text
	}

	// 助手回复（包括致歉）写入历史。
	if err := a.sessions.Append(ctx, key, session.Message{Role: session.RoleAssistant, Content: reply.Message}); err != nil {
		log.Warn("写入助手回复失败", slog.Any("error", err))
	}
	metrics.ObserveAgentRun("chat", reply.Success, time.Since(start))
	return reply, nil
}

// History 返回用户的会话历史。
func (a *Agent) History(ctx context.Context, userAddress string) ([]session.Message, error) {
	history, err := a.sessions.History(ctx, sessionKey(userAddress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return history, nil
}

// ClearHistory 清空用户的会话，返回会话是否存在。
func (a *Agent) ClearHistory(ctx context.Context, userAddress string) bool {
	return a.sessions.Clear(ctx, sessionKey(userAddress))
}

// Instruct 以一次性指令运行工具循环，不读写会话历史。错误原样返回。
func (a *Agent) Instruct(ctx context.Context, userAddress, instruction string, maxSteps int) (*RunResult, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令不能为空")
	}
	tk, err := a.toolkits.GetToolkit(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		maxSteps = a.maxSteps
	}
	return a.run(ctx, tk, []llm.Message{{Role: llm.RoleUser, Content: instruction}}, maxSteps)
}

// run 执行工具循环：步数预算按工具调用计数，耗尽后不再提供工具并要求模型给出最终答复。
func (a *Agent) run(ctx context.Context, tk *toolkit.Toolkit, messages []llm.Message, maxSteps int) (*RunResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	system, err := a.prompt.Render(tk.UserAddress())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "渲染系统提示词失败")
	}
	tools := tk.Definitions()
	result := &RunResult{}

	for {
		req := llm.Request{System: system, Messages: messages}
		exhausted := result.Steps >= maxSteps
		if !exhausted {
			req.Tools = tools
		}

		resp, err := a.generate(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 || exhausted {
			result.Text = resp.Content
			return result, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			if result.Steps >= maxSteps {
				messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: budgetExhaustedMessage})
				continue
			}
			result.Steps++
			inv, err := tk.Invoke(ctx, call.Name, call.Arguments)
			if err != nil {
				return nil, err
			}
			logger.L().Debug("工具调用完成",
				slog.String("tool", inv.Name),
				slog.Int("step", result.Steps),
				slog.String("tx_hash", inv.TxHash),
			)
			result.Invocations = append(result.Invocations, *inv)
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: inv.Output})
		}
	}
}

func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Chat(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	return resp, nil
}

func toLLMMessages(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}

// sessionKey 以校验和地址作为会话键，非法地址按原样使用。
func sessionKey(userAddress string) string {
	if normalized, err := web3.NormalizeAddress(userAddress); err == nil {
		return normalized
	}
	return strings.TrimSpace(userAddress)
}
