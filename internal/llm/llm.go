package llm

import "context"

// Role 表示消息作者。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是发送给大模型的一条消息。
type Message struct {
	Role    Role
	Content string
	// ToolCalls 仅出现在助手消息中。
	ToolCalls []ToolCall
	// ToolCallID 仅出现在工具结果消息中。
	ToolCallID string
}

// ToolDefinition 描述一个可供模型调用的函数，Parameters 为 JSON Schema。
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall 是模型发起的一次函数调用，Arguments 为原始 JSON 字符串。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request 描述一次对话补全请求。
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response 是大模型返回的文本或函数调用。
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
