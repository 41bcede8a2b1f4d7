package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// HTTPClient 为空时按 Timeout 创建。
	HTTPClient *http.Client
}

// Client 通过 go-openai 调用兼容 OpenAI 的函数调用接口。
type Client struct {
	client *goopenai.Client
	model  string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	config := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &Client{client: goopenai.NewClientWithConfig(config), model: model}, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string {
	return c.model
}

// Chat 发送对话与可用工具，返回文本回复或函数调用。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toMessages(req),
	}
	if len(req.Tools) > 0 {
		tools := make([]goopenai.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
		chatReq.Tools = tools
		chatReq.ToolChoice = "auto"
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "请求 OpenAI 失败")
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExternalDependency, "OpenAI 响应中没有有效的 choices")
	}

	msg := resp.Choices[0].Message
	out := &llm.Response{
		Content: strings.TrimSpace(msg.Content),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toMessages(req llm.Request) []goopenai.ChatCompletionMessage {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case llm.RoleTool:
			msg.Role = goopenai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		}
		messages = append(messages, msg)
	}
	return messages
}

var _ llm.Client = (*Client)(nil)
