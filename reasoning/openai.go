package reasoning

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultModel 默认模型，兼顾成本与速度
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig 表示推理服务配置
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIEvaluator 基于 chat completions 的推理服务
type OpenAIEvaluator struct {
	client *openai.Client
	model  string
}

// NewOpenAIEvaluator 创建推理服务客户端
func NewOpenAIEvaluator(cfg OpenAIConfig) *OpenAIEvaluator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &OpenAIEvaluator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Evaluate 实现 Evaluator
func (o *OpenAIEvaluator) Evaluate(ctx context.Context, p Prompt) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion (%s): %w", o.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion (%s): %w: no choices", o.model, ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}
