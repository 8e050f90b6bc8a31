package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

// OpenAIProvider uses the chat completions API. Endpoint may point at any
// OpenAI-compatible server.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	parameters config.ModelParameters
}

func NewOpenAIProvider(model string, cfg config.ModelConfig, timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{option.WithRequestTimeout(timeout)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      model,
		parameters: cfg.Parameters,
	}
}

func (o *OpenAIProvider) GetProviderType() string { return ProviderOpenAI }

func (o *OpenAIProvider) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: openai.Float(o.parameters.Temperature),
	}
	if o.parameters.NumPredict > 0 {
		params.MaxTokens = openai.Int(int64(o.parameters.NumPredict))
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices")
	}
	if resp.Choices[0].Message.Content == "" {
		return noResponse, nil
	}
	return resp.Choices[0].Message.Content, nil
}
