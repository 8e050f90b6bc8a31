package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	defaultOllamaEndpoint = "http://ollama:11434/api/generate"
	defaultTimeout        = 100 * time.Second
)

// Provider generates a completion for a fully rendered prompt.
type Provider interface {
	GenerateCompletion(ctx context.Context, prompt string) (string, error)
	GetProviderType() string
}

// UnsupportedProviderError is returned for providers other than ollama and openai.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("Error: Unsupported model provider %s", e.Provider)
}

// NewLLMProvider builds the backend for a named model. httpCfg supplies the
// retry and circuit-breaker defaults for HTTP-based providers.
func NewLLMProvider(name string, cfg config.ModelConfig, httpCfg *config.HTTPClientConfig) (Provider, error) {
	timeout := defaultTimeout
	if cfg.Parameters.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Parameters.TimeoutSeconds) * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = name
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOllama, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOllamaEndpoint
		}
		return &OllamaProvider{
			Endpoint:   endpoint,
			Model:      model,
			Parameters: cfg.Parameters,
			Client:     httpx.NewFromConfig(httpx.WithTimeout(httpCfg, timeout)),
		}, nil
	case ProviderOpenAI:
		return NewOpenAIProvider(model, cfg, timeout), nil
	default:
		return nil, &UnsupportedProviderError{Provider: cfg.Provider}
	}
}
