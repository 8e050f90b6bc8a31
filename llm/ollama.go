package llm

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

const noResponse = "No response generated"

// OllamaProvider calls the non-streaming /api/generate endpoint.
type OllamaProvider struct {
	Endpoint   string
	Model      string
	Parameters config.ModelParameters
	Client     *httpx.Client
}

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

func (o *OllamaProvider) GetProviderType() string { return ProviderOllama }

func (o *OllamaProvider) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	opts := map[string]interface{}{"temperature": o.Parameters.Temperature}
	if o.Parameters.NumPredict > 0 {
		opts["num_predict"] = o.Parameters.NumPredict
	}
	data, err := o.Client.DoJSON(ctx, http.MethodPost, o.Endpoint, ollamaRequest{
		Model:   o.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	}, nil)
	if err != nil {
		return "", err
	}
	resp := gjson.GetBytes(data, "response")
	if !resp.Exists() {
		return noResponse, nil
	}
	return resp.String(), nil
}
