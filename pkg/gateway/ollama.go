package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"tandem/pkg/gateway/gatewayerrors"
)

// OllamaProvider drives local open-source models through an Ollama server.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a provider against the given Ollama host,
// e.g. "http://localhost:11434".
func NewOllamaProvider(hostURL, model string) *OllamaProvider {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaProvider{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", gatewayerrors.Classify(err)
	}
	if response.Message.Content == "" {
		return "", gatewayerrors.New(gatewayerrors.TypeEmptyResponse, "empty response from Ollama")
	}
	return response.Message.Content, nil
}

// ModelName implements Provider.
func (p *OllamaProvider) ModelName() string {
	return p.model
}
