package gateway

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/genai"

	"tandem/pkg/gateway/gatewayerrors"
)

// GeminiProvider drives Gemini models through the Google GenAI SDK. Client
// creation needs a context, so it is deferred to the first Complete.
type GeminiProvider struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiProvider creates a provider for the given Gemini model.
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model}
}

// Complete implements Provider.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return "", gatewayerrors.Wrap(gatewayerrors.TypeTransient, err, "failed to create Gemini client")
	}

	var systemParts []string
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model", // Gemini uses "model" instead of "assistant"
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	temp := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return "", gatewayerrors.Classify(err)
	}
	if result == nil || result.Text() == "" {
		return "", gatewayerrors.New(gatewayerrors.TypeEmptyResponse, "empty response from Gemini API")
	}
	return result.Text(), nil
}

// ModelName implements Provider.
func (p *GeminiProvider) ModelName() string {
	return p.model
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}
