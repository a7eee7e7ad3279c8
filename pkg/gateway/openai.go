package gateway

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"tandem/pkg/gateway/gatewayerrors"
)

// OpenAIProvider drives GPT and o-series models through the official SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a provider for the given OpenAI model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
		Temperature:         openai.Float(float64(req.Temperature)),
	})
	if err != nil {
		return "", gatewayerrors.Classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", gatewayerrors.New(gatewayerrors.TypeEmptyResponse, "empty response from OpenAI API")
	}
	return resp.Choices[0].Message.Content, nil
}

// ModelName implements Provider.
func (p *OpenAIProvider) ModelName() string {
	return p.model
}
