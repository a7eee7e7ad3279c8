package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tandem/pkg/gateway/gatewayerrors"
)

// AnthropicProvider drives Claude models through the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider creates a provider for the given Claude model.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	system, turns, err := splitSystem(req.Messages)
	if err != nil {
		return "", gatewayerrors.Wrap(gatewayerrors.TypeBadPrompt, err, "message shape error")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", gatewayerrors.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", gatewayerrors.New(gatewayerrors.TypeEmptyResponse, "empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return text.String(), nil
}

// ModelName implements Provider.
func (p *AnthropicProvider) ModelName() string {
	return string(p.model)
}

// splitSystem extracts system messages into the top-level system prompt and
// merges consecutive user turns, the alternation the Anthropic API requires.
func splitSystem(messages []Message) (string, []Message, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var turns []Message
	var pendingUser []string

	flush := func() {
		if len(pendingUser) > 0 {
			turns = append(turns, Message{Role: RoleUser, Content: strings.Join(pendingUser, "\n\n")})
			pendingUser = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleAssistant:
			flush()
			turns = append(turns, msg)
		default:
			pendingUser = append(pendingUser, msg.Content)
		}
	}
	flush()

	if len(turns) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if turns[len(turns)-1].Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got %s", turns[len(turns)-1].Role)
	}
	return strings.Join(systemParts, "\n\n"), turns, nil
}
