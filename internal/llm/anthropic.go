package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator calls the Messages API.
type AnthropicGenerator struct {
	client   *anthropic.Client
	defaults Options
}

func NewAnthropicGenerator(cfg GenerationConfig) *AnthropicGenerator {
	var reqOpts []option.RequestOption
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return &AnthropicGenerator{
		client: &client,
		defaults: Options{
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
		},
	}
}

func (g *AnthropicGenerator) params(msgs []Message, opts []Option) anthropic.MessageNewParams {
	o := g.defaults
	for _, fn := range opts {
		fn(&o)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(o.Model),
		MaxTokens: o.MaxTokens,
	}
	if o.Temperature > 0 {
		params.Temperature = anthropic.Float(o.Temperature)
	}
	if o.TopP > 0 {
		params.TopP = anthropic.Float(o.TopP)
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

func (g *AnthropicGenerator) Generate(ctx context.Context, msgs []Message, opts ...Option) (string, error) {
	resp, err := g.client.Messages.New(ctx, g.params(msgs, opts))
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (g *AnthropicGenerator) Stream(ctx context.Context, msgs []Message, onDelta func(string), opts ...Option) (string, error) {
	stream := g.client.Messages.NewStreaming(ctx, g.params(msgs, opts))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok {
				sb.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), fmt.Errorf("anthropic stream: %w", err)
	}
	return sb.String(), nil
}
