package model

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the subset of the Anthropic SDK's MessageService this
// package depends on, so tests can substitute a fake instead of making a
// real API call.
type AnthropicClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicCompleter implements Completer against the Anthropic Messages
// API, a single-turn simplification of the planner-facing adapter in the
// example pack (no tool calls, no streaming, no thinking blocks).
type AnthropicCompleter struct {
	client       AnthropicClient
	defaultModel string
}

// NewAnthropicCompleter builds a completer from an existing Anthropic
// client and the model identifier to use when CallModelInput.Model is
// empty.
func NewAnthropicCompleter(client AnthropicClient, defaultModel string) (*AnthropicCompleter, error) {
	if client == nil {
		return nil, errors.New("model: anthropic client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("model: anthropic default model is required")
	}
	return &AnthropicCompleter{client: client, defaultModel: defaultModel}, nil
}

// NewAnthropicCompleterFromAPIKey constructs a completer using the SDK's
// default HTTP client, reading ANTHROPIC_API_KEY-style defaults via
// option.WithAPIKey.
func NewAnthropicCompleterFromAPIKey(apiKey, defaultModel string) (*AnthropicCompleter, error) {
	if apiKey == "" {
		return nil, errors.New("model: anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicCompleter(&client.Messages, defaultModel)
}

func (c *AnthropicCompleter) Complete(ctx context.Context, in CallModelInput) (CallModelOutput, error) {
	modelID := in.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		return CallModelOutput{}, errors.New("model: anthropic max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt))},
	}
	if in.System != "" {
		params.System = []sdk.TextBlockParam{{Text: in.System}}
	}
	if in.Temperature > 0 {
		params.Temperature = sdk.Float(in.Temperature)
	}

	msg, err := c.client.New(ctx, params)
	if err != nil {
		return CallModelOutput{}, fmt.Errorf("model: anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return CallModelOutput{
		Text: text,
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}
