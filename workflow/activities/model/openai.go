package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient is the subset of the OpenAI SDK's ChatCompletionService this
// package depends on, letting tests substitute a fake client.
type OpenAIClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAICompleter implements Completer against the OpenAI Chat Completions
// API.
type OpenAICompleter struct {
	client       OpenAIClient
	defaultModel string
}

// NewOpenAICompleter builds a completer from an existing client.
func NewOpenAICompleter(client OpenAIClient, defaultModel string) (*OpenAICompleter, error) {
	if client == nil {
		return nil, errors.New("model: openai client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("model: openai default model is required")
	}
	return &OpenAICompleter{client: client, defaultModel: defaultModel}, nil
}

// NewOpenAICompleterFromAPIKey constructs a completer using the SDK's
// default HTTP client.
func NewOpenAICompleterFromAPIKey(apiKey, defaultModel string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, errors.New("model: openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAICompleter(&client.Chat.Completions, defaultModel)
}

func (c *OpenAICompleter) Complete(ctx context.Context, in CallModelInput) (CallModelOutput, error) {
	modelID := in.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if in.System != "" {
		messages = append(messages, openai.SystemMessage(in.System))
	}
	messages = append(messages, openai.UserMessage(in.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if in.Temperature > 0 {
		params.Temperature = openai.Float(in.Temperature)
	}

	resp, err := c.client.New(ctx, params)
	if err != nil {
		return CallModelOutput{}, fmt.Errorf("model: openai chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CallModelOutput{}, errors.New("model: openai returned no choices")
	}

	return CallModelOutput{
		Text: resp.Choices[0].Message.Content,
		Usage: TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}
