package model

import (
	"context"
	"errors"
	"fmt"

	smithy "github.com/aws/smithy-go"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/everruns/durable/workflow"
)

// BedrockRuntime is the subset of *bedrockruntime.Client this package
// depends on, letting tests substitute a fake.
type BedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockCompleter implements Completer against the AWS Bedrock Converse
// API.
type BedrockCompleter struct {
	runtime      BedrockRuntime
	defaultModel string
}

// NewBedrockCompleter builds a completer from an existing Bedrock runtime
// client.
func NewBedrockCompleter(runtime BedrockRuntime, defaultModel string) (*BedrockCompleter, error) {
	if runtime == nil {
		return nil, errors.New("model: bedrock runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("model: bedrock default model is required")
	}
	return &BedrockCompleter{runtime: runtime, defaultModel: defaultModel}, nil
}

func (c *BedrockCompleter) Complete(ctx context.Context, in CallModelInput) (CallModelOutput, error) {
	modelID := in.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: in.Prompt},
				},
			},
		},
	}
	if in.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: in.System},
		}
	}
	if cfg := inferenceConfig(in.MaxTokens, in.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			retryable := true
			return CallModelOutput{}, &workflow.ActivityError{
				Message:   fmt.Sprintf("model: bedrock converse throttled: %v", err),
				Kind:      "rate_limited",
				Retryable: &retryable,
			}
		}
		return CallModelOutput{}, fmt.Errorf("model: bedrock converse: %w", err)
	}
	return translateBedrockOutput(output)
}

// isThrottled reports whether err is Bedrock signalling the caller has
// exceeded its request rate, so the worker pool can surface a distinct
// "rate_limited" kind instead of a generic failure.
func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return true
	default:
		return false
	}
}

func inferenceConfig(maxTokens int, temperature float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temperature > 0 {
		cfg.Temperature = aws.Float32(float32(temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func translateBedrockOutput(output *bedrockruntime.ConverseOutput) (CallModelOutput, error) {
	if output == nil {
		return CallModelOutput{}, errors.New("model: bedrock response is nil")
	}
	var text string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += v.Value
			}
		}
	}
	out := CallModelOutput{Text: text}
	if usage := output.Usage; usage != nil {
		out.Usage = TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	return out, nil
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
