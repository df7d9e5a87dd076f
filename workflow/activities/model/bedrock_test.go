package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow"
	"github.com/everruns/durable/workflow/activities/model"
)

type throttledBedrockRuntime struct{}

func (throttledBedrockRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
}

type failingBedrockRuntime struct{ err error }

func (f failingBedrockRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return nil, f.err
}

func TestBedrockCompleterClassifiesThrottlingAsRetryable(t *testing.T) {
	completer, err := model.NewBedrockCompleter(throttledBedrockRuntime{}, "anthropic.claude-3-sonnet")
	require.NoError(t, err)

	_, err = completer.Complete(context.Background(), model.CallModelInput{Prompt: "hi"})
	require.Error(t, err)

	var actErr *workflow.ActivityError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "rate_limited", actErr.Kind)
	require.NotNil(t, actErr.Retryable)
	assert.True(t, *actErr.Retryable)
}

func TestBedrockCompleterPropagatesOtherErrorsUnclassified(t *testing.T) {
	completer, err := model.NewBedrockCompleter(failingBedrockRuntime{err: assertAnError{}}, "anthropic.claude-3-sonnet")
	require.NoError(t, err)

	_, err = completer.Complete(context.Background(), model.CallModelInput{Prompt: "hi"})
	require.Error(t, err)

	var actErr *workflow.ActivityError
	assert.False(t, errors.As(err, &actErr), "non-throttling errors should not be classified as rate_limited")
}

func TestBedrockCompleterRequiresRuntimeAndModel(t *testing.T) {
	_, err := model.NewBedrockCompleter(nil, "anthropic.claude-3-sonnet")
	assert.Error(t, err)

	_, err = model.NewBedrockCompleter(throttledBedrockRuntime{}, "")
	assert.Error(t, err)
}
