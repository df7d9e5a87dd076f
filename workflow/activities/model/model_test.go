package model_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everruns/durable/workflow/activities/model"
)

type fakeCompleter struct {
	out model.CallModelOutput
	err error
	got model.CallModelInput
}

func (f *fakeCompleter) Complete(ctx context.Context, in model.CallModelInput) (model.CallModelOutput, error) {
	f.got = in
	return f.out, f.err
}

func TestCallModelActivityDispatchesByProvider(t *testing.T) {
	anthropic := &fakeCompleter{out: model.CallModelOutput{Text: "from anthropic"}}
	openai := &fakeCompleter{out: model.CallModelOutput{Text: "from openai"}}

	activity := model.NewCallModelActivity(anthropic, openai, nil)

	input, _ := json.Marshal(model.CallModelInput{Provider: model.ProviderOpenAI, Prompt: "hi", MaxTokens: 100})
	result, err := activity.Execute(context.Background(), nil, input)
	require.NoError(t, err)

	var out model.CallModelOutput
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "from openai", out.Text)
	assert.Equal(t, "hi", openai.got.Prompt)
	assert.Equal(t, model.CallModelInput{}, anthropic.got, "anthropic completer should not have been invoked")
}

func TestCallModelActivityUnknownProvider(t *testing.T) {
	activity := model.NewCallModelActivity(nil, nil, nil)
	input, _ := json.Marshal(model.CallModelInput{Provider: model.ProviderBedrock, Prompt: "hi"})

	_, err := activity.Execute(context.Background(), nil, input)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnknownProvider)
}

func TestCallModelActivityPropagatesCompleterError(t *testing.T) {
	anthropic := &fakeCompleter{err: assertAnError{}}
	activity := model.NewCallModelActivity(anthropic, nil, nil)
	input, _ := json.Marshal(model.CallModelInput{Provider: model.ProviderAnthropic, Prompt: "hi"})

	_, err := activity.Execute(context.Background(), nil, input)
	assert.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "completer failed" }
