// Package model implements an example "call_model" activity: a thin,
// provider-selectable wrapper that proves an activity is nothing more than
// an opaque (activity_type, input json) -> (output json, error) function,
// backed here by a real LLM API call instead of a synthetic computation.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/everruns/durable/workflow"
)

// Provider selects which backend CallModelActivity dispatches to.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
)

// CallModelInput is the JSON payload a workflow schedules call_model with.
type CallModelInput struct {
	Provider    Provider `json:"provider"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature,omitempty"`
}

// CallModelOutput is the JSON result delivered back to the workflow.
type CallModelOutput struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage reports token accounting for the completion, for workflows
// that want to track spend or enforce a budget across retries.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completer is the single-turn completion contract each provider adapter
// implements. It deliberately drops the full planner protocol (tools,
// streaming, thinking) that the richer per-provider clients in the example
// pack support — call_model here is a single opaque request/response leaf
// activity, not a planner.
type Completer interface {
	Complete(ctx context.Context, in CallModelInput) (CallModelOutput, error)
}

// ErrUnknownProvider is returned when CallModelInput.Provider names a
// provider CallModelActivity has no Completer registered for.
var ErrUnknownProvider = errors.New("model: unknown provider")

// CallModelActivity implements workflow.Activity by dispatching to a
// per-provider Completer. Any entry may be nil, e.g. when the embedding
// process has no API key configured for that provider; dispatching to a
// nil entry fails with ErrUnknownProvider rather than panicking.
type CallModelActivity struct {
	completers map[Provider]Completer
}

// NewCallModelActivity constructs a CallModelActivity from the given
// provider adapters. Pass nil for any provider this process does not
// support.
func NewCallModelActivity(anthropic, openai, bedrock Completer) *CallModelActivity {
	completers := make(map[Provider]Completer, 3)
	if anthropic != nil {
		completers[ProviderAnthropic] = anthropic
	}
	if openai != nil {
		completers[ProviderOpenAI] = openai
	}
	if bedrock != nil {
		completers[ProviderBedrock] = bedrock
	}
	return &CallModelActivity{completers: completers}
}

// Execute implements workflow.Activity. tc is unused: a model completion
// call is a single round trip, short enough it does not need to
// heartbeat progress mid-attempt the way a long-running tool invocation
// would.
func (a *CallModelActivity) Execute(ctx context.Context, tc *workflow.TaskContext, rawInput json.RawMessage) (json.RawMessage, error) {
	var in CallModelInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, fmt.Errorf("model: decode call_model input: %w", err)
	}
	completer, ok := a.completers[in.Provider]
	if !ok || completer == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, in.Provider)
	}
	out, err := completer.Complete(ctx, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
