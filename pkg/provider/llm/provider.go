// Package llm defines the Provider interface for the text LLM backends used
// by the agent core.
//
// Two operations are needed: Converse drives the main conversational loop
// (system prompt + history + tools in, text or tool calls out), and Classify
// resolves workflow decision nodes by picking one label out of a fixed choice
// list. Both are blocking RPCs to a remote model; callers bound them with a
// context deadline.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"

	"github.com/MrWong99/crosstalk/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// ConverseRequest carries everything the model needs to produce the next
// conversational turn.
type ConverseRequest struct {
	// SystemPrompt is the composed instruction block: persona prompt, rendered
	// workflow, serialised memory.
	SystemPrompt string

	// History is the ordered conversation window. The last message is
	// typically from the "user" or "tool" role and drives the response.
	History []types.Message

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Turn is the model's response to a ConverseRequest. Exactly one of Text and
// ToolCalls is meaningful per turn; a model that emits both is treated as a
// tool-call turn with accompanying commentary.
type Turn struct {
	// Text is the assistant's reply. Empty when the model responds exclusively
	// with tool calls.
	Text string

	// ToolCalls lists tool invocations the model is requesting. The caller
	// executes them and feeds the results back via the next request's history.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text LLM backend.
type Provider interface {
	// Converse sends the request to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Converse(ctx context.Context, req ConverseRequest) (*Turn, error)

	// Classify asks the model to pick exactly one of choices given the prompt.
	// The returned string is the model's raw answer — callers must match it
	// against the choice list themselves and are expected to tolerate answers
	// that are not verbatim members of choices.
	Classify(ctx context.Context, prompt string, choices []string) (string, error)

	// Capabilities returns static metadata about the underlying model. The
	// result is assumed constant for the lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities
}
