// Package types defines the shared types used across all crosstalk packages.
//
// These types form the lingua franca between providers, adapters, the agent
// core, and the runtime. They are intentionally minimal — each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call. Assigned by the model
	// backend where available, otherwise generated by the runtime.
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the unique tool name.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON-schema shape of the tool's input.
	Parameters map[string]any
}

// ModelCapabilities describes static properties of an LLM backend's model.
type ModelCapabilities struct {
	// SupportsToolCalling indicates whether the model can emit tool calls.
	SupportsToolCalling bool

	// SupportsStreaming indicates whether incremental output is available.
	SupportsStreaming bool

	// ContextWindow is the maximum token count the model can attend over.
	ContextWindow int

	// MaxOutputTokens caps completion length.
	MaxOutputTokens int
}
