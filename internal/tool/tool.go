// Package tool implements the tool registry and dispatcher.
//
// Tools are named capabilities the LLM can invoke. Each tool carries a JSON
// input schema and a routing target: the local-tools HTTP service, an MCP
// server, or the handoff machinery. The dispatcher enforces the persona
// allow-list, at-most-once semantics per tool_use_id, input normalisation,
// and schema validation before anything reaches a backend.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/crosstalk/pkg/types"
)

// InputKind tags the shape of a normalised tool input.
type InputKind int

const (
	// KindObject is a JSON object.
	KindObject InputKind = iota
	// KindArray is a JSON array.
	KindArray
	// KindScalar is a single JSON scalar.
	KindScalar
)

// Input is a normalised tool input: exactly one of Object, Array, or Scalar
// is meaningful, selected by Kind.
type Input struct {
	Kind   InputKind
	Object map[string]any
	Array  []any
	Scalar any
}

// NormalizeInput converts the raw value a model supplied into a tagged
// Input. A string is parsed as JSON exactly once; if the parse fails the
// string is wrapped as {value: <string>}. Scalars other than strings are
// wrapped the same way so every backend sees an object or an array.
func NormalizeInput(raw any) Input {
	if s, ok := raw.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return Input{Kind: KindObject, Object: map[string]any{"value": s}}
		}
		raw = parsed
	}

	switch v := raw.(type) {
	case nil:
		return Input{Kind: KindObject, Object: map[string]any{}}
	case map[string]any:
		return Input{Kind: KindObject, Object: v}
	case []any:
		return Input{Kind: KindArray, Array: v}
	default:
		return Input{Kind: KindScalar, Scalar: v}
	}
}

// Value returns the input as a plain JSON-marshallable value.
func (in Input) Value() any {
	switch in.Kind {
	case KindObject:
		return in.Object
	case KindArray:
		return in.Array
	default:
		return in.Scalar
	}
}

// JSON returns the input serialised as a JSON string.
func (in Input) JSON() string {
	data, err := json.Marshal(in.Value())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Spec describes one registered tool.
type Spec struct {
	// Name is the unique tool name.
	Name string

	// Description is shown to the model.
	Description string

	// InputSchema is a JSON-Schema object describing the expected input.
	// Nil skips validation.
	InputSchema map[string]any

	// Backend executes the tool. Nil for handoff tools, which never reach a
	// backend.
	Backend Backend
}

// Definition converts the spec to the wire form offered to models.
func (s Spec) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.InputSchema,
	}
}

// Backend executes tool invocations against some transport.
type Backend interface {
	// Execute runs the named tool and returns its serialised result. The
	// context carries the per-call deadline.
	Execute(ctx context.Context, name string, input Input) (string, error)
}

// Result is the outcome of one dispatch.
type Result struct {
	// ToolUseID echoes the invocation id.
	ToolUseID string `json:"tool_use_id"`

	// Success reports whether the tool ran to completion.
	Success bool `json:"success"`

	// Result is the serialised tool output when Success.
	Result string `json:"result,omitempty"`

	// Error describes the failure when not Success.
	Error string `json:"error,omitempty"`

	// HandoffTarget is set when the invocation was a transfer directive
	// rather than a backend call.
	HandoffTarget string `json:"handoff_target,omitempty"`

	// Duplicate is set when the tool_use_id was already claimed in this
	// session. Adapters must not emit a second tool_use or tool_result for a
	// duplicate invocation.
	Duplicate bool `json:"-"`
}

// Output returns the string fed back to the model for this result.
func (r Result) Output() string {
	if r.Success {
		if r.Result == "" {
			return "{}"
		}
		return r.Result
	}
	return fmt.Sprintf(`{"error": %q}`, r.Error)
}

// failure builds an unsuccessful result.
func failure(toolUseID, format string, args ...any) Result {
	return Result{
		ToolUseID: toolUseID,
		Success:   false,
		Error:     fmt.Sprintf(format, args...),
	}
}
