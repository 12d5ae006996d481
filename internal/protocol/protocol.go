// Package protocol defines the client-facing wire messages.
//
// The client stream is mixed-mode: binary frames carry raw PCM audio, text
// frames carry JSON objects with a "type" discriminator. Inbound messages
// are decoded into the Inbound superset struct; outbound messages are typed
// structs whose Type field is fixed by its constructor.
package protocol

import "encoding/json"

// Inbound message types.
const (
	TypeSessionInit  = "session_init"
	TypeUserInput    = "user_input"
	TypeTextInput    = "text_input"
	TypeEndAudio     = "end_audio"
	TypeUpdateConfig = "update_config"
	TypeMemoryUpdate = "memory_update"
)

// Outbound message types.
const (
	TypeConnected      = "connected"
	TypeTranscript     = "transcript"
	TypeToolUse        = "tool_use"
	TypeToolResult     = "tool_result"
	TypeToolError      = "tool_error"
	TypeHandoffRequest = "handoff_request"
	TypeWorkflowUpdate = "workflow_update"
	TypeInterruption   = "interruption"
	TypeMetadata       = "metadata"
	TypeUsage          = "usage"
	TypeError          = "error"
)

// ConfigUpdate is the payload of an update_config message.
type ConfigUpdate struct {
	VoiceID string   `json:"voice_id,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// GraphState is the workflow position carried across handoffs.
type GraphState struct {
	Node    string `json:"node,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Inbound is the superset of all inbound JSON messages. Decode the whole
// frame into it and switch on Type.
type Inbound struct {
	Type string `json:"type"`

	// session_init
	SessionID string         `json:"session_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Memory    map[string]any `json:"memory,omitempty"`

	// user_input / text_input
	Text           string `json:"text,omitempty"`
	SkipTranscript bool   `json:"skip_transcript,omitempty"`

	// update_config
	Config *ConfigUpdate `json:"config,omitempty"`

	// memory_update
	GraphState *GraphState `json:"graph_state,omitempty"`
}

// ParseInbound decodes one JSON frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Connected acknowledges a session_init.
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Mode      string `json:"mode"`
}

func NewConnected(sessionID, agentID, mode string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID, AgentID: agentID, Mode: mode}
}

// Transcript is one conversational turn shown to the user.
type Transcript struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func NewTranscript(id, role, text string, final bool) Transcript {
	return Transcript{Type: TypeTranscript, ID: id, Role: role, Text: text, IsFinal: final}
}

// ToolUse announces a tool invocation for UI feedback.
type ToolUse struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`
	Input     any    `json:"input,omitempty"`
}

func NewToolUse(toolUseID, toolName string, input any) ToolUse {
	return ToolUse{Type: TypeToolUse, ToolUseID: toolUseID, Tool: toolName, Input: input}
}

// ToolResult reports a completed tool invocation.
type ToolResult struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewToolResult(toolUseID, toolName string, success bool, result, errMsg string) ToolResult {
	return ToolResult{
		Type:      TypeToolResult,
		ToolUseID: toolUseID,
		Tool:      toolName,
		Success:   success,
		Result:    result,
		Error:     errMsg,
	}
}

// ToolError reports a tool invocation that never produced a result.
type ToolError struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`
	Error     string `json:"error"`
}

func NewToolError(toolUseID, toolName, errMsg string) ToolError {
	return ToolError{Type: TypeToolError, ToolUseID: toolUseID, Tool: toolName, Error: errMsg}
}

// HandoffRequest asks the gateway to move the session to another agent.
type HandoffRequest struct {
	Type          string      `json:"type"`
	SessionID     string      `json:"session_id"`
	TargetAgentID string      `json:"target_agent_id"`
	Context       any         `json:"context"`
	GraphState    *GraphState `json:"graph_state,omitempty"`
}

func NewHandoffRequest(sessionID, targetAgentID string, context any, gs *GraphState) HandoffRequest {
	return HandoffRequest{
		Type:          TypeHandoffRequest,
		SessionID:     sessionID,
		TargetAgentID: targetAgentID,
		Context:       context,
		GraphState:    gs,
	}
}

// WorkflowUpdate reports a workflow position change.
type WorkflowUpdate struct {
	Type    string `json:"type"`
	Node    string `json:"node"`
	Outcome string `json:"outcome,omitempty"`
}

func NewWorkflowUpdate(node, outcome string) WorkflowUpdate {
	return WorkflowUpdate{Type: TypeWorkflowUpdate, Node: node, Outcome: outcome}
}

// Interruption tells the client the user barged in over the assistant.
type Interruption struct {
	Type string `json:"type"`
}

func NewInterruption() Interruption {
	return Interruption{Type: TypeInterruption}
}

// Metadata carries free-form session annotations.
type Metadata struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func NewMetadata(data map[string]any) Metadata {
	return Metadata{Type: TypeMetadata, Data: data}
}

// Usage reports token accounting from the model backend.
type Usage struct {
	Type         string `json:"type"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func NewUsage(inputTokens, outputTokens int) Usage {
	return Usage{Type: TypeUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// Error reports a failure to the client. Fatal errors precede session
// teardown.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func NewError(message, details string, fatal bool) Error {
	return Error{Type: TypeError, Message: message, Details: details, Fatal: fatal}
}

// Sink delivers outbound traffic to one client stream. Implementations must
// be safe for concurrent use: adapters and the runtime emit from different
// goroutines. Message order per caller is preserved.
type Sink interface {
	// SendJSON marshals v and writes it as a text frame.
	SendJSON(v any) error

	// SendAudio writes data as a binary frame.
	SendAudio(data []byte) error
}
