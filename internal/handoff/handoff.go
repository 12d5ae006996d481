// Package handoff implements the cross-agent transfer protocol.
//
// A handoff moves a live session from one agent to another through the
// gateway. Detection is purely syntactic: any tool whose name matches the
// transfer naming convention is a handoff directive, never a backend call.
// The functions here are pure so the rule can be tested exhaustively and
// reused by the tool dispatcher and the workflow engine alike.
package handoff

import (
	"fmt"
	"strings"
	"time"
)

const (
	transferPrefix = "transfer_to_"
	returnToTriage = "return_to_triage"
	triageAgentID  = "triage"
)

// IsHandoffTool reports whether name denotes a handoff directive rather than
// an executable tool.
func IsHandoffTool(name string) bool {
	_, ok := TargetAgent(name)
	return ok
}

// TargetAgent derives the destination agent id from a handoff tool name.
// Returns false when name is not a handoff tool.
//
//	transfer_to_banking → "banking"
//	return_to_triage    → "triage"
func TargetAgent(name string) (string, bool) {
	if name == returnToTriage {
		return triageAgentID, true
	}
	if target, ok := strings.CutPrefix(name, transferPrefix); ok && target != "" {
		return target, true
	}
	return "", false
}

// ToolName builds the handoff tool name for a target agent. Inverse of
// TargetAgent for targets other than triage.
func ToolName(targetAgent string) string {
	if targetAgent == triageAgentID {
		return returnToTriage
	}
	return transferPrefix + targetAgent
}

// Context is the conversational state that travels with a handoff. Memory is
// the only structured state crossing the process boundary; everything else is
// a flat snapshot.
type Context struct {
	// Memory is the full memory snapshot at handoff time.
	Memory map[string]any `json:"memory"`

	// LastUserUtterance is the most recent final user turn.
	LastUserUtterance string `json:"last_user_utterance,omitempty"`

	// ConversationSummary is a flat rendering of the recent transcript
	// window.
	ConversationSummary string `json:"conversation_summary,omitempty"`

	// WorkflowNode is the current workflow node id at handoff time.
	WorkflowNode string `json:"workflow_node,omitempty"`

	// WorkflowOutcome is the last decision outcome, if any.
	WorkflowOutcome string `json:"workflow_outcome,omitempty"`

	// Reason is the model-supplied reason for the transfer, if provided in
	// the tool input.
	Reason string `json:"reason,omitempty"`
}

// Record is one initiated handoff.
type Record struct {
	SourceAgent string    `json:"source_agent"`
	TargetAgent string    `json:"target_agent"`
	SessionID   string    `json:"session_id"`
	Context     Context   `json:"context"`
	InitiatedAt time.Time `json:"initiated_at"`
}

// Pending is a handoff stashed on a session awaiting emission. The tool
// result gating lets the model speak a short confirmation before the session
// is actually moved.
type Pending struct {
	TargetAgent string
	Context     Context

	// ReadyAfterToolResult marks handoffs that must wait for the triggering
	// tool result to be delivered before the request is emitted.
	ReadyAfterToolResult bool

	// Ready is set once the gating tool result has been delivered.
	Ready bool
}

// Validate checks a record for the minimum fields the gateway requires.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("handoff: session id must not be empty")
	}
	if r.TargetAgent == "" {
		return fmt.Errorf("handoff: target agent must not be empty")
	}
	return nil
}
