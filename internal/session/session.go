// Package session holds per-conversation state and the process-wide store.
//
// A Session is the unit of conversation: transcript, cross-agent memory,
// workflow position, pending handoff, and error accounting. Sessions obey a
// single-writer discipline: all mutation goes through Do, which serialises
// the callers of one session while leaving distinct sessions fully parallel.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/pkg/types"
)

// State is the processing state of a session's agent-core loop.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingLLM       State = "awaiting_llm"
	StateAwaitingToolReply State = "awaiting_tool_result"
	StateHandoffPending    State = "handoff_pending"
	StateTerminated        State = "terminated"
)

// Turn is one transcript entry.
type Turn struct {
	// Role is one of "user", "assistant", "tool", or "system".
	Role string

	// Text is the turn content. For tool turns it is the serialised result.
	Text string

	// ToolCall is set on assistant turns that requested a tool.
	ToolCall *types.ToolCall

	// ToolUseID links a tool turn to the call it answers.
	ToolUseID string

	// Final marks authoritative turns. Non-final turns exist only for UI
	// streaming and never enter LLM prompts.
	Final bool

	Timestamp time.Time
}

// WorkflowState is the session's position in the workflow graph.
type WorkflowState struct {
	// Node is the current node id.
	Node string

	// Outcome is the label of the last resolved decision, if any.
	Outcome string
}

// Session is one live conversation. All exported fields are guarded by Do;
// reading them outside a Do callback is racy.
type Session struct {
	// ID is assigned by the gateway and stable across handoffs.
	ID string

	// Mode is fixed at session start.
	Mode config.Mode

	// StartedAt is the creation time.
	StartedAt time.Time

	// TraceID correlates logs across agents for one conversation.
	TraceID string

	// Memory is the cross-agent key/value bag. Values are scalars only;
	// richer values are JSON-encoded to strings on merge.
	Memory map[string]any

	// Workflow is the current graph position.
	Workflow WorkflowState

	// Transcript is the ordered turn log.
	Transcript []Turn

	// PendingHandoff is a stashed transfer awaiting emission.
	PendingHandoff *handoff.Pending

	// State is the agent-core processing state.
	State State

	// AutotriggerFired guards the at-most-once proactive utterance.
	AutotriggerFired bool

	mu         sync.Mutex
	errorTimes []time.Time
	toolCalls  map[string]bool
	toolReplys map[string]bool
}

// New creates a session in the Idle state with a copy of the initial memory.
func New(id string, mode config.Mode, memory map[string]any) *Session {
	s := &Session{
		ID:         id,
		Mode:       mode,
		StartedAt:  time.Now(),
		Memory:     make(map[string]any, len(memory)),
		State:      StateIdle,
		toolCalls:  make(map[string]bool),
		toolReplys: make(map[string]bool),
	}
	mergeMemory(s.Memory, memory)
	return s
}

// Do runs fn with exclusive access to the session. At most one Do callback
// per session executes at any instant; this is the session's single-writer
// discipline. fn may block on RPCs — only this session is held up.
func (s *Session) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Terminated reports whether the session has been terminated. Safe to call
// without Do.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateTerminated
}

// The methods below assume the caller holds the session via Do.

// AppendTurn appends a turn to the transcript with the current timestamp.
func (s *Session) AppendTurn(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.Transcript = append(s.Transcript, turn)
}

// LastUserUtterance returns the text of the most recent final user turn.
func (s *Session) LastUserUtterance() string {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		t := s.Transcript[i]
		if t.Role == "user" && t.Final {
			return t.Text
		}
	}
	return ""
}

// Window returns the last n final turns, oldest first.
func (s *Session) Window(n int) []Turn {
	var out []Turn
	for i := len(s.Transcript) - 1; i >= 0 && len(out) < n; i-- {
		if s.Transcript[i].Final {
			out = append(out, s.Transcript[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// MergeMemory merges patch into the session memory: shallow merge,
// last-writer-wins per key. Non-scalar values are JSON-encoded to strings so
// memory stays a flat scalar map fit for cross-process transfer.
func (s *Session) MergeMemory(patch map[string]any) {
	mergeMemory(s.Memory, patch)
}

// MemorySnapshot returns a copy of the memory map.
func (s *Session) MemorySnapshot() map[string]any {
	snap := make(map[string]any, len(s.Memory))
	for k, v := range s.Memory {
		snap[k] = v
	}
	return snap
}

// ClaimToolCall marks a tool_use_id as dispatched. Returns false if the id
// was already claimed in this session; the caller must then reject the
// duplicate without touching any backend.
func (s *Session) ClaimToolCall(toolUseID string) bool {
	if s.toolCalls[toolUseID] {
		return false
	}
	s.toolCalls[toolUseID] = true
	return true
}

// ClaimToolResult marks a tool_use_id as answered. Returns false on a
// duplicate result delivery.
func (s *Session) ClaimToolResult(toolUseID string) bool {
	if s.toolReplys[toolUseID] {
		return false
	}
	s.toolReplys[toolUseID] = true
	return true
}

// RecordError records an error at time now and returns how many errors fall
// inside the trailing window. Entries older than the window are dropped, so a
// quiet period of one full window resets the count.
func (s *Session) RecordError(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := s.errorTimes[:0]
	for _, t := range s.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.errorTimes = append(kept, now)
	return len(s.errorTimes)
}

// ErrorsInWindow counts recorded errors inside the trailing window without
// mutating the log.
func (s *Session) ErrorsInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range s.errorTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// mergeMemory copies patch into dst, flattening non-scalar values.
func mergeMemory(dst map[string]any, patch map[string]any) {
	for k, v := range patch {
		dst[k] = flattenValue(v)
	}
}

// flattenValue keeps scalars as-is and JSON-encodes everything else.
func flattenValue(v any) any {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
