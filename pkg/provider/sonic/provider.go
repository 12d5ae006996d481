// Package sonic defines the Provider interface for the Sonic speech-to-speech
// backend.
//
// Sonic accepts raw audio (or injected text) and returns synthesised audio
// plus transcripts in a single, stateful streaming session. The central
// abstraction is SessionHandle: a bidirectional channel that carries audio,
// transcripts, tool-use requests, and interruptions concurrently. Sessions
// are long-lived (seconds to minutes) and support mid-session
// reconfiguration.
//
// Events from the model are surfaced as a tagged variant on a single typed
// channel rather than callbacks, so the owning adapter can drain them from
// its session task with ordinary select loops. Unknown event types are
// filtered by implementations and never reach the channel.
//
// All implementations must be safe for concurrent use.
package sonic

import (
	"context"

	"github.com/MrWong99/crosstalk/pkg/types"
)

// SessionConfig is the initial configuration for a new Sonic session.
type SessionConfig struct {
	// VoiceID selects the synthesised voice.
	VoiceID string

	// Instructions is the system-level prompt: persona, workflow rendering,
	// and voice rules. Equivalent to a system message in the LLM paradigm.
	Instructions string

	// Tools is the initial set of tool definitions offered to the model.
	// Tool-use requests are surfaced as ToolUseEvent values on the event
	// channel; callers answer with SendToolResult.
	Tools []types.ToolDefinition
}

// Event is the tagged variant carried on SessionHandle.Events. Concrete types
// are TranscriptEvent, AudioEvent, ToolUseEvent, InterruptionEvent,
// UsageEvent, and ErrorEvent.
type Event interface {
	isEvent()
}

// TranscriptEvent carries recognised user speech or generated model text.
type TranscriptEvent struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the transcript content accumulated so far.
	Text string

	// Final reports whether this transcript is authoritative. Non-final
	// transcripts must never be forwarded to the agent core.
	Final bool
}

// AudioEvent carries a chunk of synthesised PCM audio.
type AudioEvent struct {
	// Data is raw PCM. Chunks arrive in playback order.
	Data []byte
}

// ToolUseEvent is emitted when the model requests a tool invocation.
type ToolUseEvent struct {
	// ToolUseID identifies this invocation; the result must be delivered via
	// SendToolResult with the same id.
	ToolUseID string

	// Name is the requested tool name.
	Name string

	// Input is the JSON-encoded tool input string.
	Input string
}

// InterruptionEvent is emitted when the model detects the user speaking over
// an in-flight response. Any buffered assistant audio should be discarded.
type InterruptionEvent struct{}

// UsageEvent carries token accounting from the backend.
type UsageEvent struct {
	InputTokens  int
	OutputTokens int
}

// ErrorEvent carries a non-fatal error from the backend. Fatal errors close
// the event channel instead; check SessionHandle.Err afterwards.
type ErrorEvent struct {
	Err error
}

func (TranscriptEvent) isEvent()   {}
func (AudioEvent) isEvent()        {}
func (ToolUseEvent) isEvent()      {}
func (InterruptionEvent) isEvent() {}
func (UsageEvent) isEvent()        {}
func (ErrorEvent) isEvent()        {}

// SessionHandle represents an open Sonic session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. All methods must be safe for concurrent use. Callers must
// call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM audio chunk for processing. Zero-length
	// chunks are accepted and forwarded. Returns an error if the session is
	// closed or the chunk cannot be accepted.
	SendAudio(chunk []byte) error

	// EndAudio signals the end of the user's speaking turn.
	EndAudio() error

	// SendText injects a user text utterance into the session, producing a
	// spoken (and transcribed) model response.
	SendText(text string) error

	// SendToolResult delivers the outcome of a tool invocation previously
	// surfaced as a ToolUseEvent, allowing the model to continue speaking.
	SendToolResult(toolUseID string, output string) error

	// UpdateInstructions replaces the system-level instructions. Effective
	// for the next model turn.
	UpdateInstructions(instructions string) error

	// SetTools replaces the active tool definitions without restarting the
	// session.
	SetTools(tools []types.ToolDefinition) error

	// Cancel stops the current model response and discards buffered audio.
	// Used on barge-in or when the runtime redirects the conversation.
	Cancel() error

	// Events returns the read-only channel of session events. The channel is
	// closed when the session ends; check Err afterwards to distinguish a
	// clean close from a transport failure. Consumers must drain promptly.
	Events() <-chan Event

	// Err returns the error that caused the event channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over the Sonic backend.
//
// Implementations must be safe for concurrent use. The runtime opens one
// session per client stream in voice and hybrid modes.
type Provider interface {
	// Connect establishes a new Sonic session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately. The
	// caller owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
