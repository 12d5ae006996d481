// Package voice adapts the agent core for Sonic-backed audio sessions.
//
// One Stream wraps one client conversation: it lazily opens a Sonic session,
// pumps client audio into it, and drains Sonic events back out — transcripts
// and audio to the client, final user utterances and tool invocations into
// the agent core. If Sonic cannot be reached the stream downgrades to
// chat-only and keeps serving text through the core's LLM path.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/crosstalk/internal/agent"
	textadapter "github.com/MrWong99/crosstalk/internal/adapter/text"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/protocol"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
	"github.com/MrWong99/crosstalk/internal/workflow"
	"github.com/MrWong99/crosstalk/pkg/provider/sonic"
)

// voiceRules is appended to the Sonic instructions in every session.
const voiceRules = `
## Voice rules
- Write numbers as digits in transcripts; speak account and sort codes digit by digit.
- Stop speaking immediately when the user interrupts.
- Do not produce filler speech while waiting for a tool result.
- If an utterance seems cut off or incomplete, ask the user to repeat it.`

// Adapter builds voice Streams. Safe for concurrent use.
type Adapter struct {
	core     *agent.Core
	store    *session.Store
	provider sonic.Provider
	persona  *persona.Persona
	workflow *workflow.Workflow
	registry *tool.Registry
	fallback *textadapter.Adapter
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// New creates a voice Adapter.
func New(core *agent.Core, store *session.Store, provider sonic.Provider,
	pers *persona.Persona, wf *workflow.Workflow, registry *tool.Registry,
	logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		core:     core,
		store:    store,
		provider: provider,
		persona:  pers,
		workflow: wf,
		registry: registry,
		fallback: textadapter.New(core, store, logger),
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
	}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// OnHandoff installs the callback invoked when the session wants to leave
// this agent. Called from the event-loop goroutine.
func OnHandoff(fn func(agent.Handoff)) StreamOption {
	return func(s *Stream) { s.onHandoff = fn }
}

// OnFatal installs the callback invoked when the session's error budget is
// exhausted. Called from the event-loop goroutine.
func OnFatal(fn func()) StreamOption {
	return func(s *Stream) { s.onFatal = fn }
}

// NewStream binds a voice Stream to one session. The Sonic connection is not
// opened yet: it starts on the first audio chunk or voiced text input, so
// text-only exchanges on a hybrid agent never pay the Sonic cost.
func (a *Adapter) NewStream(sessionID string, sink protocol.Sink, opts ...StreamOption) *Stream {
	s := &Stream{
		a:         a,
		sessionID: sessionID,
		sink:      sink,
		onHandoff: func(agent.Handoff) {},
		onFatal:   func() {},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stream is the per-session voice pipeline.
type Stream struct {
	a         *Adapter
	sessionID string
	sink      protocol.Sink
	onHandoff func(agent.Handoff)
	onFatal   func()

	mu         sync.Mutex
	handle     sonic.SessionHandle
	downgraded bool
	closed     bool
}

// HandleAudio forwards one client audio chunk to Sonic, opening the session
// first if needed. Chunks sent while downgraded are dropped.
func (s *Stream) HandleAudio(ctx context.Context, chunk []byte) error {
	handle, err := s.ensureStarted(ctx)
	if err != nil || handle == nil {
		return err
	}
	return handle.SendAudio(chunk)
}

// EndAudio signals the end of the user's speaking turn.
func (s *Stream) EndAudio() error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.EndAudio()
}

// HandleText injects a text utterance. On a live voice session the text goes
// to Sonic so the reply is spoken; when downgraded it runs through the
// core's text path instead. A non-nil Handoff is returned only on the
// downgraded path — voiced handoffs arrive via the OnHandoff callback.
func (s *Stream) HandleText(ctx context.Context, text string, skipTranscript bool) (*agent.Handoff, error) {
	handle, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		// Chat-only: the text pipeline answers.
		return s.a.fallback.HandleUserInput(ctx, s.sessionID, text, skipTranscript, s.sink)
	}

	if !skipTranscript {
		if err := s.sink.SendJSON(protocol.NewTranscript(uuid.NewString(), "user", text, true)); err != nil {
			return nil, err
		}
	}
	if err := s.a.core.RecordUtterance(s.sessionID, "user", text); err != nil {
		return nil, err
	}
	return nil, handle.SendText(text)
}

// UpdateConfig applies a live configuration change to the Sonic session.
func (s *Stream) UpdateConfig(cfg *protocol.ConfigUpdate) error {
	if cfg == nil {
		return nil
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	if len(cfg.Tools) > 0 && s.a.registry != nil {
		wanted := make(map[string]bool, len(cfg.Tools))
		for _, name := range cfg.Tools {
			wanted[name] = true
		}
		all := s.a.registry.DefinitionsFor(s.a.persona)
		defs := all[:0:0]
		for _, d := range all {
			if wanted[d.Name] {
				defs = append(defs, d)
			}
		}
		if err := handle.SetTools(defs); err != nil {
			return err
		}
	}
	return nil
}

// RefreshPrompt recomposes the Sonic instructions from current session
// memory. Called after tool results that change memory the prompt renders.
func (s *Stream) RefreshPrompt() error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	sess := s.a.store.Get(s.sessionID)
	if sess == nil {
		return nil
	}
	var instructions string
	sess.Do(func() {
		instructions = s.a.instructions(sess.Memory)
	})
	return handle.UpdateInstructions(instructions)
}

// Close tears down the Sonic session. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.closed = true
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Close()
}

// ensureStarted opens the Sonic session on first use. Returns a nil handle
// without error when the stream is downgraded to chat-only.
func (s *Stream) ensureStarted(ctx context.Context) (sonic.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("voice: stream closed")
	}
	if s.handle != nil {
		return s.handle, nil
	}
	if s.downgraded {
		return nil, nil
	}

	sess := s.a.store.Get(s.sessionID)
	if sess == nil {
		return nil, fmt.Errorf("voice: unknown session %q", s.sessionID)
	}
	var memory map[string]any
	sess.Do(func() { memory = sess.MemorySnapshot() })

	cfg := sonic.SessionConfig{
		VoiceID:      s.a.persona.VoiceID,
		Instructions: s.a.instructions(memory),
	}
	if s.a.registry != nil {
		cfg.Tools = s.a.registry.DefinitionsFor(s.a.persona)
	}

	handle, err := s.a.provider.Connect(ctx, cfg)
	if err != nil {
		// Voice is unavailable; keep the session alive on the text path.
		s.downgraded = true
		s.a.logger.Warn("sonic connect failed, downgrading session to chat-only",
			"session_id", s.sessionID, "error", err)
		_ = s.sink.SendJSON(protocol.NewError("voice unavailable, continuing in text", "", false))
		return nil, nil
	}

	s.handle = handle
	go s.eventLoop(handle)
	return handle, nil
}

// instructions composes the Sonic system prompt: persona, workflow, voice
// rules.
func (a *Adapter) instructions(memory map[string]any) string {
	var b strings.Builder
	b.WriteString(a.persona.SystemPrompt)
	b.WriteString("\n\n")
	b.WriteString(a.workflow.SystemPromptText(memory))
	b.WriteString(voiceRules)
	return b.String()
}

// eventLoop drains one Sonic session until its event channel closes.
func (s *Stream) eventLoop(handle sonic.SessionHandle) {
	for ev := range handle.Events() {
		switch ev := ev.(type) {
		case sonic.TranscriptEvent:
			s.handleTranscript(ev)
		case sonic.AudioEvent:
			if err := s.sink.SendAudio(ev.Data); err != nil {
				s.a.logger.Debug("audio forward failed", "session_id", s.sessionID, "error", err)
			}
		case sonic.ToolUseEvent:
			s.handleToolUse(ev)
		case sonic.InterruptionEvent:
			_ = s.sink.SendJSON(protocol.NewInterruption())
		case sonic.UsageEvent:
			_ = s.sink.SendJSON(protocol.NewUsage(ev.InputTokens, ev.OutputTokens))
		case sonic.ErrorEvent:
			s.handleUpstreamError(ev.Err)
		}
	}

	if err := handle.Err(); err != nil {
		s.a.logger.Warn("sonic session ended with error, downgrading to chat-only",
			"session_id", s.sessionID, "error", err)
		s.mu.Lock()
		if s.handle == handle {
			s.handle = nil
			s.downgraded = true
		}
		s.mu.Unlock()
		_ = s.sink.SendJSON(protocol.NewError("voice connection lost, continuing in text", "", false))
	}
}

// handleTranscript forwards a transcript to the client and mirrors final
// turns into the session.
func (s *Stream) handleTranscript(ev sonic.TranscriptEvent) {
	text := ev.Text
	record := ev.Text
	tagged := false
	if ev.Role == "assistant" {
		// The step tag is machine-read; the raw text goes to the core so the
		// tag still moves the workflow position.
		if _, stripped, ok := workflow.ParseStepTag(text); ok {
			text = stripped
			tagged = true
		}
	}
	if ev.Role == "user" && ev.Final {
		text = CanonicalizeNumerals(text)
		record = text
	}

	if text != "" {
		_ = s.sink.SendJSON(protocol.NewTranscript(uuid.NewString(), ev.Role, text, ev.Final))
	}

	// Non-final transcripts exist only for UI streaming.
	if !ev.Final {
		return
	}
	if err := s.a.core.RecordUtterance(s.sessionID, ev.Role, record); err != nil {
		s.a.logger.Warn("transcript record failed",
			"session_id", s.sessionID, "role", ev.Role, "error", err)
		return
	}
	if tagged {
		s.emitWorkflowUpdate()
	}
}

// handleToolUse dispatches a Sonic tool request and feeds the result back
// into both the model and the client. A replayed tool_use_id is dropped
// entirely: the client and the model already saw the first round.
func (s *Stream) handleToolUse(ev sonic.ToolUseEvent) {
	sess := s.a.store.Get(s.sessionID)
	if sess == nil {
		return
	}
	dispatcher := s.a.core.Dispatcher()
	if dispatcher == nil {
		_ = s.sink.SendJSON(protocol.NewToolError(ev.ToolUseID, ev.Name, "agent has no tool backend"))
		return
	}

	res := dispatcher.Invoke(context.Background(), sess, ev.Name, ev.Input, ev.ToolUseID)
	if res.Duplicate {
		return
	}
	_ = s.sink.SendJSON(protocol.NewToolUse(ev.ToolUseID, ev.Name, ev.Input))

	// The model continues speaking once it sees the result.
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle != nil {
		if err := handle.SendToolResult(ev.ToolUseID, res.Output()); err != nil {
			s.a.logger.Warn("tool result delivery to sonic failed",
				"session_id", s.sessionID, "tool_use_id", ev.ToolUseID, "error", err)
		}
	}
	_ = s.sink.SendJSON(protocol.NewToolResult(ev.ToolUseID, ev.Name, res.Success, res.Result, res.Error))

	if applyMemoryUpdates(sess, res) {
		if err := s.RefreshPrompt(); err != nil {
			s.a.logger.Warn("prompt refresh failed", "session_id", s.sessionID, "error", err)
		}
	}

	resp, err := s.a.core.RecordToolResult(s.sessionID, ev.ToolUseID, res)
	if err != nil {
		s.a.logger.Warn("tool result record failed",
			"session_id", s.sessionID, "tool_use_id", ev.ToolUseID, "error", err)
		return
	}
	if h, ok := resp.(agent.Handoff); ok {
		s.onHandoff(h)
	}
}

// handleUpstreamError charges the session's error budget and notifies the
// client; a fatal error hands control to the runtime for teardown.
func (s *Stream) handleUpstreamError(err error) {
	s.a.metrics.RecordUpstreamError(context.Background(), "sonic")
	fatal := s.a.core.NoteUpstreamError(s.sessionID)
	s.a.logger.Error("sonic session error",
		"session_id", s.sessionID, "error", err, "fatal", fatal)
	_ = s.sink.SendJSON(protocol.NewError("voice backend error", err.Error(), fatal))
	if fatal {
		s.onFatal()
	}
}

// emitWorkflowUpdate reports the session's current workflow position.
func (s *Stream) emitWorkflowUpdate() {
	sess := s.a.store.Get(s.sessionID)
	if sess == nil {
		return
	}
	var node, outcome string
	sess.Do(func() {
		node = sess.Workflow.Node
		outcome = sess.Workflow.Outcome
	})
	if node != "" {
		_ = s.sink.SendJSON(protocol.NewWorkflowUpdate(node, outcome))
	}
}

// applyMemoryUpdates merges memory patches carried in a successful tool
// result ({"memory_updates": {...}} or {"memory": {...}}). Reports whether
// anything changed.
func applyMemoryUpdates(sess *session.Session, res tool.Result) bool {
	if !res.Success || res.Result == "" {
		return false
	}
	var body struct {
		MemoryUpdates map[string]any `json:"memory_updates"`
		Memory        map[string]any `json:"memory"`
	}
	if err := json.Unmarshal([]byte(res.Result), &body); err != nil {
		return false
	}
	patch := body.MemoryUpdates
	if patch == nil {
		patch = body.Memory
	}
	if len(patch) == 0 {
		return false
	}
	sess.Do(func() {
		sess.MergeMemory(patch)
	})
	return true
}
