// Package agent implements the voice-agnostic conversation core.
//
// The core takes a user utterance, composes the LLM prompt from persona,
// workflow and memory, and turns the model's answer into a typed Response:
// plain text, tool calls to dispatch, a handoff directive, or a recoverable
// error. Adapters (voice, text) wrap it; the runtime owns its lifecycle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
	"github.com/MrWong99/crosstalk/internal/workflow"
	"github.com/MrWong99/crosstalk/pkg/provider/llm"
	"github.com/MrWong99/crosstalk/pkg/types"
)

const (
	defaultWindowSize  = 20
	defaultLLMTimeout  = 30 * time.Second
	defaultMaxErrors   = 5
	defaultErrorWindow = 10 * time.Second
)

// Response is the typed outcome of one core invocation. Exactly one concrete
// variant is returned per call.
type Response interface{ isResponse() }

// Text is a natural-language reply for the user.
type Text struct {
	Content string
}

// ToolCalls asks the adapter to dispatch one or more tools.
type ToolCalls struct {
	Calls []types.ToolCall
}

// Handoff directs the runtime to transfer the session to another agent.
type Handoff struct {
	TargetAgent string
	Context     handoff.Context
}

// Error is a recoverable failure surface. Fatal is set once the session's
// error budget is exhausted; the runtime then closes the session.
type Error struct {
	Message string
	Fatal   bool
}

func (Text) isResponse()      {}
func (ToolCalls) isResponse() {}
func (Handoff) isResponse()   {}
func (Error) isResponse()     {}

// Core is the per-agent conversation engine. Safe for concurrent use across
// sessions; per-session calls are serialised through session.Do.
type Core struct {
	store      *session.Store
	workflow   *workflow.Workflow
	persona    *persona.Persona
	provider   llm.Provider
	dispatcher *tool.Dispatcher
	registry   *tool.Registry
	logger     *slog.Logger
	metrics    *observe.Metrics

	windowSize  int
	llmTimeout  time.Duration
	maxErrors   int
	errorWindow time.Duration
}

// Option is a functional option for a Core.
type Option func(*Core)

// WithWindowSize sets how many transcript turns enter the LLM prompt.
func WithWindowSize(n int) Option {
	return func(c *Core) { c.windowSize = n }
}

// WithLLMTimeout bounds each model RPC.
func WithLLMTimeout(d time.Duration) Option {
	return func(c *Core) { c.llmTimeout = d }
}

// WithErrorBudget tunes the per-session circuit breaker: max errors within
// the sliding window before responses turn fatal.
func WithErrorBudget(max int, window time.Duration) Option {
	return func(c *Core) {
		c.maxErrors = max
		c.errorWindow = window
	}
}

// WithMetrics replaces the metric instruments, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// New creates a Core. All collaborators are required except dispatcher and
// registry, which may be nil for tool-less agents.
func New(store *session.Store, wf *workflow.Workflow, pers *persona.Persona,
	provider llm.Provider, dispatcher *tool.Dispatcher, registry *tool.Registry,
	logger *slog.Logger, opts ...Option) (*Core, error) {
	if store == nil || wf == nil || pers == nil || provider == nil {
		return nil, fmt.Errorf("agent: store, workflow, persona and provider are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		store:       store,
		workflow:    wf,
		persona:     pers,
		provider:    provider,
		dispatcher:  dispatcher,
		registry:    registry,
		logger:      logger,
		metrics:     observe.DefaultMetrics(),
		windowSize:  defaultWindowSize,
		llmTimeout:  defaultLLMTimeout,
		maxErrors:   defaultMaxErrors,
		errorWindow: defaultErrorWindow,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Dispatcher returns the tool dispatcher, for adapters that route Sonic
// tool_use events directly. May be nil.
func (c *Core) Dispatcher() *tool.Dispatcher { return c.dispatcher }

// lookup fetches a session or fails with a descriptive error.
func (c *Core) lookup(sessionID string) (*session.Session, error) {
	sess := c.store.Get(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("agent: unknown session %q", sessionID)
	}
	return sess, nil
}

// ProcessUserUtterance runs one conversational turn. A blank utterance is
// dropped: both return values are nil. Must not be called from inside a
// session.Do callback.
func (c *Core) ProcessUserUtterance(ctx context.Context, sessionID, text string) (Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	var (
		terminated bool
		req        llm.ConverseRequest
	)
	sess.Do(func() {
		if sess.State == session.StateTerminated {
			terminated = true
			return
		}
		sess.AppendTurn(session.Turn{Role: "user", Text: text, Final: true})
		sess.State = session.StateAwaitingLLM
		req = c.buildRequest(sess)
	})
	if terminated {
		return Error{Message: "session terminated"}, nil
	}

	return c.converse(ctx, sess, req)
}

// RecordUtterance appends a final transcript turn without invoking the
// model. Used by the voice adapter: the speech model produces the replies
// itself, the core only mirrors them so memory, workflow position and
// handoff context stay accurate.
func (c *Core) RecordUtterance(sessionID, role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Do(func() {
		if sess.State == session.StateTerminated {
			return
		}
		if role == "assistant" {
			if nodeID, stripped, ok := workflow.ParseStepTag(text); ok {
				c.applyStepTag(sess, nodeID)
				text = stripped
			}
		}
		sess.AppendTurn(session.Turn{Role: role, Text: text, Final: true})
	})
	return nil
}

// NoteUpstreamError charges one provider failure against the session's error
// budget. Returns true once the budget is exhausted; the caller then tears
// the session down.
func (c *Core) NoteUpstreamError(sessionID string) bool {
	sess := c.store.Get(sessionID)
	if sess == nil {
		return false
	}
	var count int
	sess.Do(func() {
		count = sess.RecordError(time.Now(), c.errorWindow)
	})
	return count >= c.maxErrors
}

// ErrorBudgetExhausted reports whether the session's recent errors meet the
// fatal threshold. Read-only; use NoteUpstreamError to charge a new failure.
func (c *Core) ErrorBudgetExhausted(sessionID string) bool {
	sess := c.store.Get(sessionID)
	if sess == nil {
		return false
	}
	var count int
	sess.Do(func() {
		count = sess.ErrorsInWindow(time.Now(), c.errorWindow)
	})
	return count >= c.maxErrors
}

// RecordToolResult records a tool result in the session without re-prompting
// the model. Used by the voice adapter, where the speech model continues on
// its own once it receives the result. Returns a Handoff when the result
// released a gated pending handoff, nil otherwise.
func (c *Core) RecordToolResult(sessionID, toolUseID string, res tool.Result) (Response, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	var resp Response
	sess.Do(func() {
		resp = c.recordToolResult(sess, toolUseID, res)
	})
	return resp, nil
}

// DeliverToolResult records a tool result and re-prompts the model so the
// conversation continues. Used by the text adapter. Must not be called from
// inside a session.Do callback.
func (c *Core) DeliverToolResult(ctx context.Context, sessionID, toolUseID string, res tool.Result) (Response, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	var (
		resp Response
		req  llm.ConverseRequest
	)
	sess.Do(func() {
		resp = c.recordToolResult(sess, toolUseID, res)
		if resp != nil {
			return
		}
		sess.State = session.StateAwaitingLLM
		req = c.buildRequest(sess)
	})
	if resp != nil {
		return resp, nil
	}
	return c.converse(ctx, sess, req)
}

// RequestHandoff initiates a programmatic transfer, used by workflow end
// nodes whose outcome names a target agent.
func (c *Core) RequestHandoff(sessionID, targetAgent, reason string) (Response, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	var resp Response
	sess.Do(func() {
		hctx := c.handoffContext(sess, reason)
		sess.PendingHandoff = &handoff.Pending{
			TargetAgent: targetAgent,
			Context:     hctx,
			Ready:       true,
		}
		sess.State = session.StateHandoffPending
		c.logger.Info("handoff requested",
			"session_id", sess.ID, "target_agent", targetAgent, "reason", reason)
		resp = Handoff{TargetAgent: targetAgent, Context: hctx}
	})
	return resp, nil
}

// AdvanceWorkflow moves the session's workflow position using the engine
// (decision nodes are resolved by the LLM classifier). Returns the step taken.
// Must not be called from inside a session.Do callback.
func (c *Core) AdvanceWorkflow(ctx context.Context, sessionID string) (workflow.Step, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return workflow.Step{}, err
	}

	var (
		node    string
		excerpt string
		memory  map[string]any
	)
	sess.Do(func() {
		node = sess.Workflow.Node
		excerpt = renderExcerpt(sess.Window(c.windowSize))
		memory = sess.MemorySnapshot()
	})
	if node == "" {
		node = c.workflow.Start().ID
	}

	step, err := c.workflow.Advance(ctx, node, workflow.AdvanceContext{
		Classify: c.classify,
		Excerpt:  excerpt,
		Memory:   memory,
		Logger:   c.logger,
	})
	if err != nil {
		return workflow.Step{}, err
	}

	sess.Do(func() {
		sess.Workflow.Node = step.NextNodeID
		if step.Outcome != "" {
			sess.Workflow.Outcome = step.Outcome
		}
	})
	return step, nil
}

// converse runs the model RPC outside the session lock and folds the answer
// back into the session.
func (c *Core) converse(ctx context.Context, sess *session.Session, req llm.ConverseRequest) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	start := time.Now()
	turn, err := c.provider.Converse(ctx, req)
	if err != nil {
		c.metrics.RecordLLMCall(ctx, "converse", "error", time.Since(start))
		var count int
		sess.Do(func() {
			count = sess.RecordError(time.Now(), c.errorWindow)
			sess.State = session.StateIdle
		})
		c.logger.Error("llm request failed",
			"session_id", sess.ID, "error", err, "error_count", count)
		return Error{
			Message: "the assistant is temporarily unavailable",
			Fatal:   count >= c.maxErrors,
		}, nil
	}
	c.metrics.RecordLLMCall(ctx, "converse", "success", time.Since(start))

	var resp Response
	sess.Do(func() {
		resp = c.applyTurn(sess, turn)
	})
	return resp, nil
}

// applyTurn interprets the model's answer: step tag, tool calls, terminal
// handoff. Caller holds the session.
func (c *Core) applyTurn(sess *session.Session, turn *llm.Turn) Response {
	text := turn.Text
	if nodeID, stripped, ok := workflow.ParseStepTag(text); ok {
		c.applyStepTag(sess, nodeID)
		text = stripped
	}

	calls := turn.ToolCalls
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}

	at := session.Turn{Role: "assistant", Text: text, Final: true}
	if len(calls) > 0 {
		at.ToolCall = &calls[0]
	}
	sess.AppendTurn(at)

	if len(calls) > 0 {
		sess.State = session.StateAwaitingToolReply
		return ToolCalls{Calls: calls}
	}

	// A terminal node whose outcome names an agent hands the session off.
	if node := c.workflow.Node(sess.Workflow.Node); node != nil && node.Kind == workflow.KindEnd {
		if target, ok := handoff.TargetAgent(node.Outcome); ok {
			hctx := c.handoffContext(sess, node.Label)
			sess.PendingHandoff = &handoff.Pending{
				TargetAgent: target,
				Context:     hctx,
				Ready:       true,
			}
			sess.State = session.StateHandoffPending
			return Handoff{TargetAgent: target, Context: hctx}
		}
	}

	sess.State = session.StateIdle
	return Text{Content: text}
}

// applyStepTag moves the workflow position to the node the model announced.
// Illegal transitions are logged and accepted: the model saw conversation
// context the graph does not encode.
func (c *Core) applyStepTag(sess *session.Session, nodeID string) {
	if !c.workflow.HasNode(nodeID) {
		c.logger.Warn("model announced unknown workflow node, ignoring",
			"session_id", sess.ID, "node", nodeID)
		return
	}
	current := sess.Workflow.Node
	if current != "" && current != nodeID && !c.workflow.HasEdge(current, nodeID) {
		c.logger.Warn("model announced illegal workflow transition, accepting",
			"session_id", sess.ID, "from", current, "to", nodeID)
	}
	sess.Workflow.Node = nodeID
}

// recordToolResult appends the result turn and handles the two follow-ups
// that bypass the model: duplicate delivery and gated handoffs. Caller holds
// the session. Returns nil when the normal continuation should proceed.
func (c *Core) recordToolResult(sess *session.Session, toolUseID string, res tool.Result) Response {
	if sess.State == session.StateTerminated {
		return Error{Message: "session terminated"}
	}
	if !sess.ClaimToolResult(toolUseID) {
		c.logger.Warn("duplicate tool result dropped",
			"session_id", sess.ID, "tool_use_id", toolUseID)
		return Error{Message: fmt.Sprintf("duplicate result for tool_use_id %q", toolUseID)}
	}

	sess.AppendTurn(session.Turn{
		Role:      "tool",
		Text:      res.Output(),
		ToolUseID: toolUseID,
		Final:     true,
	})

	if ph := sess.PendingHandoff; ph != nil && ph.ReadyAfterToolResult && !ph.Ready {
		ph.Ready = true
		sess.State = session.StateHandoffPending
		c.logger.Info("pending handoff released by tool result",
			"session_id", sess.ID, "target_agent", ph.TargetAgent, "tool_use_id", toolUseID)
		return Handoff{TargetAgent: ph.TargetAgent, Context: ph.Context}
	}

	// A successful result lets a tool node move on.
	if node := c.workflow.Node(sess.Workflow.Node); node != nil && node.Kind == workflow.KindTool && res.Success {
		step, err := c.workflow.Advance(context.Background(), node.ID, workflow.AdvanceContext{
			ToolSucceeded: true,
			Logger:        c.logger,
		})
		if err == nil && !step.Halted {
			sess.Workflow.Node = step.NextNodeID
		}
	}
	return nil
}

// buildRequest composes the LLM request from persona, workflow, memory and
// the transcript window. Caller holds the session.
func (c *Core) buildRequest(sess *session.Session) llm.ConverseRequest {
	var sp strings.Builder
	sp.WriteString(c.persona.SystemPrompt)
	sp.WriteString("\n\n")
	sp.WriteString(c.workflow.SystemPromptText(sess.Memory))

	var tools []types.ToolDefinition
	if c.registry != nil {
		tools = c.registry.DefinitionsFor(c.persona)
	}

	return llm.ConverseRequest{
		SystemPrompt: sp.String(),
		History:      buildHistory(sess.Window(c.windowSize)),
		Tools:        tools,
	}
}

// classify adapts the provider's Classify to the workflow Classifier
// signature with the core's timeout.
func (c *Core) classify(ctx context.Context, prompt string, choices []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	start := time.Now()
	label, err := c.provider.Classify(ctx, prompt, choices)
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLLMCall(ctx, "classify", status, time.Since(start))
	return label, err
}

// handoffContext assembles the cross-agent transfer context from session
// state. Caller holds the session.
func (c *Core) handoffContext(sess *session.Session, reason string) handoff.Context {
	return handoff.Context{
		Memory:              sess.MemorySnapshot(),
		LastUserUtterance:   sess.LastUserUtterance(),
		ConversationSummary: renderExcerpt(sess.Window(c.windowSize)),
		WorkflowNode:        sess.Workflow.Node,
		WorkflowOutcome:     sess.Workflow.Outcome,
		Reason:              reason,
	}
}

// buildHistory converts transcript turns to provider messages.
func buildHistory(turns []session.Turn) []types.Message {
	msgs := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		msg := types.Message{Role: t.Role, Content: t.Text}
		if t.ToolCall != nil {
			msg.ToolCalls = []types.ToolCall{*t.ToolCall}
		}
		if t.Role == "tool" {
			msg.ToolCallID = t.ToolUseID
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// renderExcerpt flattens turns into the "role: text" form shown to
// classifiers and carried in handoff summaries.
func renderExcerpt(turns []session.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}
