package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/session"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultWindowSize = 20
)

// Dispatcher routes tool invocations for one agent: permission check,
// single-flight per tool_use_id, handoff short-circuit, schema validation,
// then the backend RPC. Safe for concurrent use across sessions.
type Dispatcher struct {
	registry *Registry
	persona  *persona.Persona
	logger   *slog.Logger
	metrics  *observe.Metrics

	timeout    time.Duration
	windowSize int
}

// DispatcherOption is a functional option for a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the per-call backend deadline.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithWindowSize sets how many transcript turns go into the handoff summary.
func WithWindowSize(n int) DispatcherOption {
	return func(dp *Dispatcher) { dp.windowSize = n }
}

// WithMetrics replaces the metric instruments, for tests.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher creates a Dispatcher for the given registry and persona.
func NewDispatcher(registry *Registry, p *persona.Persona, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	dp := &Dispatcher{
		registry:   registry,
		persona:    p,
		logger:     logger,
		metrics:    observe.DefaultMetrics(),
		timeout:    defaultTimeout,
		windowSize: defaultWindowSize,
	}
	for _, o := range opts {
		o(dp)
	}
	return dp
}

// Invoke dispatches one tool invocation for a session. It never returns an
// error: every failure mode is a Result with Success=false, so the model can
// recover conversationally.
//
// Invoke must not be called from inside a session.Do callback; it takes the
// session lock itself around state mutations and runs the backend RPC
// without holding it.
func (dp *Dispatcher) Invoke(ctx context.Context, sess *session.Session, name string, rawInput any, toolUseID string) Result {
	if toolUseID == "" {
		return failure(toolUseID, "missing tool_use_id")
	}

	var claimed, terminated bool
	sess.Do(func() {
		terminated = sess.State == session.StateTerminated
		if !terminated {
			claimed = sess.ClaimToolCall(toolUseID)
		}
	})
	if terminated {
		return failure(toolUseID, "session terminated")
	}
	if !claimed {
		dp.logger.Warn("duplicate tool_use_id rejected",
			"session_id", sess.ID, "tool", name, "tool_use_id", toolUseID)
		res := failure(toolUseID, "duplicate tool_use_id %q", toolUseID)
		res.Duplicate = true
		return res
	}

	if !dp.persona.Allows(name) {
		return failure(toolUseID, "tool %q not permitted for this agent", name)
	}

	in := NormalizeInput(rawInput)

	if target, ok := handoff.TargetAgent(name); ok {
		return dp.stashHandoff(sess, target, in, toolUseID)
	}

	spec, ok := dp.registry.Get(name)
	if !ok {
		return failure(toolUseID, "unknown tool %q", name)
	}
	if err := validateInput(spec, in); err != nil {
		return failure(toolUseID, "%v", err)
	}
	if spec.Backend == nil {
		return failure(toolUseID, "tool %q has no backend", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, dp.timeout)
	defer cancel()

	started := time.Now()
	out, err := spec.Backend.Execute(callCtx, name, in)
	if err != nil {
		dp.metrics.RecordToolCall(ctx, name, "error", time.Since(started))
		dp.logger.Warn("tool execution failed",
			"session_id", sess.ID, "tool", name, "tool_use_id", toolUseID,
			"duration", time.Since(started), "error", err)
		return failure(toolUseID, "tool %q failed: %v", name, err)
	}

	dp.metrics.RecordToolCall(ctx, name, "success", time.Since(started))
	dp.logger.Debug("tool executed",
		"session_id", sess.ID, "tool", name, "tool_use_id", toolUseID,
		"duration", time.Since(started))
	return Result{ToolUseID: toolUseID, Success: true, Result: out}
}

// stashHandoff records a pending handoff on the session instead of calling a
// backend. The returned success result lets the model speak a brief
// confirmation before the transfer is emitted.
func (dp *Dispatcher) stashHandoff(sess *session.Session, target string, in Input, toolUseID string) Result {
	reason := handoffReason(in)

	sess.Do(func() {
		hctx := handoff.Context{
			Memory:              sess.MemorySnapshot(),
			LastUserUtterance:   sess.LastUserUtterance(),
			ConversationSummary: summarize(sess.Window(dp.windowSize)),
			WorkflowNode:        sess.Workflow.Node,
			WorkflowOutcome:     sess.Workflow.Outcome,
			Reason:              reason,
		}
		sess.PendingHandoff = &handoff.Pending{
			TargetAgent:          target,
			Context:              hctx,
			ReadyAfterToolResult: true,
		}
	})

	dp.logger.Info("handoff directive stashed",
		"session_id", sess.ID, "target_agent", target, "tool_use_id", toolUseID)

	return Result{
		ToolUseID:     toolUseID,
		Success:       true,
		Result:        fmt.Sprintf(`{"status":"transfer_initiated","target_agent":%q}`, target),
		HandoffTarget: target,
	}
}

// handoffReason pulls the advisory reason out of a handoff tool input.
func handoffReason(in Input) string {
	if in.Kind != KindObject {
		return ""
	}
	for _, key := range []string{"reason", "summary"} {
		if v, ok := in.Object[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// summarize renders a transcript window as a flat text block.
func summarize(turns []session.Turn) string {
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
	return strings.TrimRight(b.String(), "\n")
}
