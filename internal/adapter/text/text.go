// Package text adapts the agent core for JSON-only clients.
//
// One inbound user_input drives a full conversational round: the user turn
// is echoed back, the core is invoked, tool calls are dispatched (in
// parallel when the model requests several), and the loop repeats until the
// core answers with text, a handoff, or an error.
package text

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/crosstalk/internal/agent"
	"github.com/MrWong99/crosstalk/internal/protocol"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
	"github.com/MrWong99/crosstalk/pkg/types"
)

// maxToolRounds bounds the tool-call loop for one utterance so a model stuck
// requesting tools cannot spin forever.
const maxToolRounds = 8

// Adapter drives text-mode conversations. Safe for concurrent use across
// sessions.
type Adapter struct {
	core   *agent.Core
	store  *session.Store
	logger *slog.Logger
}

// New creates a text Adapter.
func New(core *agent.Core, store *session.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{core: core, store: store, logger: logger}
}

// HandleUserInput processes one user utterance end to end, emitting client
// messages to sink as the round progresses. skipTranscript suppresses the
// user echo for utterances the client should not see rendered back, such as
// synthesized system prompts. A non-nil Handoff return means the session
// wants to leave this agent; the caller owns its emission.
func (a *Adapter) HandleUserInput(ctx context.Context, sessionID, text string, skipTranscript bool, sink protocol.Sink) (*agent.Handoff, error) {
	// Echo the user turn first so the client renders it immediately.
	if !skipTranscript {
		if err := sink.SendJSON(protocol.NewTranscript(uuid.NewString(), "user", text, true)); err != nil {
			return nil, fmt.Errorf("text: echo user turn: %w", err)
		}
	}

	resp, err := a.core.ProcessUserUtterance(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}
	return a.drive(ctx, sessionID, resp, sink)
}

// drive translates core responses into client messages, dispatching tools
// and re-invoking the core until the round settles.
func (a *Adapter) drive(ctx context.Context, sessionID string, resp agent.Response, sink protocol.Sink) (*agent.Handoff, error) {
	for round := 0; ; round++ {
		switch r := resp.(type) {
		case nil:
			return nil, nil

		case agent.Text:
			if r.Content != "" {
				if err := sink.SendJSON(protocol.NewTranscript(uuid.NewString(), "assistant", r.Content, true)); err != nil {
					return nil, err
				}
			}
			return nil, nil

		case agent.Handoff:
			return &r, nil

		case agent.Error:
			msg := protocol.NewError(r.Message, "", r.Fatal)
			if err := sink.SendJSON(msg); err != nil {
				return nil, err
			}
			return nil, nil

		case agent.ToolCalls:
			if round >= maxToolRounds {
				a.logger.Warn("tool loop exceeded round budget, stopping",
					"session_id", sessionID, "rounds", round)
				return nil, sink.SendJSON(protocol.NewError("tool loop did not settle", "", false))
			}
			next, handoff, err := a.dispatchRound(ctx, sessionID, r.Calls, sink)
			if err != nil || handoff != nil {
				return handoff, err
			}
			resp = next

		default:
			return nil, fmt.Errorf("text: unhandled core response %T", resp)
		}
	}
}

// dispatchRound executes one batch of tool calls in parallel, emits the
// tool_use/tool_result messages, feeds the results back into the core, and
// returns the follow-up response. A call whose tool_use_id was already
// claimed is skipped entirely: one emission per id, no second result to the
// model.
func (a *Adapter) dispatchRound(ctx context.Context, sessionID string, calls []types.ToolCall, sink protocol.Sink) (agent.Response, *agent.Handoff, error) {
	sess := a.store.Get(sessionID)
	if sess == nil {
		return nil, nil, fmt.Errorf("text: unknown session %q", sessionID)
	}
	dispatcher := a.core.Dispatcher()
	if dispatcher == nil {
		return nil, nil, fmt.Errorf("text: agent has no tool dispatcher")
	}

	results := make([]tool.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = dispatcher.Invoke(ctx, sess, call.Name, call.Arguments, call.ID)
		}()
	}
	wg.Wait()

	last := -1
	for i := range calls {
		if !results[i].Duplicate {
			last = i
		}
	}

	var (
		resp agent.Response
		err  error
	)
	for i, call := range calls {
		res := results[i]
		if res.Duplicate {
			a.logger.Warn("duplicate tool call skipped",
				"session_id", sessionID, "tool", call.Name, "tool_use_id", call.ID)
			continue
		}
		if err := sink.SendJSON(protocol.NewToolUse(call.ID, call.Name, call.Arguments)); err != nil {
			return nil, nil, err
		}
		if err := sink.SendJSON(protocol.NewToolResult(call.ID, call.Name, res.Success, res.Result, res.Error)); err != nil {
			return nil, nil, err
		}

		// The last result triggers the model continuation; earlier ones are
		// recorded only.
		if i == last {
			resp, err = a.core.DeliverToolResult(ctx, sessionID, call.ID, res)
		} else {
			resp, err = a.core.RecordToolResult(sessionID, call.ID, res)
		}
		if err != nil {
			return nil, nil, err
		}
		if h, ok := resp.(agent.Handoff); ok {
			return nil, &h, nil
		}
	}
	return resp, nil, nil
}
