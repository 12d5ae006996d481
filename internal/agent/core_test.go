package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
	"github.com/MrWong99/crosstalk/internal/workflow"
	"github.com/MrWong99/crosstalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/crosstalk/pkg/provider/llm/mock"
	"github.com/MrWong99/crosstalk/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const triageWorkflowYAML = `
name: triage
nodes:
  - id: start
    kind: start
    label: Start
  - id: greet
    kind: process
    label: Greet the caller
  - id: route
    kind: decision
    label: What does the user need?
  - id: general
    kind: process
    label: Answer general questions
  - id: check
    kind: tool
    label: Look up the account
    tool_name: lookup_account
  - id: done
    kind: end
    label: Finished
  - id: to_banking
    kind: end
    label: Route to banking
    outcome: transfer_to_banking
edges:
  - from: start
    to: greet
  - from: greet
    to: route
  - from: route
    to: general
    label: General
  - from: route
    to: check
    label: Account
  - from: general
    to: done
  - from: check
    to: to_banking
`

const triagePersonaYAML = `
id: triage
display_name: Triage Assistant
allowed_tools:
  - lookup_account
  - transfer_to_banking
system_prompt: You are the triage assistant for a retail bank.
`

type fixture struct {
	core     *Core
	store    *session.Store
	provider *llmmock.Provider
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	wf, err := workflow.Load([]byte(triageWorkflowYAML))
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	pers, err := persona.Load([]byte(triagePersonaYAML))
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := &llmmock.Provider{}
	store := session.NewStore()

	registry := tool.NewRegistry()
	if err := registry.Register(tool.Spec{
		Name:        "lookup_account",
		Description: "Look up an account by number",
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	dispatcher := tool.NewDispatcher(registry, pers, logger)

	core, err := New(store, wf, pers, provider, dispatcher, registry, logger, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{core: core, store: store, provider: provider}
}

func (f *fixture) newSession(t *testing.T, id string) *session.Session {
	t.Helper()
	sess := session.New(id, config.ModeText, nil)
	if err := f.store.Create(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestProcessUserUtterance_BlankDropped(t *testing.T) {
	f := newFixture(t)
	f.newSession(t, "s1")

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "   ")
	if resp != nil || err != nil {
		t.Errorf("blank utterance = %v, %v; want nil, nil", resp, err)
	}
	if len(f.provider.ConverseCalls) != 0 {
		t.Error("blank utterance must not reach the model")
	}
}

func TestProcessUserUtterance_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.core.ProcessUserUtterance(context.Background(), "ghost", "hi"); err == nil {
		t.Fatal("unknown session should fail")
	}
}

func TestProcessUserUtterance_RecordsLLMDuration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture(t, WithMetrics(metrics))
	f.newSession(t, "s1")
	f.provider.Turns = []llm.Turn{{Text: "[STEP: greet] Hello."}}

	if _, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "crosstalk.llm.duration" {
				continue
			}
			hd, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("llm.duration data = %T; want Histogram[float64]", m.Data)
			}
			var count uint64
			for _, pt := range hd.DataPoints {
				count += pt.Count
			}
			if count != 1 {
				t.Errorf("llm.duration observations = %d; want 1", count)
			}
			found = true
		}
	}
	if !found {
		t.Error("crosstalk.llm.duration never recorded")
	}
}

func TestProcessUserUtterance_TextResponse(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	f.provider.Turns = []llm.Turn{{Text: "[STEP: greet] Hello, how can I help?"}}

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hi there")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	text, ok := resp.(Text)
	if !ok {
		t.Fatalf("response = %T; want Text", resp)
	}
	if text.Content != "Hello, how can I help?" {
		t.Errorf("content = %q; step tag must be stripped", text.Content)
	}

	sess.Do(func() {
		if sess.Workflow.Node != "greet" {
			t.Errorf("workflow node = %q; want greet", sess.Workflow.Node)
		}
		if sess.State != session.StateIdle {
			t.Errorf("state = %q; want idle", sess.State)
		}
		if len(sess.Transcript) != 2 {
			t.Fatalf("transcript length = %d; want 2", len(sess.Transcript))
		}
		if sess.Transcript[0].Role != "user" || !sess.Transcript[0].Final {
			t.Errorf("first turn = %+v; want final user turn", sess.Transcript[0])
		}
		if sess.Transcript[1].Role != "assistant" || sess.Transcript[1].Text != "Hello, how can I help?" {
			t.Errorf("assistant turn = %+v", sess.Transcript[1])
		}
	})
}

func TestProcessUserUtterance_PromptComposition(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() {
		sess.MergeMemory(map[string]any{"customer_name": "Alex"})
	})

	if _, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}

	req := f.provider.ConverseCalls[0].Req
	for _, want := range []string{
		"triage assistant for a retail bank", // persona prompt
		"[STEP: <step_id>]",                  // workflow step rule
		"customer_name: Alex",                // memory facts
	} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup_account" {
		t.Errorf("tools = %+v; want lookup_account only", req.Tools)
	}
	if len(req.History) != 1 || req.History[0].Role != "user" || req.History[0].Content != "hello" {
		t.Errorf("history = %+v", req.History)
	}
}

func TestProcessUserUtterance_ToolCall(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	f.provider.Turns = []llm.Turn{{
		Text: "[STEP: check]",
		ToolCalls: []types.ToolCall{
			{Name: "lookup_account", Arguments: `{"account_number": "12345678"}`},
		},
	}}

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "account 12345678 please")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	tc, ok := resp.(ToolCalls)
	if !ok {
		t.Fatalf("response = %T; want ToolCalls", resp)
	}
	if len(tc.Calls) != 1 || tc.Calls[0].Name != "lookup_account" {
		t.Fatalf("calls = %+v", tc.Calls)
	}
	if tc.Calls[0].ID == "" {
		t.Error("tool call without a backend id must get one assigned")
	}

	sess.Do(func() {
		if sess.State != session.StateAwaitingToolReply {
			t.Errorf("state = %q; want awaiting_tool_result", sess.State)
		}
		if sess.Workflow.Node != "check" {
			t.Errorf("workflow node = %q; want check", sess.Workflow.Node)
		}
	})
}

func TestProcessUserUtterance_IllegalTransitionAccepted(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.Workflow.Node = "greet" })
	// greet has no edge to general, but the model's claim wins.
	f.provider.Turns = []llm.Turn{{Text: "[STEP: general] Our opening hours are 9 to 5."}}

	if _, err := f.core.ProcessUserUtterance(context.Background(), "s1", "when are you open?"); err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	sess.Do(func() {
		if sess.Workflow.Node != "general" {
			t.Errorf("workflow node = %q; illegal transitions are logged and accepted", sess.Workflow.Node)
		}
	})
}

func TestProcessUserUtterance_UnknownStepTagIgnored(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.Workflow.Node = "greet" })
	f.provider.Turns = []llm.Turn{{Text: "[STEP: nonsense] Hello!"}}

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	if text := resp.(Text); text.Content != "Hello!" {
		t.Errorf("content = %q; tag is stripped even when the node is unknown", text.Content)
	}
	sess.Do(func() {
		if sess.Workflow.Node != "greet" {
			t.Errorf("workflow node = %q; unknown node must not move the position", sess.Workflow.Node)
		}
	})
}

func TestProcessUserUtterance_LLMErrorBudget(t *testing.T) {
	f := newFixture(t, WithErrorBudget(2, 10*time.Second))
	f.newSession(t, "s1")
	f.provider.ConverseErr = errors.New("upstream 503")

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	if e := resp.(Error); e.Fatal {
		t.Error("first error must not be fatal")
	}

	resp, _ = f.core.ProcessUserUtterance(context.Background(), "s1", "hi again")
	if e := resp.(Error); !e.Fatal {
		t.Error("second error within the window must exhaust the budget")
	}
}

func TestProcessUserUtterance_EndNodeHandoff(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() {
		sess.MergeMemory(map[string]any{"account_number": "12345678"})
	})
	f.provider.Turns = []llm.Turn{{Text: "[STEP: to_banking] Transferring you to banking now."}}

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "I need my balance")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	h, ok := resp.(Handoff)
	if !ok {
		t.Fatalf("response = %T; want Handoff", resp)
	}
	if h.TargetAgent != "banking" {
		t.Errorf("target = %q; want banking", h.TargetAgent)
	}
	if h.Context.Memory["account_number"] != "12345678" {
		t.Errorf("handoff context memory = %v", h.Context.Memory)
	}
	if h.Context.LastUserUtterance != "I need my balance" {
		t.Errorf("last utterance = %q", h.Context.LastUserUtterance)
	}

	sess.Do(func() {
		if sess.State != session.StateHandoffPending {
			t.Errorf("state = %q; want handoff_pending", sess.State)
		}
		if sess.PendingHandoff == nil || !sess.PendingHandoff.Ready {
			t.Errorf("pending handoff = %+v; want ready", sess.PendingHandoff)
		}
	})
}

func TestRecordToolResult_ReleasesGatedHandoff(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() {
		sess.PendingHandoff = &handoff.Pending{
			TargetAgent:          "banking",
			Context:              handoff.Context{Reason: "balance request"},
			ReadyAfterToolResult: true,
		}
	})

	resp, err := f.core.RecordToolResult("s1", "tu-1", tool.Result{
		ToolUseID: "tu-1",
		Success:   true,
		Result:    `{"status":"transfer_initiated","target_agent":"banking"}`,
	})
	if err != nil {
		t.Fatalf("RecordToolResult: %v", err)
	}
	h, ok := resp.(Handoff)
	if !ok {
		t.Fatalf("response = %T; want Handoff", resp)
	}
	if h.TargetAgent != "banking" {
		t.Errorf("target = %q", h.TargetAgent)
	}
	sess.Do(func() {
		if !sess.PendingHandoff.Ready {
			t.Error("pending handoff not marked ready")
		}
		if sess.State != session.StateHandoffPending {
			t.Errorf("state = %q; want handoff_pending", sess.State)
		}
	})
}

func TestRecordToolResult_DuplicateDropped(t *testing.T) {
	f := newFixture(t)
	f.newSession(t, "s1")
	res := tool.Result{ToolUseID: "tu-1", Success: true, Result: "{}"}

	if _, err := f.core.RecordToolResult("s1", "tu-1", res); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	resp, err := f.core.RecordToolResult("s1", "tu-1", res)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if _, ok := resp.(Error); !ok {
		t.Errorf("duplicate delivery = %T; want Error", resp)
	}
}

func TestRecordToolResult_AdvancesToolNode(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.Workflow.Node = "check" })

	if _, err := f.core.RecordToolResult("s1", "tu-1", tool.Result{
		ToolUseID: "tu-1", Success: true, Result: `{"balance": 100}`,
	}); err != nil {
		t.Fatalf("RecordToolResult: %v", err)
	}
	sess.Do(func() {
		if sess.Workflow.Node != "to_banking" {
			t.Errorf("workflow node = %q; successful result must advance the tool node", sess.Workflow.Node)
		}
	})
}

func TestRecordToolResult_FailureHoldsToolNode(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.Workflow.Node = "check" })

	if _, err := f.core.RecordToolResult("s1", "tu-1", tool.Result{
		ToolUseID: "tu-1", Success: false, Error: "account not found",
	}); err != nil {
		t.Fatalf("RecordToolResult: %v", err)
	}
	sess.Do(func() {
		if sess.Workflow.Node != "check" {
			t.Errorf("workflow node = %q; failed result must not advance", sess.Workflow.Node)
		}
	})
}

func TestDeliverToolResult_Continuation(t *testing.T) {
	f := newFixture(t)
	f.newSession(t, "s1")
	f.provider.Turns = []llm.Turn{{Text: "[STEP: general] Your balance is 100 pounds."}}

	resp, err := f.core.DeliverToolResult(context.Background(), "s1", "tu-1", tool.Result{
		ToolUseID: "tu-1", Success: true, Result: `{"balance": 100}`,
	})
	if err != nil {
		t.Fatalf("DeliverToolResult: %v", err)
	}
	text, ok := resp.(Text)
	if !ok {
		t.Fatalf("response = %T; want Text", resp)
	}
	if !strings.Contains(text.Content, "100 pounds") {
		t.Errorf("content = %q", text.Content)
	}

	// The continuation prompt must carry the tool result.
	req := f.provider.ConverseCalls[0].Req
	found := false
	for _, m := range req.History {
		if m.Role == "tool" && m.ToolCallID == "tu-1" {
			found = true
		}
	}
	if !found {
		t.Error("continuation history missing the tool result turn")
	}
}

func TestRequestHandoff(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")

	resp, err := f.core.RequestHandoff("s1", "banking", "balance request")
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	h := resp.(Handoff)
	if h.TargetAgent != "banking" || h.Context.Reason != "balance request" {
		t.Errorf("handoff = %+v", h)
	}
	sess.Do(func() {
		if sess.PendingHandoff == nil || !sess.PendingHandoff.Ready {
			t.Errorf("pending handoff = %+v", sess.PendingHandoff)
		}
	})
}

func TestAdvanceWorkflow_DecisionClassified(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.Workflow.Node = "route" })
	f.provider.ClassifyResult = "Account"

	step, err := f.core.AdvanceWorkflow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("AdvanceWorkflow: %v", err)
	}
	if step.NextNodeID != "check" || step.Outcome != "Account" {
		t.Errorf("step = %+v; want check via Account", step)
	}
	sess.Do(func() {
		if sess.Workflow.Node != "check" || sess.Workflow.Outcome != "Account" {
			t.Errorf("session workflow = %+v", sess.Workflow)
		}
	})
	if len(f.provider.ClassifyCalls) != 1 {
		t.Fatalf("classify calls = %d; want 1", len(f.provider.ClassifyCalls))
	}
	if choices := f.provider.ClassifyCalls[0].Choices; len(choices) != 2 {
		t.Errorf("choices = %v; want the two edge labels", choices)
	}
}

func TestProcessUserUtterance_TerminatedSession(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, "s1")
	sess.Do(func() { sess.State = session.StateTerminated })

	resp, err := f.core.ProcessUserUtterance(context.Background(), "s1", "hello?")
	if err != nil {
		t.Fatalf("ProcessUserUtterance: %v", err)
	}
	if _, ok := resp.(Error); !ok {
		t.Errorf("response = %T; want Error", resp)
	}
	if len(f.provider.ConverseCalls) != 0 {
		t.Error("terminated session must not reach the model")
	}
}
