package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// triageYAML is a small but complete graph exercising every node kind.
const triageYAML = `
name: triage
nodes:
  - id: start
    kind: start
    label: Start
  - id: greet
    kind: process
    label: Greet the caller and ask how you can help
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
  - id: wrap_up
    kind: process
    label: Summarise and close
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
  - from: wrap_up
    to: done
`

func mustLoad(t *testing.T, yaml string) *Workflow {
	t.Helper()
	wf, err := Load([]byte(yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return wf
}

// ── Load / validation ──────────────────────────────────────────────────────────

func TestLoad_Valid(t *testing.T) {
	wf := mustLoad(t, triageYAML)
	if wf.Name != "triage" {
		t.Errorf("Name = %q; want triage", wf.Name)
	}
	if start := wf.Start(); start == nil || start.ID != "start" {
		t.Errorf("Start() = %v; want node start", start)
	}
	if !wf.HasNode("route") {
		t.Error("HasNode(route) = false")
	}
	if !wf.HasEdge("greet", "route") {
		t.Error("HasEdge(greet, route) = false")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "unknown node kind",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: b, kind: teleport}
edges:
  - {from: a, to: b}
  - {from: b, to: a}
`,
			wantMsg: "unknown kind",
		},
		{
			name: "missing start",
			yaml: `
nodes:
  - {id: a, kind: process}
  - {id: b, kind: end}
edges:
  - {from: a, to: b}
`,
			wantMsg: "exactly one start",
		},
		{
			name: "two starts",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: b, kind: start}
  - {id: c, kind: end}
edges:
  - {from: a, to: c}
  - {from: b, to: c}
`,
			wantMsg: "exactly one start",
		},
		{
			name: "dangling edge target",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: b, kind: end}
edges:
  - {from: a, to: nowhere}
`,
			wantMsg: "dangling",
		},
		{
			name: "decision with one edge",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: d, kind: decision}
  - {id: b, kind: end}
edges:
  - {from: a, to: d}
  - {from: d, to: b, label: Only}
`,
			wantMsg: "at least 2 outgoing edges",
		},
		{
			name: "duplicate decision labels case-insensitive",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: d, kind: decision}
  - {id: b, kind: end}
  - {id: c, kind: end}
edges:
  - {from: a, to: d}
  - {from: d, to: b, label: General}
  - {from: d, to: c, label: GENERAL}
`,
			wantMsg: "duplicate edge label",
		},
		{
			name: "non-end node without outgoing edge",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: b, kind: process}
  - {id: c, kind: end}
edges:
  - {from: a, to: b}
`,
			wantMsg: "no outgoing edges",
		},
		{
			name: "tool node without tool name",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: t, kind: tool}
  - {id: b, kind: end}
edges:
  - {from: a, to: t}
  - {from: t, to: b}
`,
			wantMsg: "tool_name",
		},
		{
			name: "decision cycle",
			yaml: `
nodes:
  - {id: a, kind: start}
  - {id: d1, kind: decision}
  - {id: d2, kind: decision}
  - {id: b, kind: end}
edges:
  - {from: a, to: d1}
  - {from: d1, to: d2, label: Forward}
  - {from: d1, to: b, label: Out}
  - {from: d2, to: d1, label: Back}
  - {from: d2, to: b, label: Exit}
`,
			wantMsg: "cycle",
		},
		{
			name:    "unknown yaml field",
			yaml:    "name: x\nbogus_field: 1\nnodes: []\nedges: []\n",
			wantMsg: "parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err, tt.wantMsg)
			}
		})
	}
}

// ── Advance ────────────────────────────────────────────────────────────────────

func TestAdvance_ProcessFollowsSingleEdge(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	step, err := wf.Advance(context.Background(), "greet", AdvanceContext{})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if step.Halted || step.NextNodeID != "route" {
		t.Errorf("step = %+v; want next route", step)
	}
}

func TestAdvance_UnknownNode_ReturnsError(t *testing.T) {
	wf := mustLoad(t, triageYAML)
	if _, err := wf.Advance(context.Background(), "ghost", AdvanceContext{}); err == nil {
		t.Fatal("Advance on unknown node should fail")
	}
}

func TestAdvance_ToolNodeHaltsUntilSuccess(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	step, err := wf.Advance(context.Background(), "check", AdvanceContext{ToolSucceeded: false})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !step.Halted || step.NextNodeID != "check" {
		t.Errorf("tool node without result should halt; got %+v", step)
	}

	step, err = wf.Advance(context.Background(), "check", AdvanceContext{ToolSucceeded: true})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if step.Halted || step.NextNodeID != "to_banking" {
		t.Errorf("tool node after success should advance; got %+v", step)
	}
}

func TestAdvance_EndNodeWithHandoffOutcome(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	step, err := wf.Advance(context.Background(), "to_banking", AdvanceContext{})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if step.HandoffTarget != "banking" {
		t.Errorf("HandoffTarget = %q; want banking", step.HandoffTarget)
	}
	if step.Halted {
		t.Error("handoff end node should not report Halted")
	}
}

func TestAdvance_PlainEndNodeHalts(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	step, err := wf.Advance(context.Background(), "done", AdvanceContext{})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !step.Halted || step.HandoffTarget != "" {
		t.Errorf("plain end node should halt without handoff; got %+v", step)
	}
}

func TestAdvance_Decision(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	classifierOf := func(answer string, err error) Classifier {
		return func(context.Context, string, []string) (string, error) {
			return answer, err
		}
	}

	tests := []struct {
		name           string
		classify       Classifier
		wantNext       string
		wantOutcome    string
		wantConfidence float64
	}{
		{
			name:           "exact match case-insensitive",
			classify:       classifierOf("ACCOUNT", nil),
			wantNext:       "check",
			wantOutcome:    "Account",
			wantConfidence: 1.0,
		},
		{
			name:           "answer contains label",
			classify:       classifierOf("This is an account question", nil),
			wantNext:       "check",
			wantOutcome:    "Account",
			wantConfidence: 0.8,
		},
		{
			name:           "label contains answer",
			classify:       classifierOf("gener", nil),
			wantNext:       "general",
			wantOutcome:    "General",
			wantConfidence: 0.8,
		},
		{
			name:           "no match falls back to first edge",
			classify:       classifierOf("mortgage", nil),
			wantNext:       "general",
			wantOutcome:    "General",
			wantConfidence: 0.5,
		},
		{
			name:           "classifier error falls back to first edge",
			classify:       classifierOf("", errors.New("rpc timeout")),
			wantNext:       "general",
			wantOutcome:    "General",
			wantConfidence: 0.5,
		},
		{
			name:           "nil classifier falls back to first edge",
			classify:       nil,
			wantNext:       "general",
			wantOutcome:    "General",
			wantConfidence: 0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := wf.Advance(context.Background(), "route", AdvanceContext{Classify: tt.classify})
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if step.Halted {
				t.Fatal("decision must never halt")
			}
			if step.NextNodeID != tt.wantNext {
				t.Errorf("NextNodeID = %q; want %q", step.NextNodeID, tt.wantNext)
			}
			if step.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q; want %q", step.Outcome, tt.wantOutcome)
			}
			if step.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v; want %v", step.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestAdvance_DecisionPromptCarriesContext(t *testing.T) {
	wf := mustLoad(t, triageYAML)

	var gotPrompt string
	var gotChoices []string
	classify := func(_ context.Context, prompt string, choices []string) (string, error) {
		gotPrompt = prompt
		gotChoices = choices
		return "General", nil
	}

	_, err := wf.Advance(context.Background(), "route", AdvanceContext{
		Classify: classify,
		Excerpt:  "user: what is my balance",
		Memory:   map[string]any{"verified": true},
	})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if len(gotChoices) != 2 || gotChoices[0] != "General" || gotChoices[1] != "Account" {
		t.Errorf("choices = %v; want [General Account]", gotChoices)
	}
	for _, want := range []string{"What does the user need?", "General", "Account", "what is my balance", "verified"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt should contain %q\nprompt:\n%s", want, gotPrompt)
		}
	}
}

// ── Step tags ──────────────────────────────────────────────────────────────────

func TestParseStepTag(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		wantNode     string
		wantStripped string
		wantOK       bool
	}{
		{"plain tag", "[STEP: greet] Hello there!", "greet", "Hello there!", true},
		{"no space in tag", "[STEP:route]Which one?", "route", "Which one?", true},
		{"leading whitespace", "  [STEP: done] Bye.", "done", "Bye.", true},
		{"dotted id", "[STEP: flow.check-1] ok", "flow.check-1", "ok", true},
		{"no tag", "Hello there!", "", "Hello there!", false},
		{"tag mid-message ignored", "I said [STEP: greet] earlier", "", "I said [STEP: greet] earlier", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, stripped, ok := ParseStepTag(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v; want %v", ok, tt.wantOK)
			}
			if node != tt.wantNode {
				t.Errorf("node = %q; want %q", node, tt.wantNode)
			}
			if stripped != tt.wantStripped {
				t.Errorf("stripped = %q; want %q", stripped, tt.wantStripped)
			}
		})
	}
}

// ── SystemPromptText ───────────────────────────────────────────────────────────

func TestSystemPromptText_RoundTripsNodeIDs(t *testing.T) {
	wf := mustLoad(t, triageYAML)
	prompt := wf.SystemPromptText(map[string]any{"userName": "Jane"})

	// Every node id must appear verbatim so a model echoing a step id
	// produces a tag ParseStepTag resolves against the graph.
	for _, n := range wf.Nodes {
		if !strings.Contains(prompt, "`"+n.ID+"`") {
			t.Errorf("prompt missing node id %q", n.ID)
		}
		nodeID, _, ok := ParseStepTag("[STEP: " + n.ID + "] hi")
		if !ok || !wf.HasNode(nodeID) {
			t.Errorf("node id %q does not round-trip through ParseStepTag", n.ID)
		}
	}

	if !strings.Contains(prompt, "[STEP: <step_id>]") {
		t.Error("prompt missing the step reporting rule")
	}
	if !strings.Contains(prompt, "userName: Jane") {
		t.Error("prompt missing memory facts")
	}
	for _, label := range []string{"General", "Account"} {
		if !strings.Contains(prompt, label) {
			t.Errorf("prompt missing decision edge label %q", label)
		}
	}
}
