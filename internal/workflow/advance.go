package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/crosstalk/internal/handoff"
)

// Classifier resolves a decision node: given a prompt describing the decision
// and the list of edge labels, it returns the chosen label (or a free-form
// answer the engine will match against the labels).
type Classifier func(ctx context.Context, prompt string, choices []string) (string, error)

// AdvanceContext carries the per-call inputs to Advance.
type AdvanceContext struct {
	// Classify resolves decision nodes. Required when the current node is a
	// decision; ignored otherwise.
	Classify Classifier

	// Excerpt is the recent conversation window shown to the classifier.
	Excerpt string

	// Memory is the session memory shown to the classifier.
	Memory map[string]any

	// ToolSucceeded reports whether the pending tool result for a tool node
	// arrived successfully. Tool nodes halt until this is true.
	ToolSucceeded bool

	// Logger receives decision-resolution diagnostics. Nil uses the default
	// logger.
	Logger *slog.Logger
}

// Step is the outcome of one Advance call.
type Step struct {
	// NextNodeID is the node the session moved to. Equal to the current node
	// when Halted.
	NextNodeID string

	// Outcome is the decision label that selected the edge, when the current
	// node was a decision.
	Outcome string

	// Confidence grades how the outcome was matched: 1.0 exact, 0.8
	// substring, 0.5 fallback.
	Confidence float64

	// HandoffTarget is set when a terminal node's outcome encodes a transfer
	// directive.
	HandoffTarget string

	// Halted reports that the workflow cannot advance yet (tool result
	// outstanding, or terminal node without handoff).
	Halted bool
}

// Match confidences.
const (
	confidenceExact     = 1.0
	confidenceSubstring = 0.8
	confidenceFallback  = 0.5
)

// Advance computes the transition out of currentNodeID. It never returns an
// error for classifier failures: a failed classification falls back to the
// first edge so the conversation keeps moving.
func (w *Workflow) Advance(ctx context.Context, currentNodeID string, ac AdvanceContext) (Step, error) {
	node := w.Node(currentNodeID)
	if node == nil {
		return Step{}, fmt.Errorf("workflow: unknown node %q", currentNodeID)
	}

	logger := ac.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch node.Kind {
	case KindStart, KindProcess, KindWorkflow:
		out := w.outgoing[node.ID]
		if len(out) != 1 {
			return Step{NextNodeID: node.ID, Halted: true}, nil
		}
		return Step{NextNodeID: out[0].To}, nil

	case KindTool:
		if !ac.ToolSucceeded {
			return Step{NextNodeID: node.ID, Halted: true}, nil
		}
		out := w.outgoing[node.ID]
		if len(out) != 1 {
			return Step{NextNodeID: node.ID, Halted: true}, nil
		}
		return Step{NextNodeID: out[0].To}, nil

	case KindDecision:
		return w.advanceDecision(ctx, node, ac, logger), nil

	case KindEnd:
		if target, ok := handoff.TargetAgent(node.Outcome); ok {
			return Step{NextNodeID: node.ID, HandoffTarget: target}, nil
		}
		return Step{NextNodeID: node.ID, Halted: true}, nil

	default:
		return Step{}, fmt.Errorf("workflow: node %q: unhandled kind %q", node.ID, node.Kind)
	}
}

// advanceDecision resolves a decision node via the classifier and matches the
// answer against the edge labels.
func (w *Workflow) advanceDecision(ctx context.Context, node *Node, ac AdvanceContext, logger *slog.Logger) Step {
	edges := w.outgoing[node.ID]
	labels := make([]string, len(edges))
	for i, e := range edges {
		labels[i] = e.Label
	}

	fallback := Step{
		NextNodeID: edges[0].To,
		Outcome:    edges[0].Label,
		Confidence: confidenceFallback,
	}

	if ac.Classify == nil {
		logger.Warn("decision node has no classifier, taking first edge",
			"node", node.ID, "outcome", fallback.Outcome)
		return fallback
	}

	answer, err := ac.Classify(ctx, decisionPrompt(node, labels, ac.Excerpt, ac.Memory), labels)
	if err != nil {
		logger.Error("decision classification failed, taking first edge",
			"node", node.ID, "outcome", fallback.Outcome, "error", err)
		return fallback
	}

	if step, ok := matchEdge(answer, edges); ok {
		logger.Debug("decision resolved",
			"node", node.ID, "answer", answer, "outcome", step.Outcome, "confidence", step.Confidence)
		return step
	}

	logger.Warn("classifier answer matched no edge label, taking first edge",
		"node", node.ID, "answer", answer, "outcome", fallback.Outcome)
	return fallback
}

// matchEdge matches a classifier answer against edge labels: exact
// (case-insensitive) first, then substring in either direction.
func matchEdge(answer string, edges []Edge) (Step, bool) {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return Step{}, false
	}
	lower := strings.ToLower(trimmed)

	for _, e := range edges {
		if strings.ToLower(e.Label) == lower {
			return Step{NextNodeID: e.To, Outcome: e.Label, Confidence: confidenceExact}, true
		}
	}
	for _, e := range edges {
		label := strings.ToLower(e.Label)
		if label == "" {
			continue
		}
		if strings.Contains(lower, label) || strings.Contains(label, lower) {
			return Step{NextNodeID: e.To, Outcome: e.Label, Confidence: confidenceSubstring}, true
		}
	}
	return Step{}, false
}

// decisionPrompt composes the classifier prompt for a decision node.
func decisionPrompt(node *Node, labels []string, excerpt string, memory map[string]any) string {
	var b strings.Builder
	b.WriteString("Decide the next step in the conversation.\n")
	b.WriteString("Decision: ")
	b.WriteString(node.Label)
	b.WriteString("\nOptions:\n")
	for _, l := range labels {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	if len(memory) > 0 {
		b.WriteString("Known facts:\n")
		for k, v := range memory {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	if excerpt != "" {
		b.WriteString("Conversation:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}
	return b.String()
}
