// Package workflow implements the per-agent conversation state machine.
//
// A workflow is a directed graph of nodes loaded from a YAML definition at
// process start and immutable afterwards. The engine is a pure function over
// (graph, current node, context): it never talks to the LLM itself. Decision
// nodes are resolved through a classifier callback supplied by the caller, so
// the engine stays deterministic and testable.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind enumerates the node kinds a workflow may contain.
type Kind string

const (
	// KindStart is the unique entry node.
	KindStart Kind = "start"

	// KindProcess is a conversational step with a single successor.
	KindProcess Kind = "process"

	// KindDecision branches on an LLM-classified outcome.
	KindDecision Kind = "decision"

	// KindTool requires a successful tool result before advancing.
	KindTool Kind = "tool"

	// KindWorkflow embeds a named sub-flow; treated as a process step by the
	// engine.
	KindWorkflow Kind = "workflow"

	// KindEnd is terminal. Its outcome may encode a handoff target.
	KindEnd Kind = "end"
)

func (k Kind) valid() bool {
	switch k {
	case KindStart, KindProcess, KindDecision, KindTool, KindWorkflow, KindEnd:
		return true
	}
	return false
}

// Node is one state in the graph.
type Node struct {
	ID    string `yaml:"id"`
	Kind  Kind   `yaml:"kind"`
	Label string `yaml:"label"`

	// ToolName names the tool a KindTool node waits on.
	ToolName string `yaml:"tool_name,omitempty"`

	// Outcome is set on KindEnd nodes; a handoff tool name here turns the
	// terminal state into a transfer directive.
	Outcome string `yaml:"outcome,omitempty"`
}

// Edge is a directed transition. Label is required on edges leaving a
// decision node and ignored elsewhere.
type Edge struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Label string `yaml:"label,omitempty"`
}

// Workflow is a validated, immutable state machine definition.
type Workflow struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`

	byID     map[string]*Node
	outgoing map[string][]Edge
}

// Load parses and validates a workflow definition. Unknown YAML fields are
// rejected so typos in definitions fail fast.
func Load(data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("workflow: parse: %w", err)
	}
	if err := wf.index(); err != nil {
		return nil, err
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// LoadFile reads and parses the workflow definition at path.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	wf, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return wf, nil
}

// index builds the lookup tables. Edge definition order is preserved in
// outgoing so "first edge" fallbacks are deterministic.
func (w *Workflow) index() error {
	w.byID = make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("workflow: node %d has empty id", i)
		}
		if _, dup := w.byID[n.ID]; dup {
			return fmt.Errorf("workflow: duplicate node id %q", n.ID)
		}
		w.byID[n.ID] = n
	}

	w.outgoing = make(map[string][]Edge)
	for _, e := range w.Edges {
		w.outgoing[e.From] = append(w.outgoing[e.From], e)
	}
	return nil
}

// validate enforces the structural invariants of a well-formed graph. All
// problems are reported at once.
func (w *Workflow) validate() error {
	var errs []error

	var startCount int
	for _, n := range w.Nodes {
		if !n.Kind.valid() {
			errs = append(errs, fmt.Errorf("node %q: unknown kind %q", n.ID, n.Kind))
			continue
		}
		if n.Kind == KindStart {
			startCount++
		}
		if n.Kind == KindTool && n.ToolName == "" {
			errs = append(errs, fmt.Errorf("tool node %q: tool_name must be set", n.ID))
		}
	}
	if startCount != 1 {
		errs = append(errs, fmt.Errorf("workflow must have exactly one start node, found %d", startCount))
	}

	for _, e := range w.Edges {
		if _, ok := w.byID[e.From]; !ok {
			errs = append(errs, fmt.Errorf("edge %q -> %q: unknown source node", e.From, e.To))
		}
		if _, ok := w.byID[e.To]; !ok {
			errs = append(errs, fmt.Errorf("edge %q -> %q: dangling target node", e.From, e.To))
		}
	}

	for _, n := range w.Nodes {
		out := w.outgoing[n.ID]
		switch n.Kind {
		case KindEnd:
			// Terminal; outgoing edges permitted but never followed.
		case KindDecision:
			if len(out) < 2 {
				errs = append(errs, fmt.Errorf("decision node %q: needs at least 2 outgoing edges, has %d", n.ID, len(out)))
			}
			seen := make(map[string]bool, len(out))
			for _, e := range out {
				key := strings.ToLower(e.Label)
				if seen[key] {
					errs = append(errs, fmt.Errorf("decision node %q: duplicate edge label %q", n.ID, e.Label))
				}
				seen[key] = true
			}
		default:
			if len(out) == 0 {
				errs = append(errs, fmt.Errorf("node %q: non-end node has no outgoing edges", n.ID))
			}
		}
	}

	if err := w.checkDecisionCycles(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("workflow: invalid definition: %w", errors.Join(errs...))
	}
	return nil
}

// checkDecisionCycles rejects cycles made exclusively of decision nodes.
// Such a cycle could keep classifying forever without ever producing a
// conversational step.
func (w *Workflow) checkDecisionCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(w.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("decision nodes form a cycle through %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, e := range w.outgoing[id] {
			next, ok := w.byID[e.To]
			if !ok || next.Kind != KindDecision {
				continue
			}
			if err := visit(e.To); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, n := range w.Nodes {
		if n.Kind != KindDecision {
			continue
		}
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// Start returns the unique start node.
func (w *Workflow) Start() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	return w.byID[id]
}

// HasNode reports whether id names a node in the graph.
func (w *Workflow) HasNode(id string) bool {
	_, ok := w.byID[id]
	return ok
}

// Outgoing returns the outgoing edges of id in definition order.
func (w *Workflow) Outgoing(id string) []Edge {
	return w.outgoing[id]
}

// HasEdge reports whether a direct edge from -> to exists.
func (w *Workflow) HasEdge(from, to string) bool {
	for _, e := range w.outgoing[from] {
		if e.To == to {
			return true
		}
	}
	return false
}
