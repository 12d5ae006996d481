package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// stepTagRe matches the step tag at the very start of a model response.
// Anchored so tags quoted mid-message are never mistaken for directives.
var stepTagRe = regexp.MustCompile(`^\s*\[STEP:\s*([A-Za-z0-9_.-]+)\]\s*`)

// ParseStepTag extracts the leading [STEP: node_id] tag from a model
// response. Returns the node id, the response with the tag stripped, and
// whether a tag was present. The stripped text is what reaches any
// user-visible surface.
func ParseStepTag(text string) (nodeID string, stripped string, ok bool) {
	m := stepTagRe.FindStringSubmatch(text)
	if m == nil {
		return "", text, false
	}
	return m[1], text[len(m[0]):], true
}

// SystemPromptText renders the graph as an instruction block for the LLM
// system prompt. The rendering names every node id verbatim so that step tags
// emitted by the model round-trip through ParseStepTag unchanged.
func (w *Workflow) SystemPromptText(memory map[string]any) string {
	var b strings.Builder

	b.WriteString("## Conversation workflow\n")
	if w.Name != "" {
		fmt.Fprintf(&b, "Workflow: %s\n", w.Name)
	}
	b.WriteString("Follow these steps in order. You are always at exactly one step.\n\n")

	for _, n := range w.Nodes {
		fmt.Fprintf(&b, "- Step `%s`", n.ID)
		if n.Label != "" {
			fmt.Fprintf(&b, " (%s)", n.Label)
		}
		switch n.Kind {
		case KindDecision:
			b.WriteString(": decide between")
			for i, e := range w.outgoing[n.ID] {
				if i > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, " %q -> `%s`", e.Label, e.To)
			}
			b.WriteString(".")
		case KindTool:
			fmt.Fprintf(&b, ": call the %s tool and wait for its result", n.ToolName)
			if out := w.outgoing[n.ID]; len(out) == 1 {
				fmt.Fprintf(&b, ", then move to `%s`", out[0].To)
			}
			b.WriteString(".")
		case KindEnd:
			b.WriteString(": conversation complete")
			if n.Outcome != "" {
				fmt.Fprintf(&b, " (outcome: %s)", n.Outcome)
			}
			b.WriteString(".")
		default:
			if out := w.outgoing[n.ID]; len(out) == 1 {
				fmt.Fprintf(&b, ": then move to `%s`.", out[0].To)
			} else {
				b.WriteString(".")
			}
		}
		b.WriteString("\n")
	}

	if len(memory) > 0 {
		b.WriteString("\n## Known session facts\n")
		keys := make([]string, 0, len(memory))
		for k := range memory {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, memory[k])
		}
	}

	b.WriteString("\n## Step reporting rule\n")
	b.WriteString("Every response MUST begin with the tag [STEP: <step_id>] naming the step you are executing, ")
	b.WriteString("using the exact step id from the list above. The tag is machine-read and stripped before ")
	b.WriteString("the user sees your reply; never mention it otherwise.\n")

	return b.String()
}
