package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/convo/pkg/schema"
)

// RenderMermaid renders a workflow definition as a Mermaid state diagram.
// When currentState names a state of the definition it is highlighted, so
// the dashboard can show where a session currently sits.
func RenderMermaid(def *schema.WorkflowDefinition, currentState string) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if def.Name != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", def.Name))
	}

	if initial := def.InitialState(); initial != nil {
		b.WriteString(fmt.Sprintf("    [*] --> %s\n", mermaidSafeID(initial.Name)))
	}

	for _, state := range def.States {
		id := mermaidSafeID(state.Name)
		if state.Description != "" {
			b.WriteString(fmt.Sprintf("    %s: %s\n", id, firstLine(state.Description)))
		}
		for _, sc := range state.Scenarios {
			label := sc.TriggerLabel
			if sc.Condition != "" {
				label += " [guarded]"
			}
			b.WriteString(fmt.Sprintf("    %s --> %s: %s\n", id, mermaidSafeID(sc.NextState), label))
		}
		// Terminal states flow to the end marker.
		if len(state.Scenarios) == 0 {
			b.WriteString(fmt.Sprintf("    %s --> [*]\n", id))
		}
		if tools := toolNote(state); tools != "" {
			b.WriteString(fmt.Sprintf("    note right of %s: %s\n", id, tools))
		}
	}

	if currentState != "" && def.FindState(currentState) != nil {
		b.WriteString("\n")
		b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		b.WriteString(fmt.Sprintf("    class %s current\n", mermaidSafeID(currentState)))
	}

	return b.String()
}

// toolNote summarizes a state's tool grants as "actor: t1, t2" pairs.
func toolNote(state schema.State) string {
	if len(state.AvailableTools) == 0 {
		return ""
	}
	actors := make([]string, 0, len(state.AvailableTools))
	for actor := range state.AvailableTools {
		actors = append(actors, actor)
	}
	sort.Strings(actors)

	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		names := append([]string(nil), state.AvailableTools[actor]...)
		sort.Strings(names)
		parts = append(parts, fmt.Sprintf("%s: %s", actor, strings.Join(names, ", ")))
	}
	return strings.Join(parts, " / ")
}

// mermaidSafeID converts a state name to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
