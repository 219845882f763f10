package validation

import (
	"fmt"

	"github.com/rendis/convo/pkg/schema"
)

// validateReachability walks the state graph (BFS from the initial state
// through scenario edges) and warns about states no conversation can ever
// enter. Cycles are legal in conversation graphs, so unlike a DAG check
// this pass only reports dead states.
func validateReachability(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	initial := def.InitialState()
	if initial == nil {
		return result // semantic stage already reported the initial-state error
	}

	edges := make(map[string][]string, len(def.States))
	for _, s := range def.States {
		for _, tr := range s.Scenarios {
			edges[s.Name] = append(edges[s.Name], tr.NextState)
		}
	}

	reachable := map[string]bool{initial.Name: true}
	queue := []string{initial.Name}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, s := range def.States {
		if !reachable[s.Name] {
			result.AddWarning(fmt.Sprintf("states[%d]", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from the initial state", s.Name))
		}
	}

	return result
}
