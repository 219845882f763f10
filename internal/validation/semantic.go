package validation

import (
	"fmt"

	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/pkg/schema"
)

// GuardCompiler checks that a guard expression compiles; satisfied by
// expressions.Evaluator. nil skips guard checks.
type GuardCompiler interface {
	Compile(expression string) error
}

// validateSemantic performs semantic analysis on a structurally valid
// definition. Checks: exactly one initial state, unique state names,
// unique trigger labels per state, resolvable next_state references,
// known actors and registered tools, compilable guard conditions.
func validateSemantic(def *schema.WorkflowDefinition, lookup tools.Lookup, guards GuardCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stateNames := make(map[string]bool, len(def.States))
	initialCount := 0

	for i, s := range def.States {
		path := fmt.Sprintf("states[%d]", i)
		if stateNames[s.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state name %q", s.Name))
		}
		stateNames[s.Name] = true
		if s.Initial {
			initialCount++
		}
	}

	switch initialCount {
	case 1:
		// ok
	case 0:
		result.AddError("states", schema.ErrCodeValidation, "no state is marked initial")
	default:
		result.AddError("states", schema.ErrCodeValidation,
			fmt.Sprintf("%d states are marked initial, want exactly one", initialCount))
	}

	for i := range def.States {
		validateStateSemantic(&def.States[i], fmt.Sprintf("states[%d]", i), stateNames, lookup, guards, result)
	}

	return result
}

// validateStateSemantic checks one state's scenarios and tool grants.
func validateStateSemantic(s *schema.State, path string, stateNames map[string]bool, lookup tools.Lookup, guards GuardCompiler, result *schema.ValidationResult) {
	labels := make(map[string]bool, len(s.Scenarios))
	for j, tr := range s.Scenarios {
		trPath := fmt.Sprintf("%s.scenarios[%d]", path, j)

		if labels[tr.TriggerLabel] {
			result.AddError(trPath+".trigger_label", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate trigger_label %q in state %q", tr.TriggerLabel, s.Name))
		}
		labels[tr.TriggerLabel] = true

		if !stateNames[tr.NextState] {
			result.AddError(trPath+".next_state", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent state %q", tr.NextState))
		}

		if tr.Condition != "" && guards != nil {
			if err := guards.Compile(tr.Condition); err != nil {
				result.AddError(trPath+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("guard does not compile: %s", err.Error()))
			}
		}
	}

	for actor, grantedTools := range s.AvailableTools {
		grantPath := fmt.Sprintf("%s.available_tools[%s]", path, actor)

		if lookup != nil && !lookup.KnownActor(actor) {
			result.AddError(grantPath, schema.ErrCodeValidation,
				fmt.Sprintf("unknown actor %q", actor))
			continue
		}

		seen := make(map[string]bool, len(grantedTools))
		for _, tool := range grantedTools {
			if seen[tool] {
				result.AddWarning(grantPath, schema.ErrCodeValidation,
					fmt.Sprintf("tool %q granted twice", tool))
				continue
			}
			seen[tool] = true

			if lookup != nil && !lookup.Has(actor, tool) {
				result.AddError(grantPath, schema.ErrCodeValidation,
					fmt.Sprintf("tool %q not registered for actor %q", tool, actor))
			}
		}
	}

	// A state with no scenarios is terminal; the conversation can never
	// leave it. Legal, but worth surfacing to the author.
	if len(s.Scenarios) == 0 {
		result.AddWarning(path+".scenarios", schema.ErrCodeValidation,
			fmt.Sprintf("state %q has no scenarios (conversation cannot leave it)", s.Name))
	}
}
