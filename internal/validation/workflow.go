package validation

import (
	"encoding/json"

	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (initial state, trigger labels, next_state refs, tool grants)
// 3. Reachability (dead states)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      tools.Lookup
	guards     GuardCompiler
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip actor/tool existence checks; guards may be nil
// to skip guard compilation checks.
func NewWorkflowValidator(lookup tools.Lookup, guards GuardCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		tools:      lookup,
		guards:     guards,
	}, nil
}

// Validate runs the full pipeline on a raw definition and returns the
// parsed definition plus the aggregated result. Pure function: no side
// effects, every issue names the offending state/transition path.
// The definition is returned only when there are no errors; structural
// errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	// Stage 1: Structural (JSON Schema).
	if err := wv.jsonSchema.ValidateRaw(raw); err != nil {
		mergeStructural(result, err)
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition does not decode: "+err.Error())
		return nil, result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(&def, wv.tools, wv.guards))

	// Stage 3: Reachability (skip if semantic errors — graph may be invalid).
	if result.Valid() {
		result.Merge(validateReachability(&def))
	}

	if !result.Valid() {
		return nil, result
	}
	return &def, result
}

// ValidateDefinition validates an already-parsed definition, for callers
// that hold a structured value instead of raw JSON.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	raw, err := json.Marshal(def)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition does not encode: "+err.Error())
		return r
	}
	_, result := wv.Validate(raw)
	return result
}

// mergeStructural converts a structural ConvoError into per-violation issues.
func mergeStructural(result *schema.ValidationResult, err error) {
	ce, ok := err.(*schema.ConvoError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}

	if ce.Details != nil {
		if violations, ok := ce.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return
		}
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
}
