package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/convo/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for raw workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://convo.dev/schemas/workflow.json",
  "type": "object",
  "required": ["states"],
  "properties": {
    "name": { "type": "string" },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "owning_process": { "type": "string" },
        "initial": { "type": "boolean" },
        "scenarios": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        },
        "available_tools": {
          "type": "object",
          "propertyNames": { "minLength": 1 },
          "additionalProperties": {
            "type": "array",
            "items": { "type": "string", "minLength": 1 }
          }
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["trigger_label", "next_state"],
      "properties": {
        "trigger_label": { "type": "string", "minLength": 1 },
        "next_state": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of raw workflow JSON.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("https://convo.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://convo.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateRaw validates raw workflow JSON against the embedded schema.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is not valid JSON").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toConvoError(err)
	}
	return nil
}

// toConvoError converts a jsonschema.ValidationError into a ConvoError
// with per-location violation messages for the authoring UI.
func toConvoError(err error) *schema.ConvoError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
