// Package validation checks workflow specs before they are accepted for
// execution: JSON Schema shape validation plus the structural rules the
// schema language cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowSpec validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstep.io/schemas/workflow.json",
  "$ref": "#/$defs/workflow",
  "$defs": {
    "workflow": {
      "type": "object",
      "required": ["name", "steps"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "vars": {
          "type": "object"
        },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "result": {
          "oneOf": [
            { "type": "string", "minLength": 1 },
            { "type": "array", "items": { "type": "string", "minLength": 1 } }
          ]
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name", "output"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["activity", "workflow"]
        },
        "name": {
          "type": "string",
          "minLength": 1
        },
        "import": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "output": {
          "type": "string",
          "minLength": 1
        },
        "params": {
          "type": "object"
        },
        "fetch": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/fetch" }
        },
        "spec": { "$ref": "#/$defs/workflow" }
      },
      "additionalProperties": false
    },
    "fetch": {
      "type": "object",
      "required": ["provider"],
      "properties": {
        "provider": {
          "type": "string",
          "minLength": 1
        },
        "query": {},
        "limit": {
          "type": "integer",
          "minimum": 0
        },
        "on_not_found": {
          "type": "string",
          "enum": ["throw", "null"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// SpecValidator validates workflow specs against the workflow JSON Schema.
// It is safe for concurrent use.
type SpecValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewSpecValidator creates a SpecValidator with the workflow schema pre-compiled.
func NewSpecValidator() (*SpecValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowstep.io/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://flowstep.io/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &SpecValidator{workflowSchema: wfSchema}, nil
}

// Validate checks a workflow spec: shape first, then the structural rules.
// Inline child specs are validated recursively.
func (v *SpecValidator) Validate(spec *schema.WorkflowSpec) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	doc, err := toJSONValue(spec)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow spec").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return checkStructure(spec)
}

// checkStructure enforces what JSON Schema cannot: unique output names, step
// kinds consistent with the presence of an inline spec, and imports that
// respect step order.
func checkStructure(spec *schema.WorkflowSpec) error {
	outputs := make(map[string]struct{}, len(spec.Steps))
	for _, step := range spec.Steps {
		if _, exists := outputs[step.Output]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate output name %q", step.Output).WithStep(step.Name)
		}
		outputs[step.Output] = struct{}{}
	}

	// Names bound before each step: declared vars plus earlier outputs.
	// Imports of later outputs can never be satisfied; imports of entirely
	// unknown names are legal because invocation params bind at run time.
	bound := make(map[string]struct{}, len(spec.Vars))
	for name := range spec.Vars {
		bound[name] = struct{}{}
	}

	for _, step := range spec.Steps {
		if step.Kind == schema.StepKindActivity && step.Spec != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"activity step %q carries an inline workflow spec", step.Name).WithStep(step.Name)
		}

		for _, imp := range step.Import {
			if _, ok := bound[imp]; ok {
				continue
			}
			if _, producedLater := outputs[imp]; producedLater {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q imports %q before the step that binds it", step.Name, imp).WithStep(step.Name)
			}
		}

		if step.Spec != nil {
			if err := checkStructure(step.Spec); err != nil {
				return err
			}
		}
		bound[step.Output] = struct{}{}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
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

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
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
