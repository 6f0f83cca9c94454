package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

func newValidator(t *testing.T) *SpecValidator {
	t.Helper()
	v, err := NewSpecValidator()
	require.NoError(t, err)
	return v
}

// mustSpec parses a raw JSON workflow document the way specs arrive from disk
// or over MCP, so kind defaulting applies before validation.
func mustSpec(t *testing.T, raw string) *schema.WorkflowSpec {
	t.Helper()
	var spec schema.WorkflowSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &spec))
	return &spec
}

func requireValidationError(t *testing.T, err error, fragment string) {
	t.Helper()
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
	if fragment != "" {
		assert.Contains(t, flowErr.Error(), fragment)
	}
}

// --- Shape ---

func TestValidate_AcceptsWellFormedSpec(t *testing.T) {
	v := newValidator(t)

	spec := mustSpec(t, `{
		"name": "greeting",
		"vars": {"name": "World"},
		"steps": [
			{"name": "sayHello", "output": "hello", "params": {"name": "${{name}}"}},
			{"kind": "workflow", "name": "greetChild", "output": "welcome", "import": ["name"]},
			{
				"name": "renderDoc",
				"output": "doc",
				"fetch": {
					"doc": {"provider": "document", "query": {"type": "article"}, "limit": 1, "on_not_found": "null"}
				}
			}
		],
		"result": ["hello", "welcome", "doc"]
	}`)

	assert.NoError(t, v.Validate(spec))
}

func TestValidate_NilSpec(t *testing.T) {
	requireValidationError(t, newValidator(t).Validate(nil), "")
}

func TestValidate_MissingWorkflowName(t *testing.T) {
	spec := mustSpec(t, `{"name": "", "steps": []}`)
	requireValidationError(t, newValidator(t).Validate(spec), "")
}

func TestValidate_StepMissingOutput(t *testing.T) {
	spec := mustSpec(t, `{"name": "wf", "steps": [{"name": "a", "output": ""}]}`)
	requireValidationError(t, newValidator(t).Validate(spec), "")
}

func TestValidate_RejectsUnknownKind(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name:  "wf",
		Steps: []schema.Step{{Kind: "cron", Name: "a", Output: "o"}},
	}
	requireValidationError(t, newValidator(t).Validate(spec), "")
}

func TestValidate_RejectsBadNotFoundPolicy(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name: "wf",
		Steps: []schema.Step{{
			Kind: schema.StepKindActivity, Name: "a", Output: "o",
			Fetch: map[string]schema.FetchSpec{
				"doc": {Provider: "document", OnNotFound: "ignore"},
			},
		}},
	}
	requireValidationError(t, newValidator(t).Validate(spec), "")
}

func TestValidate_FetchRequiresProvider(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name: "wf",
		Steps: []schema.Step{{
			Kind: schema.StepKindActivity, Name: "a", Output: "o",
			Fetch: map[string]schema.FetchSpec{"doc": {}},
		}},
	}
	requireValidationError(t, newValidator(t).Validate(spec), "")
}

// --- Structure ---

func TestValidate_DuplicateOutputs(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "wf",
		"steps": [
			{"name": "a", "output": "same"},
			{"name": "b", "output": "same"}
		]
	}`)
	requireValidationError(t, newValidator(t).Validate(spec), "duplicate output")
}

func TestValidate_ImportBeforeBound(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "wf",
		"steps": [
			{"name": "a", "output": "x", "import": ["y"]},
			{"name": "b", "output": "y"}
		]
	}`)
	requireValidationError(t, newValidator(t).Validate(spec), "before the step that binds it")
}

func TestValidate_UnknownImportIsLegal(t *testing.T) {
	// Names the spec never binds may still arrive as invocation params.
	spec := mustSpec(t, `{
		"name": "wf",
		"steps": [{"name": "a", "output": "x", "import": ["runtimeParam"]}]
	}`)
	assert.NoError(t, newValidator(t).Validate(spec))
}

func TestValidate_ImportOfVarAndEarlierOutput(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "wf",
		"vars": {"seed": 1},
		"steps": [
			{"name": "a", "output": "x", "import": ["seed"]},
			{"name": "b", "output": "y", "import": ["x", "seed"]}
		]
	}`)
	assert.NoError(t, newValidator(t).Validate(spec))
}

func TestValidate_ActivityStepWithInlineSpec(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "wf",
		"steps": [{
			"kind": "activity",
			"name": "a",
			"output": "o",
			"spec": {"name": "inner", "steps": []}
		}]
	}`)
	requireValidationError(t, newValidator(t).Validate(spec), "inline workflow spec")
}

func TestValidate_RecursesIntoInlineSpecs(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "wf",
		"steps": [{
			"name": "child",
			"output": "o",
			"spec": {
				"name": "inner",
				"steps": [
					{"name": "a", "output": "dup"},
					{"name": "b", "output": "dup"}
				]
			}
		}]
	}`)
	requireValidationError(t, newValidator(t).Validate(spec), "duplicate output")
}

func TestValidate_ReportsAllViolations(t *testing.T) {
	spec := mustSpec(t, `{
		"name": "",
		"steps": [{"name": "", "output": ""}]
	}`)

	err := newValidator(t).Validate(spec)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	violations, ok := flowErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}
