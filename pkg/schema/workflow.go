package schema

import (
	"encoding/json"
	"fmt"
)

// WorkflowSpec is the JSON-serializable workflow definition: an ordered list of
// typed steps plus the initial variable scope. It is immutable once execution
// starts; inline child specs are owned by the enclosing WorkflowStep.
type WorkflowSpec struct {
	Name   string               `json:"name"`
	Vars   map[string]any       `json:"vars,omitempty"`
	Steps  []Step               `json:"steps"`
	Result *ResultSpec          `json:"result,omitempty"`
}

// StepKind discriminates the step union.
type StepKind string

const (
	StepKindActivity StepKind = "activity"
	StepKindWorkflow StepKind = "workflow"
)

// Step is one entry in a workflow's step list. For activity steps, Name is the
// activity to dispatch; for workflow steps it names a registered child workflow
// unless Spec carries an inline definition.
type Step struct {
	Kind   StepKind             `json:"kind,omitempty"`
	Name   string               `json:"name"`
	Import []string             `json:"import,omitempty"`
	Output string               `json:"output"`
	Params map[string]any       `json:"params,omitempty"`
	Fetch  map[string]FetchSpec `json:"fetch,omitempty"`
	Spec   *WorkflowSpec        `json:"spec,omitempty"`
}

// UnmarshalJSON applies the kind default: steps carrying an inline spec are
// workflow steps, everything else is an activity step.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Step(a)
	if s.Kind == "" {
		if s.Spec != nil {
			s.Kind = StepKindWorkflow
		} else {
			s.Kind = StepKindActivity
		}
	}
	return nil
}

// NotFoundPolicy controls what an empty fetch result does to the enclosing step.
type NotFoundPolicy string

const (
	NotFoundThrow NotFoundPolicy = "throw"
	NotFoundNull  NotFoundPolicy = "null"
)

// FetchSpec declares a data hydration: a named provider, a declarative query
// (possibly containing unresolved variable references), an optional result
// limit, and the empty-result policy.
type FetchSpec struct {
	Provider   string         `json:"provider"`
	Query      any            `json:"query,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	OnNotFound NotFoundPolicy `json:"on_not_found,omitempty"`
}

// Policy returns the effective empty-result policy. Omitted means throw.
func (f FetchSpec) Policy() NotFoundPolicy {
	if f.OnNotFound == NotFoundNull {
		return NotFoundNull
	}
	return NotFoundThrow
}

// ResultSpec selects the workflow's terminal output: a single bound name, or a
// list of names folded into a name->value map. Accepts a JSON string or array.
type ResultSpec struct {
	Names  []string
	Single bool
}

func (r *ResultSpec) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		r.Names = []string{single}
		r.Single = true
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("result must be a string or an array of strings")
	}
	r.Names = many
	r.Single = false
	return nil
}

func (r ResultSpec) MarshalJSON() ([]byte, error) {
	if r.Single && len(r.Names) == 1 {
		return json.Marshal(r.Names[0])
	}
	return json.Marshal(r.Names)
}

// PlatformConfig carries the platform endpoints handed down by the substrate.
type PlatformConfig struct {
	StudioURL string `json:"studio_url"`
	StoreURL  string `json:"store_url"`
}

// InvocationMeta is the substrate-assigned identity of one durable execution.
// Read-only, supplied once per invocation.
type InvocationMeta struct {
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	ObjectIDs  []string       `json:"object_ids,omitempty"`
	AuthToken  string         `json:"auth_token,omitempty"`
	Config     PlatformConfig `json:"config"`
}

// ActivityCall names the activity and carries its declared params and fetch map.
type ActivityCall struct {
	Name   string               `json:"name"`
	Params map[string]any       `json:"params,omitempty"`
	Fetch  map[string]FetchSpec `json:"fetch,omitempty"`
}

// ActivityPayload is the envelope the interpreter hands to the substrate for an
// activity dispatch, and the substrate forwards to the activity handler. Params
// are the workflow-level effective parameters; Activity carries the step's own
// declarations; hydration runs on the activity side so the interpreter's control
// flow stays free of I/O.
type ActivityPayload struct {
	Params   map[string]any `json:"params,omitempty"`
	Activity ActivityCall   `json:"activity"`
	Meta     InvocationMeta `json:"meta"`
}
