// Package engine implements the declarative workflow interpreter: a pure,
// deterministic fold over a workflow's step list. Every effect goes through
// the Substrate; the interpreter's own control flow performs no I/O, so a
// replay with the same spec, params, and recorded step results reproduces the
// same dispatch sequence and the same terminal value.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowstep-io/flowstep/internal/logging"
	"github.com/flowstep-io/flowstep/internal/vars"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// Interpreter executes workflow specs against a substrate.
type Interpreter struct {
	substrate Substrate
	logger    *slog.Logger
	debug     bool
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the interpreter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = logger }
}

// WithDebug enables per-step parameter logging.
func WithDebug(debug bool) Option {
	return func(in *Interpreter) { in.debug = debug }
}

// New creates an Interpreter bound to a substrate.
func New(substrate Substrate, opts ...Option) *Interpreter {
	in := &Interpreter{
		substrate: substrate,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Run folds over the spec's steps in order. The scope starts from the spec's
// declared vars merged with the invocation params (params win), each step's
// result is bound under its output name, and the terminal value is selected
// by the spec's result clause, defaulting to the last step's output.
func (in *Interpreter) Run(ctx context.Context, spec *schema.WorkflowSpec, meta schema.InvocationMeta, params map[string]any) (any, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	ctx = logging.WithIDs(ctx, meta.RunID, meta.WorkflowID)
	scope := vars.New(spec.Vars, params)
	in.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow", spec.Name), slog.Int("steps", len(spec.Steps)), slog.Int("vars", scope.Len()))

	var lastOutput any
	for i := range spec.Steps {
		step := &spec.Steps[i]

		if err := ctx.Err(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled,
				"workflow cancelled before step %q", step.Name).WithStep(step.Name).WithCause(err)
		}

		result, err := in.runStep(ctx, step, scope, meta)
		if err != nil {
			return nil, stepError(step.Name, err)
		}

		if step.Output != "" {
			scope.Set(step.Output, result)
		}
		lastOutput = result
	}

	result := in.selectResult(spec, scope, lastOutput)
	in.logger.InfoContext(ctx, "workflow completed", slog.String("workflow", spec.Name))
	return result, nil
}

// runStep resolves a single step's effective parameters and dispatches it.
func (in *Interpreter) runStep(ctx context.Context, step *schema.Step, scope *vars.Vars, meta schema.InvocationMeta) (any, error) {
	stepCtx := logging.WithStepName(ctx, step.Name)

	// Imports select the slice of the scope the step sees; names the scope
	// does not bind are omitted rather than passed as nil.
	imported := scope.Pick(step.Import)

	// The step's params literal is resolved against the live scope at the
	// moment of dispatch, never earlier.
	declared, _ := scope.ResolveParams(step.Params).(map[string]any)

	if in.debug {
		in.logger.DebugContext(stepCtx, "dispatching step",
			slog.String("kind", string(step.Kind)),
			slog.Any("import", imported),
			slog.Any("params", declared))
	}

	switch step.Kind {
	case schema.StepKindActivity, "":
		payload := schema.ActivityPayload{
			Params: imported,
			Activity: schema.ActivityCall{
				Name:   step.Name,
				Params: declared,
				Fetch:  step.Fetch,
			},
			Meta: meta,
		}
		return in.substrate.DispatchActivity(stepCtx, payload)

	case schema.StepKindWorkflow:
		childParams := merge(imported, declared)
		if step.Spec != nil {
			// Inline child: a fresh isolated scope seeded only from the
			// step's effective params, executed by recursion.
			childMeta := meta
			childMeta.RunID = ChildRunID(meta.RunID, step.Name)
			return in.Run(stepCtx, step.Spec, childMeta, childParams)
		}
		return in.substrate.DispatchChildWorkflow(stepCtx, meta, step.Name, childParams)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step kind %q", step.Kind)
	}
}

// selectResult applies the spec's result clause to the final scope.
func (in *Interpreter) selectResult(spec *schema.WorkflowSpec, scope *vars.Vars, lastOutput any) any {
	if spec.Result == nil {
		return lastOutput
	}
	if spec.Result.Single {
		val, ok := scope.Lookup(spec.Result.Names[0])
		if !ok {
			return nil
		}
		return val
	}
	return scope.Pick(spec.Result.Names)
}

// ChildRunID derives the deterministic run ID of a child execution from its
// parent run and step name. Replays derive the same ID.
func ChildRunID(parentRunID, stepName string) string {
	return parentRunID + "/" + stepName
}

// stepError attributes a failure to the step that raised it, preserving an
// existing FlowError's code.
func stepError(stepName string, err error) error {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.Step == "" {
			return flowErr.WithStep(stepName)
		}
		return flowErr
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q: %s", stepName, err.Error()).
		WithStep(stepName).WithCause(err)
}

// merge overlays b on a without mutating either.
func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
