// Package activity prepares the per-invocation context an activity handler
// works with: merged and resolved parameters, declaratively fetched data, the
// substrate-derived identifiers, and a lazily constructed platform client.
package activity

import (
	"context"
	"sync"

	"github.com/flowstep-io/flowstep/internal/fetch"
	"github.com/flowstep-io/flowstep/internal/platform"
	"github.com/flowstep-io/flowstep/internal/vars"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// Invocation is the ephemeral context of one activity call. It is owned by a
// single handler invocation and destroyed when the handler returns.
type Invocation struct {
	// Params is the fully resolved parameter object: inbound workflow params
	// merged with the activity's declared params and hydrated fetch results.
	Params map[string]any

	meta schema.InvocationMeta

	clientOnce sync.Once
	client     *platform.Client

	projectOnce sync.Once
	project     map[string]any
	projectErr  error
}

// Setup builds the invocation context for an activity payload: it seeds a
// scope from the merge of inbound workflow params and the activity's declared
// params (activity params win on collision), runs fetch hydration into that
// scope, and resolves the final parameter object.
//
// Missing required identity fields are fatal and synchronous — retrying cannot
// fix a malformed payload.
func Setup(ctx context.Context, payload *schema.ActivityPayload, reg *fetch.Registry) (*Invocation, error) {
	if payload == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "activity payload is nil")
	}
	if payload.Meta.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeParamNotFound, "invocation metadata is missing run_id")
	}
	if payload.Meta.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeParamNotFound, "invocation metadata is missing workflow_id")
	}

	inv := &Invocation{meta: payload.Meta}

	scope := vars.New(payload.Params, payload.Activity.Params)

	if len(payload.Activity.Fetch) > 0 {
		if err := fetch.Hydrate(ctx, reg, inv.Client(), scope, payload.Activity.Fetch); err != nil {
			return nil, err
		}
	}

	// Resolve the snapshot against itself so declared params may reference
	// inbound params and hydrated bindings.
	resolved, _ := scope.ResolveParams(scope.Resolve()).(map[string]any)
	inv.Params = resolved

	return inv, nil
}

// RunID identifies the durable execution instance.
func (inv *Invocation) RunID() string { return inv.meta.RunID }

// WorkflowID identifies the workflow definition being executed.
func (inv *Invocation) WorkflowID() string { return inv.meta.WorkflowID }

// Meta returns the substrate-supplied invocation metadata.
func (inv *Invocation) Meta() schema.InvocationMeta { return inv.meta }

// ObjectID returns the first of the invocation's object ids. Absence is a
// fatal PARAM_NOT_FOUND: an activity that asks for its object cannot run
// without one.
func (inv *Invocation) ObjectID() (string, error) {
	if len(inv.meta.ObjectIDs) == 0 {
		return "", schema.NewError(schema.ErrCodeParamNotFound, "invocation metadata carries no object ids")
	}
	return inv.meta.ObjectIDs[0], nil
}

// Client returns the platform client for this invocation, constructing it on
// first use.
func (inv *Invocation) Client() *platform.Client {
	inv.clientOnce.Do(func() {
		inv.client = platform.NewClient(inv.meta.Config, inv.meta.AuthToken)
	})
	return inv.client
}

// FetchProject resolves the project owning this invocation's object, exactly
// once per invocation regardless of call count.
func (inv *Invocation) FetchProject(ctx context.Context) (map[string]any, error) {
	inv.projectOnce.Do(func() {
		objectID, err := inv.ObjectID()
		if err != nil {
			inv.projectErr = err
			return
		}
		inv.project, inv.projectErr = inv.Client().GetProject(ctx, objectID)
	})
	return inv.project, inv.projectErr
}
