package engine

import (
	"context"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

// Substrate is the durable execution layer beneath the interpreter. The
// interpreter describes WHAT to run; the substrate decides HOW: scheduling,
// retries, persistence, and replay all live behind this interface.
//
// Both methods may block for the full duration of the dispatched work. They
// honor ctx cancellation.
type Substrate interface {
	// DispatchActivity executes one activity call and returns its result.
	// The payload carries everything the activity side needs: the effective
	// workflow params, the step's own declarations, and the invocation
	// identity.
	DispatchActivity(ctx context.Context, payload schema.ActivityPayload) (any, error)

	// DispatchChildWorkflow starts a registered child workflow by name, scoped
	// under the parent invocation, and returns its terminal result.
	DispatchChildWorkflow(ctx context.Context, parent schema.InvocationMeta, name string, params map[string]any) (any, error)
}
