// Package substrate provides the durable execution layer the interpreter
// dispatches into. The local substrate runs activities in-process through a
// bounded worker pool, applies the retry policy, records every step result in
// the run history store, and replays recorded results instead of re-executing
// work when a run is resumed.
package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep-io/flowstep/internal/activity"
	"github.com/flowstep-io/flowstep/internal/engine"
	"github.com/flowstep-io/flowstep/internal/fetch"
	"github.com/flowstep-io/flowstep/internal/logging"
	"github.com/flowstep-io/flowstep/internal/store"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// ActivityHandler executes one activity invocation and returns its result.
type ActivityHandler func(ctx context.Context, inv *activity.Invocation) (any, error)

// Config holds local substrate configuration.
type Config struct {
	PoolSize  int
	Retry     *RetryPolicy
	Platform  schema.PlatformConfig
	AuthToken string
	Debug     bool
	Logger    *slog.Logger
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// Local is the in-process substrate. It satisfies engine.Substrate.
type Local struct {
	st        store.Store
	providers *fetch.Registry
	pool      *WorkerPool
	retry     RetryPolicy
	logger    *slog.Logger
	interp    *engine.Interpreter
	platform  schema.PlatformConfig
	authToken string

	mu         sync.RWMutex
	activities map[string]ActivityHandler
	workflows  map[string]*schema.WorkflowSpec

	// replays holds recorded step results queued for consumption during a
	// resumed run, keyed by run ID then step name. Repeated dispatches of the
	// same step consume recorded results in history order.
	replays map[string]map[string][]json.RawMessage
}

// NewLocal creates a local substrate. The store may be nil, which disables
// run recording and replay.
func NewLocal(st store.Store, providers *fetch.Registry, cfg Config) *Local {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Local{
		st:         st,
		providers:  providers,
		pool:       NewWorkerPool(cfg.PoolSize),
		retry:      retry,
		logger:     logger,
		platform:   cfg.Platform,
		authToken:  cfg.AuthToken,
		activities: make(map[string]ActivityHandler),
		workflows:  make(map[string]*schema.WorkflowSpec),
		replays:    make(map[string]map[string][]json.RawMessage),
	}
	l.interp = engine.New(l, engine.WithLogger(logger), engine.WithDebug(cfg.Debug))
	return l
}

// RegisterActivity binds a handler to an activity name. Last registration wins.
func (l *Local) RegisterActivity(name string, handler ActivityHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activities[name] = handler
}

// RegisterWorkflow makes a spec dispatchable by name as a top-level run or a
// named child workflow.
func (l *Local) RegisterWorkflow(spec *schema.WorkflowSpec) error {
	if spec == nil || spec.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec must carry a name")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[spec.Name] = spec
	return nil
}

// Workflow returns the registered spec for name, if any.
func (l *Local) Workflow(name string) (*schema.WorkflowSpec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.workflows[name]
	return spec, ok
}

// Workflows returns the registered workflow names.
func (l *Local) Workflows() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.workflows))
	for name := range l.workflows {
		names = append(names, name)
	}
	return names
}

// Shutdown drains the worker pool and logs its final counters.
func (l *Local) Shutdown() {
	l.pool.Shutdown()
	m := l.pool.Metrics()
	l.logger.Info("worker pool drained",
		slog.Int64("completed", m.Completed), slog.Int64("failed", m.Failed), slog.Int64("panics", m.Panics))
}

// StartOptions parameterizes a top-level run.
type StartOptions struct {
	RunID     string
	ObjectIDs []string
	AuthToken string
	Params    map[string]any
}

// RunResult is the outcome of one top-level run.
type RunResult struct {
	RunID       string            `json:"run_id"`
	WorkflowID  string            `json:"workflow_id"`
	Status      store.RunStatus   `json:"status"`
	Result      any               `json:"result,omitempty"`
	Error       *schema.FlowError `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Start executes a workflow spec as a new top-level run.
func (l *Local) Start(ctx context.Context, spec *schema.WorkflowSpec, opts StartOptions) (*RunResult, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	authToken := opts.AuthToken
	if authToken == "" {
		authToken = l.authToken
	}
	meta := schema.InvocationMeta{
		RunID:      runID,
		WorkflowID: spec.Name,
		ObjectIDs:  opts.ObjectIDs,
		AuthToken:  authToken,
		Config:     l.platform,
	}

	startedAt := time.Now().UTC()
	if l.st != nil {
		if err := l.st.CreateRun(ctx, &store.Run{
			ID:         runID,
			WorkflowID: spec.Name,
			Status:     store.RunStatusRunning,
			Params:     opts.Params,
			ObjectIDs:  opts.ObjectIDs,
			CreatedAt:  startedAt,
		}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
		}
		l.recordEvent(runID, "", store.EventRunStarted, nil)
	}

	// Run failures are reported inside the RunResult, not as a call error.
	result, runErr := l.interp.Run(ctx, spec, meta, opts.Params)
	return l.finalizeRun(runID, spec.Name, result, runErr, startedAt), nil
}

// StartByName executes a registered workflow as a new top-level run.
func (l *Local) StartByName(ctx context.Context, name string, opts StartOptions) (*RunResult, error) {
	spec, ok := l.Workflow(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow registered under %q", name)
	}
	return l.Start(ctx, spec, opts)
}

// Resume re-executes a recorded run. The interpreter re-dispatches every step
// in order; dispatches with a recorded result consume it from history instead
// of executing, so only unfinished work actually runs. The workflow must
// still be registered under the run's workflow ID.
func (l *Local) Resume(ctx context.Context, runID string) (*RunResult, error) {
	if l.st == nil {
		return nil, schema.NewError(schema.ErrCodeConflict, "resume requires a run history store")
	}
	run, err := l.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	spec, ok := l.Workflow(run.WorkflowID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %q references workflow %q, which is not registered", runID, run.WorkflowID)
	}

	if err := l.loadReplay(ctx, runID); err != nil {
		return nil, err
	}
	defer l.clearReplay(runID)

	meta := schema.InvocationMeta{
		RunID:      runID,
		WorkflowID: run.WorkflowID,
		ObjectIDs:  run.ObjectIDs,
		AuthToken:  l.authToken,
		Config:     l.platform,
	}

	startedAt := time.Now().UTC()
	result, runErr := l.interp.Run(ctx, spec, meta, run.Params)
	return l.finalizeRun(runID, run.WorkflowID, result, runErr, startedAt), nil
}

// Runs lists persisted run records matching the filter.
func (l *Local) Runs(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if l.st == nil {
		return nil, schema.NewError(schema.ErrCodeConflict, "listing runs requires a run history store")
	}
	return l.st.ListRuns(ctx, filter)
}

// Status returns the persisted run record and its history.
func (l *Local) Status(ctx context.Context, runID string) (*store.Run, []*store.HistoryEvent, error) {
	if l.st == nil {
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "status requires a run history store")
	}
	run, err := l.st.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	events, err := l.st.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, events, nil
}

// --- engine.Substrate ---

// DispatchActivity executes one activity call: replayed from history when a
// recorded result exists, otherwise run through the worker pool under the
// retry policy.
func (l *Local) DispatchActivity(ctx context.Context, payload schema.ActivityPayload) (any, error) {
	name := payload.Activity.Name

	if recorded, ok := l.popReplay(payload.Meta.RunID, name); ok {
		l.logger.DebugContext(ctx, "replaying recorded activity result", slog.String("activity", name))
		return decodeRecorded(recorded)
	}

	l.mu.RLock()
	handler, ok := l.activities[name]
	l.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no activity registered under %q", name)
	}

	result, err := l.executeWithRetry(ctx, name, handler, payload)
	if err != nil {
		l.recordEvent(payload.Meta.RunID, name, store.EventActivityFailed, errorPayload(err))
		return nil, err
	}
	l.recordEvent(payload.Meta.RunID, name, store.EventActivityCompleted, marshalResult(result))
	return result, nil
}

// DispatchChildWorkflow runs a registered workflow as a child of the parent
// invocation, with its own run record scoped under the parent's run ID.
func (l *Local) DispatchChildWorkflow(ctx context.Context, parent schema.InvocationMeta, name string, params map[string]any) (any, error) {
	if recorded, ok := l.popReplay(parent.RunID, name); ok {
		l.logger.DebugContext(ctx, "replaying recorded child workflow result", slog.String("workflow", name))
		return decodeRecorded(recorded)
	}

	spec, ok := l.Workflow(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow registered under %q", name)
	}

	childMeta := parent
	childMeta.RunID = engine.ChildRunID(parent.RunID, name)
	childMeta.WorkflowID = name

	startedAt := time.Now().UTC()
	if l.st != nil {
		if err := l.ensureChildRun(ctx, &store.Run{
			ID:         childMeta.RunID,
			WorkflowID: name,
			ParentID:   parent.RunID,
			Status:     store.RunStatusRunning,
			Params:     params,
			ObjectIDs:  parent.ObjectIDs,
			CreatedAt:  startedAt,
		}); err != nil {
			return nil, err
		}
	}

	result, runErr := l.interp.Run(ctx, spec, childMeta, params)
	l.finalizeRun(childMeta.RunID, name, result, runErr, startedAt)
	if runErr != nil {
		return nil, runErr
	}

	l.recordEvent(parent.RunID, name, store.EventChildCompleted, marshalResult(result))
	return result, nil
}

// --- internals ---

// ensureChildRun creates the child run record, or marks the record left by a
// previous execution as running again. Child run IDs are deterministic, so a
// resumed parent re-dispatching an unfinished child hits the same row.
func (l *Local) ensureChildRun(ctx context.Context, child *store.Run) error {
	_, err := l.st.GetRun(ctx, child.ID)
	if err == nil {
		running := store.RunStatusRunning
		if uerr := l.st.UpdateRun(ctx, child.ID, store.RunUpdate{Status: &running}); uerr != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "reset child run: %s", uerr.Error()).WithCause(uerr)
		}
		return nil
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeNotFound {
		if cerr := l.st.CreateRun(ctx, child); cerr != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create child run: %s", cerr.Error()).WithCause(cerr)
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "load child run: %s", err.Error()).WithCause(err)
}

// executeWithRetry runs setup plus handler as one attempt, retrying per the
// policy while the failure is classified retryable.
func (l *Local) executeWithRetry(ctx context.Context, name string, handler ActivityHandler, payload schema.ActivityPayload) (any, error) {
	attempts := l.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, l.retry.BackoffFor(attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").WithCause(err)
			}
			l.logger.WarnContext(ctx, "retrying activity",
				slog.String("activity", name), slog.Int("attempt", attempt+1), slog.String("error", lastErr.Error()))
		}

		result, err := l.pool.Execute(ctx, func(workCtx context.Context) (any, error) {
			workCtx = logging.WithIDs(workCtx, payload.Meta.RunID, payload.Meta.WorkflowID)
			inv, setupErr := activity.Setup(workCtx, &payload, l.providers)
			if setupErr != nil {
				return nil, setupErr
			}
			return handler(workCtx, inv)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if attempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"activity %q: retries exhausted after %d attempts: %s", name, attempts, lastErr.Error()).WithCause(lastErr)
	}
	return nil, lastErr
}

// finalizeRun persists the run outcome and builds the result envelope.
func (l *Local) finalizeRun(runID, workflowID string, result any, runErr error, startedAt time.Time) *RunResult {
	completedAt := time.Now().UTC()
	out := &RunResult{
		RunID:       runID,
		WorkflowID:  workflowID,
		Status:      store.RunStatusCompleted,
		Result:      result,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}

	if runErr != nil {
		out.Error = asFlowError(runErr)
		out.Status = store.RunStatusFailed
		if out.Error.Code == schema.ErrCodeCancelled {
			out.Status = store.RunStatusCancelled
		}
	}

	if l.st == nil {
		return out
	}

	update := store.RunUpdate{Status: &out.Status, CompletedAt: &completedAt}
	if runErr != nil {
		errJSON, _ := json.Marshal(out.Error)
		update.Error = errJSON
		l.recordEvent(runID, "", store.EventRunFailed, errJSON)
	} else {
		update.Result = marshalResult(result)
		l.recordEvent(runID, "", store.EventRunCompleted, update.Result)
	}
	if err := l.st.UpdateRun(context.Background(), runID, update); err != nil {
		l.logger.Warn("persist run outcome failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	return out
}

// recordEvent appends a history event, best effort.
func (l *Local) recordEvent(runID, step, eventType string, payload json.RawMessage) {
	if l.st == nil {
		return
	}
	err := l.st.AppendEvent(context.Background(), &store.HistoryEvent{
		RunID:   runID,
		Step:    step,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		l.logger.Warn("append history event failed",
			slog.String("run_id", runID), slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// loadReplay builds the replay queues for a run from its recorded history.
func (l *Local) loadReplay(ctx context.Context, runID string) error {
	events, err := l.st.GetEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	queues := make(map[string][]json.RawMessage)
	for _, e := range events {
		if e.Step == "" {
			continue
		}
		switch e.Type {
		case store.EventActivityCompleted, store.EventChildCompleted:
			queues[e.Step] = append(queues[e.Step], e.Payload)
		}
	}
	l.mu.Lock()
	l.replays[runID] = queues
	l.mu.Unlock()
	return nil
}

func (l *Local) popReplay(runID, step string) (json.RawMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queues, ok := l.replays[runID]
	if !ok {
		return nil, false
	}
	queue := queues[step]
	if len(queue) == 0 {
		return nil, false
	}
	queues[step] = queue[1:]
	return queue[0], true
}

func (l *Local) clearReplay(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.replays, runID)
}

func decodeRecorded(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode recorded result: %s", err.Error()).WithCause(err)
	}
	return v, nil
}

func marshalResult(result any) json.RawMessage {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return raw
}

func errorPayload(err error) json.RawMessage {
	raw, mErr := json.Marshal(asFlowError(err))
	if mErr != nil {
		return nil
	}
	return raw
}

func asFlowError(err error) *schema.FlowError {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
