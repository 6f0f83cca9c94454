package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	st, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Migrate(context.Background()), "re-running migrations is a no-op")
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateRun(ctx, &Run{
		ID:         "run-1",
		WorkflowID: "greeting",
		Status:     RunStatusRunning,
		Params:     map[string]any{"name": "World"},
		ObjectIDs:  []string{"obj-1", "obj-2"},
		CreatedAt:  created,
	}))

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "greeting", run.WorkflowID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Empty(t, run.ParentID)
	assert.Equal(t, map[string]any{"name": "World"}, run.Params)
	assert.Equal(t, []string{"obj-1", "obj-2"}, run.ObjectIDs)
	assert.Nil(t, run.Result)
	assert.Nil(t, run.CompletedAt)

	completed := RunStatusCompleted
	completedAt := created.Add(time.Second)
	require.NoError(t, st.UpdateRun(ctx, "run-1", RunUpdate{
		Status:      &completed,
		Result:      json.RawMessage(`{"greeting":"Hello, World!"}`),
		CompletedAt: &completedAt,
	}))

	run, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.JSONEq(t, `{"greeting":"Hello, World!"}`, string(run.Result))
	require.NotNil(t, run.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestUpdateRun_NotFound(t *testing.T) {
	st := newTestStore(t)

	status := RunStatusFailed
	err := st.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestCreateRun_ChildParent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &Run{ID: "run-p", WorkflowID: "parent", Status: RunStatusRunning}))
	require.NoError(t, st.CreateRun(ctx, &Run{
		ID: "run-p/child", WorkflowID: "child", ParentID: "run-p", Status: RunStatusRunning,
	}))

	child, err := st.GetRun(ctx, "run-p/child")
	require.NoError(t, err)
	assert.Equal(t, "run-p", child.ParentID)
}

func TestListRuns_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seed := []*Run{
		{ID: "r1", WorkflowID: "greeting", Status: RunStatusCompleted, CreatedAt: base},
		{ID: "r2", WorkflowID: "greeting", Status: RunStatusFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "r3", WorkflowID: "digest", Status: RunStatusCompleted, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, run := range seed {
		require.NoError(t, st.CreateRun(ctx, run))
	}

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID, "newest first")

	byWorkflow, err := st.ListRuns(ctx, RunFilter{WorkflowID: "greeting"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	failed := RunStatusFailed
	byStatus, err := st.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "r2", byStatus[0].ID)

	limited, err := st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "r2", limited[0].ID)
}

// --- History events ---

func TestAppendEvent_PerRunSequences(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, run := range []string{"run-a", "run-b"} {
		require.NoError(t, st.CreateRun(ctx, &Run{ID: run, WorkflowID: "wf", Status: RunStatusRunning}))
	}

	appends := []struct {
		run  string
		step string
		typ  string
	}{
		{"run-a", "", EventRunStarted},
		{"run-b", "", EventRunStarted},
		{"run-a", "first", EventActivityCompleted},
		{"run-b", "first", EventActivityCompleted},
		{"run-a", "second", EventActivityCompleted},
	}
	for _, a := range appends {
		require.NoError(t, st.AppendEvent(ctx, &HistoryEvent{RunID: a.run, Step: a.step, Type: a.typ}))
	}

	eventsA, err := st.GetEvents(ctx, "run-a", 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)
	for i, e := range eventsA {
		assert.Equal(t, int64(i+1), e.Sequence, "sequences are per run and gapless")
	}

	eventsB, err := st.GetEvents(ctx, "run-b", 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 2)
	assert.Equal(t, int64(1), eventsB[0].Sequence)

	since, err := st.GetEvents(ctx, "run-a", 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "first", since[0].Step)
}

// --- Migration plumbing ---

func TestStatements_SkipsCommentOnlyChunks(t *testing.T) {
	script := `
-- schema comment
CREATE TABLE a (id TEXT);

-- another comment
CREATE INDEX idx_a ON a(id);

-- trailing comment only
`
	stmts := statements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
