package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstep-io/flowstep/internal/store"
	"github.com/flowstep-io/flowstep/internal/substrate"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	params   []map[string]any
	notify   chan string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{notify: make(chan string, 16)}
}

func (f *fakeLauncher) StartByName(_ context.Context, name string, opts substrate.StartOptions) (*substrate.RunResult, error) {
	f.mu.Lock()
	f.launched = append(f.launched, name)
	f.params = append(f.params, opts.Params)
	f.mu.Unlock()
	f.notify <- name
	return &substrate.RunResult{RunID: "run-1", WorkflowID: name, Status: store.RunStatusCompleted}, nil
}

func (f *fakeLauncher) launches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdd_RejectsBadInput(t *testing.T) {
	s := New(newFakeLauncher(), testLogger())

	err := s.Add(Schedule{Cron: "* * * * *"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow name")

	err = s.Add(Schedule{Workflow: "wf", Cron: "not a cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cron expression")
}

func TestNextRun(t *testing.T) {
	s := New(newFakeLauncher(), testLogger())

	from := time.Date(2026, 8, 31, 10, 15, 0, 0, time.UTC)
	next, err := s.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("bogus", from)
	assert.Error(t, err)
}

func TestTick_LaunchesDueEntries(t *testing.T) {
	launcher := newFakeLauncher()
	s := New(launcher, testLogger())
	require.NoError(t, s.Add(Schedule{
		Workflow: "digest",
		Cron:     "* * * * *",
		Params:   map[string]any{"window": "daily"},
	}))

	// Force the entry due and fire a tick directly.
	s.mu.Lock()
	s.entries[0].nextRun = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.tick(context.Background())

	select {
	case name := <-launcher.notify:
		assert.Equal(t, "digest", name)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled launch never fired")
	}
	launcher.mu.Lock()
	assert.Equal(t, map[string]any{"window": "daily"}, launcher.params[0])
	launcher.mu.Unlock()

	// The entry's next run time has advanced past now.
	s.mu.Lock()
	assert.True(t, s.entries[0].nextRun.After(time.Now().UTC()))
	s.mu.Unlock()
}

func TestTick_SkipsEntriesNotYetDue(t *testing.T) {
	launcher := newFakeLauncher()
	s := New(launcher, testLogger())
	require.NoError(t, s.Add(Schedule{Workflow: "digest", Cron: "* * * * *"}))

	s.mu.Lock()
	s.entries[0].nextRun = time.Now().UTC().Add(time.Hour)
	s.mu.Unlock()

	s.tick(context.Background())
	assert.Empty(t, launcher.launches())
}

func TestTick_DedupsInflightWorkflow(t *testing.T) {
	launcher := newFakeLauncher()
	s := New(launcher, testLogger())
	require.NoError(t, s.Add(Schedule{Workflow: "digest", Cron: "* * * * *"}))

	// Hold the in-flight slot as if a previous launch were still running.
	require.True(t, s.tryAcquire("digest"))

	s.mu.Lock()
	s.entries[0].nextRun = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.tick(context.Background())
	assert.Empty(t, launcher.launches(), "a due entry is skipped while its workflow is in flight")

	// Releasing makes the next due tick launch again.
	s.release("digest")
	s.mu.Lock()
	s.entries[0].nextRun = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()
	s.tick(context.Background())

	select {
	case <-launcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("launch after release never fired")
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := New(newFakeLauncher(), testLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())

	// Stop is idempotent and Start works again after Stop.
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
