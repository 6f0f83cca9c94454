// Package store persists run records and the append-only history event log
// the substrate replays from. One row per run, one ordered event stream per
// run.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Event types recorded in the history log.
const (
	EventRunStarted        = "run_started"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
	EventActivityCompleted = "activity_completed"
	EventActivityFailed    = "activity_failed"
	EventChildCompleted    = "child_completed"
)

// Run is one durable workflow execution record. ObjectIDs persist the
// platform objects the run was started against so a resume reconstructs the
// same invocation identity.
type Run struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Status      RunStatus       `json:"status"`
	Params      map[string]any  `json:"params,omitempty"`
	ObjectIDs   []string        `json:"object_ids,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunUpdate is a partial update applied to a run record. Nil fields are left
// untouched.
type RunUpdate struct {
	Status      *RunStatus
	Result      json.RawMessage
	Error       json.RawMessage
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     *RunStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// HistoryEvent is one entry in a run's ordered event stream. Sequence is
// assigned by the store, monotonically per run.
type HistoryEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the persistence interface of the substrate.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	AppendEvent(ctx context.Context, event *HistoryEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*HistoryEvent, error)

	Close() error
}
