// Package scheduler launches registered workflows on cron schedules. Entries
// come from configuration; state lives in memory, so a restart recomputes the
// next run times from the expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowstep-io/flowstep/internal/substrate"
)

// WorkflowLauncher starts registered workflows by name. Satisfied by
// *substrate.Local.
type WorkflowLauncher interface {
	StartByName(ctx context.Context, name string, opts substrate.StartOptions) (*substrate.RunResult, error)
}

// Schedule is one configured launch: a registered workflow, a cron
// expression, and the params each launch starts with.
type Schedule struct {
	Workflow  string         `json:"workflow"`
	Cron      string         `json:"cron"`
	Params    map[string]any `json:"params,omitempty"`
	ObjectIDs []string       `json:"object_ids,omitempty"`
}

type entry struct {
	schedule Schedule
	cron     cron.Schedule
	nextRun  time.Time
}

// Scheduler runs the configured schedules against a launcher.
type Scheduler struct {
	launcher WorkflowLauncher
	parser   cron.Parser
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow names currently launching (dedup)
}

// New creates a Scheduler.
func New(launcher WorkflowLauncher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Add registers a schedule. Returns an error if the cron expression does not
// parse.
func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.Workflow == "" {
		return fmt.Errorf("schedule is missing a workflow name")
	}
	parsed, err := s.parser.Parse(schedule.Cron)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", schedule.Cron, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		schedule: schedule,
		cron:     parsed,
		nextRun:  parsed.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background scheduling loop with a 30s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every schedule that is due, advancing its next run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.nextRun = e.cron.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.schedule.Workflow) {
			s.logger.Warn("skipping scheduled launch, previous run still in flight",
				slog.String("workflow", e.schedule.Workflow))
			continue
		}
		go func(sch Schedule) {
			defer s.release(sch.Workflow)
			s.launch(ctx, sch)
		}(e.schedule)
	}
}

// launch starts one scheduled run and logs its outcome.
func (s *Scheduler) launch(ctx context.Context, sch Schedule) {
	s.logger.Info("launching scheduled workflow", slog.String("workflow", sch.Workflow))

	result, err := s.launcher.StartByName(ctx, sch.Workflow, substrate.StartOptions{
		Params:    sch.Params,
		ObjectIDs: sch.ObjectIDs,
	})
	if err != nil {
		s.logger.Error("scheduled launch failed",
			slog.String("workflow", sch.Workflow), slog.String("error", err.Error()))
		return
	}
	if result.Error != nil {
		s.logger.Error("scheduled run failed",
			slog.String("workflow", sch.Workflow),
			slog.String("run_id", result.RunID),
			slog.String("error", result.Error.Error()))
		return
	}
	s.logger.Info("scheduled run completed",
		slog.String("workflow", sch.Workflow), slog.String("run_id", result.RunID))
}

// tryAcquire returns true and marks the workflow as in-flight if it is not
// already launching.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// release removes the workflow from the in-flight set.
func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun computes the next launch time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
