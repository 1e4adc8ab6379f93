// Package scheduler polls the storage adapter for scheduled tasks whose
// next run has passed and dispatches each one through the group queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/store"
)

// Dispatch runs one due task to completion and returns the text result
// that should be recorded in its run log. It is the scheduler's one
// collaboration point with the group queue / runner: submit the task's
// prompt as a job for its chat and wait for the outcome.
type Dispatch func(ctx context.Context, task model.ScheduledTask) (result string, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger installs a structured logger. Defaults to a no-op discard
// logger if never set.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler checks for due scheduled tasks on a fixed tick and runs them.
type Scheduler struct {
	store    store.Store
	dispatch Dispatch
	loc      *time.Location
	interval time.Duration
	log      *slog.Logger
}

// New creates a Scheduler. loc is the timezone interval/cron schedules are
// interpreted in; interval is how often the due-task query runs.
func New(st store.Store, dispatch Dispatch, loc *time.Location, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{store: st, dispatch: dispatch, loc: loc, interval: interval, log: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the scheduling loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.checkAndRun(ctx)
		}
	}
}

// checkAndRun executes every task that was due as of this tick. Each task
// is re-read from storage immediately before execution, so an edit or
// pause that lands between the due-query and the run is never clobbered
// by a stale write-back.
func (s *Scheduler) checkAndRun(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueScheduledTasks(ctx, now.Unix())
	if err != nil {
		s.log.Error("due task query failed", "error", err)
		return
	}

	for _, stale := range due {
		task, found, err := s.store.GetScheduledTask(ctx, stale.ID)
		if err != nil {
			s.log.Error("re-read scheduled task failed", "task_id", stale.ID, "error", err)
			continue
		}
		if !found || !task.Due(now.Unix()) {
			// Deleted, paused, or already advanced by a concurrent run
			// between the due-query and this re-read.
			continue
		}
		s.runOne(ctx, task, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, task model.ScheduledTask, now time.Time) {
	start := time.Now()
	s.log.Info("running scheduled task", "task_id", task.ID, "chat_id", task.ChatID)

	result, runErr := s.dispatch(ctx, task)
	duration := time.Since(start)

	status := "success"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
		s.log.Error("scheduled task failed", "task_id", task.ID, "error", runErr)
	}

	logErr := s.store.AppendTaskRunLog(ctx, model.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      now.Unix(),
		DurationMs: duration.Milliseconds(),
		Status:     status,
		Result:     result,
		Error:      errMsg,
	})
	if logErr != nil {
		s.log.Error("append task run log failed", "task_id", task.ID, "error", logErr)
	}

	if task.ScheduleKind == model.ScheduleOnce {
		if err := s.store.SetScheduledTaskStatus(ctx, task.ID, model.TaskCompleted); err != nil {
			s.log.Error("mark once-task completed failed", "task_id", task.ID, "error", err)
		}
		return
	}

	next, err := ComputeNextRun(task, now, s.loc)
	nextRun := next.Unix()
	if err != nil {
		s.log.Error("compute next run failed, retrying in 24h", "task_id", task.ID, "error", err)
		nextRun = now.Add(24 * time.Hour).Unix()
	}

	if err := s.store.UpdateScheduledTaskRun(ctx, task.ID, &nextRun, now.Unix(), truncateResult(result), model.TaskActive); err != nil {
		s.log.Error("update scheduled task run failed", "task_id", task.ID, "error", err)
	}
}

// maxStoredResult bounds the last_result column so a chatty task can't
// bloat the scheduled_tasks row; the full output already lives in the
// task's run log.
const maxStoredResult = 200

func truncateResult(s string) string {
	if len(s) > maxStoredResult {
		return s[:maxStoredResult] + "... (truncated)"
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }
