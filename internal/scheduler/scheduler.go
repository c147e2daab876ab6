// Package scheduler materializes scheduled task definitions into queued
// tasks on their cron cadence, generalizing the teacher's cron-driven
// session scheduler to the control plane's task/risk vocabulary.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/risk"
	"github.com/basket/ctlplane/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Subs     *notify.Subscribers
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due scheduled tasks and
// materializes each one into a queued task.
type Scheduler struct {
	store    *store.Store
	subs     *notify.Subscribers
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		subs:     cfg.Subs,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans active scheduled_tasks rows for ones whose next_run has
// passed. Unlike the teacher's store, which exposes a due-schedules query
// directly, the control plane store only lists active definitions; due-ness
// is judged here against each row's NextRun.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	active, err := s.store.ListActiveScheduledTasks(ctx)
	if err != nil {
		s.logger.Error("scheduler: failed to list active scheduled tasks", "error", err)
		return
	}
	for _, sched := range active {
		if sched.NextRun == nil {
			s.seedNextRun(ctx, sched, now)
			continue
		}
		if sched.NextRun.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

// seedNextRun computes the first run time for a definition that has never
// fired, without creating a task for it yet.
func (s *Scheduler) seedNextRun(ctx context.Context, sched store.ScheduledTask, now time.Time) {
	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("scheduler: bad cron expression", "scheduled_task_id", sched.ID, "error", err)
		return
	}
	if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
		s.logger.Error("scheduler: failed to seed next run", "scheduled_task_id", sched.ID, "error", err)
	}
}

// fire materializes sched into a queued task and advances its run
// bookkeeping. A definition whose action template now classifies as
// approval-required or blocked is skipped instead of auto-queued, so a
// schedule can't silently escalate into an unattended high-risk run after
// its actions were edited; the owner is notified instead.
func (s *Scheduler) fire(ctx context.Context, sched store.ScheduledTask, now time.Time) {
	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("scheduler: bad cron expression", "scheduled_task_id", sched.ID, "error", err)
		return
	}
	var actions []risk.Action
	if err := json.Unmarshal([]byte(sched.ActionTemplate), &actions); err != nil {
		s.logger.Error("scheduler: bad action template", "scheduled_task_id", sched.ID, "error", err)
		if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Error("scheduler: failed to advance next run", "scheduled_task_id", sched.ID, "error", err)
		}
		return
	}

	result := risk.Classify(actions)
	if risk.ShouldBlock(result.Level) || risk.RequiresApproval(result.Level) {
		s.logger.Warn("scheduler: schedule skipped by risk gate",
			"scheduled_task_id", sched.ID,
			"risk_level", result.Level.String(),
		)
		if s.subs != nil {
			s.subs.Notify(sched.OwnerUserID, "schedule.skipped", map[string]string{
				"scheduled_task_id": sched.ID,
				"reason":            fmt.Sprintf("risk level %s requires manual review", result.Level),
			})
		}
		if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Error("scheduler: failed to advance next run", "scheduled_task_id", sched.ID, "error", err)
		}
		return
	}

	payload, err := json.Marshal(map[string]any{
		"actions": json.RawMessage(sched.ActionTemplate),
		"risk": map[string]any{
			"level":   result.Level.String(),
			"reasons": result.Reasons,
		},
	})
	if err != nil {
		s.logger.Error("scheduler: failed to encode task payload", "scheduled_task_id", sched.ID, "error", err)
		if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Error("scheduler: failed to advance next run", "scheduled_task_id", sched.ID, "error", err)
		}
		return
	}

	task, _, err := s.store.CreateTask(ctx, store.CreateParams{
		OwnerUserID:     sched.OwnerUserID,
		AgentID:         sched.AgentID,
		Title:           "scheduled task",
		Payload:         string(payload),
		RiskLevel:       store.RiskLevel(result.Level.String()),
		Status:          store.TaskStatusQueued,
		ScheduledTaskID: sched.ID,
	})
	if err != nil {
		s.logger.Error("scheduler: failed to create task for schedule", "scheduled_task_id", sched.ID, "error", err)
		if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Error("scheduler: failed to advance next run", "scheduled_task_id", sched.ID, "error", err)
		}
		return
	}

	if err := s.store.RecordScheduledRun(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("scheduler: failed to record scheduled run", "scheduled_task_id", sched.ID, "error", err)
	}

	s.logger.Info("scheduler: schedule fired",
		"scheduled_task_id", sched.ID,
		"task_id", task.ID,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// strictly after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr: %w", err)
	}
	return sched.Next(after), nil
}
