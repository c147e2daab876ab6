package scheduler_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/scheduler"
	"github.com/basket/ctlplane/internal/store"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed sleeps that make the suite flaky.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "ctlplane.db"), notify.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateOwner(t *testing.T, st *store.Store) *store.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), t.Name()+"@example.com", "hash", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func actionTemplate(actions ...map[string]string) string {
	b, _ := json.Marshal(actions)
	return string(b)
}

func TestScheduler_FiresLowRiskOnTime(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	owner := mustCreateOwner(t, st)

	tmpl := actionTemplate(map[string]string{"action_id": "a1", "type": "network_request", "url": "https://example.com"})
	sched, err := st.CreateScheduledTask(ctx, owner.ID, "agent-1", "*/5 * * * *", tmpl)
	if err != nil {
		t.Fatalf("create scheduled task: %v", err)
	}
	past := time.Now().Add(-5 * time.Minute)
	if err := st.RecordScheduledRun(ctx, sched.ID, time.Time{}, past); err != nil {
		t.Fatalf("seed next run: %v", err)
	}

	sc := scheduler.NewScheduler(scheduler.Config{
		Store:    st,
		Logger:   slog.Default(),
		Interval: 30 * time.Millisecond,
	})
	sc.Start(ctx)
	defer sc.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetScheduledTask(ctx, sched.ID)
		return err == nil && got.RunCount > 0
	})
}

func TestScheduler_HighRiskTemplateSkipped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	owner := mustCreateOwner(t, st)

	tmpl := actionTemplate(map[string]string{"action_id": "a1", "type": "shell", "command": "echo hi"})
	sched, err := st.CreateScheduledTask(ctx, owner.ID, "agent-1", "*/5 * * * *", tmpl)
	if err != nil {
		t.Fatalf("create scheduled task: %v", err)
	}
	past := time.Now().Add(-5 * time.Minute)
	if err := st.RecordScheduledRun(ctx, sched.ID, time.Time{}, past); err != nil {
		t.Fatalf("seed next run: %v", err)
	}

	sc := scheduler.NewScheduler(scheduler.Config{
		Store:    st,
		Logger:   slog.Default(),
		Interval: 30 * time.Millisecond,
	})
	sc.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	sc.Stop()

	got, err := st.GetScheduledTask(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get scheduled task: %v", err)
	}
	if got.RunCount != 0 {
		t.Fatalf("expected high-risk schedule to be skipped (run_count 0), got %d", got.RunCount)
	}
}

func TestScheduler_EnqueuesQueuedTaskWithScheduledTaskID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	owner := mustCreateOwner(t, st)

	tmpl := actionTemplate(map[string]string{"action_id": "a1", "type": "network_request", "url": "https://example.com"})
	sched, err := st.CreateScheduledTask(ctx, owner.ID, "agent-1", "0 9 * * *", tmpl)
	if err != nil {
		t.Fatalf("create scheduled task: %v", err)
	}
	past := time.Now().Add(-1 * time.Minute)
	if err := st.RecordScheduledRun(ctx, sched.ID, time.Time{}, past); err != nil {
		t.Fatalf("seed next run: %v", err)
	}

	sc := scheduler.NewScheduler(scheduler.Config{
		Store:    st,
		Logger:   slog.Default(),
		Interval: 30 * time.Millisecond,
	})
	sc.Start(ctx)
	defer sc.Stop()

	var tasks []store.Task
	waitFor(t, 3*time.Second, func() bool {
		var err error
		tasks, err = st.ListTasksByOwner(ctx, owner.ID, 10)
		return err == nil && len(tasks) > 0
	})

	task := tasks[0]
	if task.AgentID != "agent-1" {
		t.Fatalf("expected agent_id=agent-1, got %s", task.AgentID)
	}
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("expected status=queued, got %s", task.Status)
	}
	if task.ScheduledTaskID != sched.ID {
		t.Fatalf("expected scheduled_task_id=%s, got %s", sched.ID, task.ScheduledTaskID)
	}
}

func TestScheduler_NextRunAdvancesAfterFiring(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	owner := mustCreateOwner(t, st)

	tmpl := actionTemplate(map[string]string{"action_id": "a1", "type": "network_request", "url": "https://example.com"})
	sched, err := st.CreateScheduledTask(ctx, owner.ID, "agent-1", "*/10 * * * *", tmpl)
	if err != nil {
		t.Fatalf("create scheduled task: %v", err)
	}
	past := time.Now().Add(-1 * time.Minute)
	if err := st.RecordScheduledRun(ctx, sched.ID, time.Time{}, past); err != nil {
		t.Fatalf("seed next run: %v", err)
	}

	sc := scheduler.NewScheduler(scheduler.Config{
		Store:    st,
		Logger:   slog.Default(),
		Interval: 30 * time.Millisecond,
	})
	sc.Start(ctx)
	defer sc.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetScheduledTask(ctx, sched.ID)
		return err == nil && got.LastRun != nil
	})

	got, err := st.GetScheduledTask(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get scheduled task: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.After(past) {
		t.Fatalf("expected next_run after %v, got %v", past, got.NextRun)
	}
	if got.NextRun.Minute()%10 != 0 {
		t.Fatalf("expected next_run minute to be a multiple of 10, got %d", got.NextRun.Minute())
	}
}
