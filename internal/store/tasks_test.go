package store_test

import (
	"context"
	"testing"

	"github.com/basket/ctlplane/internal/store"
)

func seedOwnerAndAgent(t *testing.T, ctx context.Context, s *store.Store) (userID, agentID string) {
	t.Helper()
	u, err := s.CreateUser(ctx, "owner@example.com", "hashed", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	a, _, err := s.EnrollAgent(ctx, u.ID, "laptop", "linux", `{}`, "")
	if err != nil {
		t.Fatalf("enroll agent: %v", err)
	}
	return u.ID, a.ID
}

func TestCreateTask_QueuedPublishesTaskCreated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, created, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID,
		AgentID:     agentID,
		Title:       "open calculator",
		Payload:     `{"actions":[{"type":"noop"}]}`,
		RiskLevel:   store.RiskLow,
		Status:      store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if !created {
		t.Fatalf("expected new task to be created")
	}
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}

	events, err := s.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	if len(events) != 1 || events[0].StateFrom != store.TaskStatusCreated || events[0].StateTo != store.TaskStatusQueued {
		t.Fatalf("unexpected task_events trail: %+v", events)
	}
}

func TestCreateTask_IllegalInitialStatusRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	_, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID,
		AgentID:     agentID,
		Title:       "bad",
		Payload:     `{}`,
		RiskLevel:   store.RiskLow,
		Status:      store.TaskStatusCompleted,
	})
	if err == nil {
		t.Fatalf("expected error creating a task directly in a terminal status")
	}
}

func TestCreateTask_IdempotencyKeyReturnsExistingTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	params := store.CreateParams{
		OwnerUserID:         userID,
		AgentID:             agentID,
		Title:               "open calculator",
		Payload:             `{"actions":[]}`,
		RiskLevel:           store.RiskLow,
		Status:              store.TaskStatusQueued,
		IdempotencyEndpoint: "POST /tasks",
		IdempotencyKey:      "client-token-1",
	}
	t1, created1, err := s.CreateTask(ctx, params)
	if err != nil || !created1 {
		t.Fatalf("first create: task=%v created=%v err=%v", t1, created1, err)
	}
	t2, created2, err := s.CreateTask(ctx, params)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatalf("expected replayed request to not create a new task")
	}
	if t2.ID != t1.ID {
		t.Fatalf("replayed request returned a different task id")
	}
}

func TestCreateTask_IdempotencyKeyConflictingBody(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	base := store.CreateParams{
		OwnerUserID:         userID,
		AgentID:             agentID,
		Title:               "open calculator",
		RiskLevel:           store.RiskLow,
		Status:              store.TaskStatusQueued,
		IdempotencyEndpoint: "POST /tasks",
		IdempotencyKey:      "client-token-1",
	}
	base.Payload = `{"actions":[]}`
	if _, _, err := s.CreateTask(ctx, base); err != nil {
		t.Fatalf("first create: %v", err)
	}
	base.Payload = `{"actions":[{"type":"shell"}]}`
	if _, _, err := s.CreateTask(ctx, base); err != store.ErrConflict {
		t.Fatalf("expected ErrConflict for reused key with a different body, got %v", err)
	}
}

func TestTaskLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "t", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if ok, err := s.MarkAssigned(ctx, task.ID); err != nil || !ok {
		t.Fatalf("mark assigned: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkInProgress(ctx, task.ID); err != nil || !ok {
		t.Fatalf("mark in_progress: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkCompleted(ctx, task.ID, `{"ok":true}`); err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result != `{"ok":true}` {
		t.Fatalf("result = %q", got.Result)
	}
}

// TestTaskLifecycle_FirstTerminalResultWins exercises the testable
// property that once a task reaches a terminal state, a second terminal
// transition is a silent no-op rather than a second write.
func TestTaskLifecycle_FirstTerminalResultWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "t", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.MarkAssigned(ctx, task.ID); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if _, err := s.MarkInProgress(ctx, task.ID); err != nil {
		t.Fatalf("mark in_progress: %v", err)
	}

	ok1, err := s.MarkCompleted(ctx, task.ID, "first-result")
	if err != nil || !ok1 {
		t.Fatalf("first completion: ok=%v err=%v", ok1, err)
	}
	ok2, err := s.MarkFailed(ctx, task.ID, "late failure")
	if err != nil {
		t.Fatalf("second terminal transition returned an error instead of a no-op: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second terminal transition to be a no-op")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCompleted || got.Result != "first-result" {
		t.Fatalf("task mutated by a late second result: status=%s result=%q", got.Status, got.Result)
	}
}

func TestTaskLifecycle_IllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "t", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// queued -> completed is not in the transition graph.
	if ok, err := s.MarkCompleted(ctx, task.ID, "x"); ok || err == nil {
		t.Fatalf("expected queued->completed to be rejected, got ok=%v err=%v", ok, err)
	}
}

func TestApprovalPath_AwaitingConfirmationThenQueued(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "rm -rf /tmp/x", Payload: `{}`,
		RiskLevel: store.RiskHigh, Status: store.TaskStatusAwaitingConfirmation,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskStatusAwaitingConfirmation {
		t.Fatalf("status = %s, want awaiting_confirmation", task.Status)
	}

	if ok, err := s.MarkQueued(ctx, task.ID); err != nil || !ok {
		t.Fatalf("approve -> queued: ok=%v err=%v", ok, err)
	}
}

func TestApprovalPath_RejectCancels(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "rm -rf /tmp/x", Payload: `{}`,
		RiskLevel: store.RiskHigh, Status: store.TaskStatusAwaitingConfirmation,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := s.Cancel(ctx, task.ID, "task.rejected"); err != nil || !ok {
		t.Fatalf("reject -> cancel: ok=%v err=%v", ok, err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRecoverInFlightTasks_RequeuesAssignedAndInProgress(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	assignedTask, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "a", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.MarkAssigned(ctx, assignedTask.ID); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}

	inProgressTask, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "b", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.MarkAssigned(ctx, inProgressTask.ID); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if _, err := s.MarkInProgress(ctx, inProgressTask.ID); err != nil {
		t.Fatalf("mark in_progress: %v", err)
	}

	recovered, err := s.RecoverInFlightTasks(ctx)
	if err != nil {
		t.Fatalf("recover in-flight tasks: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered %d tasks, want 2", len(recovered))
	}

	for _, id := range []string{assignedTask.ID, inProgressTask.ID} {
		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task %s: %v", id, err)
		}
		if got.Status != store.TaskStatusQueued {
			t.Fatalf("task %s status = %s, want queued after recovery", id, got.Status)
		}
	}
}

func TestDeadLetter_MarksFailedAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	userID, agentID := seedOwnerAndAgent(t, ctx, s)

	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: userID, AgentID: agentID, Title: "t", Payload: `{}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	ok, err := s.DeadLetter(ctx, task.ID, "agent unreachable after bounded retries")
	if err != nil || !ok {
		t.Fatalf("dead letter: ok=%v err=%v", ok, err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatalf("expected dead-letter reason to be recorded in error field")
	}
}
