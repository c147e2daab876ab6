package assigner

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/presence"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/store"
)

type noConnSender struct{}

func (noConnSender) Lookup(agentID string) (*registry.Connection, bool) { return nil, false }

func testKeySet() envelope.KeySet {
	return envelope.KeySet{ActiveKid: "k1", Keys: map[string]string{"k1": "secret"}}
}

func openTestStore(t *testing.T, bus *notify.Bus) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "ctlplane.db"), bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedQueuedTask(t *testing.T, ctx context.Context, s *store.Store) (taskID, agentID string) {
	t.Helper()
	u, err := s.CreateUser(ctx, "owner@example.com", "hashed", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	a, _, err := s.EnrollAgent(ctx, u.ID, "laptop", "linux", `{}`, "")
	if err != nil {
		t.Fatalf("enroll agent: %v", err)
	}
	task, _, err := s.CreateTask(ctx, store.CreateParams{
		OwnerUserID: u.ID, AgentID: a.ID, Title: "t", Payload: `{"actions":[]}`,
		RiskLevel: store.RiskLow, Status: store.TaskStatusQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID, a.ID
}

func TestAssigner_DeadLettersAfterBoundedRetriesWhenAgentNeverConnects(t *testing.T) {
	ctx := context.Background()
	bus := notify.New()
	s := openTestStore(t, bus)
	taskID, _ := seedQueuedTask(t, ctx, s)

	pres := presence.New(nil)
	a := New(s, pres, noConnSender{}, envelope.NewSigner(testKeySet()), bus, slog.Default())
	a.maxAttempts = 2

	a.deliverWithRetry(ctx, taskID)

	got, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("status = %s, want failed (dead-lettered)", got.Status)
	}
	if got.Error == "" {
		t.Fatalf("expected dead-letter reason recorded")
	}
}

func TestAssigner_SkipsRetryWhenTaskNoLongerQueued(t *testing.T) {
	ctx := context.Background()
	bus := notify.New()
	s := openTestStore(t, bus)
	taskID, _ := seedQueuedTask(t, ctx, s)

	if ok, err := s.Cancel(ctx, taskID, "task.cancelled"); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	pres := presence.New(nil)
	a := New(s, pres, noConnSender{}, envelope.NewSigner(testKeySet()), bus, slog.Default())
	a.maxAttempts = 5

	start := time.Now()
	a.deliverWithRetry(ctx, taskID)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected immediate return for a non-queued task, took %s", elapsed)
	}

	got, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled (untouched by the assigner)", got.Status)
	}
}

func TestRetryDelay_BoundedAndIncreasing(t *testing.T) {
	d1 := retryDelay("task-1", 1)
	d3 := retryDelay("task-1", 3)
	if d1 <= 0 || d3 <= 0 {
		t.Fatalf("expected positive delays, got d1=%s d3=%s", d1, d3)
	}
	if d3 < d1 {
		t.Fatalf("expected backoff to increase with attempt: d1=%s d3=%s", d1, d3)
	}
	if d3 > retryMaxDelay {
		t.Fatalf("delay %s exceeds retryMaxDelay %s", d3, retryMaxDelay)
	}
}
