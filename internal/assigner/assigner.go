// Package assigner consumes task.created events off the broker transport
// and pushes signed envelopes to the owning agent's live connection,
// retrying with bounded exponential backoff before dead-lettering a task
// whose agent never comes online.
package assigner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/otel"
	"github.com/basket/ctlplane/internal/presence"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/store"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	defaultMaxAttempts = 6
)

// Sender abstracts pushing a signed envelope over an agent's live channel;
// satisfied by *registry.Registry in production and faked in tests.
type Sender interface {
	Lookup(agentID string) (*registry.Connection, bool)
}

// Assigner is C6: it owns no state of its own beyond counters, reading
// task/agent state from the store and presence on every attempt so it
// never drifts from the source of truth.
type Assigner struct {
	store    *store.Store
	presence *presence.Store
	conns    Sender
	signer   *envelope.Signer
	bus      *notify.Bus
	logger   *slog.Logger

	maxAttempts int

	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(st *store.Store, pres *presence.Store, conns Sender, signer *envelope.Signer, bus *notify.Bus, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assigner{
		store: st, presence: pres, conns: conns, signer: signer, bus: bus, logger: logger,
		maxAttempts: defaultMaxAttempts,
	}
}

// SetTelemetry attaches the tracer and metrics used to instrument delivery
// attempts; called once at startup after otel.Init produces a provider. A
// nil tracer or metrics disables the corresponding instrumentation.
func (a *Assigner) SetTelemetry(tracer trace.Tracer, metrics *otel.Metrics) {
	a.tracer = tracer
	a.metrics = metrics
}

// Run subscribes to the broker transport and delivers tasks until ctx is
// cancelled. One goroutine handles delivery (with its own bounded retry
// loop) per event so a slow/offline agent never blocks delivery to
// others.
func (a *Assigner) Run(ctx context.Context) {
	sub := a.bus.Subscribe(notify.TopicTaskCreated)
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			created, ok := event.Payload.(notify.TaskCreatedEvent)
			if !ok {
				continue
			}
			go a.deliverWithRetry(ctx, created.TaskID)
		}
	}
}

// DeliverQueuedForAgent pushes every task already queued for an agent;
// called on agent connect so work queued while the agent was offline
// does not wait for a fresh task.created event.
func (a *Assigner) DeliverQueuedForAgent(ctx context.Context, agentID string) {
	tasks, err := a.store.ListQueuedForAgent(ctx, agentID, 0)
	if err != nil {
		a.logger.Error("assigner_list_queued_failed", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		go a.deliverWithRetry(ctx, t.ID)
	}
}

// deliverWithRetry attempts delivery, retrying with exponential backoff
// and jitter while the agent is unreachable, until maxAttempts is
// exhausted or the task is no longer queued (already delivered by a
// concurrent attempt, or cancelled out from under us).
func (a *Assigner) deliverWithRetry(ctx context.Context, taskID string) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if a.metrics != nil {
			a.metrics.AssignAttemptsTotal.Add(ctx, 1)
		}
		delivered, retryable, err := a.tryDeliver(ctx, taskID)
		if err != nil {
			a.logger.Error("assigner_deliver_error", slog.String("task_id", taskID), slog.Any("error", err))
		}
		if delivered || !retryable {
			return
		}

		if attempt == a.maxAttempts {
			if ok, dlqErr := a.store.DeadLetter(ctx, taskID, "agent unreachable after bounded retries"); dlqErr != nil {
				a.logger.Error("assigner_dlq_failed", slog.String("task_id", taskID), slog.Any("error", dlqErr))
			} else if ok {
				a.logger.Warn("assigner_dead_lettered", slog.String("task_id", taskID), slog.Int("attempts", attempt))
				if a.metrics != nil {
					a.metrics.TaskDeadLettered.Add(ctx, 1)
				}
			}
			return
		}

		delay := retryDelay(taskID, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// tryDeliver makes one delivery attempt. retryable is false when the task
// is no longer in a deliverable state (already assigned/cancelled by
// someone else), which ends the retry loop without going to the DLQ.
func (a *Assigner) tryDeliver(ctx context.Context, taskID string) (delivered, retryable bool, err error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return false, false, fmt.Errorf("get task: %w", err)
	}
	if task.Status != store.TaskStatusQueued {
		return false, false, nil
	}
	if !a.presence.IsOnline(task.AgentID) {
		return false, true, nil
	}
	conn, ok := a.conns.Lookup(task.AgentID)
	if !ok {
		return false, true, nil
	}

	if a.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, a.tracer, "assigner.deliver",
			otel.AttrTaskID.String(task.ID), otel.AttrAgentID.String(task.AgentID))
		defer span.End()
	}
	deliveryStart := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.AgentDeliveryDuration.Record(ctx, time.Since(deliveryStart).Seconds())
		}
	}()

	var actions json.RawMessage
	var decoded struct {
		Actions json.RawMessage `json:"actions"`
	}
	if jsonErr := json.Unmarshal([]byte(task.Payload), &decoded); jsonErr == nil && len(decoded.Actions) > 0 {
		actions = decoded.Actions
	} else {
		actions = json.RawMessage("[]")
	}

	env := envelope.Task{
		Type:     "task.exec",
		TaskID:   task.ID,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		Actions:  actions,
	}
	signed, kid, signErr := a.signer.Sign(env)
	if signErr != nil {
		return false, false, fmt.Errorf("sign envelope: %w", signErr)
	}

	wire := struct {
		envelope.Task
		Kid string `json:"kid"`
	}{Task: signed, Kid: kid}

	if sendErr := conn.Send(ctx, wire); sendErr != nil {
		return false, true, fmt.Errorf("send to agent %s: %w", task.AgentID, sendErr)
	}

	ok, transErr := a.store.MarkAssigned(ctx, task.ID)
	if transErr != nil {
		return false, false, fmt.Errorf("mark assigned: %w", transErr)
	}
	return ok, !ok, nil
}

// retryDelay mirrors the store's own bounded-exponential-plus-jitter
// shape so delivery backoff and SQLite busy-retry look and behave the
// same way throughout the codebase.
func retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
