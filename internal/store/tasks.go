package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/basket/ctlplane/internal/notify"
)

// ErrConflict is returned when an idempotency key collides with a
// different request body.
var ErrConflict = errors.New("conflict")

// CreateParams describes a new task prior to persistence. Status must be
// either TaskStatusQueued (router accepted outright) or
// TaskStatusAwaitingConfirmation (risk requires approval); a ShouldBlock
// verdict never reaches the store at all, the router rejects it
// synchronously.
type CreateParams struct {
	OwnerUserID     string
	AgentID         string
	Title           string
	Description     string
	Payload         string // JSON: actions + risk_analysis + optional scheduled_task_id
	RiskLevel       RiskLevel
	Status          TaskStatus
	ScheduledTaskID string

	// Idempotency, optional. Endpoint is the logical operation name (e.g.
	// "POST /tasks"); Key is the client-supplied idempotency token.
	IdempotencyEndpoint string
	IdempotencyKey      string
}

// RequestHash returns the stable hash of a request body, used to detect
// idempotency-key reuse against a different payload.
func RequestHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// CreateTask persists a new task. If an idempotency key is supplied and a
// prior request under the same (user, endpoint, key) exists, the first
// writer wins: a matching body hash returns the existing task
// (created=false); a mismatched hash fails with ErrConflict.
func (s *Store) CreateTask(ctx context.Context, p CreateParams) (task *Task, created bool, err error) {
	if !canTransition(TaskStatusCreated, p.Status) {
		return nil, false, fmt.Errorf("create task: illegal initial status %s", p.Status)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		if p.IdempotencyKey != "" {
			reqHash := RequestHash(p.Payload)
			var existingResourceID, existingHash string
			scanErr := tx.QueryRowContext(ctx, `
				SELECT resource_id, request_hash FROM idempotency_keys
				WHERE user_id = ? AND endpoint = ? AND key = ?;
			`, p.OwnerUserID, p.IdempotencyEndpoint, p.IdempotencyKey).Scan(&existingResourceID, &existingHash)
			switch {
			case scanErr == nil:
				if existingHash != reqHash {
					return ErrConflict
				}
				existing, getErr := s.getTaskTx(ctx, tx, existingResourceID)
				if getErr != nil {
					return getErr
				}
				task, created = existing, false
				return nil
			case errors.Is(scanErr, sql.ErrNoRows):
				// First writer for this key; fall through to insert.
			default:
				return fmt.Errorf("lookup idempotency key: %w", scanErr)
			}
		}

		id := newID()
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_user_id, agent_id, title, description, payload,
				risk_level, status, scheduled_task_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, p.OwnerUserID, p.AgentID, p.Title, p.Description, p.Payload,
			p.RiskLevel, p.Status, p.ScheduledTaskID); execErr != nil {
			return fmt.Errorf("insert task: %w", execErr)
		}
		if evErr := s.appendTaskEventTx(ctx, tx, id, TaskStatusCreated, p.Status, "task.created", "{}"); evErr != nil {
			return evErr
		}

		if p.IdempotencyKey != "" {
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (user_id, endpoint, key, resource_type, resource_id, request_hash)
				VALUES (?, ?, ?, 'task', ?, ?);
			`, p.OwnerUserID, p.IdempotencyEndpoint, p.IdempotencyKey, id, RequestHash(p.Payload)); execErr != nil {
				return fmt.Errorf("insert idempotency_key: %w", execErr)
			}
		}

		got, getErr := s.getTaskTx(ctx, tx, id)
		if getErr != nil {
			return getErr
		}
		task, created = got, true

		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}

	if created && task.Status == TaskStatusQueued && s.bus != nil {
		s.bus.Publish(notify.TopicTaskCreated, notify.TaskCreatedEvent{
			TaskID:  task.ID,
			AgentID: task.AgentID,
			Actions: task.Payload,
		})
	}
	return task, created, nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var t Task
	err := scanTask(tx.QueryRowContext(ctx, `
		SELECT id, owner_user_id, agent_id, title, description, payload, risk_level,
			status, scheduled_task_id, result, error, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, agent_id, title, description, payload, risk_level,
			status, scheduled_task_id, result, error, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasksByOwner(ctx context.Context, ownerUserID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, agent_id, title, description, payload, risk_level,
			status, scheduled_task_id, result, error, created_at, updated_at
		FROM tasks WHERE owner_user_id = ? ORDER BY created_at DESC LIMIT ?;
	`, ownerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListExpiredApprovals returns tasks stuck in awaiting_confirmation whose
// created_at is older than ttl, for the approval gate's periodic sweep.
func (s *Store) ListExpiredApprovals(ctx context.Context, ttl time.Duration) ([]Task, error) {
	cutoff := time.Now().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, agent_id, title, description, payload, risk_level,
			status, scheduled_task_id, result, error, created_at, updated_at
		FROM tasks WHERE status = ? AND created_at < ?;
	`, TaskStatusAwaitingConfirmation, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListQueuedForAgent returns tasks queued for delivery to one agent, oldest
// first. Used by the assigner to pick up work on agent (re)connect.
func (s *Store) ListQueuedForAgent(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, agent_id, title, description, payload, risk_level,
			status, scheduled_task_id, result, error, created_at, updated_at
		FROM tasks WHERE agent_id = ? AND status = ? ORDER BY created_at ASC LIMIT ?;
	`, agentID, TaskStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) transition(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType string, result, errMsg *string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		affected, transErr := s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, eventType, "{}", result, errMsg)
		if transErr != nil {
			return transErr
		}
		ok = affected
		if !affected {
			return nil
		}
		return tx.Commit()
	})
	return ok, err
}

// MarkQueued moves a task from created or awaiting_confirmation into
// queued: the router-accepted path, and the approval-gate approve path.
func (s *Store) MarkQueued(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.transition(ctx, taskID, []TaskStatus{TaskStatusCreated, TaskStatusAwaitingConfirmation}, TaskStatusQueued, "task.queued", nil, nil)
	if ok && err == nil && s.bus != nil {
		if t, getErr := s.GetTask(ctx, taskID); getErr == nil {
			s.bus.Publish(notify.TopicTaskCreated, notify.TaskCreatedEvent{TaskID: t.ID, AgentID: t.AgentID, Actions: t.Payload})
		}
	}
	return ok, err
}

// MarkAwaitingConfirmation moves a freshly created task to the approval
// gate.
func (s *Store) MarkAwaitingConfirmation(ctx context.Context, taskID string) (bool, error) {
	return s.transition(ctx, taskID, []TaskStatus{TaskStatusCreated}, TaskStatusAwaitingConfirmation, "task.awaiting_confirmation", nil, nil)
}

// MarkAssigned moves a task to assigned once the envelope has been pushed
// through the agent's live channel.
func (s *Store) MarkAssigned(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.transition(ctx, taskID, []TaskStatus{TaskStatusQueued}, TaskStatusAssigned, "task.assigned", nil, nil)
	if ok && err == nil && s.bus != nil {
		if t, getErr := s.GetTask(ctx, taskID); getErr == nil {
			s.bus.Publish(notify.TopicTaskAssigned, notify.TaskAssignedEvent{TaskID: t.ID, AgentID: t.AgentID})
		}
	}
	return ok, err
}

// MarkInProgress moves a task to in_progress on the agent's task.ack.
func (s *Store) MarkInProgress(ctx context.Context, taskID string) (bool, error) {
	return s.transition(ctx, taskID, []TaskStatus{TaskStatusAssigned}, TaskStatusInProgress, "task.ack", nil, nil)
}

// MarkCompleted records a terminal success. Only the first terminal result
// for a task wins: a second task.result delivered for an already-terminal
// task finds the current status no longer in_progress, and the guard
// returns (false, nil) for the caller to log and drop.
func (s *Store) MarkCompleted(ctx context.Context, taskID, result string) (bool, error) {
	return s.transition(ctx, taskID, []TaskStatus{TaskStatusInProgress}, TaskStatusCompleted, "task.completed", &result, nil)
}

// MarkFailed records a terminal failure, subject to the same
// first-terminal-result-wins guard as MarkCompleted.
func (s *Store) MarkFailed(ctx context.Context, taskID, errMsg string) (bool, error) {
	return s.transition(ctx, taskID, []TaskStatus{TaskStatusInProgress}, TaskStatusFailed, "task.failed", nil, &errMsg)
}

// DeadLetter marks a task failed because delivery itself never succeeded
// within the assigner's bounded retry window, and publishes TopicTaskDLQ
// for anything watching the broker transport.
func (s *Store) DeadLetter(ctx context.Context, taskID, reason string) (bool, error) {
	ok, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusQueued, TaskStatusAssigned}, TaskStatusFailed, "task.dlq", nil, &reason)
	if ok && err == nil && s.bus != nil {
		if t, getErr := s.GetTask(ctx, taskID); getErr == nil {
			s.bus.Publish(notify.TopicTaskDLQ, notify.TaskDLQEvent{TaskID: t.ID, AgentID: t.AgentID, Reason: reason})
		}
	}
	return ok, err
}

// Cancel moves any non-terminal task to cancelled: the explicit
// owner/admin cancel path, the approval-reject path, and the
// approval-expiry sweep all share this with their own eventType.
func (s *Store) Cancel(ctx context.Context, taskID, eventType string) (bool, error) {
	return s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusCreated, TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress, TaskStatusAwaitingConfirmation},
		TaskStatusCancelled, eventType, nil, nil)
}

// RecoverInFlightTasks requeues tasks left in assigned or in_progress
// after an unclean shutdown, so a crashed control plane never strands a
// task an agent thinks it owns but that will never be re-delivered. The
// caller is responsible for re-publishing task.created for each recovered
// ID, since a requeue here intentionally bypasses the bus to let the
// caller batch or rate-limit the replay.
func (s *Store) RecoverInFlightTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status IN (?, ?);
	`, TaskStatusAssigned, TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("select in-flight tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []string
	for _, id := range ids {
		err := retryOnBusy(ctx, 5, func() error {
			tx, txErr := s.db.BeginTx(ctx, nil)
			if txErr != nil {
				return txErr
			}
			defer tx.Rollback()

			ok, transErr := s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusAssigned, TaskStatusInProgress}, TaskStatusQueued,
				"task.recovered", "{}", nil, nil)
			if transErr != nil {
				return transErr
			}
			if !ok {
				return nil
			}
			return tx.Commit()
		})
		if err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", id, err)
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// ListTaskEvents returns the audit trail for one task in insertion order.
// Not part of the lifecycle contract, but consumed by scenario
// verification and by the incident-export tool.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, state_from, state_to, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.EventType, &e.StateFrom, &e.StateTo, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueueDepth reports the number of tasks awaiting delivery. Used by the
// operator CLI's doctor subcommand.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, TaskStatusQueued).Scan(&n)
	return n, err
}
