// Package store persists users, agents, tasks, idempotency keys, scheduled
// tasks, and webhooks, and enforces the task lifecycle state machine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/ctlplane/internal/notify"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cp-v1-2026-03-01-core-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultApprovalTTL = 1 * time.Hour
)

// TaskStatus is the task lifecycle state, as defined in the task state
// machine: created, queued, assigned, in_progress, awaiting_confirmation,
// completed, failed, cancelled.
type TaskStatus string

const (
	TaskStatusCreated              TaskStatus = "created"
	TaskStatusQueued                TaskStatus = "queued"
	TaskStatusAssigned              TaskStatus = "assigned"
	TaskStatusInProgress            TaskStatus = "in_progress"
	TaskStatusAwaitingConfirmation  TaskStatus = "awaiting_confirmation"
	TaskStatusCompleted             TaskStatus = "completed"
	TaskStatusFailed                TaskStatus = "failed"
	TaskStatusCancelled             TaskStatus = "cancelled"
)

var terminalStates = map[TaskStatus]struct{}{
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

func IsTerminal(s TaskStatus) bool {
	_, ok := terminalStates[s]
	return ok
}

// allowedTransitions mirrors the task state machine exactly: created can
// move to queued (router accepted) or awaiting_confirmation (needs
// approval); queued moves to assigned on delivery; assigned moves to
// in_progress on agent ack; in_progress is terminal-bound; any non-terminal
// state may move to cancelled.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusCreated: {
		TaskStatusQueued:               {},
		TaskStatusAwaitingConfirmation: {},
		TaskStatusCancelled:            {},
	},
	TaskStatusQueued: {
		TaskStatusAssigned:  {},
		TaskStatusCancelled: {},
	},
	TaskStatusAssigned: {
		TaskStatusInProgress: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusAwaitingConfirmation: {
		TaskStatusQueued:    {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// RiskLevel mirrors the classifier's output vocabulary; stored alongside
// the task so the gate and assigner never have to re-classify.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Task is the atomic unit routed to an agent.
type Task struct {
	ID              string     `json:"id"`
	OwnerUserID     string     `json:"owner_user_id"`
	AgentID         string     `json:"agent_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Payload         string     `json:"payload"` // JSON: actions + risk_analysis + optional scheduled_task_id
	RiskLevel       RiskLevel  `json:"risk_level"`
	Status          TaskStatus `json:"status"`
	ScheduledTaskID string     `json:"scheduled_task_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// User is a principal with credentials, admin flag, and preferences.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	IsAdmin      bool       `json:"is_admin"`
	Preferences  string     `json:"preferences,omitempty"` // JSON map
	Active       bool       `json:"active"`
	FailedLogins int        `json:"-"`
	LockedUntil  *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AgentConnStatus is the connection-status enum attached to an Agent row.
// It is a coarse, store-level hint; the authoritative live view is the
// presence store, not this column.
type AgentConnStatus string

const (
	AgentOffline AgentConnStatus = "offline"
	AgentOnline  AgentConnStatus = "online"
	AgentStale   AgentConnStatus = "stale"
)

// Agent is a device owned by exactly one user.
type Agent struct {
	ID           string          `json:"id"`
	OwnerUserID  string          `json:"owner_user_id"`
	Name         string          `json:"name"`
	Platform     string          `json:"platform"`
	Capabilities string          `json:"capabilities,omitempty"` // JSON map
	Status       AgentConnStatus `json:"status"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	Revoked      bool            `json:"revoked"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ScheduledTask is a cron-driven definition materialized into Tasks by the
// scheduler.
type ScheduledTask struct {
	ID             string     `json:"id"`
	OwnerUserID    string     `json:"owner_user_id"`
	AgentID        string     `json:"agent_id"`
	CronExpr       string     `json:"cron_expr"`
	ActionTemplate string     `json:"action_template"` // JSON actions array
	IsActive       bool       `json:"is_active"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	RunCount       int64      `json:"run_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Webhook is an owner's outbound subscription.
type Webhook struct {
	ID        string    `json:"id"`
	OwnerUserID string  `json:"owner_user_id"`
	URL       string    `json:"url"`
	Events    string    `json:"events"` // comma-joined event-type set
	Secret    string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *notify.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctlplane", "ctlplane.db")
}

func Open(path string, eventBus *notify.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with bounded
// exponential backoff and jitter, on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			preferences TEXT NOT NULL DEFAULT '{}',
			active INTEGER NOT NULL DEFAULT 1,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			locked_until TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS access_tokens (
			jti TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			expires_at TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMP,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id);

		CREATE TABLE IF NOT EXISTS agent_tokens (
			jti TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			kid TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_agent_tokens_agent ON agent_tokens(agent_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL REFERENCES users(id),
			agent_id TEXT NOT NULL REFERENCES agents(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			risk_level TEXT NOT NULL DEFAULT 'low',
			status TEXT NOT NULL,
			scheduled_task_id TEXT,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_user_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT NOT NULL DEFAULT '',
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, endpoint, key)
		);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL REFERENCES users(id),
			agent_id TEXT NOT NULL REFERENCES agents(id),
			cron_expr TEXT NOT NULL,
			action_template TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			run_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(is_active, next_run);

		CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL REFERENCES users(id),
			url TEXT NOT NULL,
			events TEXT NOT NULL,
			secret TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks(owner_user_id);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			expires_at TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create core tables: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version;`).Scan(&count); err != nil {
		return fmt.Errorf("count schema_version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_version (version, checksum) VALUES (?, ?);
		`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}

	return tx.Commit()
}

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var scheduledTaskID sql.NullString
	if err := scanFn(
		&t.ID, &t.OwnerUserID, &t.AgentID, &t.Title, &t.Description,
		&t.Payload, &t.RiskLevel, &t.Status, &scheduledTaskID,
		&t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	if scheduledTaskID.Valid {
		t.ScheduledTaskID = scheduledTaskID.String
	}
	return nil
}

// appendTaskEventTx records every state transition to an immutable audit
// trail. Not named in the task lifecycle contract, but useful for
// reconstructing scenario traces and for the incident-export tool.
func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx is the single choke point for every task state change.
// It reads the current state, checks it is in allowedFrom, checks the
// general transition graph, and only then commits the update plus its
// audit event, all inside the caller's transaction. A mismatch on either
// guard returns (false, nil): the caller treats this as a no-op, not an
// error, except when the general graph itself forbids the move.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func newID() string { return uuid.NewString() }
