package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, isAdmin bool) (*User, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_admin, preferences, active, created_at)
		VALUES (?, ?, ?, ?, '{}', 1, CURRENT_TIMESTAMP);
	`, id, email, passwordHash, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_admin, preferences, active, failed_logins, locked_until, created_at
		FROM users WHERE id = ?;
	`, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Preferences, &u.Active, &u.FailedLogins, &lockedUntil, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_admin, preferences, active, failed_logins, locked_until, created_at
		FROM users WHERE email = ?;
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Preferences, &u.Active, &u.FailedLogins, &lockedUntil, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	return &u, nil
}

// RecordLoginFailure increments the failed-login counter for a user and,
// once it crosses the threshold, sets locked_until so further /auth/login
// attempts are rejected with a locked response until the lockout expires.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_logins = failed_logins + 1 WHERE id = ?;
	`, userID)
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	var failed int
	if err := s.db.QueryRowContext(ctx, `SELECT failed_logins FROM users WHERE id = ?;`, userID).Scan(&failed); err != nil {
		return fmt.Errorf("read failed_logins: %w", err)
	}
	if failed >= maxAttempts {
		until := time.Now().Add(lockFor)
		if _, err := s.db.ExecContext(ctx, `UPDATE users SET locked_until = ? WHERE id = ?;`, until, userID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
	}
	return nil
}

// ClearLoginFailures resets the failed-login counter and lockout after a
// successful authentication.
func (s *Store) ClearLoginFailures(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_logins = 0, locked_until = NULL WHERE id = ?;
	`, userID)
	if err != nil {
		return fmt.Errorf("clear login failures: %w", err)
	}
	return nil
}

// --- Agents (devices) ---

// EnrollAgent persists a new device under its owner. Idempotent in the
// same style as CreateTask: an enroll request carrying a key already seen
// for this owner+endpoint returns the prior device rather than creating a
// duplicate, so a client retrying an enroll call after a dropped response
// never ends up with two device rows for one physical machine.
func (s *Store) EnrollAgent(ctx context.Context, ownerUserID, name, platform, capabilities string, idemKey string) (agent *Agent, created bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		if idemKey != "" {
			reqHash := RequestHash(name + "|" + platform + "|" + capabilities)
			var existingID, existingHash string
			scanErr := tx.QueryRowContext(ctx, `
				SELECT resource_id, request_hash FROM idempotency_keys
				WHERE user_id = ? AND endpoint = 'POST /devices/enroll' AND key = ?;
			`, ownerUserID, idemKey).Scan(&existingID, &existingHash)
			switch {
			case scanErr == nil:
				if existingHash != reqHash {
					return ErrConflict
				}
				existing, getErr := s.getAgentTx(ctx, tx, existingID)
				if getErr != nil {
					return getErr
				}
				agent, created = existing, false
				return nil
			case errors.Is(scanErr, sql.ErrNoRows):
				// First enroll under this key.
			default:
				return fmt.Errorf("lookup enroll idempotency key: %w", scanErr)
			}
		}

		id := newID()
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO agents (id, owner_user_id, name, platform, capabilities, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, ownerUserID, name, platform, capabilities, AgentOffline); execErr != nil {
			return fmt.Errorf("insert agent: %w", execErr)
		}
		if idemKey != "" {
			reqHash := RequestHash(name + "|" + platform + "|" + capabilities)
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (user_id, endpoint, key, resource_type, resource_id, request_hash)
				VALUES (?, 'POST /devices/enroll', ?, 'agent', ?, ?);
			`, ownerUserID, idemKey, id, reqHash); execErr != nil {
				return fmt.Errorf("insert enroll idempotency_key: %w", execErr)
			}
		}
		got, getErr := s.getAgentTx(ctx, tx, id)
		if getErr != nil {
			return getErr
		}
		agent, created = got, true
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return agent, created, nil
}

func (s *Store) getAgentTx(ctx context.Context, tx *sql.Tx, id string) (*Agent, error) {
	var a Agent
	var lastSeen sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, platform, capabilities, status, last_seen, revoked, created_at
		FROM agents WHERE id = ?;
	`, id).Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.Platform, &a.Capabilities, &a.Status, &lastSeen, &a.Revoked, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if lastSeen.Valid {
		a.LastSeen = &lastSeen.Time
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, platform, capabilities, status, last_seen, revoked, created_at
		FROM agents WHERE id = ?;
	`, id).Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.Platform, &a.Capabilities, &a.Status, &lastSeen, &a.Revoked, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if lastSeen.Valid {
		a.LastSeen = &lastSeen.Time
	}
	return &a, nil
}

func (s *Store) ListAgentsByOwner(ctx context.Context, ownerUserID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, platform, capabilities, status, last_seen, revoked, created_at
		FROM agents WHERE owner_user_id = ? ORDER BY created_at ASC;
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.Platform, &a.Capabilities, &a.Status, &lastSeen, &a.Revoked, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if lastSeen.Valid {
			a.LastSeen = &lastSeen.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchAgentSeen updates status and last_seen on connect/heartbeat/
// disconnect. The presence store is the authoritative live view; this is
// the durable record consulted by REST device listings.
func (s *Store) TouchAgentSeen(ctx context.Context, agentID string, status AgentConnStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("touch agent seen: %w", err)
	}
	return nil
}

// RevokeAgent marks a device revoked: its live connection should be
// closed and any outstanding agent tokens for it rejected from then on.
func (s *Store) RevokeAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET revoked = 1 WHERE id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("revoke agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", agentID)
	}
	return nil
}

// --- Agent tokens ---

func (s *Store) IssueAgentToken(ctx context.Context, jti, agentID, kid string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (jti, agent_id, kid, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
	`, jti, agentID, kid, expiresAt)
	if err != nil {
		return fmt.Errorf("issue agent token: %w", err)
	}
	return nil
}

// AgentTokenValid reports whether jti is a live, unrevoked, unexpired
// token for agentID.
func (s *Store) AgentTokenValid(ctx context.Context, jti, agentID string) (bool, error) {
	var revoked bool
	var expiresAt time.Time
	var boundAgent string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, revoked, expires_at FROM agent_tokens WHERE jti = ?;
	`, jti).Scan(&boundAgent, &revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup agent token: %w", err)
	}
	if boundAgent != agentID || revoked || time.Now().After(expiresAt) {
		return false, nil
	}
	return true, nil
}

func (s *Store) RevokeAgentToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_tokens SET revoked = 1 WHERE jti = ?;`, jti)
	if err != nil {
		return fmt.Errorf("revoke agent token: %w", err)
	}
	return nil
}

// --- Webhooks ---

func (s *Store) CreateWebhook(ctx context.Context, ownerUserID, url, events, secret string) (*Webhook, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner_user_id, url, events, secret, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP);
	`, id, ownerUserID, url, events, secret)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return s.GetWebhook(ctx, id)
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, url, events, secret, is_active, created_at
		FROM webhooks WHERE id = ?;
	`, id).Scan(&w.ID, &w.OwnerUserID, &w.URL, &w.Events, &w.Secret, &w.IsActive, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

// ListActiveWebhooksForEvent returns every active webhook subscribed to
// eventType across all owners whose event set contains it; the fan-out
// caller is responsible for scoping delivery to the task's owner.
func (s *Store) ListActiveWebhooksForEvent(ctx context.Context, ownerUserID, eventType string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, url, events, secret, is_active, created_at
		FROM webhooks WHERE owner_user_id = ? AND is_active = 1;
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.OwnerUserID, &w.URL, &w.Events, &w.Secret, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		if webhookSubscribesTo(w.Events, eventType) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

func webhookSubscribesTo(commaJoined, eventType string) bool {
	for _, e := range splitCSV(commaJoined) {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (s *Store) DeactivateWebhook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhooks SET is_active = 0 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deactivate webhook: %w", err)
	}
	return nil
}

// --- Scheduled tasks ---

func (s *Store) CreateScheduledTask(ctx context.Context, ownerUserID, agentID, cronExpr, actionTemplate string) (*ScheduledTask, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, owner_user_id, agent_id, cron_expr, action_template, is_active, run_count, created_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, CURRENT_TIMESTAMP);
	`, id, ownerUserID, agentID, cronExpr, actionTemplate)
	if err != nil {
		return nil, fmt.Errorf("create scheduled task: %w", err)
	}
	return s.GetScheduledTask(ctx, id)
}

func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	var st ScheduledTask
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, agent_id, cron_expr, action_template, is_active, last_run, next_run, run_count, created_at
		FROM scheduled_tasks WHERE id = ?;
	`, id).Scan(&st.ID, &st.OwnerUserID, &st.AgentID, &st.CronExpr, &st.ActionTemplate, &st.IsActive, &lastRun, &nextRun, &st.RunCount, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	if lastRun.Valid {
		st.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		st.NextRun = &nextRun.Time
	}
	return &st, nil
}

func (s *Store) ListActiveScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, agent_id, cron_expr, action_template, is_active, last_run, next_run, run_count, created_at
		FROM scheduled_tasks WHERE is_active = 1;
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var st ScheduledTask
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&st.ID, &st.OwnerUserID, &st.AgentID, &st.CronExpr, &st.ActionTemplate, &st.IsActive, &lastRun, &nextRun, &st.RunCount, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		if lastRun.Valid {
			st.LastRun = &lastRun.Time
		}
		if nextRun.Valid {
			st.NextRun = &nextRun.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordScheduledRun bumps run_count and last_run/next_run after the
// scheduler materializes a task from this definition.
func (s *Store) RecordScheduledRun(ctx context.Context, id string, ranAt, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run = ?, next_run = ?, run_count = run_count + 1 WHERE id = ?;
	`, ranAt, next, id)
	if err != nil {
		return fmt.Errorf("record scheduled run: %w", err)
	}
	return nil
}

// SetNextRun advances next_run without touching run_count or last_run. Used
// to seed a definition's first run time and to reschedule a run the
// scheduler skipped without materializing a task.
func (s *Store) SetNextRun(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run = ? WHERE id = ?;
	`, next, id)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return nil
}

func (s *Store) DeactivateScheduledTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET is_active = 0 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deactivate scheduled task: %w", err)
	}
	return nil
}
