package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Access tokens (session credentials for REST/WS callers) ---

func (s *Store) IssueAccessToken(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (jti, user_id, expires_at, revoked, created_at)
		VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP);
	`, jti, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("issue access token: %w", err)
	}
	return nil
}

// AccessTokenValid reports whether jti is a live, unrevoked, unexpired
// access token and returns the user_id it was issued to.
func (s *Store) AccessTokenValid(ctx context.Context, jti string) (userID string, ok bool, err error) {
	var revoked bool
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, revoked, expires_at FROM access_tokens WHERE jti = ?;
	`, jti).Scan(&userID, &revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup access token: %w", err)
	}
	if revoked || time.Now().After(expiresAt) {
		return "", false, nil
	}
	return userID, true, nil
}

func (s *Store) RevokeAccessToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE access_tokens SET revoked = 1 WHERE jti = ?;`, jti)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// --- Refresh tokens ---

func (s *Store) IssueRefreshToken(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (jti, user_id, expires_at, revoked, created_at)
		VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP);
	`, jti, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("issue refresh token: %w", err)
	}
	return nil
}

func (s *Store) RefreshTokenValid(ctx context.Context, jti string) (userID string, ok bool, err error) {
	var revoked bool
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, revoked, expires_at FROM refresh_tokens WHERE jti = ?;
	`, jti).Scan(&userID, &revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup refresh token: %w", err)
	}
	if revoked || time.Now().After(expiresAt) {
		return "", false, nil
	}
	return userID, true, nil
}

// RevokeRefreshToken invalidates a refresh token, typically as part of
// rotation: each successful /auth/refresh revokes the token it consumed
// and issues a fresh one, so a stolen refresh token is only single-use.
func (s *Store) RevokeRefreshToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE jti = ?;`, jti)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
