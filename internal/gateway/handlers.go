package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/ctlplane/internal/apperr"
	"github.com/basket/ctlplane/internal/approval"
	"github.com/basket/ctlplane/internal/risk"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/token"
)

const (
	accessTokenTTL     = 15 * time.Minute
	refreshTokenTTL    = 30 * 24 * time.Hour
	maxFailedLogins    = 5
	loginLockoutWindow = 15 * time.Minute
)

// --- POST /auth/login ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		// Same response for unknown email as for a bad password, so the
		// endpoint never discloses which emails are registered.
		writeError(w, apperr.New(apperr.KindUnauthenticated, "invalid credentials"))
		return
	}
	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		writeError(w, apperr.New(apperr.KindLocked, "account locked, try again later"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		_ = s.store.RecordLoginFailure(ctx, user.ID, maxFailedLogins, loginLockoutWindow)
		writeError(w, apperr.New(apperr.KindUnauthenticated, "invalid credentials"))
		return
	}
	_ = s.store.ClearLoginFailures(ctx, user.ID)

	access, refresh, err := s.issueSessionTokens(ctx, user.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "issue session tokens", err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(accessTokenTTL.Seconds()),
	})
}

func (s *Server) issueSessionTokens(ctx context.Context, userID string) (access, refresh string, err error) {
	accessJTI := uuid.NewString()
	accessExpiry := time.Now().Add(accessTokenTTL)
	if err = s.store.IssueAccessToken(ctx, accessJTI, userID, accessExpiry); err != nil {
		return "", "", err
	}
	access, err = token.Issue(s.cfg.Auth.AccessSecret, token.Claims{JTI: accessJTI, UserID: userID, ExpiresAt: accessExpiry})
	if err != nil {
		return "", "", err
	}

	refreshJTI := uuid.NewString()
	refreshExpiry := time.Now().Add(refreshTokenTTL)
	if err = s.store.IssueRefreshToken(ctx, refreshJTI, userID, refreshExpiry); err != nil {
		return "", "", err
	}
	refresh, err = token.Issue(s.cfg.Auth.RefreshSecret, token.Claims{JTI: refreshJTI, UserID: userID, ExpiresAt: refreshExpiry})
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// --- POST /devices/enroll ---

type enrollRequest struct {
	OwnerUserID    string `json:"owner_user_id"`
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	Capabilities   string `json:"capabilities"`
	IdempotencyKey string `json:"idempotency_key"`
}

type enrollResponse struct {
	Agent      *store.Agent `json:"agent"`
	AgentToken string       `json:"agent_token,omitempty"`
}

func (s *Server) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	ownerID := req.OwnerUserID
	if principal != nil && !principal.IsAdmin {
		ownerID = principal.UserID
	}

	agent, created, err := s.store.EnrollAgent(r.Context(), ownerID, req.Name, req.Platform, req.Capabilities, req.IdempotencyKey)
	if err != nil {
		writeError(w, classifyStoreErr(err))
		return
	}

	resp := enrollResponse{Agent: agent}
	if created {
		jti := uuid.NewString()
		kid := s.cfg.AgentKeys.ActiveKid
		if err := s.store.IssueAgentToken(r.Context(), jti, agent.ID, kid, time.Now().Add(365*24*time.Hour)); err != nil {
			writeError(w, apperr.Wrap(apperr.KindInternal, "issue agent token", err))
			return
		}
		tok, err := token.IssueKeyed(kid, s.cfg.AgentKeys.Keys[kid], token.Claims{JTI: jti, UserID: agent.ID, ExpiresAt: time.Now().Add(365 * 24 * time.Hour)})
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindInternal, "sign agent token", err))
			return
		}
		resp.AgentToken = tok
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// --- POST /devices/{id}/revoke ---

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	principal := PrincipalFromContext(r.Context())

	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, classifyStoreErr(err))
		return
	}
	if principal != nil && !principal.IsAdmin && agent.OwnerUserID != principal.UserID {
		writeError(w, apperr.New(apperr.KindForbidden, "not the device owner"))
		return
	}

	if err := s.store.RevokeAgent(r.Context(), id); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "revoke device", err))
		return
	}
	if conn, ok := s.registry.Lookup(id); ok {
		_ = conn.Send(r.Context(), map[string]string{"type": "token.revoked"})
		_ = conn.Close(4401, "revoked")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- POST /tasks ---

type createTaskRequest struct {
	AgentID        string        `json:"agent_id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Actions        []wireAction  `json:"actions"`
	IdempotencyKey string        `json:"idempotency_key"`
}

type wireAction struct {
	ActionID string `json:"action_id"`
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
}

func toRiskActions(in []wireAction) []risk.Action {
	out := make([]risk.Action, 0, len(in))
	for _, a := range in {
		out = append(out, risk.Action{ActionID: a.ActionID, Type: a.Type, Command: a.Command, Path: a.Path, URL: a.URL})
	}
	return out
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "missing principal"))
		return
	}

	result := risk.Classify(toRiskActions(req.Actions))
	if risk.ShouldBlock(result.Level) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "blocked by risk policy",
			"level":   result.Level.String(),
			"reasons": result.Reasons,
		})
		return
	}

	status := store.TaskStatusQueued
	if risk.RequiresApproval(result.Level) {
		status = store.TaskStatusAwaitingConfirmation
	}

	actionsJSON, err := json.Marshal(req.Actions)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "encode actions", err))
		return
	}
	payload, err := json.Marshal(map[string]any{
		"actions": json.RawMessage(actionsJSON),
		"risk": map[string]any{
			"level":   result.Level.String(),
			"reasons": result.Reasons,
		},
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "encode payload", err))
		return
	}

	task, created, err := s.store.CreateTask(r.Context(), store.CreateParams{
		OwnerUserID:         principal.UserID,
		AgentID:             req.AgentID,
		Title:               req.Title,
		Description:         req.Description,
		Payload:             string(payload),
		RiskLevel:           store.RiskLevel(result.Level.String()),
		Status:              status,
		IdempotencyEndpoint: "POST /tasks",
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, classifyStoreErr(err))
		return
	}

	if task.Status == store.TaskStatusAwaitingConfirmation {
		s.subs.Notify(task.OwnerUserID, "approval_needed", map[string]string{"task_id": task.ID})
		s.webhooks.Dispatch(r.Context(), task.OwnerUserID, "approval_needed", task)
	}

	httpStatus := http.StatusOK
	if created {
		httpStatus = http.StatusCreated
	}
	writeJSON(w, httpStatus, task)
}

// --- GET /tasks/{id} ---

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, classifyStoreErr(err))
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal != nil && !principal.IsAdmin && task.OwnerUserID != principal.UserID {
		writeError(w, apperr.New(apperr.KindForbidden, "not the task owner"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- POST /approvals/{task_id}/approve | reject ---

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.gate.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.gate.Reject)
}

type approvalDecider func(ctx context.Context, taskID, callerUserID string, callerIsAdmin bool) error

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, decide approvalDecider) {
	taskID := r.PathValue("task_id")
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "missing principal"))
		return
	}
	if err := decide(r.Context(), taskID, principal.UserID, principal.IsAdmin); err != nil {
		switch err {
		case approval.ErrNotOwner:
			writeError(w, apperr.Wrap(apperr.KindForbidden, "not the task owner", err))
		case approval.ErrNotPending:
			writeError(w, apperr.Wrap(apperr.KindConflict, "task is not awaiting confirmation", err))
		default:
			writeError(w, classifyStoreErr(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- POST /artifacts/presign ---

type presignRequest struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

type presignResponse struct {
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresIn int               `json:"expires_in"`
}

// handlePresign describes the presign contract without performing a real
// object-store round trip: the control plane never proxies artifact
// bytes, it only hands the client a URL and headers to PUT them to
// directly.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskID == "" || req.Filename == "" {
		writeError(w, apperr.New(apperr.KindValidation, "task_id and filename are required"))
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{
		UploadURL: "https://artifacts.invalid/" + req.TaskID + "/" + req.Filename,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": "application/octet-stream"},
		ExpiresIn: 900,
	})
}

func classifyStoreErr(err error) error {
	if err == store.ErrConflict {
		return apperr.Wrap(apperr.KindConflict, "idempotency key reused with a different request body", err)
	}
	return apperr.Wrap(apperr.KindNotFound, "resource not found", err)
}
