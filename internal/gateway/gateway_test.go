package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/ctlplane/internal/approval"
	"github.com/basket/ctlplane/internal/assigner"
	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/gateway"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/policy"
	"github.com/basket/ctlplane/internal/presence"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/token"
	"github.com/basket/ctlplane/internal/webhook"
)

const testAccessSecret = "access-secret"

func newTestServer(t *testing.T) (*gateway.Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	bus := notify.New()
	st, err := store.Open(filepath.Join(dir, "ctlplane.db"), bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	pres := presence.New(nil)
	signer := envelope.NewSigner(envelope.KeySet{ActiveKid: "k1", Keys: map[string]string{"k1": "agent-secret"}})
	subs := notify.NewSubscribers()
	gate := approval.New(st, subs, bus, 0, nil)
	pol := policy.NewLivePolicy(policy.Default())
	wh := webhook.New(st, pol, nil)
	asg := assigner.New(st, pres, reg, signer, bus, nil)

	cfg := config.Config{
		Auth: config.AuthConfig{
			Enabled:       true,
			AccessSecret:  testAccessSecret,
			RefreshSecret: "refresh-secret",
		},
		AgentKeys: config.AgentKeySet{ActiveKid: "k1", Keys: map[string]string{"k1": "agent-secret"}},
	}

	srv := gateway.NewServer(cfg, gateway.Deps{
		Store: st, Registry: reg, Presence: pres, Signer: signer,
		Bus: bus, Subs: subs, Gate: gate, Assigner: asg, Webhooks: wh, Policy: pol,
	})
	return srv, st
}

func mustHashPassword(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(h)
}

func TestLogin_ValidCredentialsIssueTokens(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()

	hash := mustHashPassword(t, "correct horse")
	if _, err := st.CreateUser(ctx, "alice@example.com", hash, false); err != nil {
		t.Fatalf("create user: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "correct horse"})
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["access_token"] == "" || resp["refresh_token"] == "" {
		t.Fatalf("expected tokens in response: %+v", resp)
	}
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	hash := mustHashPassword(t, "correct horse")
	if _, err := st.CreateUser(ctx, "bob@example.com", hash, false); err != nil {
		t.Fatalf("create user: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"email": "bob@example.com", "password": "wrong"})
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLogin_LockedAfterRepeatedFailures(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	hash := mustHashPassword(t, "correct horse")
	u, err := st.CreateUser(ctx, "carol@example.com", hash, false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"email": "carol@example.com", "password": "wrong"})
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}

	fresh, err := st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fresh.LockedUntil == nil {
		t.Fatalf("expected account locked after %d failures", 5)
	}

	goodBody, _ := json.Marshal(map[string]string{"email": "carol@example.com", "password": "correct horse"})
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(goodBody))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 while locked even with correct password, got %d", rec.Code)
	}
}

func TestCreateTask_LowRiskQueuedImmediately(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	user, err := st.CreateUser(ctx, "dana@example.com", mustHashPassword(t, "pw"), false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	accessTok := issueAccessToken(t, srv, st, user.ID)

	body, _ := json.Marshal(map[string]any{
		"agent_id": "agent-1",
		"title":    "list files",
		"actions": []map[string]string{
			{"action_id": "a1", "type": "network_request", "url": "https://example.com"},
		},
	})
	req := httptest.NewRequest("POST", "/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+accessTok)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
}

func TestCreateTask_HighRiskAwaitsConfirmation(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	user, err := st.CreateUser(ctx, "erin@example.com", mustHashPassword(t, "pw"), false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	accessTok := issueAccessToken(t, srv, st, user.ID)

	body, _ := json.Marshal(map[string]any{
		"agent_id": "agent-1",
		"title":    "run script",
		"actions": []map[string]string{
			{"action_id": "a1", "type": "shell", "command": "echo hi"},
		},
	})
	req := httptest.NewRequest("POST", "/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+accessTok)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != store.TaskStatusAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", task.Status)
	}
}

func TestCreateTask_CriticalRiskBlocked(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	user, err := st.CreateUser(ctx, "finn@example.com", mustHashPassword(t, "pw"), false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	accessTok := issueAccessToken(t, srv, st, user.ID)

	body, _ := json.Marshal(map[string]any{
		"agent_id": "agent-1",
		"title":    "wipe disk",
		"actions": []map[string]string{
			{"action_id": "a1", "type": "shell", "command": "rm -rf /"},
		},
	})
	req := httptest.NewRequest("POST", "/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+accessTok)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApproveTask_OwnerApprovesPendingTask(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := t.Context()
	user, err := st.CreateUser(ctx, "gabe@example.com", mustHashPassword(t, "pw"), false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	accessTok := issueAccessToken(t, srv, st, user.ID)

	task, _, err := st.CreateTask(ctx, store.CreateParams{
		OwnerUserID: user.ID, AgentID: "agent-1", Title: "t", Payload: "{}",
		RiskLevel: store.RiskHigh, Status: store.TaskStatusAwaitingConfirmation,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest("POST", "/approvals/"+task.ID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+accessTok)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusQueued {
		t.Fatalf("expected queued after approve, got %s", got.Status)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// issueAccessToken mints a session access token the same way /auth/login
// does, without needing to drive the login handler (callers here only
// need an authenticated principal, not to exercise login itself).
func issueAccessToken(t *testing.T, srv *gateway.Server, st *store.Store, userID string) string {
	t.Helper()
	_ = srv
	jti := uuid.NewString()
	exp := time.Now().Add(time.Hour)
	if err := st.IssueAccessToken(t.Context(), jti, userID, exp); err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	tok, err := token.Issue(testAccessSecret, token.Claims{JTI: jti, UserID: userID, ExpiresAt: exp})
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	return tok
}
