package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/ctlplane/internal/policy"
	"github.com/basket/ctlplane/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "ctlplane.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatch_DeliversSignedPayloadToSubscribedHook(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := openTestStore(t)
	u, _ := s.CreateUser(ctx, "owner@example.com", "hashed", false)
	if _, err := s.CreateWebhook(ctx, u.ID, srv.URL, "task.completed", "sekret"); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	pol := policy.NewLivePolicy(policy.Policy{AllowLoopback: true})
	d := New(s, pol, nil)

	done := make(chan struct{})
	go func() {
		d.Dispatch(ctx, u.ID, "task.completed", map[string]string{"task_id": "t1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return promptly (should not block on delivery)")
	}

	deadline := time.After(2 * time.Second)
	for gotSig == "" {
		select {
		case <-deadline:
			t.Fatal("webhook was never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(gotSig) < 8 || gotSig[:7] != "sha256=" {
		t.Fatalf("signature header = %q, want sha256=...", gotSig)
	}
	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode delivered body: %v, body=%s", err, gotBody)
	}
	if decoded["event"] != "task.completed" {
		t.Fatalf("event = %v, want task.completed", decoded["event"])
	}
}

func TestDispatch_BlockedBySSRFPolicyNeverCallsOut(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := openTestStore(t)
	u, _ := s.CreateUser(ctx, "owner@example.com", "hashed", false)
	if _, err := s.CreateWebhook(ctx, u.ID, srv.URL, "task.completed", "sekret"); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	// Default policy has AllowLoopback=false, so a 127.0.0.1 httptest URL
	// is blocked by the SSRF guard before any POST is attempted.
	pol := policy.NewLivePolicy(policy.Default())
	d := New(s, pol, nil)
	d.Dispatch(ctx, u.ID, "task.completed", map[string]string{"task_id": "t1"})

	time.Sleep(100 * time.Millisecond)
	if called.Load() {
		t.Fatal("expected SSRF-blocked webhook URL to never be called")
	}
}
