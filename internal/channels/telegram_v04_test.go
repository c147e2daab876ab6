package channels

import "testing"

func TestEscapeMarkdownV2(t *testing.T) {
	cases := map[string]string{
		"plain text":  "plain text",
		"risk: high!": "risk: high\\!",
		"agent.1":     "agent\\.1",
		"[approved]":  "\\[approved\\]",
		"a-b_c*d":     "a\\-b\\_c\\*d",
	}
	for in, want := range cases {
		if got := escapeMarkdownV2(in); got != want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseApprovalCallback(t *testing.T) {
	taskID, action, err := parseApprovalCallback("approval:task-123:approve")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskID != "task-123" || action != "approve" {
		t.Fatalf("got taskID=%q action=%q, want task-123/approve", taskID, action)
	}
}

func TestParseApprovalCallback_Reject(t *testing.T) {
	taskID, action, err := parseApprovalCallback("approval:task-456:reject")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskID != "task-456" || action != "reject" {
		t.Fatalf("got taskID=%q action=%q, want task-456/reject", taskID, action)
	}
}

func TestParseApprovalCallback_WrongPrefix(t *testing.T) {
	if _, _, err := parseApprovalCallback("hitl:task-1:approve"); err == nil {
		t.Fatal("expected error for non-approval callback data")
	}
}

func TestParseApprovalCallback_Malformed(t *testing.T) {
	cases := []string{"approval:", "approval:task-1", "approval::approve", ""}
	for _, in := range cases {
		if _, _, err := parseApprovalCallback(in); err == nil {
			t.Errorf("parseApprovalCallback(%q): expected error, got none", in)
		}
	}
}
