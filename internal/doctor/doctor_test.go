package doctor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/ctlplane/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_MissingDatabasePath(t *testing.T) {
	result := checkConfig(context.Background(), &config.Config{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing database_path, got %s", result.Status)
	}
}

func TestCheckConfig_Valid(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "ctlplane.db")}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDatabasePath_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := &config.Config{DatabasePath: filepath.Join(dir, "ctlplane.db")}
	result := checkDatabasePath(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckQueueDepth_EmptyDatabase(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "ctlplane.db")}
	result := checkQueueDepth(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for empty queue, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAgents_NilConfig(t *testing.T) {
	result := checkAgents(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckAgents_NoStaleApprovals(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "ctlplane.db"), ApprovalTTLMinutes: 60}
	result := checkAgents(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckBindAddr_AllInterfaces(t *testing.T) {
	cfg := &config.Config{BindAddr: "0.0.0.0:8080"}
	result := checkBindAddr(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckBindAddr_Empty(t *testing.T) {
	result := checkBindAddr(context.Background(), &config.Config{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for empty bind_addr, got %s", result.Status)
	}
}

func TestRun_ReportsAllChecks(t *testing.T) {
	cfg := &config.Config{
		DatabasePath:       filepath.Join(t.TempDir(), "ctlplane.db"),
		BindAddr:           "0.0.0.0:8080",
		ApprovalTTLMinutes: 60,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := Run(ctx, cfg, "test")
	if len(d.Results) != 5 {
		t.Fatalf("expected 5 check results, got %d", len(d.Results))
	}
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			t.Errorf("check %s failed: %s", r.Name, r.Message)
		}
	}
}
