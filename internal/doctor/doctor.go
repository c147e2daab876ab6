// Package doctor implements the diagnostic checks behind cpctl's doctor
// subcommand: config sanity, database reachability, queue/DLQ depth, and
// presence/registry liveness, without requiring the operator to query the
// database directly.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against a running (or about-to-run)
// control plane configuration. It opens its own connection to the database
// at cfg.DatabasePath rather than sharing the daemon's *store.Store, so it
// can run standalone while the daemon is up or down.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabasePath,
		checkQueueDepth,
		checkAgents,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.DatabasePath == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "database_path not set"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded, database_path=%s", cfg.DatabasePath)}
}

func checkDatabasePath(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DatabasePath == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	dir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("database directory unwritable: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "database directory writable"}
}

func openDoctorStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DatabasePath, nil)
}

func checkQueueDepth(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DatabasePath == "" {
		return CheckResult{Name: "Queue Depth", Status: "SKIP", Message: "config missing"}
	}
	st, err := openDoctorStore(cfg)
	if err != nil {
		return CheckResult{Name: "Queue Depth", Status: "FAIL", Message: fmt.Sprintf("open store: %v", err)}
	}
	defer st.Close()

	depth, err := st.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Queue Depth", Status: "FAIL", Message: fmt.Sprintf("query queue depth: %v", err)}
	}
	status := "PASS"
	if depth > 100 {
		status = "WARN"
	}
	return CheckResult{Name: "Queue Depth", Status: status, Message: fmt.Sprintf("%d task(s) queued", depth)}
}

func checkAgents(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DatabasePath == "" {
		return CheckResult{Name: "Agents", Status: "SKIP", Message: "config missing"}
	}
	st, err := openDoctorStore(cfg)
	if err != nil {
		return CheckResult{Name: "Agents", Status: "FAIL", Message: fmt.Sprintf("open store: %v", err)}
	}
	defer st.Close()

	ttl := time.Duration(cfg.ApprovalTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	expired, err := st.ListExpiredApprovals(ctx, ttl)
	if err != nil {
		return CheckResult{Name: "Agents", Status: "FAIL", Message: fmt.Sprintf("query approvals: %v", err)}
	}
	if len(expired) > 0 {
		return CheckResult{
			Name:    "Agents",
			Status:  "WARN",
			Message: fmt.Sprintf("%d task(s) past approval TTL awaiting sweep", len(expired)),
		}
	}
	return CheckResult{Name: "Agents", Status: "PASS", Message: "no stale approvals"}
}

func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "bind_addr not set"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		host = cfg.BindAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("listening on all interfaces (%s)", cfg.BindAddr)}
	}
	if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
		return CheckResult{Name: "Bind Address", Status: "WARN", Message: fmt.Sprintf("could not resolve bind host %s: %v", host, err)}
	}
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("bind host %s resolves", host)}
}
