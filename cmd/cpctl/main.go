// Command cpctl is the operator CLI: it runs the daemon's diagnostic
// checks and blocks on task completion without needing direct database
// access.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/doctor"
	"github.com/basket/ctlplane/internal/store"
)

var version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `cpctl - control plane operator CLI

Usage:
  %s doctor [-json]
  %s wait <task-id> [-timeout 60s]

Commands:
  doctor   run startup diagnostics against the configured database and bind address
  wait     block until a task reaches a terminal state, then print its result
`, os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "doctor":
		os.Exit(runDoctorCommand(ctx, os.Args[2:]))
	case "wait":
		os.Exit(runWaitCommand(ctx, os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("cpctl doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "OK  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}

func runWaitCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "wait: missing task id")
		return 2
	}
	taskID := args[0]
	timeout := 60 * time.Second
	for i := 1; i < len(args); i++ {
		if args[i] == "-timeout" && i+1 < len(args) {
			if d, err := time.ParseDuration(args[i+1]); err == nil {
				timeout = d
			}
			i++
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	// cpctl runs as a separate process from the daemon, so it has no
	// access to an in-process event bus to wait on; it polls the store
	// directly instead.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wait failed: %v\n", err)
			return 1
		}
		if isTerminal(task.Status) {
			fmt.Printf("task %s: %s (%dms)\n", task.ID, task.Status, time.Since(started).Milliseconds())
			if task.Error != "" {
				fmt.Printf("error: %s\n", task.Error)
			}
			if task.Status != store.TaskStatusCompleted {
				return 1
			}
			return 0
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "wait failed: timeout waiting for task %s\n", taskID)
			return 1
		case <-ticker.C:
		}
	}
}

func isTerminal(status store.TaskStatus) bool {
	switch status {
	case store.TaskStatusCompleted, store.TaskStatusFailed, store.TaskStatusCancelled:
		return true
	}
	return false
}
