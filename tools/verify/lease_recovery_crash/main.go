package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/ctlplane/internal/store"
)

const ownerUserID = "lease-crash-owner"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	st, err := store.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch *mode {
	case "prepare":
		task, _, err := st.CreateTask(ctx, store.CreateParams{
			OwnerUserID: ownerUserID,
			AgentID:     "lease-crash-agent",
			Title:       "lease-crash",
			Payload:     `{"content":"lease-crash"}`,
			RiskLevel:   "low",
			Status:      store.TaskStatusQueued,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		tasks, err := st.ListTasksByOwner(ctx, ownerUserID, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		task := tasks[0]
		if err := st.MarkAssigned(ctx, task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "mark assigned: %v\n", err)
			os.Exit(1)
		}
		if err := st.MarkInProgress(ctx, task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "mark in progress: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recoveredIDs, err := st.RecoverInFlightTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover in-flight tasks: %v\n", err)
			os.Exit(1)
		}
		tasks, err := st.ListTasksByOwner(ctx, ownerUserID, 100)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks by owner: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", len(recoveredIDs))
		pass := true
		for _, task := range tasks {
			fmt.Printf("TASK_STATUS id=%s status=%s\n", task.ID, task.Status)
			if task.Status == store.TaskStatusInProgress || task.Status == store.TaskStatusAssigned {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — tasks still in assigned/in_progress state after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
