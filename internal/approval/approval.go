// Package approval implements C9: the gate holding high/critical tasks in
// awaiting_confirmation until the owner (or an admin) decides, with a
// periodic sweep that auto-cancels anything left undecided past a
// configurable TTL.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/store"
)

// ErrNotOwner is returned when a non-owner, non-admin caller attempts to
// approve or reject a task.
var ErrNotOwner = errors.New("approval: caller is not the task owner or an admin")

// ErrNotPending is returned when the task is not currently
// awaiting_confirmation (already decided, or never required approval).
var ErrNotPending = errors.New("approval: task is not awaiting confirmation")

const defaultSweepInterval = 10 * time.Minute

// Gate is C9. It holds no state of its own: every decision re-reads the
// task from the store and applies C4's guarded transitions, so Approve/
// Reject/expiry racing each other always resolve to exactly one winner.
type Gate struct {
	store          *store.Store
	subs           *notify.Subscribers
	bus            *notify.Bus
	logger         *slog.Logger
	ttl            time.Duration
	sweepInterval  time.Duration
}

func New(st *store.Store, subs *notify.Subscribers, bus *notify.Bus, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, subs: subs, bus: bus, logger: logger, ttl: ttl, sweepInterval: defaultSweepInterval}
}

// Approve moves a pending task to queued and republishes task.created
// down the same path an ordinary router-accepted task follows.
func (g *Gate) Approve(ctx context.Context, taskID, callerUserID string, callerIsAdmin bool) error {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !callerIsAdmin && task.OwnerUserID != callerUserID {
		return ErrNotOwner
	}
	if task.Status != store.TaskStatusAwaitingConfirmation {
		return ErrNotPending
	}

	ok, err := g.store.MarkQueued(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	if g.subs != nil {
		g.subs.Notify(task.OwnerUserID, notify.NotifyApproved, map[string]string{"task_id": taskID})
	}
	return nil
}

// Reject moves a pending task to cancelled.
func (g *Gate) Reject(ctx context.Context, taskID, callerUserID string, callerIsAdmin bool) error {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !callerIsAdmin && task.OwnerUserID != callerUserID {
		return ErrNotOwner
	}
	if task.Status != store.TaskStatusAwaitingConfirmation {
		return ErrNotPending
	}

	ok, err := g.store.Cancel(ctx, taskID, "task.rejected")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	if g.subs != nil {
		g.subs.Notify(task.OwnerUserID, notify.NotifyRejected, map[string]string{"task_id": taskID})
	}
	return nil
}

// StartSweep launches the periodic expiry sweep, grounded on the same
// ticker-under-lock shape as the presence store's stale-connection
// eviction: wake on an interval, scan for tasks stuck past the TTL,
// auto-cancel them one at a time.
func (g *Gate) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweepOnce(ctx)
			}
		}
	}()
}

func (g *Gate) sweepOnce(ctx context.Context) {
	expired, err := g.store.ListExpiredApprovals(ctx, g.ttl)
	if err != nil {
		g.logger.Error("approval_sweep_list_failed", slog.Any("error", err))
		return
	}
	for _, task := range expired {
		ok, err := g.store.Cancel(ctx, task.ID, "task.auto_cancelled")
		if err != nil {
			g.logger.Error("approval_sweep_cancel_failed", slog.String("task_id", task.ID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		g.logger.Info("approval_auto_cancelled", slog.String("task_id", task.ID), slog.Duration("ttl", g.ttl))
		if g.subs != nil {
			g.subs.Notify(task.OwnerUserID, notify.NotifyAutoCancelled, map[string]string{"task_id": task.ID})
		}
	}
}
