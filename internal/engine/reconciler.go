package engine

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/emdx-dev/emdx/internal/procutil"
	"github.com/emdx-dev/emdx/internal/storage"
)

// Reconciler periodically sweeps records marked running whose process no
// longer exists and records them as failed. It also enforces a ceiling on
// how long any record may stay running, as a backstop behind the per-call
// timeouts owned by the sync waiter and the completion monitors.
type Reconciler struct {
	db       *storage.DB
	log      *slog.Logger
	interval time.Duration
	grace    time.Duration
	// maxAge is the backstop timeout applied to every running record.
	maxAge time.Duration

	onRecovered CompletionHook
}

// CompletionHook receives executions whose outcome the reconciler recovered
// from the log's terminal marker after the launching process died. Cascade
// callers install it to finish the stage transition the dead monitor never
// applied.
type CompletionHook func(rec *storage.Execution, terminal *StreamResult)

// NewReconciler builds a reconciler from the engine config.
func NewReconciler(db *storage.DB, cfg *Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:       db,
		log:      logger,
		interval: cfg.ReconcilerInterval(),
		grace:    time.Duration(cfg.SpawnGraceSeconds) * time.Second,
		maxAge:   cfg.ImplementationTimeout() + cfg.ReconcilerInterval(),
	}
}

// OnRecovered installs the hook invoked after a dead execution's outcome
// has been recovered from its log.
func (r *Reconciler) OnRecovered(hook CompletionHook) {
	r.onRecovered = hook
}

// Run ticks until ctx is cancelled. Store errors are logged and retried on
// the next tick; the loop never crashes the process.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(); err != nil {
				r.log.Warn("reconciler tick", "err", err)
			}
		}
	}
}

// ReconcileOnce sweeps all running records. Idempotent: terminal records
// are never revisited and the terminal transition itself is guarded by the
// store's single-writer update.
func (r *Reconciler) ReconcileOnce() error {
	running, err := r.db.ListRunningExecutions()
	if err != nil {
		return err
	}
	for _, rec := range running {
		r.reconcile(rec)
	}
	return nil
}

func (r *Reconciler) reconcile(rec *storage.Execution) {
	age := time.Since(rec.StartedAt)

	if rec.PID == nil {
		// Spawn may be in flight; the spawn path marks its own failures.
		if age > r.grace {
			r.log.Debug("running record without pid past grace window",
				"execution_id", rec.ID, "age", age)
		}
		return
	}

	if rec.IsZombie() {
		// The wrapper writes the terminal marker itself, so a finished
		// execution survives the death of whoever launched it. A dead pid
		// alone does not mean the work was lost.
		if terminal, ok := ReadTerminalResult(rec.LogFile); ok {
			r.recover(rec, terminal)
			return
		}
		r.fail(rec, "reaping stale execution: process no longer exists")
		return
	}

	if age > r.maxAge {
		_ = procutil.KillGroup(int(*rec.PID), syscall.SIGKILL)
		r.fail(rec, "killed: exceeded maximum execution time")
	}
}

// recover records the outcome a dead execution left behind in its log and
// hands it to the completion hook.
func (r *Reconciler) recover(rec *storage.Execution, terminal *StreamResult) {
	status, code := storage.StatusCompleted, 0
	if terminal.IsError {
		status, code = storage.StatusFailed, 1
	}
	if err := r.db.SetExecutionStatus(rec.ID, status, &code); err != nil {
		r.log.Warn("recover execution outcome", "execution_id", rec.ID, "err", err)
		return
	}
	appendEngineEntry(rec.LogFile, "info", "recovered outcome from terminal marker",
		map[string]any{"execution_id": rec.ID, "status": status})
	r.log.Info("recovered outcome from log", "execution_id", rec.ID, "status", status)
	if r.onRecovered != nil {
		r.onRecovered(rec, terminal)
		return
	}
	if rec.CascadeRunID != nil {
		r.log.Warn("cascade run left mid-stage by a dead monitor",
			"run_id", *rec.CascadeRunID, "execution_id", rec.ID)
	}
}

func (r *Reconciler) fail(rec *storage.Execution, reason string) {
	code := -1
	if err := r.db.SetExecutionStatus(rec.ID, storage.StatusFailed, &code); err != nil {
		r.log.Warn("reconcile execution", "execution_id", rec.ID, "err", err)
		return
	}
	appendEngineEntry(rec.LogFile, "error", reason, map[string]any{"execution_id": rec.ID})
	r.log.Info("reconciled zombie execution", "execution_id", rec.ID, "pid", *rec.PID)
}
