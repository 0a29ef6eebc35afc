package engine

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/emdx-dev/emdx/internal/procutil"
	"github.com/emdx-dev/emdx/internal/storage"
)

// MonitorOutcome is what a completion monitor observed about a detached
// execution.
type MonitorOutcome struct {
	ExecutionID int64
	// Success means a terminal result line arrived with is_error false.
	Success bool
	// Result is the terminal event's textual result, empty on failure.
	Result string
	// Reason describes the failure for run bookkeeping.
	Reason string
}

// WatchExecution polls a detached execution's log for the terminal result
// line, reconciles process death and enforces the stage timeout. It blocks
// until the execution reaches a terminal state and returns what it saw;
// run it in its own goroutine. Re-invoking it on an already-terminal
// record is a no-op that reports the recorded status.
func (e *Engine) WatchExecution(ctx context.Context, executionID int64, timeout time.Duration) (*MonitorOutcome, error) {
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout()
	}
	rec, err := e.db.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	// Anchored at started_at, not at attach time: a monitor re-attached to
	// an old execution must not extend the stage deadline.
	deadline := rec.StartedAt.Add(timeout)
	ticker := time.NewTicker(e.cfg.MonitorPoll())
	defer ticker.Stop()

	for {
		outcome, done, err := e.pollExecution(executionID, deadline)
		if err != nil {
			return nil, err
		}
		if done {
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) pollExecution(executionID int64, deadline time.Time) (*MonitorOutcome, bool, error) {
	rec, err := e.db.GetExecution(executionID)
	if err != nil {
		return nil, false, err
	}
	if rec.Terminal() {
		// Someone else (reconciler, a second monitor) already owned the
		// transition; report what the record says.
		outcome := &MonitorOutcome{ExecutionID: executionID}
		if rec.Status == storage.StatusCompleted {
			outcome.Success = true
			if terminal, ok := ReadTerminalResult(rec.LogFile); ok {
				outcome.Result = terminal.Result
			}
		} else {
			outcome.Reason = "execution failed"
		}
		return outcome, true, nil
	}

	if terminal, ok := ReadTerminalResult(rec.LogFile); ok {
		if terminal.IsError {
			code := 1
			if err := e.db.SetExecutionStatus(executionID, storage.StatusFailed, &code); err != nil {
				return nil, false, err
			}
			return &MonitorOutcome{
				ExecutionID: executionID,
				Reason:      "subprocess reported error: " + terminal.Result,
			}, true, nil
		}
		code := 0
		if err := e.db.SetExecutionStatus(executionID, storage.StatusCompleted, &code); err != nil {
			return nil, false, err
		}
		return &MonitorOutcome{
			ExecutionID: executionID,
			Success:     true,
			Result:      terminal.Result,
		}, true, nil
	}

	if time.Now().After(deadline) {
		if rec.PID != nil {
			_ = procutil.KillGroup(int(*rec.PID), syscall.SIGKILL)
		}
		e.failExecution(executionID, rec.LogFile, fmt.Sprintf("timed out after %s", time.Since(rec.StartedAt).Round(time.Second)))
		return &MonitorOutcome{
			ExecutionID: executionID,
			Reason:      "timed out",
		}, true, nil
	}

	// Process death without a terminal line is a zombie; reconcile it
	// here rather than waiting for the background sweep.
	if rec.IsZombie() {
		e.failExecution(executionID, rec.LogFile, "process exited without a terminal result")
		return &MonitorOutcome{
			ExecutionID: executionID,
			Reason:      "process exited without a terminal result",
		}, true, nil
	}

	e.log.Debug("monitor heartbeat", "execution_id", executionID,
		"elapsed", time.Since(rec.StartedAt).Round(time.Second))
	return nil, false, nil
}
