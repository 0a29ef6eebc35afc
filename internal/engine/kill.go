package engine

import (
	"fmt"
	"syscall"
	"time"

	"github.com/emdx-dev/emdx/internal/procutil"
)

// KillExecution terminates a running execution's process group: SIGTERM,
// the configured grace window, then SIGKILL, and marks the record failed.
// Killing an already-terminal execution is an error so the caller can
// report it.
func (e *Engine) KillExecution(executionID int64) error {
	rec, err := e.db.GetExecution(executionID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return fmt.Errorf("execution %d already %s", executionID, rec.Status)
	}
	if rec.PID == nil {
		// No process to signal; just close out the record.
		e.failExecution(executionID, rec.LogFile, "killed before spawn completed")
		return nil
	}
	pid := int(*rec.PID)

	if err := procutil.KillGroup(pid, syscall.SIGTERM); err != nil {
		e.log.Debug("sigterm process group", "pid", pid, "err", err)
	}
	deadline := time.Now().Add(time.Duration(e.cfg.SpawnGraceSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if !procutil.Alive(pid) || procutil.Defunct(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if procutil.Alive(pid) && !procutil.Defunct(pid) {
		_ = procutil.KillGroup(pid, syscall.SIGKILL)
	}

	e.failExecution(executionID, rec.LogFile, fmt.Sprintf("killed by user (pid %d)", pid))
	return nil
}
