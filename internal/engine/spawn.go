package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/emdx-dev/emdx/internal/procutil"
)

// SpawnSpec describes one wrapper launch. The real command is always run
// through `emdx exec-wrapper`, which owns the lifecycle start/stop markers
// in the log file.
type SpawnSpec struct {
	ExecutionID int64
	LogFile     string
	WorkingDir  string
	Command     []string
	// ExtraEnv entries are appended to the inherited environment.
	ExtraEnv []string
}

// wrapperCommand builds the `emdx exec-wrapper <id> <log> -- cmd...`
// invocation around the real command.
func wrapperCommand(spec SpawnSpec) (*exec.Cmd, *os.File, error) {
	self, err := selfExecutable()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve own executable: %w", err)
	}
	args := []string{"exec-wrapper", fmt.Sprint(spec.ExecutionID), spec.LogFile, "--"}
	args = append(args, spec.Command...)
	cmd := exec.Command(self, args...)
	cmd.Dir = spec.WorkingDir

	// The wrapper writes structured entries itself; its own stdio goes to
	// the same log so a wrapper panic is not lost.
	logFile, err := os.OpenFile(spec.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		_ = logFile.Close()
		return nil, nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	// Unbuffered-output hint for the child; inherited descriptors other
	// than the stdio trio are closed by os/exec.
	env := append([]string(nil), os.Environ()...)
	env = append(env, "PYTHONUNBUFFERED=1", "NO_COLOR=1")
	env = append(env, spec.ExtraEnv...)
	cmd.Env = env
	return cmd, devNull, nil
}

// SpawnDetached launches the wrapper as the leader of a new session,
// decoupled from the caller's terminal and process group, and returns its
// pid without waiting. The caller observes the outcome through the record
// store or the log stream.
func SpawnDetached(spec SpawnSpec) (int, error) {
	cmd, devNull, err := wrapperCommand(spec)
	if err != nil {
		return 0, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		closeSpawnFiles(cmd, devNull)
		return 0, fmt.Errorf("spawn wrapper: %w", err)
	}
	pid := cmd.Process.Pid
	closeSpawnFiles(cmd, devNull)
	// Reap the wrapper if we outlive it; otherwise init adopts it.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// SpawnAndWait launches the wrapper as a process-group leader in the
// caller's session and waits up to timeout. On deadline the whole group is
// killed. Returns the exit code and whether the deadline fired.
func SpawnAndWait(ctx context.Context, spec SpawnSpec, timeout time.Duration, onStarted func(pid int)) (int, bool, error) {
	cmd, devNull, err := wrapperCommand(spec)
	if err != nil {
		return -1, false, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		closeSpawnFiles(cmd, devNull)
		return -1, false, fmt.Errorf("spawn wrapper: %w", err)
	}
	pid := cmd.Process.Pid
	closeSpawnFiles(cmd, devNull)
	if onStarted != nil {
		onStarted(pid)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case waitErr := <-waitCh:
		return exitCodeFrom(cmd, waitErr), false, nil
	case <-deadline:
		killGroupHard(pid, waitCh)
		return -1, true, nil
	case <-ctx.Done():
		killGroupHard(pid, waitCh)
		return -1, false, ctx.Err()
	}
}

// killGroupHard sends SIGTERM, grants a short grace, then SIGKILLs the
// group and waits for the child to be reaped.
func killGroupHard(pid int, waitCh <-chan error) {
	_ = procutil.KillGroup(pid, syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(2 * time.Second):
	}
	_ = procutil.KillGroup(pid, syscall.SIGKILL)
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
	}
}

func exitCodeFrom(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// closeSpawnFiles releases the parent's copies of the child's stdio; the
// child holds its own descriptors.
func closeSpawnFiles(cmd *exec.Cmd, devNull *os.File) {
	if f, ok := cmd.Stdout.(*os.File); ok {
		_ = f.Close()
	}
	_ = devNull.Close()
}
