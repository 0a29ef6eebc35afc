package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/emdx-dev/emdx/internal/execlog"
)

// RunWrapper is the body of `emdx exec-wrapper <execution-id> <log-file>
// -- <cmd> [args…]`. It writes the lifecycle start entry, runs the real
// command with stdout and stderr merged into the structured log, and on
// exit writes the stop entry with the exit code. Because the wrapper is
// the child's direct parent, the log gets its terminal marker even if the
// launching process is killed.
//
// The returned value is the wrapper's own exit code (the child's, or 1
// when the wrapper itself failed before the child ran).
func RunWrapper(executionID int64, logFile string, command []string) int {
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "exec-wrapper: empty command")
		return 1
	}
	w, err := execlog.OpenWriter(logFile, execlog.ProcessInfo{
		Type: "wrapper",
		PID:  os.Getpid(),
		Name: filepath.Base(command[0]),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "exec-wrapper: %v\n", err)
		return 1
	}
	defer func() { _ = w.Close() }()

	promptHash := strings.TrimSpace(os.Getenv("EMDX_PROMPT_HASH"))
	var allowedTools []string
	if raw := strings.TrimSpace(os.Getenv("EMDX_ALLOWED_TOOLS")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				allowedTools = append(allowedTools, t)
			}
		}
	}

	_ = w.LifecycleStart(executionID, command, promptHash)

	exitCode, err := runChild(w, command, allowedTools)
	if err != nil {
		_ = w.Error(fmt.Sprintf("wrapper: %v", err), nil)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	_ = w.LifecycleStop(executionID, exitCode)
	return exitCode
}

// runChild starts the real command with stdin from the null device and a
// single pipe carrying stdout and stderr, and folds the stream-json lines
// into log entries as they arrive.
func runChild(w *execlog.Writer, command []string, allowedTools []string) (int, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return 1, fmt.Errorf("pipe: %w", err)
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return 1, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = devNull
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return 1, fmt.Errorf("start %s: %w", command[0], err)
	}
	// The child holds its own end; close ours so the reader sees EOF when
	// the child exits.
	_ = pw.Close()

	streamDone := make(chan error, 1)
	go func() {
		_, serr := ProcessStream(pr, w, allowedTools)
		streamDone <- serr
	}()

	waitErr := cmd.Wait()
	if serr := <-streamDone; serr != nil {
		_ = w.Error(fmt.Sprintf("stream read: %v", serr), nil)
	}
	_ = pr.Close()

	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	if waitErr != nil {
		return 1, waitErr
	}
	return 0, nil
}
