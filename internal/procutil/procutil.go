// Package procutil probes and signals operating-system processes by pid.
// The execution engine records pids of detached children; the reconciler
// uses these probes to tell a live child from a stale record.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Alive reports whether pid names a live process. A defunct process still
// answers the signal-0 probe, so the kernel state is checked first; EPERM
// means the process exists under another uid and counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if Defunct(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Defunct reports whether the kernel holds pid in the zombie (Z) or dead
// (X) state, read from /proc/<pid>/stat where procfs exists and from
// `ps -o state=` otherwise.
func Defunct(pid int) bool {
	if !procfsAvailable() {
		return defunctFromPS(pid)
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// comm is parenthesized and may itself contain spaces or parens; the
	// state byte sits two past the last closing paren.
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

// Kill sends sig to pid. ESRCH is not an error: the process already exited.
func Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// KillGroup sends sig to pid's whole process group. Detached children run
// as session leaders, so their pgid matches their pid and this reaps any
// grandchildren the wrapper spawned.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func procfsAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

func defunctFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	return state != "" && (state[0] == 'Z' || state[0] == 'X')
}
