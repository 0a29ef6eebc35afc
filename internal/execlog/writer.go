// Package execlog owns per-execution log files: the NDJSON entry format the
// wrapper and engine write, the output parser that recovers results from a
// finished log, and the tail-follow stream that feeds live viewers.
package execlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// RawResultSentinel prefixes the one line that preserves the exact result
// JSON (usage and cost figures) for the output parser.
const RawResultSentinel = "__RAW_RESULT_JSON__:"

// ProcessInfo identifies the writer of a log entry.
type ProcessInfo struct {
	Type string `json:"type"`
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Entry is one log line. Timestamp is RFC3339 UTC.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Process   ProcessInfo    `json:"process"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Writer appends NDJSON entries to a log file. One writer per process;
// opened in append mode so the wrapper and a reaping reconciler can both
// leave entries without clobbering each other.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	proc ProcessInfo
}

// OpenWriter opens (creating parent directories as needed) the log file in
// append mode.
func OpenWriter(path string, proc ProcessInfo) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Writer{f: f, path: path, proc: proc}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Log appends one entry. Errors are returned but callers on background
// paths generally ignore them; a full disk must not crash a monitor loop.
func (w *Writer) Log(level, message string, context map[string]any) error {
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Process:   w.proc,
		Message:   message,
		Context:   context,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Info appends an info-level entry.
func (w *Writer) Info(message string, context map[string]any) error {
	return w.Log("info", message, context)
}

// Error appends an error-level entry.
func (w *Writer) Error(message string, context map[string]any) error {
	return w.Log("error", message, context)
}

// RawResult writes the sentinel line preserving the terminal result JSON
// byte-for-byte.
func (w *Writer) RawResult(resultJSON []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(RawResultSentinel + string(resultJSON) + "\n"); err != nil {
		return err
	}
	return nil
}

// LifecycleStart writes the process-lifecycle start marker. The prompt hash
// ties the log to the exact prompt bytes without embedding them.
func (w *Writer) LifecycleStart(executionID int64, command []string, promptHash string) error {
	ctx := map[string]any{
		"execution_id": executionID,
		"command":      command,
	}
	if promptHash != "" {
		ctx["prompt_blake3"] = promptHash
	}
	return w.Log("info", "process started", ctx)
}

// LifecycleStop writes the unambiguous terminal marker with the exit code.
// It is written by the wrapper, so it appears even if the launching caller
// was killed.
func (w *Writer) LifecycleStop(executionID int64, exitCode int) error {
	return w.Log("info", "process exited", map[string]any{
		"execution_id": executionID,
		"exit_code":    exitCode,
	})
}

// HashPrompt returns the hex blake3 digest of prompt bytes.
func HashPrompt(prompt []byte) string {
	sum := blake3.Sum256(prompt)
	return hex.EncodeToString(sum[:])
}
