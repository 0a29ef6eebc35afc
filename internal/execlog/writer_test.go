package execlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "exec.log")
	w, err := OpenWriter(path, ProcessInfo{Type: "wrapper", PID: 42, Name: "claude"})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, RawResultSentinel) {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not a valid entry: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestWriterAppendsOneEntryPerLine(t *testing.T) {
	w, path := newTestWriter(t)

	if err := w.Info("hello", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := w.Error("boom", nil); err != nil {
		t.Fatalf("error: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "info" || entries[0].Message != "hello" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Process.Type != "wrapper" || entries[0].Process.PID != 42 {
		t.Fatalf("unexpected process info: %+v", entries[0].Process)
	}
	if entries[0].Context["k"] != "v" {
		t.Fatalf("context lost: %+v", entries[0].Context)
	}
	if entries[1].Level != "error" || entries[1].Message != "boom" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestLifecycleMarkers(t *testing.T) {
	w, path := newTestWriter(t)

	hash := HashPrompt([]byte("do the thing"))
	if err := w.LifecycleStart(7, []string{"claude", "-p", "x"}, hash); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.LifecycleStop(7, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "process started" {
		t.Fatalf("unexpected start marker: %+v", entries[0])
	}
	if entries[0].Context["prompt_blake3"] != hash {
		t.Fatalf("prompt hash missing: %+v", entries[0].Context)
	}
	if entries[1].Message != "process exited" {
		t.Fatalf("unexpected stop marker: %+v", entries[1])
	}
	if code, ok := entries[1].Context["exit_code"].(float64); !ok || code != 0 {
		t.Fatalf("exit code missing: %+v", entries[1].Context)
	}
}

func TestRawResultSentinelPreservesBytes(t *testing.T) {
	w, path := newTestWriter(t)

	raw := `{"type":"result","is_error":false,"usage":{"input_tokens":10}}`
	if err := w.RawResult([]byte(raw)); err != nil {
		t.Fatalf("raw result: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := RawResultSentinel + raw + "\n"
	if string(b) != want {
		t.Fatalf("sentinel line mangled:\n got %q\nwant %q", b, want)
	}
}

func TestHashPromptIsStable(t *testing.T) {
	a := HashPrompt([]byte("same"))
	b := HashPrompt([]byte("same"))
	c := HashPrompt([]byte("different"))
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == c {
		t.Fatal("different prompts must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(a))
	}
}
