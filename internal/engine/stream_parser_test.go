package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emdx-dev/emdx/internal/execlog"
)

func TestParseStreamLine(t *testing.T) {
	ev, err := ParseStreamLine([]byte(`{"type":"content","content":"thinking..."}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Type != "content" || ev.Content != "thinking..." {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if ev, err := ParseStreamLine([]byte("   \n")); err != nil || ev != nil {
		t.Fatalf("blank line should yield nil, nil; got %+v, %v", ev, err)
	}

	if _, err := ParseStreamLine([]byte("plain text from the binary")); err == nil {
		t.Fatal("non-JSON must return an error for verbatim handling")
	}
}

func processFixture(t *testing.T, input string, allowed []string) (*StreamResult, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "exec.log")
	w, err := execlog.OpenWriter(logPath, execlog.ProcessInfo{Type: "wrapper", PID: 1, Name: "claude"})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	res, err := ProcessStream(strings.NewReader(input), w, allowed)
	if err != nil {
		t.Fatalf("process stream: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return res, string(b)
}

func TestProcessStreamTerminalResult(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"content","content":"working"}`,
		`{"type":"tool_use","name":"Read","parameters":{"path":"main.go"}}`,
		`{"type":"tool_result","tool":"Read","result":"package main"}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"Saved as #12"}`,
	}, "\n") + "\n"

	res, logContent := processFixture(t, input, nil)
	if res == nil {
		t.Fatal("terminal result not captured")
	}
	if res.IsError || res.Subtype != "success" || res.Result != "Saved as #12" {
		t.Fatalf("unexpected terminal result: %+v", res)
	}
	if !strings.Contains(logContent, execlog.RawResultSentinel) {
		t.Fatal("sentinel line missing from log")
	}
	if !strings.Contains(logContent, "working") {
		t.Fatal("content event missing from log")
	}
	if !strings.Contains(logContent, "tool use: Read") {
		t.Fatal("tool use entry missing from log")
	}
}

func TestProcessStreamVerbatimNonJSON(t *testing.T) {
	_, logContent := processFixture(t, "warning: something from stderr\n", nil)
	found := false
	sc := bufio.NewScanner(strings.NewReader(logContent))
	for sc.Scan() {
		var e execlog.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("log line not structured: %q", sc.Text())
		}
		if e.Message == "warning: something from stderr" {
			found = true
		}
	}
	if !found {
		t.Fatal("verbatim line not recorded")
	}
}

func TestProcessStreamTruncatesToolResults(t *testing.T) {
	big := strings.Repeat("x", toolResultTruncateAt+500)
	input := `{"type":"tool_result","tool":"Bash","result":"` + big + `"}` + "\n"
	_, logContent := processFixture(t, input, nil)
	if strings.Contains(logContent, big) {
		t.Fatal("tool result not truncated")
	}
	if !strings.Contains(logContent, `"truncated":true`) {
		t.Fatal("truncation not flagged")
	}
}

func TestProcessStreamAllowlistWarning(t *testing.T) {
	input := `{"type":"tool_use","name":"Bash","parameters":{}}` + "\n"
	_, logContent := processFixture(t, input, []string{"Read", "Grep"})
	if !strings.Contains(logContent, "tool use outside allowlist: Bash") {
		t.Fatal("allowlist violation not recorded")
	}
	if !strings.Contains(logContent, `"allowed":false`) {
		t.Fatal("allowed=false context missing")
	}
}

func TestToolAllowed(t *testing.T) {
	patterns := []string{"Read", "Bash(git:*)", "mcp__*"}
	cases := []struct {
		tool string
		want bool
	}{
		{"Read", true},
		{"Bash(git:status)", true},
		{"Bash(rm:-rf)", false},
		{"mcp__search", true},
		{"Write", false},
	}
	for _, tc := range cases {
		if got := ToolAllowed(tc.tool, patterns); got != tc.want {
			t.Fatalf("ToolAllowed(%q) = %t, want %t", tc.tool, got, tc.want)
		}
	}
}

func TestToolAllowedEmptyPatterns(t *testing.T) {
	if ToolAllowed("Anything", nil) {
		t.Fatal("empty allowlist must not match")
	}
}
