// Parses the external AI binary's stream-json NDJSON output and folds it
// into structured execution-log entries.
package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/emdx-dev/emdx/internal/execlog"
)

// StreamEvent is a single NDJSON line from the subprocess. Only the fields
// the orchestrator recognizes are decoded; unknown types pass through as
// verbatim info lines.
type StreamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// tool_use
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// tool_result
	Tool   string `json:"tool,omitempty"`
	Result string `json:"result,omitempty"`

	// error
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`

	// result (terminal)
	Subtype      string               `json:"subtype,omitempty"`
	IsError      bool                 `json:"is_error,omitempty"`
	Usage        *execlog.TokenUsage  `json:"usage,omitempty"`
	TotalCostUSD float64              `json:"total_cost_usd,omitempty"`
}

// ParseStreamLine decodes one NDJSON line. Returns nil for blank lines and
// an error for non-JSON content (which callers log verbatim).
func ParseStreamLine(line []byte) (*StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// toolResultTruncateAt caps recorded tool output.
const toolResultTruncateAt = 1000

// StreamResult is the terminal result event captured by ProcessStream.
type StreamResult struct {
	Subtype string
	IsError bool
	Result  string
	RawJSON []byte
}

// ProcessStream reads stream-json lines from r and writes one structured
// log entry per event. The terminal result event additionally produces the
// raw-result sentinel line and stops processing once r drains. allowedTools
// holds doublestar patterns; a tool_use outside the allowlist is recorded
// with a warning entry but does not terminate anything.
func ProcessStream(r io.Reader, w *execlog.Writer, allowedTools []string) (*StreamResult, error) {
	var terminal *StreamResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := ParseStreamLine(line)
		if err != nil {
			// Any non-JSON line is logged verbatim as info.
			_ = w.Info(string(line), nil)
			continue
		}
		if ev == nil {
			continue
		}
		if res := logStreamEvent(w, ev, line, allowedTools); res != nil {
			terminal = res
		}
	}
	return terminal, sc.Err()
}

func logStreamEvent(w *execlog.Writer, ev *StreamEvent, raw []byte, allowedTools []string) *StreamResult {
	switch ev.Type {
	case "content":
		_ = w.Info(ev.Content, nil)
	case "tool_use":
		ctx := map[string]any{"tool": ev.Name}
		if len(ev.Parameters) > 0 {
			ctx["parameters"] = ev.Parameters
		}
		if len(allowedTools) > 0 && !ToolAllowed(ev.Name, allowedTools) {
			ctx["allowed"] = false
			_ = w.Log("warning", "tool use outside allowlist: "+ev.Name, ctx)
			return nil
		}
		_ = w.Info("tool use: "+ev.Name, ctx)
	case "tool_result":
		result := ev.Result
		truncated := false
		if len(result) > toolResultTruncateAt {
			result = result[:toolResultTruncateAt]
			truncated = true
		}
		ctx := map[string]any{"tool": ev.Tool, "result": result}
		if truncated {
			ctx["truncated"] = true
		}
		_ = w.Info("tool result: "+ev.Tool, ctx)
	case "error":
		msg := "subprocess error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		// An error event does not by itself terminate the execution.
		_ = w.Error(msg, nil)
	case "result":
		_ = w.Info("result: "+ev.Subtype, map[string]any{
			"subtype":  ev.Subtype,
			"is_error": ev.IsError,
		})
		_ = w.RawResult(bytes.TrimSpace(raw))
		return &StreamResult{
			Subtype: ev.Subtype,
			IsError: ev.IsError,
			Result:  ev.Result,
			RawJSON: append([]byte(nil), bytes.TrimSpace(raw)...),
		}
	default:
		_ = w.Info(string(raw), nil)
	}
	return nil
}

// ToolAllowed reports whether tool matches any allowlist pattern. Patterns
// are doublestar globs, so "Bash(git:*)" style entries and plain names both
// work.
func ToolAllowed(tool string, patterns []string) bool {
	tool = strings.TrimSpace(tool)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, err := doublestar.Match(p, tool); err == nil && ok {
			return true
		}
		if p == tool {
			return true
		}
	}
	return false
}
