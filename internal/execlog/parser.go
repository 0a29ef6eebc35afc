package execlog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// TokenUsage is the usage block recovered from the raw-result sentinel.
type TokenUsage struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	TotalCostUSD             float64 `json:"total_cost_usd"`
}

// Total is the sum of all token counters.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// ParseResult is what the output parser recovers from a log file. Absent
// values stay at their zero value; DocID nil means no save was reported.
type ParseResult struct {
	DocID  *int64
	PRURL  string
	Tokens TokenUsage
}

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

	// Tolerant doc-id shapes: "Saved as #42", "Document ID: 42", "doc ID 42".
	docIDRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)saved\s+as\s+#?(\d+)`),
		regexp.MustCompile(`(?i)document\s+id:?\s*#?(\d+)`),
		regexp.MustCompile(`(?i)\bdoc\s+id:?\s*#?(\d+)`),
	}

	// A pull-request URL, with or without a PR_URL: marker or markdown
	// link wrapping.
	prURLRe = regexp.MustCompile(`https://[^\s<>()\[\]]+/pull/\d+`)
)

// ParseLogFile extracts the final output doc id, PR URL and token usage
// from a log file. Failure is never raised upward: any I/O or decode error
// yields empty results and a debug log line.
func ParseLogFile(path string) ParseResult {
	f, err := os.Open(path)
	if err != nil {
		slog.Debug("output parser: open log", "path", path, "err", err)
		return ParseResult{}
	}
	defer func() { _ = f.Close() }()

	var res ParseResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if raw, ok := strings.CutPrefix(line, RawResultSentinel); ok {
			if usage, ok := parseRawResult(raw); ok {
				res.Tokens = usage
			}
			continue
		}
		scanLine(cleanLine(line), &res)
	}
	if err := sc.Err(); err != nil {
		slog.Debug("output parser: scan log", "path", path, "err", err)
	}
	return res
}

// cleanLine strips ANSI escapes and, when the line is a structured log
// entry, reduces it to its message text.
func cleanLine(line string) string {
	line = ansiRe.ReplaceAllString(line, "")
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return line
	}
	var entry struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil || entry.Message == "" {
		return line
	}
	return entry.Message
}

// scanLine applies the tolerant patterns; within the file the last match
// wins, encoding that the final save is the canonical output.
func scanLine(line string, res *ParseResult) {
	for _, re := range docIDRes {
		ms := re.FindAllStringSubmatch(line, -1)
		if len(ms) == 0 {
			continue
		}
		if id, err := strconv.ParseInt(ms[len(ms)-1][1], 10, 64); err == nil {
			res.DocID = &id
		}
	}
	if urls := prURLRe.FindAllString(line, -1); len(urls) > 0 {
		res.PRURL = strings.TrimRight(urls[len(urls)-1], ".,;:!?")
	}
}

// parseRawResult reads the sentinel JSON. Usage fields may sit at the top
// level or under a nested "usage" object; cost is top level.
func parseRawResult(raw string) (TokenUsage, bool) {
	var top struct {
		TokenUsage
		Usage *TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &top); err != nil {
		slog.Debug("output parser: decode raw result", "err", err)
		return TokenUsage{}, false
	}
	usage := top.TokenUsage
	if top.Usage != nil {
		u := *top.Usage
		if u.TotalCostUSD == 0 {
			u.TotalCostUSD = top.TotalCostUSD
		}
		usage = u
	}
	return usage, true
}
