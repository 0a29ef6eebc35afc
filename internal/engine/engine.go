package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/emdx-dev/emdx/internal/execlog"
	"github.com/emdx-dev/emdx/internal/storage"
)

// Engine composes the process supervisor, the record store and the output
// parser behind two entry points: ExecuteSync and ExecuteDetached.
// Construct one at program start and pass it into every caller.
type Engine struct {
	db  *storage.DB
	cfg *Config
	log *slog.Logger
}

// New builds an engine over an open database.
func New(db *storage.DB, cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, cfg: cfg, log: logger}
}

// DB exposes the record store for read-side callers.
func (e *Engine) DB() *storage.DB {
	return e.db
}

// Config exposes the engine configuration.
func (e *Engine) Config() *Config {
	return e.cfg
}

// ExecuteConfig describes one execution request.
type ExecuteConfig struct {
	DocID        *int64
	DocTitle     string
	Prompt       string
	Vars         map[string]string
	Save         *SaveOptions
	AllowedTools []string
	Timeout      time.Duration
	WorkingDir   string
	CascadeRunID *int64
	AgentID      *int64
	Model        string
}

// Result is the outcome of a synchronous execution.
type Result struct {
	Success     bool
	ExecutionID int64
	LogFile     string
	Output      string
	ExitCode    int
	DocID       *int64
	PRURL       string
	Tokens      execlog.TokenUsage
	Duration    time.Duration
}

// Detached is what a detached launch returns; the caller polls the record
// store or subscribes to the log stream for the outcome.
type Detached struct {
	ExecutionID int64
	LogFile     string
	PID         int
}

type prepared struct {
	executionID int64
	prompt      string
	logFile     string
	workingDir  string
	command     []string
	extraEnv    []string
}

// prepare runs the shared pre-flight: environment validation, prompt
// resolution, log path choice, record creation. Environment failures
// surface before any record exists.
func (e *Engine) prepare(cfg *ExecuteConfig) (*prepared, error) {
	if err := ValidateEnvironment(e.cfg); err != nil {
		return nil, err
	}
	prompt := BuildPrompt(cfg.Prompt, cfg.Vars, cfg.Save)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	now := time.Now()
	logFile := filepath.Join(e.cfg.LogsRoot,
		fmt.Sprintf("exec-%s-%s.log", now.UTC().Format("20060102-150405"), ulid.Make()))
	if err := os.MkdirAll(e.cfg.LogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create logs root: %w", err)
	}

	workingDir := cfg.WorkingDir
	if workingDir == "" {
		// Scratch dirs live under the system temp root and are never
		// deleted by the engine; cleanup is an operator concern.
		dir, err := os.MkdirTemp("", "emdx-exec-")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		workingDir = dir
	}

	executionID, err := e.db.CreateExecution(cfg.DocID, cfg.DocTitle, logFile, workingDir, cfg.CascadeRunID)
	if err != nil {
		return nil, err
	}

	command := e.buildCommand(prompt, cfg)
	extraEnv := []string{
		"EMDX_PROMPT_HASH=" + execlog.HashPrompt([]byte(prompt)),
	}
	if len(cfg.AllowedTools) > 0 {
		extraEnv = append(extraEnv, "EMDX_ALLOWED_TOOLS="+strings.Join(cfg.AllowedTools, ","))
	}

	return &prepared{
		executionID: executionID,
		prompt:      prompt,
		logFile:     logFile,
		workingDir:  workingDir,
		command:     command,
		extraEnv:    extraEnv,
	}, nil
}

// buildCommand maps the request onto the AI binary's CLI contract: prompt,
// allowed tools, stream-json output, model, verbose.
func (e *Engine) buildCommand(prompt string, cfg *ExecuteConfig) []string {
	args := []string{e.cfg.Executable, "-p", prompt, "--output-format", "stream-json", "--verbose"}
	model := cfg.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, " "))
	}
	return args
}

// ExecuteSync runs an execution in the caller's goroutine, blocking up to
// cfg.Timeout. Timeout marks the record failed with exit code -1.
func (e *Engine) ExecuteSync(ctx context.Context, cfg *ExecuteConfig) (*Result, error) {
	p, err := e.prepare(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout()
	}
	start := time.Now()

	spec := SpawnSpec{
		ExecutionID: p.executionID,
		LogFile:     p.logFile,
		WorkingDir:  p.workingDir,
		Command:     p.command,
		ExtraEnv:    p.extraEnv,
	}
	exitCode, timedOut, err := SpawnAndWait(ctx, spec, timeout, func(pid int) {
		if perr := e.db.SetExecutionPID(p.executionID, pid); perr != nil {
			e.log.Warn("record pid", "execution_id", p.executionID, "err", perr)
		}
	})
	duration := time.Since(start)
	if err != nil {
		e.failExecution(p.executionID, p.logFile, fmt.Sprintf("spawn failed: %v", err))
		return nil, err
	}
	if timedOut {
		e.failExecution(p.executionID, p.logFile, fmt.Sprintf("timed out after %s", timeout))
		e.recordAgentUse(cfg, false)
		return &Result{
			ExecutionID: p.executionID,
			LogFile:     p.logFile,
			ExitCode:    -1,
			Duration:    duration,
		}, nil
	}

	return e.finishSync(cfg, p, exitCode, duration)
}

func (e *Engine) finishSync(cfg *ExecuteConfig, p *prepared, exitCode int, duration time.Duration) (*Result, error) {
	terminal, _ := ReadTerminalResult(p.logFile)
	parsed := execlog.ParseLogFile(p.logFile)

	success := exitCode == 0 && (terminal == nil || !terminal.IsError)
	status := storage.StatusCompleted
	recordedExit := exitCode
	if terminal != nil && terminal.IsError {
		// The terminal JSON says the run failed even though the process
		// exited cleanly.
		status = storage.StatusFailed
		if recordedExit == 0 {
			recordedExit = 1
		}
	} else if exitCode != 0 {
		status = storage.StatusFailed
	}
	if err := e.db.SetExecutionStatus(p.executionID, status, &recordedExit); err != nil {
		return nil, err
	}
	e.recordAgentUse(cfg, success)

	output := ""
	if terminal != nil {
		output = terminal.Result
	}
	return &Result{
		Success:     success,
		ExecutionID: p.executionID,
		LogFile:     p.logFile,
		Output:      output,
		ExitCode:    recordedExit,
		DocID:       parsed.DocID,
		PRURL:       parsed.PRURL,
		Tokens:      parsed.Tokens,
		Duration:    duration,
	}, nil
}

// ExecuteDetached spawns and returns immediately.
func (e *Engine) ExecuteDetached(ctx context.Context, cfg *ExecuteConfig) (*Detached, error) {
	p, err := e.prepare(cfg)
	if err != nil {
		return nil, err
	}
	pid, err := SpawnDetached(SpawnSpec{
		ExecutionID: p.executionID,
		LogFile:     p.logFile,
		WorkingDir:  p.workingDir,
		Command:     p.command,
		ExtraEnv:    p.extraEnv,
	})
	if err != nil {
		e.failExecution(p.executionID, p.logFile, fmt.Sprintf("spawn failed: %v", err))
		return nil, err
	}
	if perr := e.db.SetExecutionPID(p.executionID, pid); perr != nil {
		e.log.Warn("record pid", "execution_id", p.executionID, "err", perr)
	}
	return &Detached{ExecutionID: p.executionID, LogFile: p.logFile, PID: pid}, nil
}

// failExecution marks a record failed with exit code -1 and leaves a log
// entry explaining why.
func (e *Engine) failExecution(executionID int64, logFile, reason string) {
	code := -1
	if err := e.db.SetExecutionStatus(executionID, storage.StatusFailed, &code); err != nil {
		e.log.Error("mark execution failed", "execution_id", executionID, "err", err)
	}
	appendEngineEntry(logFile, "error", reason, map[string]any{"execution_id": executionID})
}

func (e *Engine) recordAgentUse(cfg *ExecuteConfig, success bool) {
	if cfg.AgentID == nil {
		return
	}
	if err := e.db.RecordAgentUse(*cfg.AgentID, success); err != nil {
		e.log.Warn("record agent use", "agent_id", *cfg.AgentID, "err", err)
	}
}

// appendEngineEntry best-effort appends one structured entry from the
// engine side (as opposed to the wrapper side) of a log file.
func appendEngineEntry(logFile, level, message string, ctx map[string]any) {
	w, err := execlog.OpenWriter(logFile, execlog.ProcessInfo{
		Type: "engine",
		PID:  os.Getpid(),
		Name: "emdx",
	})
	if err != nil {
		return
	}
	defer func() { _ = w.Close() }()
	_ = w.Log(level, message, ctx)
}

// ReadTerminalResult scans a log file for the raw-result sentinel and
// decodes the terminal event. The last sentinel wins. Returns false when
// the log has no terminal marker yet.
func ReadTerminalResult(logFile string) (*StreamResult, bool) {
	f, err := os.Open(logFile)
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	var lastRaw string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		if raw, ok := strings.CutPrefix(sc.Text(), execlog.RawResultSentinel); ok {
			lastRaw = raw
		}
	}
	if lastRaw == "" {
		return nil, false
	}
	var ev StreamEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(lastRaw)), &ev); err != nil {
		return nil, false
	}
	return &StreamResult{
		Subtype: ev.Subtype,
		IsError: ev.IsError,
		Result:  ev.Result,
		RawJSON: []byte(strings.TrimSpace(lastRaw)),
	}, true
}
