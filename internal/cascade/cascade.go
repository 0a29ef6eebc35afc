package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/execlog"
	"github.com/emdx-dev/emdx/internal/storage"
)

// Cascade drives the stage machine over the document store, spawning one
// execution per stage transition.
type Cascade struct {
	db  *storage.DB
	eng *engine.Engine
	log *slog.Logger
}

// New builds a cascade over an engine.
func New(eng *engine.Engine, logger *slog.Logger) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{db: eng.DB(), eng: eng, log: logger}
}

// AddOptions configure Add.
type AddOptions struct {
	Title      string
	Content    string
	Project    string
	StartStage Stage
	StopStage  Stage
	Auto       bool
	Sync       bool
}

// AddResult reports what Add created.
type AddResult struct {
	DocID int64
	RunID *int64
}

// Add creates the initial document. With Auto it also creates a cascade
// run; with Auto+Sync it drives the run in the caller's goroutine until
// the stop stage or the first failure, otherwise it spawns only the first
// stage detached and returns.
func (c *Cascade) Add(ctx context.Context, opts AddOptions) (*AddResult, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return nil, fmt.Errorf("content is empty")
	}
	stage := opts.StartStage
	if stage == "" {
		stage = StageIdea
	}
	if stage == StageDone {
		return nil, fmt.Errorf("cannot add a document at the terminal stage")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = defaultTitle(opts.Content)
	}
	var project *string
	if strings.TrimSpace(opts.Project) != "" {
		project = &opts.Project
	}
	docID, err := c.db.CreateDocument(title, opts.Content, project, nil, string(stage))
	if err != nil {
		return nil, err
	}
	res := &AddResult{DocID: docID}
	if !opts.Auto {
		return res, nil
	}

	stop := opts.StopStage
	if stop == "" {
		stop = StageDone
	}
	runID, err := c.db.CreateCascadeRun(docID, string(stage), string(stop))
	if err != nil {
		return nil, err
	}
	res.RunID = &runID

	if opts.Sync {
		if err := c.driveRun(ctx, runID); err != nil {
			return res, err
		}
		return res, nil
	}
	// Detached auto mode spawns only the first stage; later stages are
	// advanced manually or by another caller.
	if _, err := c.Process(ctx, stage, &docID, false, &runID); err != nil {
		return res, err
	}
	return res, nil
}

// driveRun processes stages serially in the caller's goroutine until the
// run's stop stage or the first failure.
func (c *Cascade) driveRun(ctx context.Context, runID int64) error {
	for {
		run, err := c.db.GetCascadeRun(runID)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return nil
		}
		stage := Stage(run.CurrentStage)
		if stage == Stage(run.StopStage) || stage == StageDone {
			return c.db.CompleteCascadeRun(runID, storage.RunCompleted, "")
		}
		docID := run.CurrentDocID
		pr, err := c.Process(ctx, stage, &docID, true, &runID)
		if err != nil {
			return err
		}
		if pr == nil || !pr.Success {
			return nil // run already marked failed
		}
	}
}

// ProcessResult reports one stage transition.
type ProcessResult struct {
	ExecutionID int64
	DocID       int64
	ChildDocID  *int64
	Stage       Stage
	NextStage   Stage
	Success     bool
	Detached    bool
	PID         int
	LogFile     string
	Error       string
}

// Process runs one stage transition for an explicit document (which must
// be at the stage) or, when docID is nil, the oldest document at the
// stage. Returns nil when there is nothing to process.
func (c *Cascade) Process(ctx context.Context, stage Stage, docID *int64, sync bool, runID *int64) (*ProcessResult, error) {
	next, ok := Next(stage)
	if !ok {
		return nil, fmt.Errorf("stage %q is terminal", stage)
	}

	doc, err := c.selectDocument(stage, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	prompt, err := PromptFor(stage, doc.Content)
	if err != nil {
		return nil, err
	}
	execCfg := &engine.ExecuteConfig{
		DocID:        &doc.ID,
		DocTitle:     doc.Title,
		Prompt:       prompt,
		Timeout:      TimeoutFor(stage, c.eng.Config()),
		CascadeRunID: runID,
	}

	if runID != nil {
		if err := c.db.AdvanceCascadeRun(*runID, string(stage), doc.ID); err != nil {
			return nil, err
		}
	}

	if sync {
		return c.processSync(ctx, stage, next, doc, execCfg, runID)
	}
	return c.processDetached(ctx, stage, next, doc, execCfg, runID)
}

func (c *Cascade) processSync(ctx context.Context, stage, next Stage, doc *storage.Document, execCfg *engine.ExecuteConfig, runID *int64) (*ProcessResult, error) {
	res, err := c.eng.ExecuteSync(ctx, execCfg)
	if err != nil {
		c.failRun(runID, fmt.Sprintf("stage %s: %v", stage, err))
		return nil, err
	}
	pr := &ProcessResult{
		ExecutionID: res.ExecutionID,
		DocID:       doc.ID,
		Stage:       stage,
		NextStage:   next,
		LogFile:     res.LogFile,
	}
	if !res.Success {
		reason := fmt.Sprintf("stage %s failed (exit code %d)", stage, res.ExitCode)
		if res.ExitCode == -1 {
			reason = fmt.Sprintf("stage %s timed out", stage)
		}
		pr.Error = reason
		c.failRun(runID, reason)
		return pr, nil
	}
	childID, err := c.completeStage(stage, next, doc, res.Output, res.PRURL, runID)
	if err != nil {
		return nil, err
	}
	pr.Success = true
	pr.ChildDocID = childID
	return pr, nil
}

func (c *Cascade) processDetached(ctx context.Context, stage, next Stage, doc *storage.Document, execCfg *engine.ExecuteConfig, runID *int64) (*ProcessResult, error) {
	det, err := c.eng.ExecuteDetached(ctx, execCfg)
	if err != nil {
		c.failRun(runID, fmt.Sprintf("stage %s: %v", stage, err))
		return nil, err
	}
	// Completion monitor: owns the state transition for this invocation.
	go c.monitorStage(context.WithoutCancel(ctx), stage, next, doc, det, execCfg.Timeout, runID)
	return &ProcessResult{
		ExecutionID: det.ExecutionID,
		DocID:       doc.ID,
		Stage:       stage,
		NextStage:   next,
		Detached:    true,
		PID:         det.PID,
		LogFile:     det.LogFile,
	}, nil
}

// monitorStage waits out a detached stage execution and performs the same
// child-creation / advance logic as the sync path. Background task: it
// logs and returns on store errors rather than crashing anything.
func (c *Cascade) monitorStage(ctx context.Context, stage, next Stage, doc *storage.Document, det *engine.Detached, timeout time.Duration, runID *int64) {
	outcome, err := c.eng.WatchExecution(ctx, det.ExecutionID, timeout)
	if err != nil {
		c.log.Warn("stage monitor", "execution_id", det.ExecutionID, "stage", stage, "err", err)
		c.failRun(runID, fmt.Sprintf("stage %s: monitor error: %v", stage, err))
		return
	}
	if !outcome.Success {
		c.failRun(runID, fmt.Sprintf("stage %s: %s", stage, outcome.Reason))
		return
	}
	parsed := execlog.ParseLogFile(det.LogFile)
	if _, err := c.completeStage(stage, next, doc, outcome.Result, parsed.PRURL, runID); err != nil {
		c.log.Warn("complete stage", "execution_id", det.ExecutionID, "stage", stage, "err", err)
		c.failRun(runID, fmt.Sprintf("stage %s: %v", stage, err))
	}
}

// RecoverStage finishes the stage transition for an execution whose
// completion monitor died with the process that launched it. The reconciler
// has already recorded the execution's outcome from the log; this applies
// the cascade side of it. Installed on the reconciler as its completion
// hook.
func (c *Cascade) RecoverStage(rec *storage.Execution, terminal *engine.StreamResult) {
	if rec.CascadeRunID == nil {
		return
	}
	runID := rec.CascadeRunID
	run, err := c.db.GetCascadeRun(*runID)
	if err != nil {
		c.log.Warn("recover stage", "run_id", *runID, "err", err)
		return
	}
	if run.Terminal() {
		return
	}
	stage := Stage(run.CurrentStage)
	next, ok := Next(stage)
	if !ok {
		return
	}
	if terminal.IsError {
		c.failRun(runID, fmt.Sprintf("stage %s: %s", stage, terminal.Result))
		return
	}
	if rec.DocID == nil || run.CurrentDocID != *rec.DocID {
		return
	}
	doc, err := c.db.GetDocument(*rec.DocID)
	if err != nil {
		c.log.Warn("recover stage", "run_id", *runID, "err", err)
		return
	}
	if doc.Stage != string(stage) {
		// Another caller already applied the transition.
		return
	}
	parsed := execlog.ParseLogFile(rec.LogFile)
	if _, err := c.completeStage(stage, next, doc, terminal.Result, parsed.PRURL, runID); err != nil {
		c.log.Warn("recover stage", "run_id", *runID, "err", err)
		c.failRun(runID, fmt.Sprintf("stage %s: %v", stage, err))
	}
}

// completeStage applies the success transition: non-empty output becomes a
// child document at the next stage and the parent is marked done; empty
// output advances the parent itself. The planned transition also stamps
// any extracted PR URL on parent, child and run.
func (c *Cascade) completeStage(stage, next Stage, doc *storage.Document, output, prURL string, runID *int64) (*int64, error) {
	if strings.TrimSpace(output) == "" {
		if err := c.db.SetDocumentStage(doc.ID, string(next)); err != nil {
			return nil, err
		}
		return c.afterAdvance(next, doc.ID, runID)
	}

	title := fmt.Sprintf("%s [%s→%s]", doc.Title, stage, next)
	childID, err := c.db.CreateDocument(title, output, doc.Project, &doc.ID, string(next))
	if err != nil {
		return nil, err
	}
	if stage == StagePlanned && prURL != "" {
		if err := c.db.SetDocumentPRURL(doc.ID, prURL); err != nil {
			return nil, err
		}
		if err := c.db.SetDocumentPRURL(childID, prURL); err != nil {
			return nil, err
		}
		if runID != nil {
			if err := c.db.SetCascadeRunPRURL(*runID, prURL); err != nil {
				return nil, err
			}
		}
	}
	// The parent spawned a child that carries the work forward.
	if err := c.db.SetDocumentStage(doc.ID, string(StageDone)); err != nil {
		return nil, err
	}
	id, err := c.afterAdvance(next, childID, runID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		id = &childID
	}
	return id, nil
}

// afterAdvance moves the run cursor and completes the run when the work
// reached its stop stage.
func (c *Cascade) afterAdvance(next Stage, currentDocID int64, runID *int64) (*int64, error) {
	if runID == nil {
		return &currentDocID, nil
	}
	if err := c.db.AdvanceCascadeRun(*runID, string(next), currentDocID); err != nil {
		return nil, err
	}
	run, err := c.db.GetCascadeRun(*runID)
	if err != nil {
		return nil, err
	}
	if next == Stage(run.StopStage) || next == StageDone {
		if err := c.db.CompleteCascadeRun(*runID, storage.RunCompleted, ""); err != nil {
			return nil, err
		}
	}
	return &currentDocID, nil
}

// Preview is what Process would run, resolved without side effects.
type Preview struct {
	DocID     int64
	Title     string
	Stage     Stage
	NextStage Stage
	Prompt    string
}

// DryRun resolves the document Process would pick and renders its stage
// prompt. No record is created and nothing is spawned. Returns nil when
// there is nothing at the stage.
func (c *Cascade) DryRun(stage Stage, docID *int64) (*Preview, error) {
	next, ok := Next(stage)
	if !ok {
		return nil, fmt.Errorf("stage %q is terminal", stage)
	}
	doc, err := c.selectDocument(stage, docID)
	if err != nil || doc == nil {
		return nil, err
	}
	prompt, err := PromptFor(stage, doc.Content)
	if err != nil {
		return nil, err
	}
	return &Preview{
		DocID:     doc.ID,
		Title:     doc.Title,
		Stage:     stage,
		NextStage: next,
		Prompt:    prompt,
	}, nil
}

// selectDocument resolves the target of Process: an explicit id that must
// sit at the stage, or the oldest document queued there.
func (c *Cascade) selectDocument(stage Stage, docID *int64) (*storage.Document, error) {
	if docID != nil {
		doc, err := c.db.GetDocument(*docID)
		if err != nil {
			return nil, err
		}
		if doc.IsDeleted {
			return nil, fmt.Errorf("document %d is deleted", doc.ID)
		}
		if doc.Stage != string(stage) {
			return nil, fmt.Errorf("document %d is at stage %q, not %q", doc.ID, doc.Stage, stage)
		}
		return doc, nil
	}
	docs, err := c.db.ListDocumentsAtStage(string(stage), 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *Cascade) failRun(runID *int64, msg string) {
	if runID == nil {
		return
	}
	if err := c.db.CompleteCascadeRun(*runID, storage.RunFailed, msg); err != nil {
		c.log.Warn("fail cascade run", "run_id", *runID, "err", err)
	}
}

// Advance moves a document to the next stage (or an explicit later stage)
// without spawning an execution. A document already at done is a no-op;
// a target at or before the current stage is refused.
func (c *Cascade) Advance(docID int64, to *Stage) (bool, error) {
	doc, err := c.db.GetDocument(docID)
	if err != nil {
		return false, err
	}
	cur := Stage(doc.Stage)
	if doc.Stage == "" {
		return false, fmt.Errorf("document %d is not in the cascade", docID)
	}
	if cur == StageDone {
		return false, nil
	}
	target, ok := Next(cur)
	if !ok {
		return false, fmt.Errorf("cannot advance past %s", StageDone)
	}
	if to != nil {
		if !Before(cur, *to) {
			return false, fmt.Errorf("cannot advance document %d from %s to %s", docID, cur, *to)
		}
		target = *to
	}
	if err := c.db.SetDocumentStage(docID, string(target)); err != nil {
		return false, err
	}
	return true, nil
}

// Remove takes a document out of the cascade without deleting it.
func (c *Cascade) Remove(docID int64) error {
	doc, err := c.db.GetDocument(docID)
	if err != nil {
		return err
	}
	if doc.Stage == "" {
		return fmt.Errorf("document %d is not in the cascade", docID)
	}
	return c.db.SetDocumentStage(docID, "")
}

// StageCount is one row of the status summary.
type StageCount struct {
	Stage Stage
	Count int
	Docs  []*storage.Document
}

// Status returns the queue at every stage, oldest first within a stage.
func (c *Cascade) Status() ([]StageCount, error) {
	out := make([]StageCount, 0, len(Stages))
	for _, s := range Stages {
		docs, err := c.db.ListDocumentsAtStage(string(s), 0)
		if err != nil {
			return nil, err
		}
		out = append(out, StageCount{Stage: s, Count: len(docs), Docs: docs})
	}
	return out, nil
}

func defaultTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimLeft(line, "# ")
	const maxTitle = 80
	if len(line) > maxTitle {
		line = strings.TrimSpace(line[:maxTitle]) + "…"
	}
	if line == "" {
		line = "untitled"
	}
	return line
}
