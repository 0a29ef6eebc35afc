package cascade

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/execlog"
	"github.com/emdx-dev/emdx/internal/storage"
)

func deadProcessPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_ = cmd.Wait()
	return pid
}

func writeResultLog(t *testing.T, resultJSON string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exec.log")
	if err := os.WriteFile(path, []byte(execlog.RawResultSentinel+resultJSON+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

// orphanedStage sets up a run whose first stage execution finished after
// its launching process (and with it the completion monitor) died.
func orphanedStage(t *testing.T, c *Cascade, db *storage.DB, resultJSON string) (docID, runID, execID int64) {
	t.Helper()
	res, err := c.Add(context.Background(), AddOptions{Title: "seed", Content: "raw idea"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	docID = res.DocID
	runID, err = db.CreateCascadeRun(docID, string(StageIdea), string(StageDone))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	logFile := writeResultLog(t, resultJSON)
	execID, err = db.CreateExecution(&docID, "seed", logFile, t.TempDir(), &runID)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := db.SetExecutionPID(execID, deadProcessPID(t)); err != nil {
		t.Fatalf("set pid: %v", err)
	}
	return docID, runID, execID
}

func recoveringReconciler(t *testing.T, c *Cascade, db *storage.DB) *engine.Reconciler {
	t.Helper()
	cfg, err := engine.LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	r := engine.NewReconciler(db, cfg, nil)
	r.OnRecovered(c.RecoverStage)
	return r
}

func TestRecoverStageFinishesOrphanedTransition(t *testing.T) {
	c, db := newTestCascade(t)
	docID, runID, execID := orphanedStage(t, c, db,
		`{"type":"result","subtype":"success","is_error":false,"result":"a refined prompt"}`)

	if err := recoveringReconciler(t, c, db).ReconcileOnce(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, err := db.GetExecution(execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if rec.Status != storage.StatusCompleted || *rec.ExitCode != 0 {
		t.Fatalf("successful detached execution recorded as %q exit %v", rec.Status, rec.ExitCode)
	}

	children, err := db.ListChildren(docID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}
	child := children[0]
	if child.Stage != string(StagePrompt) || child.Content != "a refined prompt" {
		t.Fatalf("child = stage %q content %q", child.Stage, child.Content)
	}
	parent, _ := db.GetDocument(docID)
	if parent.Stage != string(StageDone) {
		t.Fatalf("parent stage = %q, want done", parent.Stage)
	}

	run, err := db.GetCascadeRun(runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != storage.RunRunning {
		t.Fatalf("run status = %q, want running", run.Status)
	}
	if run.CurrentStage != string(StagePrompt) || run.CurrentDocID != child.ID {
		t.Fatalf("run cursor = (%s, #%d), want (prompt, #%d)", run.CurrentStage, run.CurrentDocID, child.ID)
	}
}

func TestRecoverStageMarksRunFailedOnErrorResult(t *testing.T) {
	c, db := newTestCascade(t)
	docID, runID, execID := orphanedStage(t, c, db,
		`{"type":"result","subtype":"error_max_turns","is_error":true,"result":"ran out of turns"}`)

	if err := recoveringReconciler(t, c, db).ReconcileOnce(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := db.GetExecution(execID)
	if rec.Status != storage.StatusFailed || *rec.ExitCode != 1 {
		t.Fatalf("error result recorded as %q exit %v", rec.Status, rec.ExitCode)
	}
	run, _ := db.GetCascadeRun(runID)
	if run.Status != storage.RunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "stage idea") {
		t.Fatalf("error message = %v", run.ErrorMessage)
	}
	children, _ := db.ListChildren(docID)
	if len(children) != 0 {
		t.Fatalf("failed stage created %d children", len(children))
	}
}

func TestRecoverStageSkipsAlreadyAppliedTransition(t *testing.T) {
	c, db := newTestCascade(t)
	docID, runID, execID := orphanedStage(t, c, db,
		`{"type":"result","subtype":"success","is_error":false,"result":"late output"}`)

	// A competing caller moved the document on before the sweep ran.
	if err := db.SetDocumentStage(docID, string(StagePrompt)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := recoveringReconciler(t, c, db).ReconcileOnce(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := db.GetExecution(execID)
	if rec.Status != storage.StatusCompleted {
		t.Fatalf("execution status = %q, want completed", rec.Status)
	}
	children, _ := db.ListChildren(docID)
	if len(children) != 0 {
		t.Fatalf("duplicate transition created %d children", len(children))
	}
	run, _ := db.GetCascadeRun(runID)
	if run.Status != storage.RunRunning {
		t.Fatalf("run status = %q, want running", run.Status)
	}
}
