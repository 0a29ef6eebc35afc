package cascade

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/storage"
)

func newTestCascade(t *testing.T) (*Cascade, *storage.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cfg := &engine.Config{
		DatabasePath: db.Path(),
		LogsRoot:     filepath.Join(dir, "logs"),
	}
	return New(engine.New(db, cfg, nil), nil), db
}

func TestAddCreatesDocumentAtIdea(t *testing.T) {
	c, db := newTestCascade(t)

	res, err := c.Add(context.Background(), AddOptions{Content: "build a cache layer\nwith details"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, err := db.GetDocument(res.DocID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Stage != string(StageIdea) {
		t.Fatalf("stage = %q", doc.Stage)
	}
	if doc.Title != "build a cache layer" {
		t.Fatalf("default title = %q", doc.Title)
	}
	if res.RunID != nil {
		t.Fatal("run created without --auto")
	}
}

func TestAddRefusesEmptyContentAndDoneStage(t *testing.T) {
	c, _ := newTestCascade(t)

	if _, err := c.Add(context.Background(), AddOptions{Content: "   "}); err == nil {
		t.Fatal("empty content accepted")
	}
	if _, err := c.Add(context.Background(), AddOptions{Content: "x", StartStage: StageDone}); err == nil {
		t.Fatal("done start stage accepted")
	}
}

func TestAdvance(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "x"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	advanced, err := c.Advance(res.DocID, nil)
	if err != nil || !advanced {
		t.Fatalf("advance: %t, %v", advanced, err)
	}
	doc, _ := db.GetDocument(res.DocID)
	if doc.Stage != string(StagePrompt) {
		t.Fatalf("stage = %q", doc.Stage)
	}

	// Explicit jump forward.
	to := StageDone
	advanced, err = c.Advance(res.DocID, &to)
	if err != nil || !advanced {
		t.Fatalf("advance to done: %t, %v", advanced, err)
	}

	// At done, advancing is a no-op, not an error.
	advanced, err = c.Advance(res.DocID, nil)
	if err != nil {
		t.Fatalf("advance at done: %v", err)
	}
	if advanced {
		t.Fatal("advanced past done")
	}
}

func TestAdvanceRefusesBackwardTarget(t *testing.T) {
	c, _ := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "x", StartStage: StageAnalyzed})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	to := StageIdea
	if _, err := c.Advance(res.DocID, &to); err == nil {
		t.Fatal("backward advance accepted")
	}
	to = StageAnalyzed
	if _, err := c.Advance(res.DocID, &to); err == nil {
		t.Fatal("same-stage advance accepted")
	}
}

func TestRemove(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "x"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := c.Remove(res.DocID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	doc, _ := db.GetDocument(res.DocID)
	if doc.Stage != "" {
		t.Fatalf("stage = %q, want empty", doc.Stage)
	}
	if err := c.Remove(res.DocID); err == nil {
		t.Fatal("removing an uncascaded document accepted")
	}
}

func TestCompleteStageCreatesChild(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "raw idea", Title: "Cache layer"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, _ := db.GetDocument(res.DocID)

	childID, err := c.completeStage(StageIdea, StagePrompt, doc, "the refined prompt", "", nil)
	if err != nil {
		t.Fatalf("complete stage: %v", err)
	}
	if childID == nil {
		t.Fatal("no child id returned")
	}

	parent, _ := db.GetDocument(res.DocID)
	if parent.Stage != string(StageDone) {
		t.Fatalf("parent stage = %q, want done", parent.Stage)
	}
	child, err := db.GetDocument(*childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Stage != string(StagePrompt) {
		t.Fatalf("child stage = %q", child.Stage)
	}
	if child.Content != "the refined prompt" {
		t.Fatalf("child content = %q", child.Content)
	}
	if child.ParentID == nil || *child.ParentID != res.DocID {
		t.Fatalf("child parent = %v", child.ParentID)
	}
	if !strings.Contains(child.Title, "Cache layer") {
		t.Fatalf("child title = %q", child.Title)
	}
}

func TestCompleteStageEmptyOutputAdvancesInPlace(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "x"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, _ := db.GetDocument(res.DocID)

	childID, err := c.completeStage(StageIdea, StagePrompt, doc, "   \n", "", nil)
	if err != nil {
		t.Fatalf("complete stage: %v", err)
	}
	if childID == nil || *childID != res.DocID {
		t.Fatalf("expected the document itself to advance, got %v", childID)
	}
	doc, _ = db.GetDocument(res.DocID)
	if doc.Stage != string(StagePrompt) {
		t.Fatalf("stage = %q", doc.Stage)
	}
}

func TestCompleteStagePlannedStampsPRURL(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "the plan", StartStage: StagePlanned})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, _ := db.GetDocument(res.DocID)
	runID, err := db.CreateCascadeRun(res.DocID, string(StagePlanned), string(StageDone))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	prURL := "https://github.com/acme/widgets/pull/77"
	childID, err := c.completeStage(StagePlanned, StageDone, doc, "implemented it", prURL, &runID)
	if err != nil {
		t.Fatalf("complete stage: %v", err)
	}

	parent, _ := db.GetDocument(res.DocID)
	if parent.PRURL == nil || *parent.PRURL != prURL {
		t.Fatalf("parent pr url = %v", parent.PRURL)
	}
	child, _ := db.GetDocument(*childID)
	if child.PRURL == nil || *child.PRURL != prURL {
		t.Fatalf("child pr url = %v", child.PRURL)
	}
	run, _ := db.GetCascadeRun(runID)
	if run.PRURL == nil || *run.PRURL != prURL {
		t.Fatalf("run pr url = %v", run.PRURL)
	}
	// Reaching done also completes the run.
	if run.Status != storage.RunCompleted {
		t.Fatalf("run status = %q", run.Status)
	}
}

func TestSelectDocumentPicksOldest(t *testing.T) {
	c, db := newTestCascade(t)
	first, err := c.Add(context.Background(), AddOptions{Content: "one"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.Add(context.Background(), AddOptions{Content: "two"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	doc, err := c.selectDocument(StageIdea, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if doc.ID != first.DocID {
		t.Fatalf("picked #%d, want oldest #%d", doc.ID, first.DocID)
	}

	// Explicit id must sit at the stage.
	require := int64(first.DocID)
	if err := db.SetDocumentStage(first.DocID, string(StagePrompt)); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if _, err := c.selectDocument(StageIdea, &require); err == nil {
		t.Fatal("stage mismatch accepted")
	}
}

func TestSelectDocumentEmptyQueue(t *testing.T) {
	c, _ := newTestCascade(t)
	doc, err := c.selectDocument(StagePlanned, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil for empty queue, got #%d", doc.ID)
	}
}

func TestStatusCountsPerStage(t *testing.T) {
	c, _ := newTestCascade(t)
	if _, err := c.Add(context.Background(), AddOptions{Content: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.Add(context.Background(), AddOptions{Content: "b", StartStage: StagePlanned}); err != nil {
		t.Fatalf("add: %v", err)
	}

	counts, err := c.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	byStage := map[Stage]int{}
	for _, sc := range counts {
		byStage[sc.Stage] = sc.Count
	}
	if byStage[StageIdea] != 1 || byStage[StagePlanned] != 1 || byStage[StagePrompt] != 0 {
		t.Fatalf("unexpected counts: %v", byStage)
	}
}

func TestDefaultTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"# Heading\nbody", "Heading"},
		{"plain first line\nsecond", "plain first line"},
		{"   ", "untitled"},
		{strings.Repeat("w", 120), strings.Repeat("w", 80) + "…"},
	}
	for _, tc := range cases {
		if got := defaultTitle(tc.in); got != tc.want {
			t.Fatalf("defaultTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDryRunRendersPromptWithoutSideEffects(t *testing.T) {
	c, db := newTestCascade(t)
	res, err := c.Add(context.Background(), AddOptions{Content: "cache invalidation idea"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	pv, err := c.DryRun(StageIdea, nil)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if pv == nil || pv.DocID != res.DocID || pv.NextStage != StagePrompt {
		t.Fatalf("unexpected preview: %+v", pv)
	}
	if !strings.Contains(pv.Prompt, "cache invalidation idea") {
		t.Fatalf("prompt missing content: %q", pv.Prompt)
	}

	doc, _ := db.GetDocument(res.DocID)
	if doc.Stage != string(StageIdea) {
		t.Fatalf("dry run moved the document to %q", doc.Stage)
	}
	recs, err := db.ListRunningExecutions()
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("dry run created %d executions", len(recs))
	}
}

func TestDryRunEmptyStageAndTerminalStage(t *testing.T) {
	c, _ := newTestCascade(t)

	pv, err := c.DryRun(StagePrompt, nil)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if pv != nil {
		t.Fatalf("preview for an empty stage: %+v", pv)
	}
	if _, err := c.DryRun(StageDone, nil); err == nil {
		t.Fatal("terminal stage accepted")
	}
}
