package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDocumentLifecycle(t *testing.T) {
	db := openTestDB(t)

	project := "emdx"
	id, err := db.CreateDocument("First", "hello world", &project, nil, "idea")
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	doc, err := db.GetDocument(id)
	require.NoError(t, err)
	assert.Equal(t, "First", doc.Title)
	assert.Equal(t, "hello world", doc.Content)
	require.NotNil(t, doc.Project)
	assert.Equal(t, "emdx", *doc.Project)
	assert.Equal(t, "idea", doc.Stage)
	assert.False(t, doc.IsDeleted)

	childID, err := db.CreateDocument("Child", "derived", nil, &id, "prompt")
	require.NoError(t, err)
	children, err := db.ListChildren(id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, childID, children[0].ID)

	require.NoError(t, db.SetDocumentStage(id, "prompt"))
	require.NoError(t, db.SetDocumentPRURL(id, "https://github.com/x/y/pull/9"))
	doc, err = db.GetDocument(id)
	require.NoError(t, err)
	assert.Equal(t, "prompt", doc.Stage)
	require.NotNil(t, doc.PRURL)
	assert.Equal(t, "https://github.com/x/y/pull/9", *doc.PRURL)

	require.NoError(t, db.DeleteDocument(id))
	doc, err = db.GetDocument(id)
	require.NoError(t, err)
	assert.True(t, doc.IsDeleted)
}

func TestCreateDocumentRejectsMissingParent(t *testing.T) {
	db := openTestDB(t)

	missing := int64(12345)
	_, err := db.CreateDocument("Orphan", "x", nil, &missing, "idea")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDocumentRejectsDeletedParent(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateDocument("Parent", "x", nil, nil, "idea")
	require.NoError(t, err)
	require.NoError(t, db.DeleteDocument(id))

	_, err = db.CreateDocument("Child", "y", nil, &id, "idea")
	require.Error(t, err)
}

func TestListDocumentsAtStageOrdersOldestFirst(t *testing.T) {
	db := openTestDB(t)

	first, err := db.CreateDocument("a", "a", nil, nil, "idea")
	require.NoError(t, err)
	second, err := db.CreateDocument("b", "b", nil, nil, "idea")
	require.NoError(t, err)
	deleted, err := db.CreateDocument("c", "c", nil, nil, "idea")
	require.NoError(t, err)
	require.NoError(t, db.DeleteDocument(deleted))

	docs, err := db.ListDocumentsAtStage("idea", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, first, docs[0].ID)
	assert.Equal(t, second, docs[1].ID)

	docs, err = db.ListDocumentsAtStage("idea", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, first, docs[0].ID)
}

func TestExecutionBornRunning(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateExecution(nil, "ad-hoc", "/tmp/x.log", "/tmp", nil)
	require.NoError(t, err)

	rec, err := db.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())
	assert.Nil(t, rec.CompletedAt)
	assert.Nil(t, rec.PID)
	assert.False(t, rec.Terminal())
}

func TestExecutionTerminalTransitionIsSingleWriter(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateExecution(nil, "x", "/tmp/x.log", "/tmp", nil)
	require.NoError(t, err)

	zero := 0
	require.NoError(t, db.SetExecutionStatus(id, StatusCompleted, &zero))
	rec, err := db.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, int64(0), *rec.ExitCode)

	// A racing failure report loses: the record stays completed.
	minusOne := -1
	require.NoError(t, db.SetExecutionStatus(id, StatusFailed, &minusOne))
	rec, err = db.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(0), *rec.ExitCode)
}

func TestSetExecutionPIDOnlyOnce(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateExecution(nil, "x", "/tmp/x.log", "/tmp", nil)
	require.NoError(t, err)
	require.NoError(t, db.SetExecutionPID(id, 111))

	err = db.SetExecutionPID(id, 222)
	require.Error(t, err)

	rec, err := db.GetExecution(id)
	require.NoError(t, err)
	require.NotNil(t, rec.PID)
	assert.Equal(t, int64(111), *rec.PID)
}

func TestListExecutionsForRun(t *testing.T) {
	db := openTestDB(t)

	docID, err := db.CreateDocument("doc", "x", nil, nil, "idea")
	require.NoError(t, err)
	runID, err := db.CreateCascadeRun(docID, "idea", "done")
	require.NoError(t, err)

	first, err := db.CreateExecution(&docID, "stage idea", "/tmp/a.log", "/tmp", &runID)
	require.NoError(t, err)
	second, err := db.CreateExecution(&docID, "stage prompt", "/tmp/b.log", "/tmp", &runID)
	require.NoError(t, err)
	_, err = db.CreateExecution(&docID, "unrelated", "/tmp/c.log", "/tmp", nil)
	require.NoError(t, err)

	execs, err := db.ListExecutionsForRun(runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, first, execs[0].ID)
	assert.Equal(t, second, execs[1].ID)
}

func TestCascadeRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	docID, err := db.CreateDocument("doc", "x", nil, nil, "idea")
	require.NoError(t, err)
	runID, err := db.CreateCascadeRun(docID, "idea", "")
	require.NoError(t, err)

	run, err := db.GetCascadeRun(runID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, "idea", run.CurrentStage)
	assert.Equal(t, "done", run.StopStage)
	assert.False(t, run.Terminal())

	require.NoError(t, db.AdvanceCascadeRun(runID, "prompt", docID))
	require.NoError(t, db.SetCascadeRunPRURL(runID, "https://github.com/x/y/pull/3"))
	require.NoError(t, db.CompleteCascadeRun(runID, RunCompleted, ""))

	run, err = db.GetCascadeRun(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.True(t, run.Terminal())
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.PRURL)

	// Terminal runs never transition again.
	require.NoError(t, db.CompleteCascadeRun(runID, RunFailed, "late failure"))
	run, err = db.GetCascadeRun(runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Nil(t, run.ErrorMessage)
}

func TestCompleteCascadeRunRejectsNonTerminalStatus(t *testing.T) {
	db := openTestDB(t)

	docID, err := db.CreateDocument("doc", "x", nil, nil, "idea")
	require.NoError(t, err)
	runID, err := db.CreateCascadeRun(docID, "idea", "done")
	require.NoError(t, err)

	err = db.CompleteCascadeRun(runID, RunRunning, "")
	require.Error(t, err)
}

func TestAgentDefinitions(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateAgent(&AgentDefinition{
		Name:               "reviewer",
		UserPromptTemplate: "Review: {{content}}",
		AllowedTools:       []string{"Read", "Grep"},
	})
	require.NoError(t, err)

	def, err := db.GetAgentByName("reviewer")
	require.NoError(t, err)
	assert.Equal(t, id, def.ID)
	assert.Equal(t, []string{"Read", "Grep"}, def.AllowedTools)
	assert.Equal(t, 5, def.MaxContextDocs)
	assert.Equal(t, 300, def.TimeoutSeconds)
	assert.True(t, def.IsActive)

	require.NoError(t, db.RecordAgentUse(id, true))
	require.NoError(t, db.RecordAgentUse(id, false))
	def, err = db.GetAgent(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), def.UsageCount)
	assert.Equal(t, int64(1), def.SuccessCount)
	assert.Equal(t, int64(1), def.FailureCount)
	require.NotNil(t, def.LastUsedAt)

	require.NoError(t, db.SetAgentActive(id, false))
	_, err = db.GetAgentByName("reviewer")
	assert.ErrorIs(t, err, ErrNotFound)
	// Id lookup still works for disabled definitions.
	_, err = db.GetAgent(id)
	require.NoError(t, err)

	defs, err := db.ListAgents(false)
	require.NoError(t, err)
	assert.Empty(t, defs)
	defs, err = db.ListAgents(true)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestCreateAgentRejectsBadNames(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateAgent(&AgentDefinition{Name: "", UserPromptTemplate: "x"})
	require.Error(t, err)
	_, err = db.CreateAgent(&AgentDefinition{Name: "has space", UserPromptTemplate: "x"})
	require.Error(t, err)
}
