// Package query builds the read-side views the CLI renders: execution
// listings with liveness, pipeline overviews and live log follows.
package query

import (
	"fmt"

	"github.com/emdx-dev/emdx/internal/execlog"
	"github.com/emdx-dev/emdx/internal/storage"
)

// Queries wraps the store with display-oriented reads.
type Queries struct {
	db *storage.DB
}

// New builds a query layer over an open database.
func New(db *storage.DB) *Queries {
	return &Queries{db: db}
}

// ExecutionView is an execution annotated with what the process table says
// right now, which the stored status can lag behind.
type ExecutionView struct {
	*storage.Execution
	// Zombie means the record says running but the pid is gone.
	Zombie bool
}

func annotate(execs []*storage.Execution) []*ExecutionView {
	out := make([]*ExecutionView, len(execs))
	for i, e := range execs {
		out[i] = &ExecutionView{Execution: e, Zombie: e.IsZombie()}
	}
	return out
}

// RecentExecutions lists executions newest first with liveness annotation.
func (q *Queries) RecentExecutions(limit int) ([]*ExecutionView, error) {
	execs, err := q.db.ListRecentExecutions(limit)
	if err != nil {
		return nil, err
	}
	return annotate(execs), nil
}

// RunningExecutions lists records still marked running, oldest first.
func (q *Queries) RunningExecutions() ([]*ExecutionView, error) {
	execs, err := q.db.ListRunningExecutions()
	if err != nil {
		return nil, err
	}
	return annotate(execs), nil
}

// StageCount is the number of live documents parked at one stage.
type StageCount struct {
	Stage string
	Count int
}

// PipelineOverview counts live documents per stage, in pipeline order.
func (q *Queries) PipelineOverview(stages []string) ([]StageCount, error) {
	out := make([]StageCount, 0, len(stages))
	for _, s := range stages {
		docs, err := q.db.ListDocumentsAtStage(s, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, StageCount{Stage: s, Count: len(docs)})
	}
	return out, nil
}

// RunDetail is a cascade run with its executions, oldest first.
type RunDetail struct {
	Run        *storage.CascadeRun
	Executions []*ExecutionView
}

// CascadeRun loads one run with its grouped executions.
func (q *Queries) CascadeRun(runID int64) (*RunDetail, error) {
	run, err := q.db.GetCascadeRun(runID)
	if err != nil {
		return nil, err
	}
	execs, err := q.db.ListExecutionsForRun(runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Executions: annotate(execs)}, nil
}

// CascadeRuns lists runs newest first.
func (q *Queries) CascadeRuns(limit int) ([]*storage.CascadeRun, error) {
	return q.db.ListCascadeRuns(limit)
}

// FollowLog opens a tail-follow stream on an execution's log. The caller
// owns the returned stream and must Close it.
func (q *Queries) FollowLog(executionID int64) (*execlog.Stream, *storage.Execution, error) {
	rec, err := q.db.GetExecution(executionID)
	if err != nil {
		return nil, nil, err
	}
	if rec.LogFile == "" {
		return nil, nil, fmt.Errorf("execution %d has no log file", executionID)
	}
	return execlog.Open(rec.LogFile), rec, nil
}
