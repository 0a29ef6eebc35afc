package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cascade run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunPaused    = "paused"
	RunCancelled = "cancelled"
)

// CascadeRun groups the executions of one traversal of the stage pipeline.
type CascadeRun struct {
	ID           int64
	StartDocID   int64
	CurrentDocID int64
	StartStage   string
	StopStage    string
	CurrentStage string
	Status       string
	PRURL        *string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// Terminal reports whether the run reached a final status.
func (r *CascadeRun) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

const cascadeRunColumns = "id, start_doc_id, current_doc_id, start_stage, stop_stage, current_stage, status, pr_url, started_at, completed_at, error_message"

func scanCascadeRun(row interface{ Scan(...any) error }) (*CascadeRun, error) {
	var r CascadeRun
	var prURL, startedAt, completedAt, errMsg sql.NullString
	err := row.Scan(&r.ID, &r.StartDocID, &r.CurrentDocID, &r.StartStage, &r.StopStage,
		&r.CurrentStage, &r.Status, &prURL, &startedAt, &completedAt, &errMsg)
	if err != nil {
		return nil, err
	}
	r.PRURL = strPtr(prURL)
	r.StartedAt = parseTime(startedAt.String)
	r.CompletedAt = timePtr(completedAt)
	r.ErrorMessage = strPtr(errMsg)
	return &r, nil
}

// CreateCascadeRun starts a run at startStage, stopping at stopStage
// (defaults to done).
func (db *DB) CreateCascadeRun(startDocID int64, startStage, stopStage string) (int64, error) {
	if stopStage == "" {
		stopStage = "done"
	}
	res, err := db.exec(
		"INSERT INTO cascade_runs (start_doc_id, current_doc_id, start_stage, stop_stage, current_stage, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		startDocID, startDocID, startStage, stopStage, startStage, RunRunning, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert cascade run: %w", err)
	}
	return res.LastInsertId()
}

// GetCascadeRun returns the run with the given id.
func (db *DB) GetCascadeRun(id int64) (*CascadeRun, error) {
	row := db.conn.QueryRow("SELECT "+cascadeRunColumns+" FROM cascade_runs WHERE id = ?", id)
	r, err := scanCascadeRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cascade run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cascade run %d: %w", id, err)
	}
	return r, nil
}

// AdvanceCascadeRun moves the run's cursor: the stage about to execute and
// the document currently carrying the work.
func (db *DB) AdvanceCascadeRun(id int64, currentStage string, currentDocID int64) error {
	res, err := db.exec(
		"UPDATE cascade_runs SET current_stage = ?, current_doc_id = ? WHERE id = ?",
		currentStage, currentDocID, id,
	)
	if err != nil {
		return fmt.Errorf("advance cascade run %d: %w", id, err)
	}
	return requireRow(res, "cascade run", id)
}

// SetCascadeRunPRURL stamps the extracted pull-request URL on the run.
func (db *DB) SetCascadeRunPRURL(id int64, url string) error {
	res, err := db.exec("UPDATE cascade_runs SET pr_url = ? WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("set pr_url on cascade run %d: %w", id, err)
	}
	return requireRow(res, "cascade run", id)
}

// CompleteCascadeRun terminally transitions the run. Only a running or
// paused run can be completed; completing a terminal run is a no-op.
func (db *DB) CompleteCascadeRun(id int64, status string, errorMessage string) error {
	if status != RunCompleted && status != RunFailed && status != RunCancelled {
		return fmt.Errorf("complete cascade run %d: %q is not a terminal status", id, status)
	}
	var msgVal any
	if errorMessage != "" {
		msgVal = errorMessage
	}
	_, err := db.exec(
		"UPDATE cascade_runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)",
		status, msgVal, formatTime(time.Now()), id, RunRunning, RunPaused,
	)
	if err != nil {
		return fmt.Errorf("complete cascade run %d: %w", id, err)
	}
	return nil
}

// ListCascadeRuns returns runs newest first.
func (db *DB) ListCascadeRuns(limit int) ([]*CascadeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		"SELECT "+cascadeRunColumns+" FROM cascade_runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query cascade runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*CascadeRun
	for rows.Next() {
		r, err := scanCascadeRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cascade run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
