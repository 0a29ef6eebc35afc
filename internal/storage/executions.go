package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emdx-dev/emdx/internal/procutil"
)

// Execution statuses. Records are born running; pending never occurs in
// the database, it exists only for display of not-yet-started work.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution is one invocation of the external AI binary.
type Execution struct {
	ID           int64
	DocID        *int64
	DocTitle     string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	LogFile      string
	ExitCode     *int64
	WorkingDir   string
	PID          *int64
	CascadeRunID *int64
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// IsZombie reports whether the record claims to be running but its pid no
// longer resolves to a live process. Records without a pid are never
// zombies; spawn may still be in flight.
func (e *Execution) IsZombie() bool {
	if e.Status != StatusRunning || e.PID == nil {
		return false
	}
	return !procutil.Alive(int(*e.PID))
}

const executionColumns = "id, doc_id, doc_title, status, started_at, completed_at, log_file, exit_code, working_dir, pid, cascade_run_id"

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	var docID, exitCode, pid, runID sql.NullInt64
	var startedAt, completedAt sql.NullString
	err := row.Scan(&e.ID, &docID, &e.DocTitle, &e.Status, &startedAt, &completedAt,
		&e.LogFile, &exitCode, &e.WorkingDir, &pid, &runID)
	if err != nil {
		return nil, err
	}
	e.DocID = intPtr(docID)
	e.StartedAt = parseTime(startedAt.String)
	e.CompletedAt = timePtr(completedAt)
	e.ExitCode = intPtr(exitCode)
	e.PID = intPtr(pid)
	e.CascadeRunID = intPtr(runID)
	return &e, nil
}

// CreateExecution inserts a record with status running and started_at now.
func (db *DB) CreateExecution(docID *int64, docTitle, logFile, workingDir string, cascadeRunID *int64) (int64, error) {
	var docVal, runVal any
	if docID != nil {
		docVal = *docID
	}
	if cascadeRunID != nil {
		runVal = *cascadeRunID
	}
	res, err := db.exec(
		"INSERT INTO executions (doc_id, doc_title, status, started_at, log_file, working_dir, cascade_run_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		docVal, docTitle, StatusRunning, formatTime(time.Now()), logFile, workingDir, runVal,
	)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	return res.LastInsertId()
}

// SetExecutionPID records the wrapper pid, once, shortly after spawn.
func (db *DB) SetExecutionPID(id int64, pid int) error {
	res, err := db.exec("UPDATE executions SET pid = ? WHERE id = ? AND pid IS NULL", pid, id)
	if err != nil {
		return fmt.Errorf("set pid on execution %d: %w", id, err)
	}
	return requireRow(res, "execution", id)
}

// SetExecutionStatus transitions an execution. Terminal statuses also stamp
// completed_at. The WHERE clause makes the terminal transition single-writer:
// whoever lands first wins, the loser's update is a no-op.
func (db *DB) SetExecutionStatus(id int64, status string, exitCode *int) error {
	if status == StatusCompleted || status == StatusFailed {
		var codeVal any
		if exitCode != nil {
			codeVal = *exitCode
		}
		_, err := db.exec(
			"UPDATE executions SET status = ?, exit_code = ?, completed_at = ? WHERE id = ? AND status = ?",
			status, codeVal, formatTime(time.Now()), id, StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("complete execution %d: %w", id, err)
		}
		return nil
	}
	res, err := db.exec("UPDATE executions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set status on execution %d: %w", id, err)
	}
	return requireRow(res, "execution", id)
}

// GetExecution returns the execution with the given id.
func (db *DB) GetExecution(id int64) (*Execution, error) {
	row := db.conn.QueryRow("SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return e, nil
}

// ListRecentExecutions returns executions newest first.
func (db *DB) ListRecentExecutions(limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.queryExecutions(
		"SELECT "+executionColumns+" FROM executions ORDER BY started_at DESC, id DESC LIMIT ?", limit)
}

// ListRunningExecutions returns all records still marked running, oldest first.
func (db *DB) ListRunningExecutions() ([]*Execution, error) {
	return db.queryExecutions(
		"SELECT "+executionColumns+" FROM executions WHERE status = ? ORDER BY started_at ASC, id ASC", StatusRunning)
}

// ListExecutionsForRun returns all executions grouped under a cascade run,
// oldest first.
func (db *DB) ListExecutionsForRun(runID int64) ([]*Execution, error) {
	return db.queryExecutions(
		"SELECT "+executionColumns+" FROM executions WHERE cascade_run_id = ? ORDER BY started_at ASC, id ASC", runID)
}

func (db *DB) queryExecutions(query string, args ...any) ([]*Execution, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
