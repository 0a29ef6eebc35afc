package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Document is one markdown document in the knowledge base. Stage is empty
// for documents outside the cascade.
type Document struct {
	ID        int64
	Title     string
	Content   string
	Project   *string
	ParentID  *int64
	Stage     string
	PRURL     *string
	CreatedAt time.Time
	IsDeleted bool
}

const documentColumns = "id, title, content, project, parent_id, stage, pr_url, created_at, is_deleted"

// scanDocument is the single row mapper for documents; column additions
// touch exactly this function.
func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var project, stage, prURL, createdAt sql.NullString
	var parentID sql.NullInt64
	var deleted int
	err := row.Scan(&d.ID, &d.Title, &d.Content, &project, &parentID, &stage, &prURL, &createdAt, &deleted)
	if err != nil {
		return nil, err
	}
	d.Project = strPtr(project)
	d.ParentID = intPtr(parentID)
	if stage.Valid {
		d.Stage = stage.String
	}
	d.PRURL = strPtr(prURL)
	d.CreatedAt = parseTime(createdAt.String)
	d.IsDeleted = deleted != 0
	return &d, nil
}

// CreateDocument inserts a document and returns its id. Stage may be empty
// for documents outside the cascade.
func (db *DB) CreateDocument(title, content string, project *string, parentID *int64, stage string) (int64, error) {
	if parentID != nil {
		parent, err := db.GetDocument(*parentID)
		if err != nil {
			return 0, fmt.Errorf("parent document %d: %w", *parentID, err)
		}
		if parent.IsDeleted {
			return 0, fmt.Errorf("parent document %d is deleted", *parentID)
		}
	}
	var stageVal any
	if stage != "" {
		stageVal = stage
	}
	var projectVal any
	if project != nil {
		projectVal = *project
	}
	var parentVal any
	if parentID != nil {
		parentVal = *parentID
	}
	res, err := db.exec(
		"INSERT INTO documents (title, content, project, parent_id, stage, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		title, content, projectVal, parentVal, stageVal, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return res.LastInsertId()
}

// GetDocument returns the document with the given id, deleted or not.
func (db *DB) GetDocument(id int64) (*Document, error) {
	row := db.conn.QueryRow("SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return d, nil
}

// SetDocumentStage updates a document's stage. An empty stage removes the
// document from the cascade.
func (db *DB) SetDocumentStage(id int64, stage string) error {
	var stageVal any
	if stage != "" {
		stageVal = stage
	}
	res, err := db.exec("UPDATE documents SET stage = ? WHERE id = ?", stageVal, id)
	if err != nil {
		return fmt.Errorf("set stage on document %d: %w", id, err)
	}
	return requireRow(res, "document", id)
}

// SetDocumentPRURL stamps a pull-request URL on a document.
func (db *DB) SetDocumentPRURL(id int64, url string) error {
	res, err := db.exec("UPDATE documents SET pr_url = ? WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("set pr_url on document %d: %w", id, err)
	}
	return requireRow(res, "document", id)
}

// DeleteDocument soft-deletes a document.
func (db *DB) DeleteDocument(id int64) error {
	res, err := db.exec("UPDATE documents SET is_deleted = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	return requireRow(res, "document", id)
}

// ListDocumentsAtStage returns non-deleted documents at the stage, oldest
// first, ties broken by ascending id. limit <= 0 means no limit.
func (db *DB) ListDocumentsAtStage(stage string, limit int) ([]*Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE stage = ? AND is_deleted = 0 ORDER BY created_at ASC, id ASC"
	args := []any{stage}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return db.queryDocuments(query, args...)
}

// ListChildren returns non-deleted children of a document, oldest first.
func (db *DB) ListChildren(parentID int64) ([]*Document, error) {
	return db.queryDocuments(
		"SELECT "+documentColumns+" FROM documents WHERE parent_id = ? AND is_deleted = 0 ORDER BY created_at ASC, id ASC",
		parentID,
	)
}

func (db *DB) queryDocuments(query string, args ...any) ([]*Document, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
