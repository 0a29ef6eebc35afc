package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AgentDefinition is a named, reusable execution configuration.
type AgentDefinition struct {
	ID                 int64
	Name               string
	DisplayName        string
	Description        string
	Category           string
	SystemPrompt       string
	UserPromptTemplate string
	AllowedTools       []string
	MaxContextDocs     int
	TimeoutSeconds     int
	OutputTags         string
	IsActive           bool
	UsageCount         int64
	SuccessCount       int64
	FailureCount       int64
	LastUsedAt         *time.Time
	CreatedAt          time.Time
}

const agentColumns = "id, name, display_name, description, category, system_prompt, user_prompt_template, allowed_tools, max_context_docs, timeout_seconds, output_tags, is_active, usage_count, success_count, failure_count, last_used_at, created_at"

func scanAgent(row interface{ Scan(...any) error }) (*AgentDefinition, error) {
	var a AgentDefinition
	var tools string
	var active int
	var lastUsed, createdAt sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Description, &a.Category,
		&a.SystemPrompt, &a.UserPromptTemplate, &tools, &a.MaxContextDocs,
		&a.TimeoutSeconds, &a.OutputTags, &active, &a.UsageCount, &a.SuccessCount,
		&a.FailureCount, &lastUsed, &createdAt)
	if err != nil {
		return nil, err
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &a.AllowedTools); err != nil {
			return nil, fmt.Errorf("decode allowed_tools for agent %d: %w", a.ID, err)
		}
	}
	a.IsActive = active != 0
	a.LastUsedAt = timePtr(lastUsed)
	a.CreatedAt = parseTime(createdAt.String)
	return &a, nil
}

// CreateAgent inserts an agent definition. Name must be a unique identifier
// without spaces.
func (db *DB) CreateAgent(a *AgentDefinition) (int64, error) {
	if strings.TrimSpace(a.Name) == "" || strings.ContainsAny(a.Name, " \t") {
		return 0, fmt.Errorf("agent name %q must be a non-empty identifier without spaces", a.Name)
	}
	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return 0, fmt.Errorf("encode allowed_tools: %w", err)
	}
	if a.MaxContextDocs <= 0 {
		a.MaxContextDocs = 5
	}
	if a.TimeoutSeconds <= 0 {
		a.TimeoutSeconds = 300
	}
	res, err := db.exec(
		"INSERT INTO agents (name, display_name, description, category, system_prompt, user_prompt_template, allowed_tools, max_context_docs, timeout_seconds, output_tags, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)",
		a.Name, a.DisplayName, a.Description, a.Category, a.SystemPrompt,
		a.UserPromptTemplate, string(tools), a.MaxContextDocs, a.TimeoutSeconds,
		a.OutputTags, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert agent %q: %w", a.Name, err)
	}
	return res.LastInsertId()
}

// GetAgent returns an agent by id, active or not.
func (db *DB) GetAgent(id int64) (*AgentDefinition, error) {
	row := db.conn.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %d: %w", id, err)
	}
	return a, nil
}

// GetAgentByName returns an active agent by name. Inactive definitions are
// hidden from lookup.
func (db *DB) GetAgentByName(name string) (*AgentDefinition, error) {
	row := db.conn.QueryRow("SELECT "+agentColumns+" FROM agents WHERE name = ? AND is_active = 1", name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", name, err)
	}
	return a, nil
}

// UpdateAgent rewrites the editable fields of an agent definition.
func (db *DB) UpdateAgent(a *AgentDefinition) error {
	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("encode allowed_tools: %w", err)
	}
	res, err := db.exec(
		"UPDATE agents SET display_name = ?, description = ?, category = ?, system_prompt = ?, user_prompt_template = ?, allowed_tools = ?, max_context_docs = ?, timeout_seconds = ?, output_tags = ? WHERE id = ?",
		a.DisplayName, a.Description, a.Category, a.SystemPrompt, a.UserPromptTemplate,
		string(tools), a.MaxContextDocs, a.TimeoutSeconds, a.OutputTags, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent %d: %w", a.ID, err)
	}
	return requireRow(res, "agent", a.ID)
}

// SetAgentActive soft-deletes (or restores) an agent definition.
func (db *DB) SetAgentActive(id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := db.exec("UPDATE agents SET is_active = ? WHERE id = ?", v, id)
	if err != nil {
		return fmt.Errorf("set active on agent %d: %w", id, err)
	}
	return requireRow(res, "agent", id)
}

// RecordAgentUse bumps the usage counters at execution completion. Counters
// only ever grow.
func (db *DB) RecordAgentUse(id int64, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	res, err := db.exec(
		"UPDATE agents SET usage_count = usage_count + 1, "+col+" = "+col+" + 1, last_used_at = ? WHERE id = ?",
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("record use of agent %d: %w", id, err)
	}
	return requireRow(res, "agent", id)
}

// ListAgents returns definitions ordered by category then name. Inactive
// definitions are included only when includeInactive is set.
func (db *DB) ListAgents(includeInactive bool) ([]*AgentDefinition, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	if !includeInactive {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY category ASC, name ASC"
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
