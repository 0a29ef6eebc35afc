// Package agents manages reusable agent definitions: lookup, prompt
// rendering, JSON import/export with schema validation.
package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/storage"
)

// Registry resolves agent definitions from the store.
type Registry struct {
	db *storage.DB
}

// NewRegistry builds a registry over an open database.
func NewRegistry(db *storage.DB) *Registry {
	return &Registry{db: db}
}

// Resolve looks up an agent by numeric id or by name. Inactive agents are
// hidden from name lookup.
func (r *Registry) Resolve(nameOrID string) (*storage.AgentDefinition, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		return r.db.GetAgent(id)
	}
	return r.db.GetAgentByName(nameOrID)
}

// Render produces the effective prompt for an agent invocation: the user
// prompt template with variables substituted, prefixed by the system
// prompt when present.
func Render(def *storage.AgentDefinition, vars map[string]string) string {
	prompt := engine.SubstituteVars(def.UserPromptTemplate, vars)
	if strings.TrimSpace(def.SystemPrompt) == "" {
		return prompt
	}
	return def.SystemPrompt + "\n\n" + prompt
}

// Timeout returns the agent's execution deadline.
func Timeout(def *storage.AgentDefinition) time.Duration {
	return time.Duration(def.TimeoutSeconds) * time.Second
}

// definitionDoc is the import/export JSON shape.
type definitionDoc struct {
	Name               string   `json:"name"`
	DisplayName        string   `json:"display_name,omitempty"`
	Description        string   `json:"description,omitempty"`
	Category           string   `json:"category,omitempty"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	UserPromptTemplate string   `json:"user_prompt_template"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	MaxContextDocs     int      `json:"max_context_docs,omitempty"`
	TimeoutSeconds     int      `json:"timeout_seconds,omitempty"`
	OutputTags         string   `json:"output_tags,omitempty"`
}

// Import validates raw JSON against the definition schema and creates the
// agent. Returns the new agent id.
func (r *Registry) Import(raw []byte) (int64, error) {
	compiled, err := compiledSchema()
	if err != nil {
		return 0, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return 0, fmt.Errorf("parse agent definition: %w", err)
	}
	if err := compiled.Validate(generic); err != nil {
		return 0, fmt.Errorf("agent definition does not match schema: %w", err)
	}
	var doc definitionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decode agent definition: %w", err)
	}
	return r.db.CreateAgent(&storage.AgentDefinition{
		Name:               doc.Name,
		DisplayName:        doc.DisplayName,
		Description:        doc.Description,
		Category:           doc.Category,
		SystemPrompt:       doc.SystemPrompt,
		UserPromptTemplate: doc.UserPromptTemplate,
		AllowedTools:       doc.AllowedTools,
		MaxContextDocs:     doc.MaxContextDocs,
		TimeoutSeconds:     doc.TimeoutSeconds,
		OutputTags:         doc.OutputTags,
	})
}

// Export renders an agent definition as indented JSON.
func (r *Registry) Export(nameOrID string) ([]byte, error) {
	def, err := r.Resolve(nameOrID)
	if err != nil {
		return nil, err
	}
	doc := definitionDoc{
		Name:               def.Name,
		DisplayName:        def.DisplayName,
		Description:        def.Description,
		Category:           def.Category,
		SystemPrompt:       def.SystemPrompt,
		UserPromptTemplate: def.UserPromptTemplate,
		AllowedTools:       def.AllowedTools,
		MaxContextDocs:     def.MaxContextDocs,
		TimeoutSeconds:     def.TimeoutSeconds,
		OutputTags:         def.OutputTags,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agent-definition.json", strings.NewReader(definitionSchema)); err != nil {
		return nil, fmt.Errorf("load agent schema: %w", err)
	}
	compiled, err := c.Compile("agent-definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}
	return compiled, nil
}
