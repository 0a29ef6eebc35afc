package agents

// definitionSchema validates imported agent definitions before they touch
// the store.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Agent definition",
  "type": "object",
  "required": ["name", "user_prompt_template"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9_-]*$",
      "maxLength": 64
    },
    "display_name": {"type": "string", "maxLength": 128},
    "description": {"type": "string"},
    "category": {"type": "string", "maxLength": 64},
    "system_prompt": {"type": "string"},
    "user_prompt_template": {"type": "string", "minLength": 1},
    "allowed_tools": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "max_context_docs": {"type": "integer", "minimum": 0, "maximum": 100},
    "timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 86400},
    "output_tags": {"type": "string"}
  }
}`
