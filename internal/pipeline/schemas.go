package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Response shapes for the five LLM calls. Each is compiled once and applied
// inside the stage validator before any semantic checks run.

const verifySchemaJSON = `{
  "type": "object",
  "required": ["html", "schema"],
  "properties": {
    "html": {"type": "string", "minLength": 1},
    "schema": {
      "type": "object",
      "required": ["scalars", "row_tokens", "totals"],
      "properties": {
        "scalars": {"type": "array", "items": {"type": "string"}},
        "row_tokens": {"type": "array", "items": {"type": "string"}},
        "totals": {"type": "array", "items": {"type": "string"}},
        "notes": {"type": "string"}
      }
    }
  }
}`

const fixSchemaJSON = `{
  "type": "object",
  "properties": {
    "html": {"type": "string"},
    "css_patch": {"type": "string"}
  }
}`

const autoMapSchemaJSON = `{
  "type": "object",
  "required": ["mapping", "token_samples"],
  "properties": {
    "mapping": {"type": "object", "additionalProperties": {"type": "string"}},
    "token_samples": {"type": "object", "additionalProperties": {"type": "string"}},
    "meta": {"type": "object"}
  }
}`

const correctionsSchemaJSON = `{
  "type": "object",
  "required": ["final_template_html", "page_summary"],
  "properties": {
    "final_template_html": {"type": "string", "minLength": 1},
    "page_summary": {"type": "string", "minLength": 1}
  }
}`

const contractCallSchemaJSON = `{
  "type": "object",
  "required": ["overview_md", "step5_requirements", "contract", "validation"],
  "properties": {
    "overview_md": {"type": "string"},
    "step5_requirements": {
      "type": "object",
      "required": ["parameters"],
      "properties": {
        "parameters": {
          "type": "object",
          "required": ["required"],
          "properties": {
            "required": {"type": "array", "items": {"type": "string"}},
            "optional": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "contract": {"type": "object"},
    "validation": {
      "type": "object",
      "required": ["unknown_tokens", "unknown_columns"],
      "properties": {
        "unknown_tokens": {"type": "array", "items": {"type": "string"}},
        "unknown_columns": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const generatorSchemaJSON = `{
  "type": "object",
  "required": ["sql", "output_schemas", "params"],
  "properties": {
    "dialect": {"type": "string"},
    "sql": {
      "type": "object",
      "required": ["header", "rows", "totals"],
      "properties": {
        "header": {"type": "string", "minLength": 1},
        "rows": {"type": "string", "minLength": 1},
        "totals": {"type": "string", "minLength": 1}
      }
    },
    "output_schemas": {
      "type": "object",
      "required": ["header", "rows", "totals"],
      "properties": {
        "header": {"type": "array", "items": {"type": "string"}},
        "rows": {"type": "array", "items": {"type": "string"}},
        "totals": {"type": "array", "items": {"type": "string"}}
      }
    },
    "params": {
      "type": "object",
      "required": ["required"],
      "properties": {
        "required": {"type": "array", "items": {"type": "string"}},
        "optional": {"type": "array", "items": {"type": "string"}}
      }
    },
    "needs_user_fix": {"type": "array", "items": {"type": "string"}},
    "invalid": {"type": "boolean"},
    "contract": {"type": "object"}
  }
}`

var (
	schemaMu       sync.Mutex
	schemaCompiled = map[string]*jsonschema.Schema{}
)

func stageSchema(name, source string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCompiled[name]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", strings.NewReader(source)); err != nil {
		return nil, err
	}
	s, err := c.Compile(name + ".json")
	if err != nil {
		return nil, err
	}
	schemaCompiled[name] = s
	return s, nil
}

// decodeValidated parses an LLM JSON response, applies the stage schema, and
// decodes into out. The returned error text is safe to echo back to the
// model as validator feedback.
func decodeValidated(name, source, text string, out any) error {
	schema, err := stageSchema(name, source)
	if err != nil {
		return err
	}
	text = stripCodeFence(text)
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("response is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response violates the %s schema: %v", name, err)
	}
	return json.Unmarshal([]byte(text), out)
}

// stripCodeFence tolerates models that wrap JSON in a markdown fence.
func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	if idx := strings.LastIndex(t, "```"); idx >= 0 {
		t = t[:idx]
	}
	return strings.TrimSpace(t)
}
