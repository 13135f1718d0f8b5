package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// contractSchemaJSON is the shape check applied before the structural
// validator at every load boundary (file load, HTTP input, LLM output).
const contractSchemaJSON = `{
  "type": "object",
  "required": ["tokens", "mapping", "join"],
  "properties": {
    "tokens": {
      "type": "object",
      "required": ["scalars", "row_tokens", "totals"],
      "properties": {
        "scalars": {"type": "array", "items": {"type": "string"}},
        "row_tokens": {"type": "array", "items": {"type": "string"}},
        "totals": {"type": "array", "items": {"type": "string"}}
      }
    },
    "mapping": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "join": {
      "type": "object",
      "required": ["parent_table", "parent_key", "child_table", "child_key"],
      "properties": {
        "parent_table": {"type": "string"},
        "parent_key": {"type": "string"},
        "child_table": {"type": "string"},
        "child_key": {"type": "string"}
      }
    },
    "date_columns": {"type": "object", "additionalProperties": {"type": "string"}},
    "filters": {
      "type": "object",
      "properties": {
        "required": {"type": "array", "items": {"type": "string"}},
        "optional": {"type": "array", "items": {"type": "string"}}
      }
    },
    "reshape_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["purpose"],
        "properties": {
          "purpose": {"type": "string", "minLength": 1},
          "mode": {"type": "string"},
          "sources": {"type": "array", "items": {"type": "string"}},
          "target": {"type": "string"}
        }
      }
    },
    "row_computed": {"type": "object", "additionalProperties": {"type": "string"}},
    "totals_math": {"type": "object", "additionalProperties": {"type": "string"}},
    "formatters": {"type": "object", "additionalProperties": {"type": "string"}},
    "order_by": {
      "type": "object",
      "properties": {
        "rows": {"type": "array", "items": {"type": "string"}}
      }
    },
    "row_order": {"type": "array", "items": {"type": "string"}},
    "unresolved": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("contract.json", strings.NewReader(contractSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("contract.json")
	})
	return compiledSchema, schemaErr
}

// Parse decodes and shape-validates raw contract JSON, then applies
// defaults. The structural validator (Validate) still runs separately with
// the catalog.
func Parse(raw []byte) (*Contract, error) {
	schema, err := compiled()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid_contract: parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid_contract: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid_contract: decode: %w", err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// Load parses and fully validates a contract against the catalog allow-list.
func Load(raw []byte, catalogLines []string) (*Contract, error) {
	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := Errors(Validate(c, catalogLines)); err != nil {
		return nil, err
	}
	return c, nil
}
