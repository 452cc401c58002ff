package api

import (
	"fmt"
	"strings"

	"github.com/harun/memorygraph/pkg/memory"
	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas keyed by operation. Optional strings accept null.
var requestSchemas = map[string]string{
	"add fact": `{
		"type": "object",
		"required": ["who", "about", "text"],
		"properties": {
			"who": {"type": "string"},
			"about": {"type": "string"},
			"text": {"type": "string"},
			"scene": {"type": ["string", "null"]},
			"type": {"type": ["string", "null"]},
			"intent": {"type": ["string", "null"]},
			"tags": {"type": ["array", "null"], "items": {"type": "string"}},
			"weight": {"type": ["number", "null"]},
			"pinned": {"type": ["boolean", "null"]}
		}
	}`,
	"set pinned": `{
		"type": "object",
		"required": ["fact_id", "pinned"],
		"properties": {
			"fact_id": {"type": "string", "minLength": 1},
			"pinned": {"type": "boolean"}
		}
	}`,
	"feedback": `{
		"type": "object",
		"required": ["fact_id", "reward"],
		"properties": {
			"fact_id": {"type": "string", "minLength": 1},
			"reward": {"type": "number"}
		}
	}`,
	"start conversation": `{
		"type": "object",
		"required": ["npc_id", "player_id"],
		"properties": {
			"npc_id": {"type": "string"},
			"player_id": {"type": "string"},
			"scene": {"type": ["string", "null"]}
		}
	}`,
	"attach facts": `{
		"type": "object",
		"required": ["conversation_id", "fact_ids"],
		"properties": {
			"conversation_id": {"type": "string", "minLength": 1},
			"fact_ids": {"type": "array", "minItems": 1, "items": {"type": "string"}}
		}
	}`,
	"import": `{
		"type": "object",
		"properties": {
			"version": {"type": "integer"},
			"entities": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {"id": {"type": "string", "minLength": 1}, "kind": {"type": "string"}}
				}
			},
			"facts": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"required": ["id", "who", "about", "text"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"who": {"type": "string"},
						"about": {"type": "string"},
						"text": {"type": "string"},
						"tags": {"type": ["array", "null"], "items": {"type": "string"}},
						"weight": {"type": "number"},
						"embedding": {"type": ["array", "null"], "items": {"type": "number"}}
					}
				}
			}
		}
	}`,
	"reply": `{
		"type": "object",
		"required": ["npc_id", "player_id"],
		"properties": {
			"npc_id": {"type": "string"},
			"player_id": {"type": "string"},
			"scene": {"type": ["string", "null"]},
			"user_text": {"type": ["string", "null"]},
			"intent": {"type": ["string", "null"]},
			"conversation_id": {"type": ["string", "null"]},
			"model": {"type": ["string", "null"]}
		}
	}`,
}

type schemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

func newSchemaValidator() (*schemaValidator, error) {
	v := &schemaValidator{schemas: make(map[string]*gojsonschema.Schema, len(requestSchemas))}
	for op, src := range requestSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", op, err)
		}
		v.schemas[op] = s
	}
	return v, nil
}

// validate checks body against the op schema and returns a validation error
// naming every violation.
func (v *schemaValidator) validate(op string, body []byte) error {
	s, ok := v.schemas[op]
	if !ok {
		return fmt.Errorf("no schema for %s", op)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return memory.ValidationError(op, "malformed JSON body: %v", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return memory.ValidationError(op, "%s", strings.Join(msgs, "; "))
}
