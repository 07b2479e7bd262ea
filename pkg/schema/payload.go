package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// applySchema is the structural contract for schema:apply payloads. Table and
// column names share the SQL identifier pattern enforced again at DDL time.
const applySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tables"],
	"properties": {
		"tables": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "columns"],
				"properties": {
					"name": {"type": "string", "pattern": "^[a-z][a-z0-9_]{0,62}$"},
					"columns": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["name", "type"],
							"properties": {
								"name": {"type": "string", "pattern": "^[a-z][a-z0-9_]{0,62}$"},
								"type": {"enum": ["text", "integer", "number", "boolean", "timestamp"]}
							}
						}
					}
				}
			}
		},
		"grants": {"type": "array"},
		"aiAssist": {
			"type": "object",
			"required": ["draftId", "draftHash"],
			"properties": {
				"draftId": {"type": "string", "minLength": 1},
				"draftHash": {"type": "string", "minLength": 1},
				"approvalId": {"type": "string"},
				"approvedBy": {"type": "string"}
			}
		}
	}
}`

var applyValidator = jsonschema.MustCompileString("schema-apply.json", applySchema)

// ValidateApplyPayload checks a raw schema:apply payload against the
// structural contract before any decoding into typed form.
func ValidateApplyPayload(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("schema: payload is not valid JSON: %w", err)
	}
	if err := applyValidator.Validate(v); err != nil {
		return fmt.Errorf("schema: payload rejected: %w", err)
	}
	return nil
}
