package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// These mirror wireDecisionNew/wireDecisionLegacy structurally; they exist
// as a second, independent check ahead of strict unmarshaling so a decision
// that merely has the right shape but the wrong types (e.g. `agents` given
// as a string) is rejected with a schema-shaped error message instead of a
// raw encoding/json one, matching the validation layering goadesign-goa-ai
// uses ahead of its own generated tool-call unmarshaling.
const newDecisionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["finish_status"],
	"properties": {
		"finish_status": {"type": "string"},
		"current": {"type": "string"},
		"cli": {
			"type": "object",
			"properties": {"prompt": {"type": "string"}}
		},
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["prompt"],
				"properties": {
					"prompt": {"type": "string"},
					"context": {"type": "string"},
					"write": {"type": "boolean"},
					"models": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

const legacyDecisionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "string"},
		"summary": {"type": "string"},
		"next_prompt": {"type": "string"},
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["prompt"],
				"properties": {
					"prompt": {"type": "string"},
					"context": {"type": "string"},
					"write": {"type": "boolean"},
					"models": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var (
	schemaOnce                sync.Once
	newDecisionSchema         *jsonschema.Schema
	legacyDecisionSchemaValue *jsonschema.Schema
	schemaCompileErr          error
)

func compileDecisionSchemas() {
	newDecisionSchema, schemaCompileErr = compileSchema("new_decision.json", newDecisionSchemaJSON)
	if schemaCompileErr != nil {
		return
	}
	legacyDecisionSchemaValue, schemaCompileErr = compileSchema("legacy_decision.json", legacyDecisionSchemaJSON)
}

func compileSchema(url, raw string) (*jsonschema.Schema, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateDecisionSchema reports whether payload validates against either
// wire schema. A nil error does not guarantee ParseDecision will succeed
// (normalization can still reject, e.g. a missing cli.prompt on a continue
// decision) but a non-nil error means the payload is structurally wrong
// before normalization is even attempted.
func validateDecisionSchema(payload string) error {
	schemaOnce.Do(compileDecisionSchemas)
	if schemaCompileErr != nil {
		// A bad embedded schema is a programming error in this package, not
		// something a model response can trigger; don't block decisions on it.
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return err
	}

	newErr := newDecisionSchema.Validate(doc)
	if newErr == nil {
		return nil
	}
	legacyErr := legacyDecisionSchemaValue.Validate(doc)
	if legacyErr == nil {
		return nil
	}
	return fmt.Errorf("decision payload matched neither schema: new=%v legacy=%v", newErr, legacyErr)
}
