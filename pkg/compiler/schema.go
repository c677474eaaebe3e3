package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/loomline/loomline/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Per-kind JSON Schemas for node configuration. Task configs are free-form
// because their interpretation belongs to the delegate, not the engine.
var nodeConfigSchemas = map[models.NodeKind]string{
	models.NodeKindTask: `{
		"type": "object"
	}`,
	models.NodeKindConditional: `{
		"type": "object",
		"required": ["condition"],
		"properties": {
			"condition": {"type": "string", "minLength": 1},
			"then": {"type": "array", "items": {"$ref": "#/definitions/step"}},
			"else": {"type": "array", "items": {"$ref": "#/definitions/step"}}
		},
		"definitions": {
			"step": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"type": "string"},
					"config": {"type": "object"}
				}
			}
		}
	}`,
	models.NodeKindQuestion: `{
		"type": "object",
		"required": ["question"],
		"properties": {
			"question": {
				"type": "object",
				"required": ["id", "prompt"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"prompt": {"type": "string", "minLength": 1},
					"rules": {"type": "object"}
				}
			},
			"timeout_seconds": {"type": "number", "minimum": 1}
		}
	}`,
}

func validateNodeConfig(n *models.Node) error {
	schemaText, ok := nodeConfigSchemas[n.Kind]
	if !ok {
		return fmt.Errorf("no config schema for kind %q", n.Kind)
	}

	config := n.Config
	if config == nil {
		config = map[string]any{}
	}

	// Round-trip through JSON so YAML-decoded values (ints, nested maps)
	// compare cleanly against the schema types.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("config is not serializable: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaText),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return fmt.Errorf("config invalid: %s", first.String())
	}

	return nil
}
