package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. The object payload itself stays opaque (any JSON
// object); the schemas pin down the envelope the API accepts.

const createObjectSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"x": {"type": "number"},
		"y": {"type": "number"},
		"data": {"type": "object"}
	},
	"additionalProperties": false
}`

const updateObjectSchemaJSON = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"x": {"type": "number"},
		"y": {"type": "number"},
		"data": {"type": "object"}
	},
	"additionalProperties": false,
	"minProperties": 1
}`

type requestSchemas struct {
	createObject *jsonschema.Schema
	updateObject *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range map[string]string{
		"create-object.json": createObjectSchemaJSON,
		"update-object.json": updateObjectSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	createObject, err := compiler.Compile("create-object.json")
	if err != nil {
		return nil, err
	}
	updateObject, err := compiler.Compile("update-object.json")
	if err != nil {
		return nil, err
	}
	return &requestSchemas{
		createObject: createObject,
		updateObject: updateObject,
	}, nil
}

// validateBody checks raw JSON against a schema and returns a human-readable
// validation message on failure.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	if schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(doc)
}
