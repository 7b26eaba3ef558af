package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaGetNwbFileAnnotations = "get-nwb-file-annotations.json"
	schemaSetNwbFileAnnotations = "set-nwb-file-annotations.json"
	schemaGetAnnotations        = "get-annotations.json"
	schemaAddAnnotation         = "add-annotation.json"
	schemaDeleteAnnotation      = "delete-annotation.json"
	schemaCacheInvalidation     = "cache-invalidation.json"
)

const nwbTargetProperties = `
	"repo": {"type": "string", "minLength": 1},
	"dandiInstanceName": {"type": "string"},
	"dandisetId": {"type": "string", "minLength": 1},
	"dandisetVersion": {"type": "string"},
	"assetPath": {"type": "string", "minLength": 1},
	"assetId": {"type": "string", "minLength": 1}`

const nullableString = `{"type": ["string", "null"]}`

var requestSchemas = map[string]string{
	schemaGetNwbFileAnnotations: `{
		"type": "object",
		"required": ["repo", "dandisetId", "assetPath", "assetId"],
		"properties": {` + nwbTargetProperties + `}
	}`,
	schemaSetNwbFileAnnotations: `{
		"type": "object",
		"required": ["repo", "dandisetId", "assetPath", "assetId", "annotations"],
		"properties": {` + nwbTargetProperties + `,
			"message": {"type": "string"},
			"annotations": {
				"type": "array",
				"items": {"type": "object", "additionalProperties": {"type": "string"}}
			}
		}
	}`,
	schemaGetAnnotations: `{
		"type": "object",
		"properties": {
			"annotationId": ` + nullableString + `,
			"userId": ` + nullableString + `,
			"annotationType": ` + nullableString + `,
			"dandiInstanceName": ` + nullableString + `,
			"dandisetId": ` + nullableString + `,
			"dandisetVersion": ` + nullableString + `,
			"assetPath": ` + nullableString + `,
			"assetId": ` + nullableString + `,
			"assetUrl": ` + nullableString + `
		}
	}`,
	schemaAddAnnotation: `{
		"type": "object",
		"required": ["userId", "annotationType", "annotation"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"annotationType": {"type": "string", "minLength": 1},
			"annotation": {"type": "object"},
			"dandiInstanceName": {"type": "string"},
			"dandisetId": {"type": "string"},
			"dandisetVersion": {"type": "string"},
			"assetPath": {"type": "string"},
			"assetId": {"type": "string"},
			"assetUrl": {"type": "string"}
		}
	}`,
	schemaDeleteAnnotation: `{
		"type": "object",
		"required": ["annotationId"],
		"properties": {
			"annotationId": {"type": "string", "minLength": 1}
		}
	}`,
	schemaCacheInvalidation: `{
		"type": "object",
		"required": ["dandiInstanceName", "dandisetId", "assetPath", "assetId"],
		"properties": {
			"repo": {"type": "string"},
			"dandiInstanceName": {"type": "string", "minLength": 1},
			"dandisetId": {"type": "string", "minLength": 1},
			"assetPath": {"type": "string", "minLength": 1},
			"assetId": {"type": "string", "minLength": 1},
			"credentialFingerprint": {"type": "string"}
		}
	}`,
}

type schemaSet struct {
	schemas map[string]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	set := &schemaSet{schemas: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name := range requestSchemas {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.schemas[name] = schema
	}
	return set, nil
}

func mustCompileSchemas() *schemaSet {
	set, err := compileSchemas()
	if err != nil {
		panic(err)
	}
	return set
}

func (s *schemaSet) validate(name string, body []byte) error {
	schema, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("unknown request schema %s", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid request: %v", err)
	}
	return nil
}
