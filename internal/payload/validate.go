package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Validator checks payloads against the per-kind schemas.
type Validator struct {
	schemas map[pipeline.JobKind]*jsonschema.Schema
}

// NewValidator compiles the schema for every known job kind.
func NewValidator() (*Validator, error) {
	schemas := make(map[pipeline.JobKind]*jsonschema.Schema, len(pipeline.KnownKinds()))
	for _, kind := range pipeline.KnownKinds() {
		schema, err := compileSchema(buildKindSchema(kind))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks raw against the schema for kind and returns the normalized
// payload plus the marketplace it names. Failures wrap ErrInvalidPayload.
func (v *Validator) Validate(kind pipeline.JobKind, raw json.RawMessage) (json.RawMessage, string, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown kind %q", pipeline.ErrInvalidPayload, kind)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, "", fmt.Errorf("%w: not valid JSON: %v", pipeline.ErrInvalidPayload, err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%w: payload must be a JSON object", pipeline.ErrInvalidPayload)
	}
	normalizeFields(fields)
	if err := schema.Validate(fields); err != nil {
		return nil, "", fmt.Errorf("%w: %v", pipeline.ErrInvalidPayload, err)
	}
	marketplace, _ := fields["marketplace"].(string)
	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("marshal normalized payload: %w", err)
	}
	return normalized, marketplace, nil
}

// normalizeFields trims string fields and case-folds the ones whose casing
// carries no meaning, so equivalent submissions share one cache key.
func normalizeFields(fields map[string]any) {
	for key, value := range fields {
		s, ok := value.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		switch key {
		case "query", "sort":
			s = strings.ToLower(s)
		case "marketplace", "asin":
			s = strings.ToUpper(s)
		}
		fields[key] = s
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
