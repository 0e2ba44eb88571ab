package sources

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RecordSchema validates record payloads against a compiled JSON Schema
type RecordSchema struct {
	schema *jsonschema.Schema
}

// LoadRecordSchema compiles the JSON Schema at path
func LoadRecordSchema(path string) (*RecordSchema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile record schema %s: %w", path, err)
	}
	return &RecordSchema{schema: schema}, nil
}

// Validate checks one JSON document against the schema
func (s *RecordSchema) Validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}
	return nil
}
