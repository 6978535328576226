// Package schema compiles JSON-Schema documents built as Go maps and validates raw JSON against them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile compiles schemaMap under the given resource name.
func Compile(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name string, schemaMap map[string]any) *jsonschema.Schema {
	s, err := Compile(name, schemaMap)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against s.
func Validate(s *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// DecimalProp matches an amount written as a JSON number or a decimal string.
func DecimalProp() map[string]any {
	return map[string]any{
		"type":    []any{"string", "number", "null"},
		"pattern": `^-?\d*(\.\d+)?$`,
	}
}

// NullableString matches a string or null.
func NullableString() map[string]any {
	return map[string]any{"type": []any{"string", "null"}}
}
