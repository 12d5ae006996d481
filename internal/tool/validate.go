package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// validateInput checks a normalised input against the tool's declared JSON
// schema. A nil schema accepts anything.
func validateInput(spec Spec, in Input) error {
	if spec.InputSchema == nil {
		return nil
	}

	schemaJSON, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: encode schema: %w", spec.Name, err)
	}

	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
	}

	// Round-trip through JSON so typed values match what the validator
	// expects (numbers as float64 and so on).
	payload, err := json.Marshal(in.Value())
	if err != nil {
		return fmt.Errorf("tool %s: encode input: %w", spec.Name, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("tool %s: decode input: %w", spec.Name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %s: input invalid: %w", spec.Name, err)
	}
	return nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
