package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateClientData checks data against a JSON schema document, typically
// declared in a section's prompt config. The schema is compiled per call;
// sections carrying schemas are few and batches are built once per version.
func ValidateClientData(schema map[string]any, data map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode client data schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("client_data.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("load client data schema: %w", err)
	}
	compiled, err := compiler.Compile("client_data.json")
	if err != nil {
		return fmt.Errorf("compile client data schema: %w", err)
	}

	// Round-trip so numeric types match what the schema library expects.
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode client data: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("decode client data: %w", err)
	}
	return compiled.Validate(value)
}
