package mcpwire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateToolArguments checks tool arguments against the tool's
// declared input schema. A mismatch surfaces as *ValidationError naming
// the first offending field; a schema that cannot be compiled also
// surfaces as *ValidationError so callers treat bad declarations and
// bad input the same way.
func ValidateToolArguments(schema json.RawMessage, arguments map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(arguments),
	)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %v", err)}
	}

	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		if prop, ok := first.Details()["property"].(string); ok {
			field = strings.TrimSpace(prop)
		} else {
			field = ""
		}
	}
	return &ValidationError{Field: field, Message: first.Description()}
}
