package ingest

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// fetchBodySchema describes the optional firewall override accepted by
// POST /api/v1/policies/fetch.
const fetchBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ip_address", "api_token"],
  "additionalProperties": false,
  "properties": {
    "ip_address":  {"type": "string", "minLength": 1, "maxLength": 255},
    "api_token":   {"type": "string", "minLength": 1},
    "vendor_type": {"type": "string", "minLength": 1, "maxLength": 64},
    "device_id":   {"type": ["string", "null"], "maxLength": 255},
    "device_name": {"type": ["string", "null"], "maxLength": 255},
    "verify_ssl":  {"type": "boolean"},
    "timeout":     {"type": "integer", "minimum": 1, "maximum": 300},
    "api_version": {"type": "string", "pattern": "^v[0-9]+$"}
  }
}`

var fetchSchema = mustCompile(fetchBodySchema)

func mustCompile(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

func validateFetchBody(data []byte) error {
	result := fetchSchema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
