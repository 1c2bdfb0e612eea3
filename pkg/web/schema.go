package web

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const flowPayloadSchema = `{
  "type": "object",
  "required": ["flow", "steps"],
  "properties": {
    "flow": {
      "type": "object",
      "required": ["name", "createdAt"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "createdAt": {"type": "string", "format": "date-time"},
        "finishedAt": {"type": ["string", "null"], "format": "date-time"}
      }
    },
    "steps": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name", "version", "flow", "createdAt", "position", "status"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "version": {"type": "integer", "minimum": 1},
          "flow": {"type": "string", "minLength": 1},
          "createdAt": {"type": "string", "format": "date-time"},
          "position": {"type": "integer", "minimum": 0},
          "status": {"enum": ["pending", "running", "completed", "failed"]},
          "reason": {"type": ["string", "null"]},
          "startedAt": {"type": ["string", "null"], "format": "date-time"},
          "finishedAt": {"type": ["string", "null"], "format": "date-time"},
          "observations": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["name", "version", "step"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "version": {"type": "integer", "minimum": 1},
                "step": {"type": "string", "minLength": 1},
                "createdAt": {"type": "string", "format": "date-time"},
                "queryable": {
                  "type": ["object", "null"],
                  "additionalProperties": {"enum": ["number", "boolean", "string", null]}
                }
              }
            }
          }
        }
      }
    }
  }
}`

var payloadSchema = mustCompileSchema(flowPayloadSchema)

func mustCompileSchema(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Errorf("invalid flow payload schema: %w", err))
	}

	return compiled
}

// validatePayloadSchema checks the raw request body against the flow payload schema.
func validatePayloadSchema(body []byte) error {
	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
