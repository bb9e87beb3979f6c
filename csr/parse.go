package csr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/ctxfed/errors"
)

const registrationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type", "endpoint", "information"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"const": "ContextSourceRegistration"},
    "endpoint": {"type": "string", "minLength": 1},
    "mode": {"enum": ["inclusive", "exclusive", "redirect", "auxiliary"]},
    "operations": {"type": "array", "items": {"type": "string"}},
    "information": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "entities": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "id": {"type": "string"},
                "idPattern": {"type": "string"},
                "type": {
                  "oneOf": [
                    {"type": "string"},
                    {"type": "array", "items": {"type": "string"}, "minItems": 1}
                  ]
                }
              }
            }
          },
          "propertyNames": {"type": "array", "items": {"type": "string"}},
          "relationshipNames": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "contextSourceInfo": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "value"],
        "properties": {"key": {"type": "string"}, "value": {"type": "string"}}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(registrationSchema)

// Parse decodes an NGSI-LD registration document, checking it against the registration
// schema, applying defaults and validating the result.
func Parse(raw []byte) (*Registration, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidRegistration, err),
			"csr", "Parse", "schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidRegistration, strings.Join(msgs, "; ")),
			"csr", "Parse", "schema validation")
	}

	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidRegistration, err),
			"csr", "Parse", "decode registration")
	}
	reg.ApplyDefaults()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}
