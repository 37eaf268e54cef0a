package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/protogate/errors"
)

const tenantSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "transport"],
  "properties": {
    "id":        {"type": "string", "minLength": 1, "maxLength": 128},
    "name":      {"type": "string"},
    "transport": {"type": "string", "enum": ["mqtt", "websocket", "tcp", "udp"]},
    "endpoints": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "enabled":   {"type": "boolean"},
    "version":   {"type": "integer", "minimum": 0},
    "product_key": {"type": "string"},
    "decoder":   {"type": "string", "enum": ["", "utf8", "hex", "base64", "cbor"]},
    "rate_limit": {"type": "number", "minimum": 0},
    "shared_connection": {"type": "string"},
    "credentials": {"type": "object"},
    "tls": {
      "type": "object",
      "properties": {
        "enabled":     {"type": "boolean"},
        "ca_files":    {"type": "array", "items": {"type": "string"}},
        "min_version": {"type": "string", "enum": ["", "1.2", "1.3"]}
      }
    },
    "subscriptions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["address"],
        "properties": {
          "address":     {"type": "string", "minLength": 1},
          "product_key": {"type": "string"},
          "category":    {"type": "string"},
          "qos":         {"type": "integer", "minimum": 0, "maximum": 2},
          "enabled":     {"type": "boolean"}
        }
      }
    }
  }
}`

var tenantSchemaLoader = gojsonschema.NewStringLoader(tenantSchema)

// ValidateTenantDocument checks a decoded tenant record (from JSON or YAML)
// against the tenant schema.
func ValidateTenantDocument(doc any) error {
	result, err := gojsonschema.Validate(tenantSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "Config", "ValidateTenantDocument", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
		"Config", "ValidateTenantDocument", "schema check")
}
