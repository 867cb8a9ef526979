package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"esp32-tools/internal/domain"
)

// payloadSchemas are the JSON Schemas RPC payloads are checked against before
// a handler runs. Methods without an entry accept any payload.
var payloadSchemas = map[string]string{
	"session.connect": `{
		"type": "object",
		"properties": {
			"port":         {"type": "string"},
			"baud_rate":    {"type": "integer", "minimum": 0},
			"max_attempts": {"type": "integer", "minimum": 0, "maximum": 20}
		}
	}`,
	"command.send": `{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command":            {"type": "string", "pattern": "\\S", "maxLength": 256},
			"overall_timeout_ms": {"type": "integer", "minimum": 0},
			"quiet_timeout_ms":   {"type": "integer", "minimum": 0}
		}
	}`,
	"flash.dump": `{
		"type": "object",
		"properties": {
			"start":  {"type": "integer", "minimum": 0},
			"size":   {"type": "integer", "minimum": 0},
			"device": {"type": "string", "maxLength": 64},
			"chip":   {"type": "string", "maxLength": 64}
		}
	}`,
	"operation.run": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name":               {"type": "string", "minLength": 1},
			"command":            {"type": "string", "maxLength": 256},
			"overall_timeout_ms": {"type": "integer", "minimum": 0},
			"quiet_timeout_ms":   {"type": "integer", "minimum": 0},
			"record":             {"type": "boolean"},
			"attributes":         {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	"dumps.get": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledSchemas = mustCompileSchemas(payloadSchemas)

func mustCompileSchemas(raw map[string]string) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(raw))
	for method, src := range raw {
		s, err := compileSchema(method, src)
		if err != nil {
			panic(err)
		}
		out[method] = s
	}
	return out
}

func compileSchema(method, src string) (*jsonschema.Schema, error) {
	url := method + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", method, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", method, err)
	}
	return s, nil
}

// validated wraps handler so payloads failing method's schema are rejected
// with ErrRPCInvalidPayload. A missing payload is checked as an empty object.
func validated(method string, handler RPCHandler) RPCHandler {
	schema, ok := compiledSchemas[method]
	if !ok {
		return handler
	}
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		raw := payload
		if len(raw) == 0 || string(raw) == "null" {
			raw = json.RawMessage(`{}`)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, domain.NewDomainError(method, domain.ErrRPCInvalidPayload, "invalid JSON")
		}
		if err := schema.Validate(v); err != nil {
			return nil, domain.NewDomainError(method, domain.ErrRPCInvalidPayload, schemaDetail(err))
		}
		return handler(ctx, client, payload)
	}
}

// schemaDetail flattens a validation error to its first line.
func schemaDetail(err error) string {
	msg := err.Error()
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		msg = fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
	}
	first, _, _ := strings.Cut(msg, "\n")
	return first
}
