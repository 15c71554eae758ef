package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const traceSchemaURL = "https://x402-gateway.local/schemas/trace-request.json"

func traceSchemaJSON() string {
	types, _ := json.Marshal(EventTypes)
	return `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sid"],
  "properties": {
    "sid": {"type": "string", "minLength": 1},
    "fingerprint": {"type": "object"},
    "telemetry": {"type": "object"},
    "agent_trace": {
      "type": "object",
      "required": ["task", "events"],
      "properties": {
        "task": {"type": "string"},
        "parameters": {"type": "object"},
        "environment": {"type": "object"},
        "model_config": {"type": "object"},
        "session_context": {"type": "object"},
        "completed_at": {"type": "string"},
        "events": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type"],
            "properties": {"type": {"enum": ` + string(types) + `}}
          }
        }
      }
    }
  }
}`
}

// TraceValidator checks trace requests against the trace JSON Schema.
type TraceValidator struct {
	schema *jsonschema.Schema
}

// NewTraceValidator compiles the trace schema.
func NewTraceValidator() (*TraceValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(traceSchemaURL, strings.NewReader(traceSchemaJSON())); err != nil {
		return nil, fmt.Errorf("add trace schema: %w", err)
	}
	schema, err := c.Compile(traceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile trace schema: %w", err)
	}
	return &TraceValidator{schema: schema}, nil
}

// Validate returns ErrInvalidInput describing the first schema violation.
// A decoded request is checked as received; one built in code is checked
// through its JSON encoding.
func (v *TraceValidator) Validate(req *TraceRequest) error {
	var doc any
	if req.doc != nil {
		doc = req.doc
	} else {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalidInput, leafMessage(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// leafMessage returns the most specific cause, e.g. "/agent_trace/events/0/type: value must be one of ...".
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
