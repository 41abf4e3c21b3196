package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxContentLength bounds the size of CanonicalEvent.Content.
const MaxContentLength = 100000

const eventSchemaURL = "https://concord.schemas.local/canonical-event.schema.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "event_type", "source", "content", "content_type",
               "attachments", "context", "metadata", "timestamp", "priority"],
  "properties": {
    "event_id":        {"type": "string", "minLength": 1, "maxLength": 128},
    "event_type":      {"enum": ["chat", "inbound_message", "webhook", "command", "approval", "schedule"]},
    "source":          {"type": "string", "minLength": 1, "maxLength": 64},
    "source_id":       {"type": "string", "maxLength": 256},
    "user_id":         {"type": "string", "maxLength": 256},
    "session_id":      {"type": "string", "maxLength": 256},
    "thread_id":       {"type": "string", "maxLength": 256},
    "content":         {"type": "string"},
    "content_type":    {"enum": ["text", "markup", "structured"]},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name":         {"type": "string", "minLength": 1},
          "content_type": {"type": "string"},
          "url":          {"type": "string"},
          "size":         {"type": "integer", "minimum": 0}
        }
      }
    },
    "context":         {"type": "object"},
    "metadata":        {"type": "object"},
    "timestamp":       {"type": "string", "minLength": 1},
    "priority":        {"enum": ["low", "normal", "high"]},
    "idempotency_key": {"type": "string", "maxLength": 255}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func canonicalSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(eventSchemaURL, strings.NewReader(eventSchema)); err != nil {
			schemaErr = fmt.Errorf("event schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(eventSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateEvent checks the wire shape against the canonical schema and then
// applies the semantic rules the schema cannot express.
func ValidateEvent(e CanonicalEvent) error {
	schema, err := canonicalSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return schemaViolation(err)
	}

	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	if len(e.Content) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: "exceeds maximum length"}
	}
	if !utf8.ValidString(e.Content) {
		return &ValidationError{Field: "content", Reason: "must be valid UTF-8"}
	}

	switch e.Type {
	case EventTypeApproval:
		if _, err := SignalFromEvent(e); err != nil {
			return err
		}
	case EventTypeSchedule:
	default:
		if strings.TrimSpace(e.Content) == "" && len(e.Attachments) == 0 {
			return &ValidationError{Field: "content", Reason: "cannot be empty"}
		}
	}
	return nil
}

func schemaViolation(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	return &ValidationError{Field: field, Reason: leaf.Message}
}
