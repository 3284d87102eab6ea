package gmp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Ingestion schemas. Structural validation happens here; enum validation of
// the kind strings is handled by ParseTaskKind/ParseEventKind so the error
// message can name the offending value.

const taskRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "task"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "meta": {"type": ["object", "null"]},
    "task": {"type": "object"}
  }
}`

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "eventID"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "eventID": {"type": "string", "minLength": 1},
    "meta": {"type": ["object", "null"]}
  }
}`

const eventBatchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "event.json"}
    }
  }
}`

var (
	taskRequestValidator *jsonschema.Schema
	eventBatchValidator  *jsonschema.Schema
)

func init() {
	c := jsonschema.NewCompiler()
	mustAdd(c, "task_request.json", taskRequestSchema)
	mustAdd(c, "event.json", eventSchema)
	mustAdd(c, "event_batch.json", eventBatchSchema)
	taskRequestValidator = c.MustCompile("task_request.json")
	eventBatchValidator = c.MustCompile("event_batch.json")
}

func mustAdd(c *jsonschema.Compiler, name, schema string) {
	if err := c.AddResource(name, bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("gmp: bad embedded schema %s: %v", name, err))
	}
}

// ValidateTaskRequest checks an inbound task-enqueue document against the
// request schema.
func ValidateTaskRequest(doc []byte) error {
	return validate(taskRequestValidator, doc)
}

// ValidateEventBatch checks an inbound event batch against the batch schema.
func ValidateEventBatch(doc []byte) error {
	return validate(eventBatchValidator, doc)
}

func validate(schema *jsonschema.Schema, doc []byte) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
