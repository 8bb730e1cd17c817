package verification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas for the verification message types the receiver consumes. The
// state machine only ever sees content that validated here, which turns the
// protocol's "malformed event" error kind into a single reject
// point instead of per-field checks scattered through the transitions.
var messageSchemas = map[string]string{
	"m.key.verification.request": `{
		"type": "object",
		"properties": {
			"from_device": {"type": "string", "minLength": 1},
			"methods": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["from_device", "methods"]
	}`,
	"m.key.verification.ready": `{
		"type": "object",
		"properties": {
			"from_device": {"type": "string", "minLength": 1},
			"methods": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["from_device", "methods"]
	}`,
	"m.key.verification.start": `{
		"type": "object",
		"properties": {
			"from_device": {"type": "string", "minLength": 1},
			"method": {"type": "string", "minLength": 1}
		},
		"required": ["from_device", "method"]
	}`,
	"m.key.verification.cancel": `{
		"type": "object",
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		},
		"required": ["code"]
	}`,
	"m.key.verification.done": `{
		"type": "object"
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(messageSchemas))
		for msgType, raw := range messageSchemas {
			var doc any
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				compileErr = fmt.Errorf("verification: unmarshal schema for %s: %w", msgType, err)
				return
			}
			c := jsonschema.NewCompiler()
			url := msgType + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("verification: add schema resource for %s: %w", msgType, err)
				return
			}
			schema, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("verification: compile schema for %s: %w", msgType, err)
				return
			}
			compiled[msgType] = schema
		}
	})
	return compiled, compileErr
}

// ValidateContent checks a verification message's content against the
// schema for its type. Unknown message types are rejected; the caller drops
// the message with a warning rather than cancelling the flow.
func ValidateContent(msgType string, content map[string]any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[msgType]
	if !ok {
		return fmt.Errorf("verification: unknown message type %q", msgType)
	}
	// Round-trip through JSON so nested values use the plain
	// map/slice/float shapes the validator expects regardless of how the
	// transport decoded them.
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("verification: marshal content: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("verification: reparse content: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("verification: invalid %s content: %w", msgType, err)
	}
	return nil
}
