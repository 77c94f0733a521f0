package harness

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultMaxArgBytes bounds the size of one tool call's arguments.
const DefaultMaxArgBytes = 1 << 20

// Guardrails validates tool calls before they run.
type Guardrails struct {
	allowlist     map[string]bool // allowed tool names
	maxArgBytes   int
	jsonValidator *JSONValidator // for schema validation
}

// NewGuardrails creates guardrails that allow nothing until tools are added.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist:     make(map[string]bool),
		maxArgBytes:   DefaultMaxArgBytes,
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// ValidateToolCall checks that a call is allowed and that its arguments
// match the tool's schema.
func (g *Guardrails) ValidateToolCall(call ToolCall, schema []byte) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.allowlist[call.Name] {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if len(call.Arguments) > g.maxArgBytes {
		return fmt.Errorf("tool arguments exceed %d bytes", g.maxArgBytes)
	}
	if err := g.jsonValidator.Validate(call.Arguments, schema); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	return nil
}

// JSONValidator handles JSON schema validation. Compiled schemas are cached.
type JSONValidator struct {
	schemas sync.Map // string(schema) -> *gojsonschema.Schema
}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	// First check basic JSON validity
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}
	if len(schema) == 0 {
		return nil // no schema to validate against
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (v *JSONValidator) compile(schema []byte) (*gojsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := v.schemas.Load(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v.schemas.Store(key, compiled)
	return compiled, nil
}
