package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Handler     ToolHandler     `json:"-"`
	Schema      Schema          `json:"-"`
	Annotations ToolAnnotations `json:"annotations,omitzero"`
}

// ToolAnnotations are client hints about a tool's side effects.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// ToolHandler is the function signature for tool handlers
type ToolHandler func(context.Context, Args) (any, error)

// Schema represents a JSON Schema for tool input validation
type Schema map[string]SchemaField

// SchemaField represents a single field in the schema
type SchemaField struct {
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"-"`
	Default     any      `json:"default,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	MinLength   int      `json:"minLength,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// JSONSchema renders the schema as the object schema sent in tools/list.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := []string{}
	for name, field := range s {
		props[name] = field
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// ToolInfo is a tool as listed to clients.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema map[string]any  `json:"inputSchema"`
	Annotations ToolAnnotations `json:"annotations,omitzero"`
}

// Info returns the listing form of t.
func (t Tool) Info() ToolInfo {
	return ToolInfo{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.Schema.JSONSchema(),
		Annotations: t.Annotations,
	}
}

// Args provides type-safe access to tool arguments
type Args map[string]any

// String returns a string argument
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Bool returns a boolean argument
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// Strings returns an array argument whose elements are all strings.
func (a Args) Strings(key string) ([]string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("arg %s: expected array, got %T", key, raw)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("arg %s[%d]: expected string, got %T", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}

// ValidatedString returns a validated string argument
func (a Args) ValidatedString(key string, validator security.ArgValidator) (string, error) {
	val, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing required arg: %s", key)
	}

	if validator != nil {
		if err := validator.Validate(val); err != nil {
			return "", fmt.Errorf("validation failed for %s: %w", key, err)
		}
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("arg %s: expected string, got %T", key, val)
	}
	return str, nil
}

// ValidatedInt returns a validated integer argument, or def when absent.
func (a Args) ValidatedInt(key string, def int, validator security.ArgValidator) (int, error) {
	val, ok := a[key]
	if !ok || val == nil {
		return def, nil
	}

	if validator != nil {
		if err := validator.Validate(val); err != nil {
			return 0, fmt.Errorf("validation failed for %s: %w", key, err)
		}
	}

	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), nil
		}
	}
	return 0, fmt.Errorf("arg %s: expected integer, got %T", key, val)
}

// ValidateArgs validates arguments against the tool's schema
func (s Schema) ValidateArgs(args Args) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, fieldName := range names {
		field := s[fieldName]
		val, exists := args[fieldName]

		if field.Required && (!exists || val == nil) {
			return fmt.Errorf("missing required field: %s", fieldName)
		}
		if !exists || val == nil {
			continue
		}
		if err := validateFieldType(fieldName, val, field); err != nil {
			return err
		}
	}
	return nil
}

// validateFieldType validates a field against its schema definition
func validateFieldType(fieldName string, val any, field SchemaField) error {
	switch field.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", fieldName, val)
		}
		if field.MinLength > 0 && len(str) < field.MinLength {
			return fmt.Errorf("field %s: string too short (min %d)", fieldName, field.MinLength)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return fmt.Errorf("field %s: string too long (max %d)", fieldName, field.MaxLength)
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return fmt.Errorf("field %s: invalid pattern in schema: %w", fieldName, err)
			}
			if !re.MatchString(str) {
				return fmt.Errorf("field %s: value does not match pattern %s", fieldName, field.Pattern)
			}
		}
		if len(field.Enum) > 0 {
			found := false
			for _, allowed := range field.Enum {
				if allowedStr, ok := allowed.(string); ok && allowedStr == str {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("field %s: value not in allowed list", fieldName)
			}
		}

	case "number", "integer":
		var numVal float64
		switch v := val.(type) {
		case float64:
			numVal = v
		case int:
			numVal = float64(v)
		case int64:
			numVal = float64(v)
		default:
			return fmt.Errorf("field %s: expected number, got %T", fieldName, val)
		}
		if field.Type == "integer" && numVal != float64(int64(numVal)) {
			return fmt.Errorf("field %s: expected integer, got %v", fieldName, numVal)
		}
		if field.Minimum != nil && numVal < *field.Minimum {
			return fmt.Errorf("field %s: value %v below minimum %v", fieldName, numVal, *field.Minimum)
		}
		if field.Maximum != nil && numVal > *field.Maximum {
			return fmt.Errorf("field %s: value %v above maximum %v", fieldName, numVal, *field.Maximum)
		}

	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %T", fieldName, val)
		}

	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s: expected object, got %T", fieldName, val)
		}

	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %s: expected array, got %T", fieldName, val)
		}
	}
	return nil
}

// CallToolParams represents parameters for calling a tool
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult represents the result of a tool call
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content represents tool result content
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolError is a handler failure with a client-facing code. Message is
// shown to the caller after sanitising; Err stays server-side.
type ToolError struct {
	Code      security.ErrorCode
	Message   string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// AsToolError extracts a *ToolError from err.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	ok := errors.As(err, &te)
	return te, ok
}
