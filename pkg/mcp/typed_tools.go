package mcp

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// TypedTool provides compile-time type safety for MCP tools
type TypedTool[I, O any] struct {
	name        string
	description string
	handler     func(context.Context, I) (O, error)
	schema      Schema
	annotations ToolAnnotations
}

// NewTypedTool creates a new type-safe tool with auto-generated schema.
// Input fields are described with struct tags:
//
//	File string `json:"file" description:"File name" jsonschema:"required,minLength=1"`
func NewTypedTool[I, O any](
	name string,
	description string,
	handler func(context.Context, I) (O, error),
) *TypedTool[I, O] {
	return &TypedTool[I, O]{
		name:        name,
		description: description,
		handler:     handler,
		schema:      generateSchema[I](),
	}
}

// ReadOnly marks the tool as free of side effects.
func (t *TypedTool[I, O]) ReadOnly() *TypedTool[I, O] {
	t.annotations.ReadOnlyHint = true
	return t
}

// Destructive marks the tool as able to change or remove data.
func (t *TypedTool[I, O]) Destructive() *TypedTool[I, O] {
	t.annotations.DestructiveHint = true
	return t
}

// Name returns the tool name
func (t *TypedTool[I, O]) Name() string {
	return t.name
}

// Schema returns the generated JSON schema
func (t *TypedTool[I, O]) Schema() Schema {
	return t.schema
}

// ToTool converts the typed tool to the standard Tool interface
func (t *TypedTool[I, O]) ToTool() Tool {
	return Tool{
		Name:        t.name,
		Description: t.description,
		Schema:      t.schema,
		Handler:     t.createHandler(),
		Annotations: t.annotations,
	}
}

// createHandler creates a generic ToolHandler from the typed handler
func (t *TypedTool[I, O]) createHandler() ToolHandler {
	return func(ctx context.Context, args Args) (any, error) {
		var input I

		jsonBytes, err := json.Marshal(args)
		if err != nil {
			return nil, &ToolError{Code: security.ErrCodeInvalidInput, Message: "arguments are not valid JSON", Err: err}
		}
		if err := json.Unmarshal(jsonBytes, &input); err != nil {
			return nil, &ToolError{Code: security.ErrCodeInvalidInput, Message: "arguments do not match the tool's input schema", Err: err}
		}

		return t.handler(ctx, input)
	}
}

// generateSchema generates a JSON schema from a Go struct type
func generateSchema[T any]() Schema {
	schema := make(Schema)
	typ := reflect.TypeFor[T]()

	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return schema
	}

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldName := parseJSONFieldName(field.Tag.Get("json"), field.Name)
		if fieldName == "-" {
			continue
		}

		schemaField := SchemaField{
			Type:        goTypeToJSONType(field.Type),
			Description: field.Tag.Get("description"),
		}
		parseJSONSchemaOptions(field.Tag.Get("jsonschema"), &schemaField)

		schema[fieldName] = schemaField
	}

	return schema
}

// parseJSONFieldName extracts the field name from a json tag
func parseJSONFieldName(tag string, defaultName string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(defaultName)
	}
	return name
}

// goTypeToJSONType converts Go types to JSON schema types
func goTypeToJSONType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		// interface fields such as record payloads accept any JSON value
		return ""
	}
}

// parseJSONSchemaOptions parses jsonschema tag options:
// required, minLength=n, maxLength=n, pattern=re, minimum=x, maximum=x,
// enum=a|b|c.
func parseJSONSchemaOptions(tag string, field *SchemaField) {
	if tag == "" {
		return
	}

	for part := range strings.SplitSeq(tag, ",") {
		key, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		if !hasValue {
			if key == "required" {
				field.Required = true
			}
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "minLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MinLength = n
			}
		case "maxLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MaxLength = n
			}
		case "pattern":
			field.Pattern = value
		case "description":
			field.Description = value
		case "minimum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Minimum = &f
			}
		case "maximum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Maximum = &f
			}
		case "enum":
			enumValues := strings.Split(value, "|")
			field.Enum = make([]any, len(enumValues))
			for i, v := range enumValues {
				field.Enum[i] = strings.TrimSpace(v)
			}
		}
	}
}
