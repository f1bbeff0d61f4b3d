package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

type readInput struct {
	File string `json:"file" description:"File name" jsonschema:"required,minLength=1"`
	ID   string `json:"id" jsonschema:"required"`
	Raw  bool   `json:"raw"`
}

type readOutput struct {
	File   string `json:"file"`
	ID     string `json:"id"`
	Fields []any  `json:"fields"`
}

func TestNewTypedTool(t *testing.T) {
	handler := func(ctx context.Context, in readInput) (readOutput, error) {
		return readOutput{File: in.File, ID: in.ID}, nil
	}

	tool := NewTypedTool("read_record", "Read a record", handler)

	if tool.Name() != "read_record" {
		t.Errorf("expected name 'read_record', got '%s'", tool.Name())
	}

	schema := tool.Schema()
	if len(schema) != 3 {
		t.Errorf("expected 3 schema fields, got %d", len(schema))
	}

	fileField, ok := schema["file"]
	if !ok {
		t.Fatal("expected 'file' field in schema")
	}
	if fileField.Type != "string" {
		t.Errorf("expected file type 'string', got '%s'", fileField.Type)
	}
	if !fileField.Required {
		t.Error("expected file field to be required")
	}
	if fileField.Description != "File name" {
		t.Errorf("expected description 'File name', got '%s'", fileField.Description)
	}
	if schema["raw"].Required {
		t.Error("raw should be optional")
	}
}

func TestTypedToolExecution(t *testing.T) {
	handler := func(ctx context.Context, in readInput) (readOutput, error) {
		return readOutput{File: in.File, ID: in.ID, Fields: []any{"Alice"}}, nil
	}

	tool := NewTypedTool("read_record", "Read a record", handler).ToTool()

	result, err := tool.Handler(context.Background(), Args{"file": "CUSTOMERS", "id": "C100"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output, ok := result.(readOutput)
	if !ok {
		t.Fatalf("expected readOutput, got %T", result)
	}
	if output.File != "CUSTOMERS" || output.ID != "C100" {
		t.Errorf("unexpected output %+v", output)
	}
}

func TestTypedToolAnnotations(t *testing.T) {
	handler := func(ctx context.Context, in readInput) (readOutput, error) { return readOutput{}, nil }

	ro := NewTypedTool("read_record", "", handler).ReadOnly().ToTool()
	if !ro.Annotations.ReadOnlyHint || ro.Annotations.DestructiveHint {
		t.Errorf("unexpected annotations %+v", ro.Annotations)
	}

	del := NewTypedTool("delete_record", "", handler).Destructive().ToTool()
	if !del.Annotations.DestructiveHint {
		t.Error("expected destructive hint")
	}
}

func TestGenerateSchema(t *testing.T) {
	type queryInput struct {
		Query      string            `json:"query" jsonschema:"required,minLength=1,maxLength=100"`
		MaxRecords int               `json:"max_records" jsonschema:"minimum=0,maximum=150"`
		Ratio      float64           `json:"ratio"`
		Sorted     bool              `json:"sorted"`
		Args       []string          `json:"args"`
		Options    map[string]string `json:"options"`
		Record     any               `json:"record"`
		Mode       string            `json:"mode" jsonschema:"enum=ids|report"`
		Skipped    string            `json:"-"`
	}

	schema := generateSchema[queryInput]()

	queryField := schema["query"]
	if queryField.Type != "string" {
		t.Errorf("expected query type 'string', got '%s'", queryField.Type)
	}
	if !queryField.Required {
		t.Error("expected query to be required")
	}
	if queryField.MinLength != 1 || queryField.MaxLength != 100 {
		t.Errorf("unexpected length bounds %d..%d", queryField.MinLength, queryField.MaxLength)
	}

	maxField := schema["max_records"]
	if maxField.Type != "integer" {
		t.Errorf("expected max_records type 'integer', got '%s'", maxField.Type)
	}
	if maxField.Minimum == nil || *maxField.Minimum != 0 {
		t.Error("expected minimum 0")
	}
	if maxField.Maximum == nil || *maxField.Maximum != 150 {
		t.Error("expected maximum 150")
	}

	for name, want := range map[string]string{
		"ratio":   "number",
		"sorted":  "boolean",
		"args":    "array",
		"options": "object",
		"record":  "",
	} {
		if got := schema[name].Type; got != want {
			t.Errorf("%s: expected type %q, got %q", name, want, got)
		}
	}

	if len(schema["mode"].Enum) != 2 {
		t.Errorf("expected 2 enum values, got %v", schema["mode"].Enum)
	}
	if _, ok := schema["-"]; ok {
		t.Error("json:\"-\" fields must be skipped")
	}
}

func TestTypedToolWithError(t *testing.T) {
	handler := func(ctx context.Context, in readInput) (readOutput, error) {
		return readOutput{}, context.Canceled
	}

	tool := NewTypedTool("read_record", "Read", handler).ToTool()

	_, err := tool.Handler(context.Background(), Args{"file": "F", "id": "1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled error, got %v", err)
	}
}

func TestTypedToolBadArguments(t *testing.T) {
	handler := func(ctx context.Context, in readInput) (readOutput, error) {
		return readOutput{}, nil
	}

	tool := NewTypedTool("read_record", "Read", handler).ToTool()

	_, err := tool.Handler(context.Background(), Args{"file": 42})
	te, ok := AsToolError(err)
	if !ok {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if te.Code != security.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %s", te.Code)
	}
}
