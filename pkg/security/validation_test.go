package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(i int) *int { return &i }

func TestStringValidator_TCLPassesThrough(t *testing.T) {
	// Quotes and verbs that look like SQL are ordinary RetrieVe syntax.
	inputs := []string{
		`LIST CUSTOMERS WITH NAME = "O'Brien"`,
		`SELECT ORDERS WITH STATUS = "OPEN" OR STATUS = "HELD"`,
		"SORT CUST BY NAME -- comment-looking tail",
	}
	for _, in := range inputs {
		assert.NoError(t, CommandValidator.Validate(in), in)
	}
}

func TestStringValidator_Constraints(t *testing.T) {
	tests := []struct {
		name      string
		validator *StringValidator
		input     any
		wantErr   bool
	}{
		{"not a string", &StringValidator{}, 42, true},
		{"too short", &StringValidator{MinLength: 3}, "ab", true},
		{"too long", &StringValidator{MaxLength: 3}, "abcd", true},
		{"exact length", &StringValidator{MinLength: 4, MaxLength: 4}, "abcd", false},
		{"null byte", &StringValidator{DisallowNullBytes: true}, "a\x00b", true},
		{"control char", &StringValidator{DisallowControlChars: true}, "a\x07b", true},
		{"newline allowed", &StringValidator{DisallowControlChars: true}, "a\nb", false},
		{"allowlist hit", &StringValidator{AllowedVals: []string{"stdio", "http"}}, "http", false},
		{"allowlist miss", &StringValidator{AllowedVals: []string{"stdio", "http"}}, "grpc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator.Validate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNameValidators(t *testing.T) {
	assert.NoError(t, FileNameValidator.Validate("CUSTOMERS"))
	assert.NoError(t, FileNameValidator.Validate("DICT.CUST"))
	assert.Error(t, FileNameValidator.Validate(""))
	assert.Error(t, FileNameValidator.Validate("TWO WORDS"))
	assert.Error(t, FileNameValidator.Validate(strings.Repeat("F", 256)))

	assert.NoError(t, RecordIDValidator.Validate("C100"))
	assert.NoError(t, RecordIDValidator.Validate("ID WITH SPACE"))
	assert.Error(t, RecordIDValidator.Validate("C\x00100"))
	assert.Error(t, RecordIDValidator.Validate(""))

	assert.Error(t, CommandValidator.Validate(""))
}

func TestIntValidator(t *testing.T) {
	v := &IntValidator{Min: intPtr(0), Max: intPtr(100)}

	assert.NoError(t, v.Validate(0))
	assert.NoError(t, v.Validate(float64(100)))
	assert.NoError(t, v.Validate(int64(50)))
	assert.Error(t, v.Validate(-1))
	assert.Error(t, v.Validate(101))
	assert.Error(t, v.Validate(1.5))
	assert.Error(t, v.Validate("10"))

	assert.NoError(t, NumArgsValidator.Validate(float64(MaxSubroutineArgs)))
	assert.Error(t, NumArgsValidator.Validate(float64(MaxSubroutineArgs+1)))
}

func TestValidateFilePath(t *testing.T) {
	assert.NoError(t, ValidateFilePath("config/u2mcp.yaml"))
	assert.NoError(t, ValidateFilePath("/etc/u2mcp/config.yaml"))
	assert.Error(t, ValidateFilePath(""))
	assert.Error(t, ValidateFilePath("../../etc/passwd"))
	assert.Error(t, ValidateFilePath("config.yaml; rm -rf /"))
	assert.Error(t, ValidateFilePath("cfg\x00.yaml"))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"remove null bytes", "test\x00data", "testdata"},
		{"remove control characters", "test\x01\x02data", "testdata"},
		{"keep newlines and tabs", "test\nwith\ttabs", "test\nwith\ttabs"},
		{"clean string unchanged", "clean string", "clean string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeString(tt.input))
		})
	}
}

func TestValidateToolName(t *testing.T) {
	assert.NoError(t, ValidateToolName("read_record"))
	assert.NoError(t, ValidateToolName("u2:execute-query"))
	assert.Error(t, ValidateToolName(""))
	assert.Error(t, ValidateToolName(strings.Repeat("a", 101)))
	assert.Error(t, ValidateToolName("tool name"))
	assert.Error(t, ValidateToolName("tool@name!"))
}

func TestValidateJSONObject(t *testing.T) {
	assert.NoError(t, ValidateJSONObject(map[string]any{"file": "CUST"}))
	assert.NoError(t, ValidateJSONObject(map[string]any{}))
	assert.Error(t, ValidateJSONObject(nil))
	assert.Error(t, ValidateJSONObject("not an object"))
	assert.Error(t, ValidateJSONObject([]any{"a"}))
}

func TestSanitizeErrorWithCode(t *testing.T) {
	err := errors.New("connect to 10.1.2.3:31438 failed password=hunter2 at /home/u2/conn.go:42")

	assert.Nil(t, SanitizeErrorWithCode(nil, ErrCodeConnection, "x", true))

	plain := SanitizeErrorWithCode(err, ErrCodeConnection, "backend unavailable", false)
	assert.Equal(t, ErrCodeConnection, plain.Code)
	assert.Equal(t, "backend unavailable", plain.Message)
	assert.Nil(t, plain.Details)

	debug := SanitizeErrorWithCode(err, ErrCodeConnection, "backend unavailable", true)
	detail := debug.Details["error"].(string)
	assert.NotContains(t, detail, "hunter2")
	assert.NotContains(t, detail, "10.1.2.3")
	assert.NotContains(t, detail, "/home/")
	assert.Contains(t, detail, "[REDACTED]")
	assert.Contains(t, detail, "[IP_ADDRESS]")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "lo****rd", MaskSecret("longpassword"))
}
