package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ArgValidator defines an interface for validating arguments
type ArgValidator interface {
	Validate(value any) error
}

// StringValidator validates string arguments with various constraints.
// TCL and RetrieVe text is passed through verbatim, so there is no
// keyword or quote screening here; the command guard decides what runs.
type StringValidator struct {
	Pattern              *regexp.Regexp
	MaxLength            int
	MinLength            int
	AllowedVals          []string
	DisallowNullBytes    bool
	DisallowControlChars bool
}

// Validate checks if the value meets all string validation constraints
func (v *StringValidator) Validate(value any) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}

	if v.MinLength > 0 && len(str) < v.MinLength {
		return fmt.Errorf("string too short: minimum %d characters", v.MinLength)
	}

	if v.MaxLength > 0 && len(str) > v.MaxLength {
		return fmt.Errorf("string exceeds max length %d", v.MaxLength)
	}

	if v.DisallowNullBytes && strings.Contains(str, "\x00") {
		return fmt.Errorf("string contains null bytes")
	}

	if v.DisallowControlChars {
		for _, r := range str {
			if r < 32 && r != '\n' && r != '\t' && r != '\r' {
				return fmt.Errorf("string contains control characters")
			}
		}
	}

	if v.Pattern != nil && !v.Pattern.MatchString(str) {
		return fmt.Errorf("string does not match required pattern")
	}

	if len(v.AllowedVals) > 0 {
		for _, allowed := range v.AllowedVals {
			if str == allowed {
				return nil
			}
		}
		return fmt.Errorf("string not in allowlist")
	}

	return nil
}

// IntValidator validates integer arguments
type IntValidator struct {
	Min *int
	Max *int
}

// Validate checks if the value is an integer within specified bounds
func (v *IntValidator) Validate(value any) error {
	var intVal int

	switch val := value.(type) {
	case int:
		intVal = val
	case int64:
		intVal = int(val)
	case float64:
		if val != float64(int(val)) {
			return fmt.Errorf("expected integer, got %v", val)
		}
		intVal = int(val)
	default:
		return fmt.Errorf("expected integer, got %T", value)
	}

	if v.Min != nil && intVal < *v.Min {
		return fmt.Errorf("integer %d is less than minimum %d", intVal, *v.Min)
	}

	if v.Max != nil && intVal > *v.Max {
		return fmt.Errorf("integer %d exceeds maximum %d", intVal, *v.Max)
	}

	return nil
}

// Names of files, record ids and subroutines. Spaces are legal in UniVerse
// record ids, delimiter marks and NULs are not.
var (
	FileNameValidator = &StringValidator{
		MinLength:            1,
		MaxLength:            255,
		DisallowNullBytes:    true,
		DisallowControlChars: true,
		Pattern:              regexp.MustCompile(`^[^\s]+$`),
	}
	RecordIDValidator = &StringValidator{
		MinLength:            1,
		MaxLength:            255,
		DisallowNullBytes:    true,
		DisallowControlChars: true,
	}
	CommandValidator = &StringValidator{
		MinLength:         1,
		MaxLength:         8192,
		DisallowNullBytes: true,
	}
	// NumArgsValidator bounds the argument count of a subroutine call.
	NumArgsValidator = &IntValidator{Min: intRef(0), Max: intRef(MaxSubroutineArgs)}
)

// MaxSubroutineArgs is the most arguments a BASIC CALL may pass.
const MaxSubroutineArgs = 255

func intRef(n int) *int { return &n }

// ValidateFilePath validates a local file path before it is opened, e.g.
// the configuration file. It rejects traversal and shell metacharacters.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("path traversal detected in file path")
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("null byte detected in file path")
	}

	for _, s := range []string{"\n", "\r", "|", "&", ";", "`", "$"} {
		if strings.Contains(path, s) {
			return fmt.Errorf("suspicious character detected in file path")
		}
	}

	return nil
}

// SanitizeString removes potentially dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var cleaned strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}

	return cleaned.String()
}

var validToolName = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidateToolName checks if a tool name is valid and safe
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if len(name) > 100 {
		return fmt.Errorf("tool name too long")
	}

	if !validToolName.MatchString(name) {
		return fmt.Errorf("invalid tool name: must contain only alphanumeric, underscore, hyphen, and colon")
	}

	return nil
}

// ValidateJSONObject validates that a value is a valid JSON object
func ValidateJSONObject(value any) error {
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}

	switch value.(type) {
	case map[string]any:
		return nil
	default:
		return fmt.Errorf("expected JSON object, got %T", value)
	}
}
