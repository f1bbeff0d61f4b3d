package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aixgo-dev/u2mcp/pkg/log"
)

// ErrorCode represents a standardized error code for API responses
type ErrorCode string

const (
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolExecution ErrorCode = "TOOL_EXECUTION_ERROR"
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"

	// Backend runtime codes.
	ErrCodeSafetyViolation ErrorCode = "SAFETY_VIOLATION"
	ErrCodeConnection      ErrorCode = "CONNECTION_ERROR"
	ErrCodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrCodeTransaction     ErrorCode = "TRANSACTION_ERROR"
	ErrCodeBackend         ErrorCode = "BACKEND_ERROR"
)

// SecureError represents a sanitized error safe to return to clients
type SecureError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SanitizeErrorWithCode creates a secure error with a specific error code.
// The full error is logged server-side with secrets removed.
func SanitizeErrorWithCode(err error, code ErrorCode, message string, debugMode bool) *SecureError {
	if err == nil {
		return nil
	}

	log.Logger.Warn().
		Str("code", string(code)).
		Str("error", sanitizeLogMessage(err.Error())).
		Msg("tool error")

	secureErr := &SecureError{
		Code:    code,
		Message: message,
	}

	if debugMode {
		secureErr.Details = map[string]any{
			"error": sanitizeErrorMessage(err.Error()),
		}
	}

	return secureErr
}

// SanitizeMessage strips paths, addresses, secrets and stack traces from
// text that is about to leave the process.
func SanitizeMessage(msg string) string {
	return sanitizeErrorMessage(msg)
}

func sanitizeErrorMessage(msg string) string {
	msg = removeFilePaths(msg)
	msg = removeIPAddresses(msg)
	msg = removeSecretPatterns(msg)
	return removeStackTraces(msg)
}

// sanitizeLogMessage sanitizes messages for logging (less aggressive than client-facing)
func sanitizeLogMessage(msg string) string {
	return removeSecretPatterns(msg)
}

func removeFilePaths(msg string) string {
	for _, prefix := range []string{"/home/", "/var/", "/etc/", "/opt/", "/tmp/", "/usr/uv/", "/u2/"} {
		msg = strings.ReplaceAll(msg, prefix, "[PATH]/")
	}

	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		if strings.Contains(msg, drive) {
			msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
		}
	}

	return msg
}

func removeIPAddresses(msg string) string {
	parts := strings.Fields(msg)
	cleaned := make([]string, 0, len(parts))

	for _, part := range parts {
		host := part
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		host = strings.Trim(host, "()[],")
		if octets := strings.Split(host, "."); len(octets) == 4 && allDigits(octets) {
			cleaned = append(cleaned, "[IP_ADDRESS]")
			continue
		}
		cleaned = append(cleaned, part)
	}

	return strings.Join(cleaned, " ")
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

var secretPattern = regexp.MustCompile(`(?i)(password|passwd|pwd|token|api_key|apikey)\s*[=:]\s*\S+`)

func removeSecretPatterns(msg string) string {
	return secretPattern.ReplaceAllString(msg, "$1=[REDACTED]")
}

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	panicPattern     = regexp.MustCompile(`panic:.*`)
)

func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	return panicPattern.ReplaceAllString(msg, "panic: [DETAILS_REMOVED]")
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:2] + "****" + secret[len(secret)-2:]
}
