package connection

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindConnection: no session could be established or restored.
	KindConnection Kind = "connection"
	// KindTimeout: a backend call exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindSafetyViolation: the command policy refused the request.
	KindSafetyViolation Kind = "safety_violation"
	// KindProtocol: record text did not follow the mark hierarchy.
	KindProtocol Kind = "protocol"
	// KindTransaction: transaction bracketing misuse or a lost transaction.
	KindTransaction Kind = "transaction"
	// KindBackend: the backend rejected a command on a healthy session.
	KindBackend Kind = "backend"
)

// Sentinels drivers wrap so the manager can classify their failures.
var (
	// ErrConnectionLost marks transport failures; the session is unusable.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRecordNotFound is returned by File.Read and File.Delete for a missing id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrFileNotFound is returned by Driver.OpenFile for an unknown file.
	ErrFileNotFound = errors.New("file not found")
)

// Error is the error type returned by every Manager operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Retryable reports that the same request may succeed later.
	Retryable bool
	// SessionInvalidated reports that the session was marked Failed.
	SessionInvalidated bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   msg,
		Err:       err,
		Retryable: kind == KindConnection || kind == KindTimeout,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is worth retrying once connectivity returns.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
