package security

import (
	"strings"
	"time"
)

// Denial reasons reported by Evaluate.
const (
	ReasonBlocked  = "blocked command"
	ReasonReadOnly = "read-only mode"
)

// DefaultBlockedCommands are refused unless configuration overrides them.
var DefaultBlockedCommands = []string{"DELETE.FILE", "CLEAR.FILE", "CNAME", "CREATE.FILE"}

// mutatingVerbs change files, dictionaries or catalog entries.
var mutatingVerbs = map[string]struct{}{
	"AE":           {},
	"ALTER":        {},
	"BASIC":        {},
	"BUILD.INDEX":  {},
	"CLEAR.DATA":   {},
	"CLEAR.FILE":   {},
	"CNAME":        {},
	"COMPILE":      {},
	"COPY":         {},
	"CREATE":       {},
	"CREATE.FILE":  {},
	"CREATE.INDEX": {},
	"DECATALOG":    {},
	"DELETE":       {},
	"DELETE.FILE":  {},
	"DELETE.INDEX": {},
	"DROP":         {},
	"ED":           {},
	"GRANT":        {},
	"INSERT":       {},
	"MODIFY":       {},
	"RESIZE":       {},
	"REVISE":       {},
	"REVOKE":       {},
	"SET.FILE":     {},
	"UPDATE":       {},
}

// listVerbs produce record lists and are subject to the record cap.
var listVerbs = map[string]struct{}{
	"LIST":      {},
	"LIST.ITEM": {},
	"QSELECT":   {},
	"SELECT":    {},
	"SORT":      {},
	"SORT.ITEM": {},
	"SSELECT":   {},
}

// Policy is the command safety configuration. It is built once from
// configuration and never mutated.
type Policy struct {
	BlockedCommands []string
	ReadOnly        bool
	MaxRecords      int
	CommandTimeout  time.Duration
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	// Mutating is true when the command was classified as a write.
	Mutating bool
	// RecordCap limits list/select results; 0 means no cap applies.
	RecordCap int
}

// RecordOp identifies a structured record operation.
type RecordOp string

const (
	OpRead   RecordOp = "read"
	OpWrite  RecordOp = "write"
	OpDelete RecordOp = "delete"
)

// Evaluate decides whether a TCL command may be sent to the backend. It is
// pure and total: every input, including the empty string, gets a decision.
func Evaluate(command string, policy Policy) Decision {
	tokens := strings.Fields(strings.ToUpper(command))
	if len(tokens) == 0 {
		return Decision{Allowed: true}
	}

	first := tokens[0]
	candidates := []string{first}
	if len(tokens) > 1 {
		candidates = append(candidates, first+" "+tokens[1])
	}
	for _, c := range candidates {
		if policy.isBlocked(c) {
			return Decision{Allowed: false, Reason: ReasonBlocked}
		}
	}

	_, mutating := mutatingVerbs[first]
	if mutating && policy.ReadOnly {
		return Decision{Allowed: false, Reason: ReasonReadOnly, Mutating: true}
	}

	d := Decision{Allowed: true, Mutating: mutating}
	if _, ok := listVerbs[first]; ok && policy.MaxRecords > 0 {
		d.RecordCap = policy.MaxRecords
	}
	return d
}

// EvaluateRecordOp decides whether a structured record operation is allowed.
func EvaluateRecordOp(op RecordOp, policy Policy) Decision {
	switch op {
	case OpWrite, OpDelete:
		if policy.ReadOnly {
			return Decision{Allowed: false, Reason: ReasonReadOnly, Mutating: true}
		}
		return Decision{Allowed: true, Mutating: true}
	default:
		return Decision{Allowed: true}
	}
}

// EffectiveCap combines a caller-requested limit with a policy cap. Zero or
// negative values mean "no limit".
func EffectiveCap(requested, policyCap int) int {
	switch {
	case requested <= 0:
		return policyCap
	case policyCap <= 0:
		return requested
	case requested < policyCap:
		return requested
	default:
		return policyCap
	}
}

func (p Policy) isBlocked(candidate string) bool {
	for _, b := range p.BlockedCommands {
		if strings.EqualFold(strings.Join(strings.Fields(b), " "), candidate) {
			return true
		}
	}
	return false
}
