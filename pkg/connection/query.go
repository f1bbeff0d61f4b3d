package connection

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// selectVerbs build a select list instead of printing a report.
var selectVerbs = map[string]struct{}{
	"SELECT":  {},
	"SSELECT": {},
	"QSELECT": {},
}

// QueryResult is the outcome of ExecuteQuery. Select-style queries fill
// IDs; report-style queries (LIST, SORT) fill Output.
type QueryResult struct {
	Query     string   `json:"query"`
	IDs       []string `json:"ids,omitempty"`
	Output    string   `json:"output,omitempty"`
	Count     int      `json:"count"`
	Total     int      `json:"total"`
	Limit     int      `json:"limit,omitempty"`
	Truncated bool     `json:"truncated"`
}

// Execute runs a TCL command after the policy allows it. timeout <= 0
// uses the configured query timeout.
func (m *Manager) Execute(ctx context.Context, command string, timeout time.Duration) (out string, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.execute", spanAttrs("execute", attribute.String("u2.verb", verb(command)))...)
	defer func() { tracing.EndSpan(span, err) }()

	d, err := m.guard(ctx, "execute", command)
	if err != nil {
		return "", err
	}

	if err := m.acquire(ctx, "execute"); err != nil {
		return "", err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "execute")
	if err != nil {
		return "", err
	}
	if d.Mutating {
		if err := m.checkTxLost("execute"); err != nil {
			return "", err
		}
	}
	return do(ctx, m, s, "execute", timeout, func(drv Driver) (string, error) {
		return drv.Execute(command)
	})
}

// ExecuteQuery runs a RetrieVe query with a result cap. maxRecords <= 0
// means the policy cap alone applies.
func (m *Manager) ExecuteQuery(ctx context.Context, query string, maxRecords int) (res QueryResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.execute_query", spanAttrs("execute_query", attribute.String("u2.verb", verb(query)))...)
	defer func() { tracing.EndSpan(span, err) }()

	d, err := m.guard(ctx, "execute_query", query)
	if err != nil {
		return QueryResult{}, err
	}
	limit := security.EffectiveCap(maxRecords, d.RecordCap)
	res = QueryResult{Query: query, Limit: limit}

	if err := m.acquire(ctx, "execute_query"); err != nil {
		return res, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "execute_query")
	if err != nil {
		return res, err
	}
	if d.Mutating {
		if err := m.checkTxLost("execute_query"); err != nil {
			return res, err
		}
	}

	if _, ok := selectVerbs[verb(query)]; ok {
		ids, err := do(ctx, m, s, "execute_query", 0, func(drv Driver) ([]string, error) {
			return drv.Select(query)
		})
		if err != nil {
			return res, err
		}
		res.Total = len(ids)
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
			res.Truncated = true
		}
		res.IDs = ids
		res.Count = len(ids)
		return res, nil
	}

	text := query
	if limit > 0 && !hasSample(query) {
		text = query + " SAMPLE " + strconv.Itoa(limit)
	}
	out, err := do(ctx, m, s, "execute_query", 0, func(drv Driver) (string, error) {
		return drv.Execute(text)
	})
	if err != nil {
		return res, err
	}
	res.Output = out
	res.Count = countReportLines(out)
	res.Total = res.Count
	return res, nil
}

// hasSample reports whether the query already limits itself.
func hasSample(query string) bool {
	for _, f := range strings.Fields(strings.ToUpper(query)) {
		if f == "SAMPLE" || f == "SAMPLED" {
			return true
		}
	}
	return false
}

// countReportLines counts the non-empty lines of report output.
func countReportLines(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// CallSubroutine calls a cataloged BASIC subroutine with numArgs arguments.
// args fills the leading arguments; the rest start empty. The subroutine
// name passes through the command blocklist.
func (m *Manager) CallSubroutine(ctx context.Context, name string, args []string, numArgs int) (out []string, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.call_subroutine", spanAttrs("call_subroutine", attribute.String("u2.subroutine", name))...)
	defer func() { tracing.EndSpan(span, err) }()

	if numArgs < len(args) {
		return nil, newError(KindBackend, "call_subroutine",
			fmt.Sprintf("num_args (%d) cannot be less than args length (%d)", numArgs, len(args)), nil)
	}
	if _, err := m.guard(ctx, "call_subroutine", name); err != nil {
		return nil, err
	}

	padded := make([]string, numArgs)
	copy(padded, args)

	if err := m.acquire(ctx, "call_subroutine"); err != nil {
		return nil, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "call_subroutine")
	if err != nil {
		return nil, err
	}
	return do(ctx, m, s, "call_subroutine", 0, func(drv Driver) ([]string, error) {
		return drv.CallSubroutine(name, padded)
	})
}
