package connection

import (
	"context"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
)

// CatalogResult lists cataloged programs matching a pattern.
type CatalogResult struct {
	Pattern  string   `json:"pattern"`
	Programs []string `json:"programs"`
	Count    int      `json:"count"`
	Raw      string   `json:"raw_output,omitempty"`
}

// catalogHeaders mark title and column lines in CATALOG output.
var catalogHeaders = []string{"CATALOG", "PROGRAM", "NAME", "LOCAL", "GLOBAL", "DIRECT"}

// ListCatalog lists cataloged programs. pattern uses * as a wildcard; ""
// and "*" list everything. When CATALOG output yields nothing the system
// catalog file is selected instead.
func (m *Manager) ListCatalog(ctx context.Context, pattern string) (res CatalogResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.list_catalog", spanAttrs("list_catalog", attribute.String("u2.pattern", pattern))...)
	defer func() { tracing.EndSpan(span, err) }()

	if pattern == "" {
		pattern = "*"
	}
	res = CatalogResult{Pattern: pattern, Programs: []string{}}

	if !safePattern(pattern) {
		return res, newError(KindSafetyViolation, "list_catalog", "pattern may not contain quotes, marks or control characters", nil)
	}
	command := "CATALOG"
	if pattern != "*" {
		command = `CATALOG "` + strings.ReplaceAll(pattern, "*", "...") + `"`
	}
	if _, err := m.guard(ctx, "list_catalog", command); err != nil {
		return res, err
	}

	if err := m.acquire(ctx, "list_catalog"); err != nil {
		return res, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "list_catalog")
	if err != nil {
		return res, err
	}
	out, err := do(ctx, m, s, "list_catalog", 0, func(d Driver) (string, error) {
		return d.Execute(command)
	})
	if err != nil {
		return res, err
	}
	res.Raw = out
	res.Programs = parseCatalogOutput(out)

	if len(res.Programs) == 0 {
		ids, err := do(ctx, m, s, "list_catalog", 0, func(d Driver) ([]string, error) {
			return d.Select("SELECT &SYSCAT&")
		})
		if err != nil {
			if IsRetryable(err) {
				return res, err
			}
			m.logger.Debug().Err(err).Msg("system catalog fallback failed")
		}
		for _, id := range ids {
			if matchCatalogPattern(id, pattern) {
				res.Programs = append(res.Programs, id)
			}
		}
	}
	res.Count = len(res.Programs)
	return res, nil
}

// safePattern rejects quotes, control bytes and delimiter marks. Mark
// bytes never occur in valid UTF-8, so a byte scan is enough.
func safePattern(p string) bool {
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '"' || c == '\'' || c == '\\' || c < 0x20 || c == 0x7f || c >= 0xfb {
			return false
		}
	}
	return true
}

// parseCatalogOutput takes the first column of every line that is not
// blank, decoration, a header or a bare count.
func parseCatalogOutput(out string) []string {
	programs := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, "=") {
			continue
		}
		upper := strings.ToUpper(line)
		header := false
		for _, h := range catalogHeaders {
			if strings.Contains(upper, h) {
				header = true
				break
			}
		}
		if header {
			continue
		}
		name := strings.Fields(line)[0]
		if isDigits(name) {
			continue
		}
		programs = append(programs, name)
	}
	return programs
}

func matchCatalogPattern(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	glob := strings.ToUpper(strings.ReplaceAll(pattern, "...", "*"))
	ok, err := path.Match(glob, strings.ToUpper(name))
	return err == nil && ok
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
