package connection

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
)

// ParseFileName splits the TCL form "DICT CUST" into the file name and the
// dictionary flag. Any other name is returned unchanged.
func ParseFileName(name string) (file string, dict bool) {
	fields := strings.Fields(name)
	if len(fields) == 2 && strings.EqualFold(fields[0], "DICT") {
		return fields[1], true
	}
	return name, false
}

// FileName is the inverse of ParseFileName.
func FileName(file string, dict bool) string {
	if dict {
		return "DICT " + file
	}
	return file
}

// DictItem is one dictionary definition. Fields follow the UniVerse
// layout: type, location, conversion, heading, format, single/multi and
// association in attributes 1 to 7.
type DictItem struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Location    string `json:"location,omitempty"`
	Conversion  string `json:"conversion,omitempty"`
	Heading     string `json:"heading,omitempty"`
	Format      string `json:"format,omitempty"`
	Multivalue  bool   `json:"multivalue"`
	Association string `json:"association,omitempty"`
}

func dictItemFromRecord(name string, rec dynarray.Record) DictItem {
	text := func(i int) string { return strings.TrimSpace(rec.Field(i).Text) }
	typ := text(0)
	if f := strings.Fields(typ); len(f) > 0 {
		// the rest of attribute 1 is the description
		typ = strings.ToUpper(f[0])
	}
	return DictItem{
		Name:        name,
		Type:        typ,
		Location:    text(1),
		Conversion:  text(2),
		Heading:     text(3),
		Format:      text(4),
		Multivalue:  strings.EqualFold(text(5), "M"),
		Association: text(6),
	}
}

// ListDictionary selects every item in the dictionary of file and decodes
// it. Items that are not field definitions (PH phrases, X records) are
// returned with only their type.
func (m *Manager) ListDictionary(ctx context.Context, file string) (items []DictItem, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.list_dictionary", spanAttrs("list_dictionary", attribute.String("u2.file", file))...)
	defer func() { tracing.EndSpan(span, err) }()

	base, _ := ParseFileName(file)
	dictName := FileName(base, true)

	if err := m.acquire(ctx, "list_dictionary"); err != nil {
		return nil, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "list_dictionary")
	if err != nil {
		return nil, err
	}
	f, err := m.openFileLocked(ctx, s, dictName)
	if err != nil {
		return nil, err
	}
	ids, err := do(ctx, m, s, "list_dictionary", 0, func(d Driver) ([]string, error) {
		return d.Select("SSELECT " + dictName)
	})
	if err != nil {
		return nil, err
	}

	raws, err := do(ctx, m, s, "list_dictionary", 0, func(Driver) ([]string, error) {
		out := make([]string, len(ids))
		for i, id := range ids {
			raw, err := f.Read(id)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", dictName, id, err)
			}
			out[i] = raw
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	items = make([]DictItem, 0, len(ids))
	for i, id := range ids {
		rec, err := dynarray.Decode(raws[i])
		if err != nil {
			return nil, newError(KindProtocol, "list_dictionary", fmt.Sprintf("dictionary item %s of %s is malformed", id, base), err)
		}
		items = append(items, dictItemFromRecord(id, rec))
	}
	return items, nil
}
