// Package dynarray converts between multi-value record text and a nested
// value tree.
//
// A stored record is a dynamic array: attributes separated by the attribute
// mark, values inside an attribute separated by the value mark, and
// subvalues inside a value separated by the subvalue mark. Positions are
// significant, so empty segments decode to empty scalars and are re-emitted
// on encode.
package dynarray

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter bytes used by the backend in non-NLS mode.
const (
	ItemMark      = "\xff"
	AttributeMark = "\xfe"
	ValueMark     = "\xfd"
	SubvalueMark  = "\xfc"
	TextMark      = "\xfb"
)

// ErrMalformed is returned when record text or a tree cannot be converted
// without losing structure.
var ErrMalformed = errors.New("malformed dynamic array")

// Value is one value of a multi-valued attribute. Subvalues is nil for a
// scalar value.
type Value struct {
	Text      string
	Subvalues []string
}

// Attribute is one attribute of a record. Values is nil for a scalar
// attribute.
type Attribute struct {
	Text   string
	Values []Value
}

// Record is the decoded form of one stored record.
type Record []Attribute

// Scalar builds a single-valued attribute.
func Scalar(text string) Attribute {
	return Attribute{Text: text}
}

// Multi builds a multi-valued attribute from scalar values.
func Multi(values ...string) Attribute {
	vals := make([]Value, len(values))
	for i, v := range values {
		vals[i] = Value{Text: v}
	}
	return Attribute{Values: vals}
}

// Sub builds a sub-valued value.
func Sub(subvalues ...string) Value {
	return Value{Subvalues: append([]string(nil), subvalues...)}
}

// IsScalar reports whether the attribute holds a single value.
func (a Attribute) IsScalar() bool {
	return a.Values == nil
}

// IsScalar reports whether the value holds a single subvalue.
func (v Value) IsScalar() bool {
	return v.Subvalues == nil
}

// Decode splits record text into a Record. Empty text is a record with no
// attributes.
func Decode(text string) (Record, error) {
	if strings.Contains(text, ItemMark) {
		return nil, fmt.Errorf("%w: item mark inside record", ErrMalformed)
	}
	if text == "" {
		return Record{}, nil
	}

	parts := strings.Split(text, AttributeMark)
	rec := make(Record, len(parts))
	for i, part := range parts {
		rec[i] = decodeAttribute(part)
	}
	return rec, nil
}

func decodeAttribute(text string) Attribute {
	if !strings.Contains(text, ValueMark) {
		if strings.Contains(text, SubvalueMark) {
			// subvalues without a value mark still belong to value 1
			return Attribute{Values: []Value{decodeValue(text)}}
		}
		return Attribute{Text: text}
	}

	parts := strings.Split(text, ValueMark)
	vals := make([]Value, len(parts))
	for i, part := range parts {
		vals[i] = decodeValue(part)
	}
	return Attribute{Values: vals}
}

func decodeValue(text string) Value {
	if !strings.Contains(text, SubvalueMark) {
		return Value{Text: text}
	}
	return Value{Subvalues: strings.Split(text, SubvalueMark)}
}

// Encode joins a Record back into record text.
func Encode(rec Record) (string, error) {
	var b strings.Builder
	for i, attr := range rec {
		if i > 0 {
			b.WriteString(AttributeMark)
		}
		if err := encodeAttribute(&b, i+1, attr); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func encodeAttribute(b *strings.Builder, pos int, attr Attribute) error {
	if attr.Values == nil {
		if containsMark(attr.Text, ItemMark, AttributeMark, ValueMark, SubvalueMark) {
			return fmt.Errorf("%w: attribute %d text contains a delimiter", ErrMalformed, pos)
		}
		b.WriteString(attr.Text)
		return nil
	}

	for j, val := range attr.Values {
		if j > 0 {
			b.WriteString(ValueMark)
		}
		if val.Subvalues == nil {
			if containsMark(val.Text, ItemMark, AttributeMark, ValueMark, SubvalueMark) {
				return fmt.Errorf("%w: attribute %d value %d contains a delimiter", ErrMalformed, pos, j+1)
			}
			b.WriteString(val.Text)
			continue
		}
		for k, sv := range val.Subvalues {
			if k > 0 {
				b.WriteString(SubvalueMark)
			}
			if containsMark(sv, ItemMark, AttributeMark, ValueMark, SubvalueMark) {
				return fmt.Errorf("%w: attribute %d value %d subvalue %d contains a delimiter",
					ErrMalformed, pos, j+1, k+1)
			}
			b.WriteString(sv)
		}
	}
	return nil
}

func containsMark(s string, marks ...string) bool {
	for _, m := range marks {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Canonical returns a copy of rec in the shape Decode produces: sequences
// with fewer than two elements collapse to scalars. Decode(Encode(r)) equals
// r.Canonical() for every encodable r.
func (r Record) Canonical() Record {
	out := make(Record, len(r))
	for i, attr := range r {
		out[i] = attr.canonical()
	}
	if len(out) == 1 && out[0].Values == nil && out[0].Text == "" {
		return Record{}
	}
	return out
}

func (a Attribute) canonical() Attribute {
	if a.Values == nil {
		return Attribute{Text: a.Text}
	}
	switch len(a.Values) {
	case 0:
		return Attribute{}
	case 1:
		v := a.Values[0].canonical()
		if v.Subvalues != nil {
			return Attribute{Values: []Value{v}}
		}
		return Attribute{Text: v.Text}
	}
	vals := make([]Value, len(a.Values))
	for i, v := range a.Values {
		vals[i] = v.canonical()
	}
	return Attribute{Values: vals}
}

func (v Value) canonical() Value {
	switch {
	case v.Subvalues == nil:
		return Value{Text: v.Text}
	case len(v.Subvalues) == 0:
		return Value{}
	case len(v.Subvalues) == 1:
		return Value{Text: v.Subvalues[0]}
	}
	return Value{Subvalues: append([]string(nil), v.Subvalues...)}
}

// Field returns attribute n (1-based). Missing attributes read as empty,
// matching the backend's extraction semantics.
func (r Record) Field(n int) Attribute {
	if n < 1 || n > len(r) {
		return Attribute{}
	}
	return r[n-1]
}

// Equal reports whether two records have identical structure and text.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if !r[i].equal(other[i]) {
			return false
		}
	}
	return true
}

func (a Attribute) equal(o Attribute) bool {
	if (a.Values == nil) != (o.Values == nil) {
		return false
	}
	if a.Values == nil {
		return a.Text == o.Text
	}
	if len(a.Values) != len(o.Values) {
		return false
	}
	for i := range a.Values {
		if !a.Values[i].equal(o.Values[i]) {
			return false
		}
	}
	return true
}

func (v Value) equal(o Value) bool {
	if (v.Subvalues == nil) != (o.Subvalues == nil) {
		return false
	}
	if v.Subvalues == nil {
		return v.Text == o.Text
	}
	if len(v.Subvalues) != len(o.Subvalues) {
		return false
	}
	for i := range v.Subvalues {
		if v.Subvalues[i] != o.Subvalues[i] {
			return false
		}
	}
	return true
}
