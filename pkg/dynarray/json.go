package dynarray

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// JSON returns the record as a positional list suitable for encoding/json:
// each attribute is a string or a list whose elements are strings or lists
// of strings.
func (r Record) JSON() []any {
	out := make([]any, len(r))
	for i, attr := range r {
		if attr.Values == nil {
			out[i] = attr.Text
			continue
		}
		vals := make([]any, len(attr.Values))
		for j, v := range attr.Values {
			if v.Subvalues == nil {
				vals[j] = v.Text
				continue
			}
			subs := make([]any, len(v.Subvalues))
			for k, sv := range v.Subvalues {
				subs[k] = sv
			}
			vals[j] = subs
		}
		out[i] = vals
	}
	return out
}

// FromJSON builds a record from decoded JSON. It accepts the positional list
// produced by JSON, or an object keyed by 1-based attribute number ("1",
// "attr1"); gaps in an object become empty attributes. The result is
// canonical.
func FromJSON(v any) (Record, error) {
	switch t := v.(type) {
	case nil:
		return Record{}, nil
	case []any:
		rec := make(Record, len(t))
		for i, item := range t {
			attr, err := attributeFromJSON(item)
			if err != nil {
				return nil, fmt.Errorf("attribute %d: %w", i+1, err)
			}
			rec[i] = attr
		}
		return rec.Canonical(), nil
	case map[string]any:
		return recordFromObject(t)
	default:
		return nil, fmt.Errorf("%w: record must be a list or object, got %T", ErrMalformed, v)
	}
}

// MaxAttribute is the highest attribute number accepted in an object-form
// record.
const MaxAttribute = 65535

func recordFromObject(obj map[string]any) (Record, error) {
	positions := make(map[int]any, len(obj))
	keys := make([]int, 0, len(obj))
	for k, item := range obj {
		n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(k), "attr"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: invalid attribute key %q", ErrMalformed, k)
		}
		if n > MaxAttribute {
			return nil, fmt.Errorf("%w: attribute %q exceeds %d", ErrMalformed, k, MaxAttribute)
		}
		positions[n] = item
		keys = append(keys, n)
	}
	if len(keys) == 0 {
		return Record{}, nil
	}
	sort.Ints(keys)

	rec := make(Record, keys[len(keys)-1])
	for _, n := range keys {
		attr, err := attributeFromJSON(positions[n])
		if err != nil {
			return nil, fmt.Errorf("attribute %d: %w", n, err)
		}
		rec[n-1] = attr
	}
	return rec.Canonical(), nil
}

func attributeFromJSON(v any) (Attribute, error) {
	list, ok := v.([]any)
	if !ok {
		s, err := scalarFromJSON(v)
		return Attribute{Text: s}, err
	}
	vals := make([]Value, len(list))
	for i, item := range list {
		subs, ok := item.([]any)
		if !ok {
			s, err := scalarFromJSON(item)
			if err != nil {
				return Attribute{}, fmt.Errorf("value %d: %w", i+1, err)
			}
			vals[i] = Value{Text: s}
			continue
		}
		sv := make([]string, len(subs))
		for k, sub := range subs {
			s, err := scalarFromJSON(sub)
			if err != nil {
				return Attribute{}, fmt.Errorf("value %d subvalue %d: %w", i+1, k+1, err)
			}
			sv[k] = s
		}
		vals[i] = Value{Subvalues: sv}
	}
	return Attribute{Values: vals}, nil
}

func scalarFromJSON(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("%w: unsupported scalar type %T", ErrMalformed, v)
	}
}
