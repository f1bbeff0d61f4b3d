package dynarray

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	am  = AttributeMark
	vm  = ValueMark
	svm = SubvalueMark
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Record
	}{
		{
			name: "empty text",
			text: "",
			want: Record{},
		},
		{
			name: "single scalar",
			text: "Acme",
			want: Record{Scalar("Acme")},
		},
		{
			name: "attributes and values",
			text: "Acme" + am + "x" + vm + "y",
			want: Record{Scalar("Acme"), Multi("x", "y")},
		},
		{
			name: "empty attribute keeps its position",
			text: "a" + am + am + "c",
			want: Record{Scalar("a"), Scalar(""), Scalar("c")},
		},
		{
			name: "trailing attribute mark",
			text: "a" + am,
			want: Record{Scalar("a"), Scalar("")},
		},
		{
			name: "empty values between marks",
			text: vm + "b" + vm,
			want: Record{Multi("", "b", "")},
		},
		{
			name: "subvalues",
			text: "1" + vm + "2" + svm + "3" + am + "z",
			want: Record{
				{Values: []Value{{Text: "1"}, Sub("2", "3")}},
				Scalar("z"),
			},
		},
		{
			name: "subvalues without value mark",
			text: "p" + svm + "q",
			want: Record{{Values: []Value{Sub("p", "q")}}},
		},
		{
			name: "text mark is ordinary text",
			text: "line1" + TextMark + "line2",
			want: Record{Scalar("line1" + TextMark + "line2")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.text)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "Decode(%q) = %#v, want %#v", tt.text, got, tt.want)
		})
	}
}

func TestDecode_ItemMarkIsMalformed(t *testing.T) {
	_, err := Decode("a" + ItemMark + "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestEncode(t *testing.T) {
	rec := Record{Scalar("Acme"), Multi("x", "y")}
	got, err := Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, "Acme\xfex\xfdy", got)
}

func TestEncode_RejectsEmbeddedMarks(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"attribute mark in scalar", Record{Scalar("a" + am + "b")}},
		{"value mark in scalar", Record{Scalar("a" + vm)}},
		{"subvalue mark in value", Record{Multi("a", "b"+svm)}},
		{"item mark in subvalue", Record{{Values: []Value{Sub("a", ItemMark)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.rec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	records := []Record{
		{},
		{Scalar("only")},
		{Scalar(""), Scalar("")},
		{Scalar("a"), Scalar(""), Scalar("c"), Scalar("")},
		{Multi("", ""), Scalar("x")},
		{Multi("1", "2", "3"), {Values: []Value{Sub("a", "", "c"), {Text: ""}}}},
		{{Values: []Value{Sub("", "")}}},
		{Scalar("ünïcode"), Multi("日本", "語")},
	}

	for _, rec := range records {
		text, err := Encode(rec)
		require.NoError(t, err)

		decoded, err := Decode(text)
		require.NoError(t, err)
		assert.True(t, rec.Equal(decoded), "round trip of %#v produced %#v", rec, decoded)
	}
}

func TestRoundTrip_NonCanonicalCollapses(t *testing.T) {
	rec := Record{Multi("solo"), {Values: []Value{Sub("one")}}}

	text, err := Encode(rec)
	require.NoError(t, err)
	decoded, err := Decode(text)
	require.NoError(t, err)

	assert.True(t, rec.Canonical().Equal(decoded))
	assert.True(t, decoded.Field(1).IsScalar())
}

func TestRecord_Field(t *testing.T) {
	rec := Record{Scalar("a"), Multi("b", "c")}

	assert.Equal(t, "a", rec.Field(1).Text)
	assert.Len(t, rec.Field(2).Values, 2)
	assert.True(t, rec.Field(0).IsScalar())
	assert.Equal(t, "", rec.Field(9).Text)
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Record
		wantErr bool
	}{
		{
			name:  "positional list",
			input: `["Acme", ["x", "y"]]`,
			want:  Record{Scalar("Acme"), Multi("x", "y")},
		},
		{
			name:  "object with gaps",
			input: `{"attr1": "Acme", "3": ["x", ["s1", "s2"]]}`,
			want: Record{
				Scalar("Acme"),
				Scalar(""),
				{Values: []Value{{Text: "x"}, Sub("s1", "s2")}},
			},
		},
		{
			name:  "numbers and nulls",
			input: `[12.5, null, true]`,
			want:  Record{Scalar("12.5"), Scalar(""), Scalar("1")},
		},
		{
			name:  "single element list collapses",
			input: `[["only"]]`,
			want:  Record{Scalar("only")},
		},
		{
			name:    "bad key",
			input:   `{"name": "x"}`,
			wantErr: true,
		},
		{
			name:    "attribute number above cap",
			input:   `{"65536": "x"}`,
			wantErr: true,
		},
		{
			name:    "attribute number overflows int",
			input:   `{"9223372036854775807": "x"}`,
			wantErr: true,
		},
		{
			name:    "nested object value",
			input:   `[{"a": 1}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw any
			require.NoError(t, json.Unmarshal([]byte(tt.input), &raw))

			got, err := FromJSON(raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "FromJSON(%s) = %#v", tt.input, got)
		})
	}
}

func TestFromJSON_LastAttributeAtCap(t *testing.T) {
	rec, err := FromJSON(map[string]any{"1": "a", "65535": "z"})
	require.NoError(t, err)
	require.Len(t, rec, MaxAttribute)
	assert.Equal(t, "z", rec[MaxAttribute-1].Text)

	_, err = FromJSON(map[string]any{"200000000": "x"})
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestJSON_RoundTrip(t *testing.T) {
	rec := Record{Scalar("Acme"), Multi("x", "y"), {Values: []Value{Sub("a", "b"), {Text: "c"}}}}

	data, err := json.Marshal(rec.JSON())
	require.NoError(t, err)

	var raw any
	require.NoError(t, json.Unmarshal(data, &raw))
	back, err := FromJSON(raw)
	require.NoError(t, err)

	assert.True(t, rec.Equal(back))
}
