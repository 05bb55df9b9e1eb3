package payload

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"nested", Payload{"o": map[string]any{"y": []any{true, nil}}}, `{"o":{"y":[true,null]}}`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"control chars", "a\nb\u0001", `"a\nb\u0001"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"integral float", 3.0, `3`},
		{"fraction", 1.25, `1.25`},
		{"json number int", json.Number("42"), `42`},
		{"json number float", json.Number("2.50"), `2.5`},
		{"string slice", []string{"x", "y"}, `["x","y"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed, err := MarshalCanonical("Cade\u0301ncia")
	require.NoError(t, err)
	composed, err := MarshalCanonical("Cad\u00e9ncia")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes to surrogates 0xD83D..., which sort before U+FF61
	// in UTF-16 but after it in UTF-8.
	got, err := MarshalCanonical(map[string]any{"｡": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"｡\":1}", string(got))
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	_, err := MarshalCanonical(math.NaN())
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"c": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object["c"]`)
}
