// Package payload carries the opaque values the autosave coordinator moves
// around: section edit buffers, optimistic cache entries and snapshot bodies.
//
// The coordinator never looks inside a Payload. It only needs three things
// from it: a deep copy (so a caller mutating its map cannot rewrite a
// buffered edit), a canonical byte form (so equal edits hash equally) and
// a JSON decoder that keeps numbers exact.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
)

// Payload is an opaque JSON object.
//
// Values are whatever encoding/json (with UseNumber) or yaml.v3 produce:
// string, bool, nil, json.Number, int, int64, float64, []any, map[string]any
// or a nested Payload.
type Payload map[string]any

// Decode parses a JSON object into a Payload. Numbers are kept as
// json.Number so integers survive the round trip unchanged.
func Decode(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data after object")
	}
	if p == nil {
		return nil, fmt.Errorf("decode payload: expected JSON object, got null")
	}
	return p, nil
}

// Clone returns a deep copy. A nil Payload clones to nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Payload:
		return val.Clone()
	case map[string]any:
		return map[string]any(Payload(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return val
	}
}

// Equal reports whether two payloads have the same canonical form.
// Payloads that cannot be canonicalised are never equal.
func (p Payload) Equal(q Payload) bool {
	a, err := MarshalCanonical(p)
	if err != nil {
		return false
	}
	b, err := MarshalCanonical(q)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Keys returns the payload keys in canonical order.
func (p Payload) Keys() []string {
	return sortedKeys(p)
}

// String returns the canonical JSON form, or a diagnostic if the payload
// holds an unsupported value.
func (p Payload) String() string {
	data, err := MarshalCanonical(p)
	if err != nil {
		return fmt.Sprintf("<invalid payload: %v>", err)
	}
	return string(data)
}

// MarshalJSON emits the canonical form so stored payloads are byte-stable.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return MarshalCanonical(p)
}
