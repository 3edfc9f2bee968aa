package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedPayload is returned when a telemetry payload is not a JSON object
var ErrMalformedPayload = errors.New("malformed payload")

// Kind identifies which variant a Value holds
type Kind uint8

const (
	KindAbsent Kind = iota
	KindBool
	KindNumber
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	default:
		return "absent"
	}
}

// Value is a weakly typed telemetry field: bool, number, text or absent.
// The zero Value is absent.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

// Absent returns the absent Value
func Absent() Value { return Value{} }

// Bool wraps a boolean
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Text wraps a string
func Text(s string) Value { return Value{kind: KindText, s: s} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsPresent() bool { return v.kind != KindAbsent }

// AsBool returns the boolean and whether the Value holds one
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsNumber returns the number and whether the Value holds one
func (v Value) AsNumber() (float64, bool) {
	return v.n, v.kind == KindNumber
}

// AsText returns the string and whether the Value holds one
func (v Value) AsText() (string, bool) {
	return v.s, v.kind == KindText
}

// Equal reports whether both values hold the same variant and content
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindText:
		return v.s == o.s
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindText:
		return v.s
	}
	return ""
}

// Interface returns the underlying Go value, nil when absent
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindText:
		return v.s
	}
	return nil
}

// MarshalJSON encodes the value as its natural JSON scalar
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON accepts JSON scalars; objects and arrays decode as absent
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}

// FromInterface converts a decoded JSON scalar into a Value
func FromInterface(raw any) Value {
	switch x := raw.(type) {
	case bool:
		return Bool(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Absent()
		}
		return Number(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Text(x.String())
		}
		return Number(f)
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case string:
		return Text(x)
	}
	return Absent()
}

// Payload is one telemetry message keyed by field name
type Payload map[string]Value

// Get returns the field or an absent Value
func (p Payload) Get(field string) Value {
	if p == nil {
		return Absent()
	}
	return p[field]
}

// Has reports whether the field is present
func (p Payload) Has(field string) bool {
	return p.Get(field).IsPresent()
}

// Number returns a numeric field
func (p Payload) Number(field string) (float64, bool) {
	return p.Get(field).AsNumber()
}

// Keys returns the present field names
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if v.IsPresent() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Map returns a plain map suitable for JSON encoding or storage
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if v.IsPresent() {
			out[k] = v.Interface()
		}
	}
	return out
}

// ParsePayload decodes a JSON object into a Payload. Nested objects and
// arrays are dropped.
func ParsePayload(data []byte) (Payload, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	payload := make(Payload, len(raw))
	for k, v := range raw {
		if val := FromInterface(v); val.IsPresent() {
			payload[k] = val
		}
	}
	return payload, nil
}
