package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Parse decodes JSON into a Value. Integral numbers become Int, other
// numbers Float; null becomes Null.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromAny(raw)
}

// MustParse is Parse for literals in tests and fixtures. It panics on error.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("value.MustParse(%q): %v", s, err))
	}
	return v
}

// FromAny converts decoded JSON or plain Go data into a Value.
// Accepted: nil, bool, valid UTF-8 strings, json.Number, signed and
// unsigned ints, finite floats, []any, map[string]any, and Values
// themselves.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return Clone(val), nil
	case bool:
		return Bool(val), nil
	case string:
		if !utf8.ValidString(val) {
			return nil, errInvalidUTF8
		}
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return fromUint(uint64(val))
	case uint32:
		return Int(val), nil
	case uint64:
		return fromUint(val)
	case json.Number:
		return parseNumber(string(val))
	case float32:
		return Number(float64(val))
	case float64:
		return Number(val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("object key %q: %w", k, errInvalidUTF8)
			}
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromUint(n uint64) (Value, error) {
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("number out of int64 range: %d", n)
	}
	return Int(n), nil
}

// ToAny converts a Value into plain Go data (nil, bool, string, int64,
// float64, []any, map[string]any). Useful for YAML and CLI output.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy of v. Leaves are immutable and returned as is.
// A nil Value clones to Null.
func Clone(v Value) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case Array:
		if val == nil {
			return Array{}
		}
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	default:
		return val
	}
}

// Equal reports whether a and b are deep-equal trees.
// nil and Null are equal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil, Null:
		switch b.(type) {
		case nil, Null:
			return true
		}
		return false
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int, Float:
		eq, _ := numericEqual(av, b)
		return eq
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, ae := range av {
			be, ok := bv[k]
			if !ok || !Equal(ae, be) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Validate reports whether v encodes without loss: every string and key
// is valid UTF-8 and every Float is finite.
func Validate(v Value) error {
	switch val := v.(type) {
	case String:
		if !utf8.ValidString(string(val)) {
			return errInvalidUTF8
		}
	case Float:
		if _, err := formatFloat(float64(val)); err != nil {
			return err
		}
	case Array:
		for i, elem := range val {
			if err := Validate(elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
	case Object:
		for k, elem := range val {
			if !utf8.ValidString(k) {
				return fmt.Errorf("object key %q: %w", k, errInvalidUTF8)
			}
			if err := Validate(elem); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
	}
	return nil
}
