package value

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxSafeInt is the largest integer a float64 holds exactly (2^53).
const maxSafeInt = 1 << 53

var errInvalidUTF8 = errors.New("string is not valid UTF-8")

// Number converts f to Int when it is integral and exactly representable,
// otherwise to Float. NaN and infinities are rejected.
func Number(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number is not finite: %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInt {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// parseNumber decodes a JSON number literal. Plain integer literals in
// int64 range stay exact; anything else goes through float64.
func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("number out of range: %s", s)
	}
	return Number(f)
}

// formatFloat renders f the way ECMAScript Number.prototype.toString does,
// which is the number form RFC 8785 requires.
func formatFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number is not finite: %v", f)
	}
	if f == 0 {
		return []byte("0"), nil
	}
	format := byte('f')
	if abs := math.Abs(f); abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// 1e-07 becomes 1e-7
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	return b, nil
}

// numericEqual compares two number leaves by value.
func numericEqual(a, b Value) (equal, numeric bool) {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv, true
		case Float:
			return intEqualsFloat(av, bv), true
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return intEqualsFloat(bv, av), true
		case Float:
			return av == bv, true
		}
	}
	return false, false
}

func intEqualsFloat(i Int, f Float) bool {
	if float64(f) != math.Trunc(float64(f)) || math.Abs(float64(f)) >= 1<<63 {
		return false
	}
	return int64(f) == int64(i)
}
