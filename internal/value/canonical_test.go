package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"null", Null{}, `null`},
		{"nil", nil, `null`},
		{"int", Int(-12), `-12`},
		{"bool", Bool(false), `false`},
		{"no html escaping", String("<a&b>"), `"<a&b>"`},
		{"sorted object", Obj(P("b", Int(1)), P("a", Arr(Int(2), Null{}))), `{"a":[2,null],"b":1}`},
		{"empty", Object{}, `{}`},
		{"float", Float(9.99), `9.99`},
		{"small float", Float(1e-7), `1e-7`},
		{"tiny fixed", Float(0.000001), `0.000001`},
		{"large float", Float(1e21), `1e+21`},
		{"below exponent switch", Float(1.5e20), `150000000000000000000`},
		{"negative float", Float(-2.5), `-2.5`},
		{"integral float", Float(3), `3`},
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
	// "e" + combining acute normalizes to the precomposed U+00E9.
	got, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))
}

func TestDigest_NumbersByValue(t *testing.T) {
	di, err := Digest(Int(3))
	require.NoError(t, err)
	df, err := Digest(Float(3))
	require.NoError(t, err)
	assert.Equal(t, di, df)
}

func TestMarshal_KeepsDecomposedStrings(t *testing.T) {
	v := Obj(P("cafe\u0301", String("e\u0301")))
	data, err := Marshal(v)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestDigest_Stable(t *testing.T) {
	a := Obj(P("X", Int(1)), P("O", Int(0)))
	b := Obj(P("O", Int(0)), P("X", Int(1)))

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	dc, err := Digest(Obj(P("X", Int(2)), P("O", Int(0))))
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}
