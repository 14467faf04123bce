package value

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolCoercion(t *testing.T) {
	cases := []struct {
		in   Value
		want bool
		ok   bool
	}{
		{Bool(true), true, true},
		{Int(0), false, true},
		{Int(5), true, true},
		{Real(0.0), false, true},
		{Real(-2.5), true, true},
		{Text("true"), true, true},
		{Text("FALSE"), false, true},
		{Text("nope"), false, false},
		{Null, false, false},
	}
	for _, c := range cases {
		got, err := c.in.Bool()
		if !c.ok {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestIntCoercion(t *testing.T) {
	got, err := Real(3.9).Int()
	require.NoError(t, err)
	assert.Equal(t, int64(3), got, "truncates toward zero")

	got, err = Real(-3.9).Int()
	require.NoError(t, err)
	assert.Equal(t, int64(-3), got)

	_, err = Text("abc").Int()
	assert.Error(t, err)

	got, err = Text("42").Int()
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
}

func TestRealCoercion(t *testing.T) {
	got, err := Text("3.14").Real()
	require.NoError(t, err)
	assert.InDelta(t, 3.14, got, 1e-9)

	got, err = Int(7).Real()
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}

func TestTextCoercion(t *testing.T) {
	got, err := Int(42).Text()
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = Bool(true).Text()
	require.NoError(t, err)
	assert.Equal(t, "true", got)
}

func TestURICoercion(t *testing.T) {
	u, err := Text("/f/onoff/1/state/on").URIRef()
	require.NoError(t, err)
	assert.Equal(t, "/f/onoff/1/state/on", u.String())

	parsed, _ := url.Parse("/g/living-room")
	got, err := URI(parsed).URIRef()
	require.NoError(t, err)
	assert.Equal(t, parsed, got)
}

func TestListCoercionElementwise(t *testing.T) {
	in := List(Text("1"), Text("2"), Text("3"))
	out, err := CoerceList(in, func(v Value) (Value, error) {
		i, err := v.Int()
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, KindInt, out[1].Kind())
}

func TestMapCoercionPreservesKeys(t *testing.T) {
	in := Map(map[string]Value{"a": Int(1), "b": Int(2)})
	m, err := in.Map()
	require.NoError(t, err)
	assert.Equal(t, Int(1), m["a"])
	assert.Equal(t, Int(2), m["b"])
}

func TestRealsRoundTrip(t *testing.T) {
	v := RealsValue([]float64{1, 2.5, -3})
	out, err := v.Reals()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3}, out)
}

func TestEqualNumericTolerance(t *testing.T) {
	assert.True(t, Equal(Int(1), Real(1.0)))
	assert.True(t, Equal(Bool(true), Int(1)))
	assert.False(t, Equal(Int(1), Int(2)))
}

func TestStrictEqualRequiresSameKind(t *testing.T) {
	assert.False(t, StrictEqual(Int(1), Real(1.0)))
	assert.True(t, StrictEqual(Int(1), Int(1)))
	assert.True(t, StrictEqual(List(Int(1), Text("a")), List(Int(1), Text("a"))))
	assert.False(t, StrictEqual(List(Int(1)), List(Int(1), Int(2))))
}

func TestListAndMapNestedStructuralEquality(t *testing.T) {
	want := List(Map(map[string]Value{"source": Text("/1/s/levl/v"), "predicate": Text("v 5 >")}), Int(7))
	got := List(Map(map[string]Value{"source": Text("/1/s/levl/v"), "predicate": Text("v 5 >")}), Int(7))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("nested list/map value mismatch (-want +got):\n%s", diff)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1, 0, 1))
	assert.Equal(t, 1.0, Clamp(2, 0, 1))
	assert.Equal(t, 0.5, Clamp(0.5, 0, 1))
}
