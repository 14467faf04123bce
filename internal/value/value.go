// Package value implements the tagged-union Value type shared by every
// property read/write, RPN stack slot, and persistence snapshot entry, and
// the bidirectional scalar-family coercions ("TypeCoercion" in the design
// docs) built on top of it.
//
// The representation mirrors the shape cfgapi.PropertyNode/cfgtree.PNode use
// for config-tree leaves (one untyped wire value, several typed accessors
// that fail explicitly), generalized from "everything is a string" to the
// full scalar family the object model requires.
package value

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind tags the family of value held by a Value.
type Kind int

// The value families a Value may hold.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindReal
	KindText
	KindBytes
	KindURI
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindURI:
		return "uri"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the tagged union {null, boolean, integer, real, text, bytes,
// URI-reference, list<Value>, map<text,Value>} described in spec section 3.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	r     float64
	s     string
	bytes []byte
	uri   *url.URL
	list  []Value
	m     map[string]Value
}

// Null is the singular null value.
var Null = Value{kind: KindNull}

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int constructs an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Real constructs a real Value.
func Real(r float64) Value { return Value{kind: KindReal, r: r} }

// Text constructs a text Value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Bytes constructs a bytes Value. The slice is retained, not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// URI constructs a URI-reference Value from an already-parsed URL.
func URI(u *url.URL) Value { return Value{kind: KindURI, uri: u} }

// List constructs a list Value.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map constructs a map Value. The map is retained, not copied.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind reports which family this Value belongs to.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// rawBool/rawInt/... return the unchecked payload; only used internally by
// coercion code after a Kind check.
func (v Value) rawBool() bool           { return v.b }
func (v Value) rawInt() int64           { return v.i }
func (v Value) rawReal() float64        { return v.r }
func (v Value) rawText() string         { return v.s }
func (v Value) rawBytes() []byte        { return v.bytes }
func (v Value) rawURI() *url.URL        { return v.uri }
func (v Value) rawList() []Value        { return v.list }
func (v Value) rawMap() map[string]Value { return v.m }

// CoerceError is returned when a coercion cannot be performed. It names the
// source kind and the target family so callers can build a
// trait.InvalidPropertyValue around it without re-deriving the message.
type CoerceError struct {
	From Kind
	To   string
	Why  string
}

func (e *CoerceError) Error() string {
	if e.Why != "" {
		return fmt.Sprintf("cannot coerce %s to %s: %s", e.From, e.To, e.Why)
	}
	return fmt.Sprintf("cannot coerce %s to %s", e.From, e.To)
}

func coerceErr(from Kind, to, why string) error {
	return &CoerceError{From: from, To: to, Why: why}
}

// Equal is StrictEqual in method form, letting go-cmp compare Values
// without reaching into their unexported fields.
func (v Value) Equal(o Value) bool { return StrictEqual(v, o) }

// Equal reports general equality with cross-family numeric tolerance of
// 1e-10, matching the RPN engine's "==" operator (spec section 4.2).
func Equal(a, b Value) bool {
	if af, aok := a.numeric(); aok {
		if bf, bok := b.numeric(); bok {
			return math.Abs(af-bf) < 1e-10
		}
	}
	if a.kind == KindBool || b.kind == KindBool {
		ab, aerr := a.Bool()
		bb, berr := b.Bool()
		if aerr == nil && berr == nil {
			return ab == bb
		}
	}
	if a.kind == KindText && b.kind == KindText {
		return a.s == b.s
	}
	return StrictEqual(a, b)
}

// StrictEqual reports structural equality ("===" in the RPN engine): same
// kind, same value, recursively for list/map.
func StrictEqual(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindReal:
		return a.r == b.r
	case KindText:
		return a.s == b.s
	case KindBytes:
		return string(a.bytes) == string(b.bytes)
	case KindURI:
		if a.uri == nil || b.uri == nil {
			return a.uri == b.uri
		}
		return a.uri.String() == b.uri.String()
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !StrictEqual(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !StrictEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindReal:
		return v.r, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Bool coerces v to a boolean. Numbers coerce nonzero->true; the strings
// "true"/"false" coerce case-insensitively; booleans coerce to themselves.
func (v Value) Bool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i != 0, nil
	case KindReal:
		return v.r != 0, nil
	case KindText:
		switch strings.ToLower(v.s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, coerceErr(v.kind, "boolean", "not \"true\"/\"false\"")
	default:
		return false, coerceErr(v.kind, "boolean", "")
	}
}

// Int coerces v to an integer, rounding a real source toward zero and
// failing if the result is out of int64 range.
func (v Value) Int() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindReal:
		if math.IsNaN(v.r) || math.IsInf(v.r, 0) {
			return 0, coerceErr(v.kind, "integer", "not finite")
		}
		t := math.Trunc(v.r)
		if t > math.MaxInt64 || t < math.MinInt64 {
			return 0, coerceErr(v.kind, "integer", "out of range")
		}
		return int64(t), nil
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			if i, err2 := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64); err2 == nil {
				return i, nil
			}
			return 0, coerceErr(v.kind, "integer", "unparsable number")
		}
		return Real(f).Int()
	default:
		return 0, coerceErr(v.kind, "integer", "")
	}
}

// Real coerces v to a floating-point real.
func (v Value) Real() (float64, error) {
	switch v.kind {
	case KindReal:
		return v.r, nil
	case KindInt:
		return float64(v.i), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, coerceErr(v.kind, "real", "unparsable number")
		}
		return f, nil
	default:
		return 0, coerceErr(v.kind, "real", "")
	}
}

// Percent coerces v to a real clamped into [0,1].
func (v Value) Percent() (float64, error) {
	r, err := v.Real()
	if err != nil {
		return 0, err
	}
	return Clamp(r, 0, 1), nil
}

// Clamp restricts x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Text coerces v to its text representation. Every family has a total
// conversion to text (used for logging/URI construction and RPN string
// coercion); this is the one conversion documented as potentially lossy for
// reals, since formatting truncates to Go's shortest round-trippable form.
func (v Value) Text() (string, error) {
	switch v.kind {
	case KindText:
		return v.s, nil
	case KindNull:
		return "", nil
	case KindBool:
		return strconv.FormatBool(v.b), nil
	case KindInt:
		return strconv.FormatInt(v.i, 10), nil
	case KindReal:
		return strconv.FormatFloat(v.r, 'g', -1, 64), nil
	case KindBytes:
		return string(v.bytes), nil
	case KindURI:
		if v.uri == nil {
			return "", nil
		}
		return v.uri.String(), nil
	default:
		return "", coerceErr(v.kind, "text", "")
	}
}

// BytesValue coerces v to a byte slice.
func (v Value) BytesValue() ([]byte, error) {
	switch v.kind {
	case KindBytes:
		return v.bytes, nil
	case KindText:
		return []byte(v.s), nil
	default:
		return nil, coerceErr(v.kind, "bytes", "")
	}
}

// URIRef coerces v to a *url.URL. Text values are parsed; URI values pass
// through.
func (v Value) URIRef() (*url.URL, error) {
	switch v.kind {
	case KindURI:
		return v.uri, nil
	case KindText:
		u, err := url.Parse(v.s)
		if err != nil {
			return nil, coerceErr(v.kind, "uri", err.Error())
		}
		return u, nil
	default:
		return nil, coerceErr(v.kind, "uri", "")
	}
}

// List coerces v to a []Value, element-wise. Non-list, non-null values
// fail; null coerces to an empty list.
func (v Value) List() ([]Value, error) {
	switch v.kind {
	case KindList:
		return v.list, nil
	case KindNull:
		return nil, nil
	default:
		return nil, coerceErr(v.kind, "list", "")
	}
}

// CoerceList coerces v into a list whose elements are each coerced through
// elem. This realizes "arrays coerce by element-wise coercion" (spec 4.1).
func CoerceList(v Value, elem func(Value) (Value, error)) ([]Value, error) {
	raw, err := v.List()
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(raw))
	for i, e := range raw {
		c, err := elem(e)
		if err != nil {
			return nil, errors.Wrapf(err, "list element %d", i)
		}
		out[i] = c
	}
	return out, nil
}

// Map coerces v to a map[string]Value. Per spec 4.1 ("maps coerce shallowly
// by key preservation") keys are preserved and values are returned as-is;
// callers that need typed values coerce each entry themselves.
func (v Value) Map() (map[string]Value, error) {
	switch v.kind {
	case KindMap:
		return v.m, nil
	case KindNull:
		return nil, nil
	default:
		return nil, coerceErr(v.kind, "map", "")
	}
}

// Reals extracts a fixed-length array of reals, used by the Transition layer
// for array interpolation. Returns an error if any element fails to coerce.
func (v Value) Reals() ([]float64, error) {
	list, err := v.List()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(list))
	for i, e := range list {
		r, err := e.Real()
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out[i] = r
	}
	return out, nil
}

// RealsValue builds a list Value from a slice of reals.
func RealsValue(rs []float64) Value {
	vs := make([]Value, len(rs))
	for i, r := range rs {
		vs[i] = Real(r)
	}
	return List(vs...)
}

// GoString renders a debug representation; used by test failure messages.
func (v Value) GoString() string {
	s, err := v.Text()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	if v.kind == KindText {
		return strconv.Quote(s)
	}
	return s
}
