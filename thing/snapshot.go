package thing

import (
	"strings"

	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/trait"
)

// Snapshot is a Thing's persistence snapshot: a flat, JSON-marshalable map
// so a transport layer (out of scope here) can serialize it however it
// likes, per spec section 6.
type Snapshot map[string]any

// SnapshotExtension lets a wrapping layer (scene, a child manager, a group)
// contribute reserved top-level keys to a Thing's snapshot and consume them
// back out on restore, without the base Thing needing to know about scenes,
// managers, or groups.
type SnapshotExtension interface {
	// ExtendSnapshot adds this extension's reserved keys to snap.
	ExtendSnapshot(snap Snapshot)
	// RestoreSnapshot consumes this extension's reserved keys from snap
	// and returns the set of keys it claimed, so the base restore path
	// does not also try to interpret them as plain properties.
	RestoreSnapshot(snap Snapshot) []string
}

// legacyRemap maps old property-key spellings found in snapshots written
// by an earlier schema version to their current spelling, per spec
// section 6's "legacy read path."
var legacyRemap = map[string]string{
	"c/timr/acti": "c/acti/v",
}

// ParsePropertyKeyString parses a property path string ("s/onof/v"),
// applying the legacy remap table, back into a trait.PropertyKey. Exported
// for the scene/transition/group/automation layers, which persist their own
// reserved snapshot keys in the same string form.
func ParsePropertyKeyString(s string) (trait.PropertyKey, bool) {
	if remapped, ok := legacyRemap[s]; ok {
		s = remapped
	}
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return trait.PropertyKey{}, false
	}
	sec, ok := trait.ParseSection(parts[0])
	if !ok {
		return trait.PropertyKey{}, false
	}
	return trait.PropertyKey{Section: sec, Trait: parts[1], Leaf: parts[2]}, true
}

func parsePropertyKeyString(s string) (trait.PropertyKey, bool) { return ParsePropertyKeyString(s) }

// ToAny converts a value.Value into a plain, JSON-marshalable Go value.
func ToAny(v value.Value) any { return toAny(v) }

// FromAny converts a plain Go value (as produced by ToAny, or decoded from
// JSON/TOML by an external transport) back into a value.Value.
func FromAny(a any) value.Value { return fromAny(a) }

func toAny(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.Bool()
		return b
	case value.KindInt:
		i, _ := v.Int()
		return i
	case value.KindReal:
		r, _ := v.Real()
		return r
	case value.KindText:
		s, _ := v.Text()
		return s
	case value.KindBytes:
		b, _ := v.BytesValue()
		return b
	case value.KindURI:
		s, _ := v.Text()
		return s
	case value.KindList:
		list, _ := v.List()
		out := make([]any, len(list))
		for i, e := range list {
			out[i] = toAny(e)
		}
		return out
	case value.KindMap:
		m, _ := v.Map()
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = toAny(e)
		}
		return out
	default:
		return nil
	}
}

// fromAny converts a plain Go value (as produced by toAny, or decoded from
// JSON/TOML by an external transport) back into a value.Value.
func fromAny(a any) value.Value {
	switch t := a.(type) {
	case nil:
		return value.Null
	case bool:
		return value.Bool(t)
	case int64:
		return value.Int(t)
	case int:
		return value.Int(int64(t))
	case float64:
		return value.Real(t)
	case string:
		return value.Text(t)
	case []byte:
		return value.Bytes(t)
	case []any:
		out := make([]value.Value, len(t))
		for i, e := range t {
			out[i] = fromAny(e)
		}
		return value.List(out...)
	case map[string]any:
		out := make(map[string]value.Value, len(t))
		for k, e := range t {
			out[k] = fromAny(e)
		}
		return value.Map(out)
	default:
		return value.Null
	}
}
