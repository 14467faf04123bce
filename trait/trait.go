package trait

import (
	"github.com/google/splot-local/internal/value"
)

// GetFunc reads a property's current value.
type GetFunc func() (value.Value, error)

// SetFunc applies an already-coerced value. Called only after Sanitize (if
// present) has had a chance to transform the value.
type SetFunc func(value.Value) error

// SanitizeFunc is an optional pre-set transform, e.g. clamping into gamut.
type SanitizeFunc func(value.Value) (value.Value, error)

// DidChangeFunc lets a trait implementation announce an out-of-band change
// (one not caused by a set() the core itself drove).
type DidChangeFunc func(value.Value)

// InvokeFunc dispatches a named method call with its argument map.
type InvokeFunc func(args map[string]value.Value) (value.Value, error)

// PropertyHooks is the per-property vtable a trait implementation supplies.
// Any hook may be nil; the declared Flags determine which the core expects
// to find non-nil (e.g. a Get-only property need not supply Set).
type PropertyHooks struct {
	Flags    Flag
	Get      GetFunc
	Set      SetFunc
	Sanitize SanitizeFunc
	DidChange DidChangeFunc
}

// MethodHooks is the per-method vtable entry.
type MethodHooks struct {
	Flags  Flag
	Invoke InvokeFunc
}

// ChildOps is implemented by traits that own a collection of addressable
// children (scenes, timers, pairings, rules): it lets the core enumerate,
// look up by id, and be notified of additions/removals without knowing the
// concrete child type.
type ChildOps interface {
	// CopyChildren returns a snapshot of child-id -> persistable state,
	// used by copy_persistent_state.
	CopyChildren() map[string]value.Value
	// IDForChild returns the id a given child is currently registered
	// under, if any.
	IDForChild(child any) (string, bool)
	// ChildByID looks up a child by id.
	ChildByID(id string) (any, bool)
	// DidAddChild/DidRemoveChild notify the trait of membership changes
	// driven by the core (e.g. a manager creating/deleting a child).
	DidAddChild(id string, child any)
	DidRemoveChild(id string, child any)
}

// Trait is the vtable a trait implementation registers with a Thing: the
// properties and methods it declares, and optionally the child-collection
// operations if it owns addressable children.
type Trait interface {
	// ShortID is the stable short identifier this trait is addressed by
	// in property/method path URIs (e.g. "onof", "levl", "scen").
	ShortID() string
	// Properties returns this trait's property vtable, keyed by the leaf
	// name within the trait (the PropertyKey.Trait field is implied).
	Properties() map[PropertyKey]PropertyHooks
	// Methods returns this trait's method vtable.
	Methods() map[MethodKey]MethodHooks
	// Children returns this trait's child-collection operations, or nil
	// if the trait owns no addressable children.
	Children() ChildOps
}
