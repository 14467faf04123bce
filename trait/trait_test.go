package trait

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/splot-local/internal/value"
)

func TestPropertyKeyString(t *testing.T) {
	k := PropertyKey{Section: State, Trait: "onof", Leaf: "v"}
	assert.Equal(t, "s/onof/v", k.String())
}

func TestMethodKeyString(t *testing.T) {
	k := MethodKey{Trait: "scen", Leaf: "save"}
	assert.Equal(t, "f/scen?save", k.String())
}

func TestParseSection(t *testing.T) {
	for code, want := range map[string]Section{"s": State, "c": Config, "m": Metadata} {
		got, ok := ParseSection(code)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseSection("x")
	assert.False(t, ok)
}

func TestFlagsCanSaveCanTransition(t *testing.T) {
	assert.True(t, Flag(Get|Set).CanSave())
	assert.True(t, Flag(Get|Set).CanTransition())
	assert.False(t, Flag(Get|Set|NoSave).CanSave())
	assert.False(t, Flag(Get|Set|NoTrans).CanTransition())
	assert.False(t, Flag(Get|Const).CanSave())
	assert.False(t, Flag(Get|Volatile).CanSave())
}

func TestErrorWrappingAndIs(t *testing.T) {
	cause := errors.New("sanitize rejected negative level")
	err := NewError(InvalidPropertyValue, "set s/levl/v", cause)
	wrapped := errors.Wrap(err, "apply_properties")

	assert.True(t, Is(wrapped, InvalidPropertyValue))
	assert.False(t, Is(wrapped, PropertyNotFound))
	assert.Contains(t, wrapped.Error(), "sanitize rejected")
}

// fakeOnOff is a minimal trait used to exercise Registry.
type fakeOnOff struct {
	state bool
}

func (f *fakeOnOff) ShortID() string { return "onof" }

func (f *fakeOnOff) Properties() map[PropertyKey]PropertyHooks {
	key := PropertyKey{Section: State, Trait: "onof", Leaf: "v"}
	return map[PropertyKey]PropertyHooks{
		key: {
			Flags: Get | Set,
			Get:   func() (value.Value, error) { return value.Bool(f.state), nil },
			Set: func(v value.Value) error {
				b, err := v.Bool()
				if err != nil {
					return err
				}
				f.state = b
				return nil
			},
		},
	}
}

func (f *fakeOnOff) Methods() map[MethodKey]MethodHooks { return nil }
func (f *fakeOnOff) Children() ChildOps                 { return nil }

func TestRegistryRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	onoff := &fakeOnOff{}
	r.Register(onoff)

	key := PropertyKey{Section: State, Trait: "onof", Leaf: "v"}
	hooks, ok := r.Property(key)
	require.True(t, ok)

	require.NoError(t, hooks.Set(value.Bool(true)))
	got, err := hooks.Get()
	require.NoError(t, err)
	b, _ := got.Bool()
	assert.True(t, b)

	keys := r.PropertiesInSection(State)
	assert.Contains(t, keys, key)
}

func TestRegistryUnregisterRemovesProperties(t *testing.T) {
	r := NewRegistry()
	onoff := &fakeOnOff{}
	r.Register(onoff)
	r.Unregister("onof")

	_, ok := r.Property(PropertyKey{Section: State, Trait: "onof", Leaf: "v"})
	assert.False(t, ok)
	_, ok = r.Trait("onof")
	assert.False(t, ok)
}
