package thing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/internal/zlog"
	"github.com/google/splot-local/trait"
)

func TestCopyAndInitPersistentStateRoundTrip(t *testing.T) {
	th, onoff := newTestThing()
	onoff.on = true

	snap := th.CopyPersistentState()
	assert.Equal(t, true, snap[onoffKey().String()])

	th2 := New(executor.Inline(), zlog.Nop())
	onoff2 := &onOffTrait{}
	th2.RegisterTrait(onoff2)
	require.NoError(t, th2.InitWithPersistentState(snap))
	assert.True(t, onoff2.on)
}

func TestCopyPersistentStateExcludesNoSaveProperties(t *testing.T) {
	th := New(executor.Inline(), zlog.Nop())
	key := trait.PropertyKey{Section: trait.State, Trait: "vola", Leaf: "v"}
	tr := &volatileTrait{key: key}
	th.RegisterTrait(tr)

	snap := th.CopyPersistentState()
	_, present := snap[key.String()]
	assert.False(t, present)
}

type volatileTrait struct{ key trait.PropertyKey }

func (v *volatileTrait) ShortID() string { return "vola" }
func (v *volatileTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		v.key: {
			Flags: trait.Get | trait.Set | trait.Volatile,
			Get:   func() (value.Value, error) { return value.Int(1), nil },
			Set:   func(value.Value) error { return nil },
		},
	}
}
func (v *volatileTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (v *volatileTrait) Children() trait.ChildOps                       { return nil }

func TestInitWithPersistentStatePreservesUnknownKeys(t *testing.T) {
	th, _ := newTestThing()
	snap := Snapshot{
		onoffKey().String(): true,
		"future/unknown/key": "keep me",
	}
	require.NoError(t, th.InitWithPersistentState(snap))

	out := th.CopyPersistentState()
	assert.Equal(t, "keep me", out["future/unknown/key"])
}

func TestInitWithPersistentStateAppliesLegacyRemap(t *testing.T) {
	th := New(executor.Inline(), zlog.Nop())
	acti := &actiTrait{}
	th.RegisterTrait(acti)

	snap := Snapshot{"c/timr/acti": true}
	require.NoError(t, th.InitWithPersistentState(snap))
	assert.True(t, acti.active)
}

type actiTrait struct{ active bool }

func (a *actiTrait) ShortID() string { return "acti" }
func (a *actiTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	key := trait.PropertyKey{Section: trait.Config, Trait: "acti", Leaf: "v"}
	return map[trait.PropertyKey]trait.PropertyHooks{
		key: {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Bool(a.active), nil },
			Set: func(v value.Value) error {
				b, err := v.Bool()
				if err != nil {
					return err
				}
				a.active = b
				return nil
			},
		},
	}
}
func (a *actiTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (a *actiTrait) Children() trait.ChildOps                       { return nil }

type recordingExtension struct {
	extended []string
	restored []string
}

func (r *recordingExtension) ExtendSnapshot(snap Snapshot) {
	snap["scenes"] = r.extended
}

func (r *recordingExtension) RestoreSnapshot(snap Snapshot) []string {
	if v, ok := snap["scenes"]; ok {
		if list, ok := v.([]string); ok {
			r.restored = list
		}
	}
	return []string{"scenes"}
}

func TestSnapshotExtensionClaimsReservedKey(t *testing.T) {
	th, _ := newTestThing()
	ext := &recordingExtension{extended: []string{"morning", "evening"}}
	th.RegisterSnapshotExtension(ext)

	snap := th.CopyPersistentState()
	assert.Equal(t, []string{"morning", "evening"}, snap["scenes"])

	th2, _ := newTestThing()
	ext2 := &recordingExtension{}
	th2.RegisterSnapshotExtension(ext2)
	require.NoError(t, th2.InitWithPersistentState(snap))
	assert.Equal(t, []string{"morning", "evening"}, ext2.restored)

	out := th2.CopyPersistentState()
	_, stillPlainKey := out["scenes"].([]string)
	assert.False(t, stillPlainKey, "extension-claimed key should not leak into plain-property restore path")
}

func TestChildSnapshotMergesChildOpsAcrossTraits(t *testing.T) {
	th := New(executor.Inline(), zlog.Nop())
	tr := &childOwningTrait{children: map[string]value.Value{"t1": value.Int(30)}}
	th.RegisterTrait(tr)

	var got map[string]any
	th.RegisterChildListener(executor.Inline(), func(m map[string]any) { got = m })
	require.Contains(t, got, "timr.t1")
}

type childOwningTrait struct {
	children map[string]value.Value
}

func (c *childOwningTrait) ShortID() string                                        { return "timr" }
func (c *childOwningTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks   { return nil }
func (c *childOwningTrait) Methods() map[trait.MethodKey]trait.MethodHooks          { return nil }
func (c *childOwningTrait) Children() trait.ChildOps                               { return c }
func (c *childOwningTrait) CopyChildren() map[string]value.Value                   { return c.children }
func (c *childOwningTrait) IDForChild(child any) (string, bool)                    { return "", false }
func (c *childOwningTrait) ChildByID(id string) (any, bool)                        { v, ok := c.children[id]; return v, ok }
func (c *childOwningTrait) DidAddChild(id string, child any)                       {}
func (c *childOwningTrait) DidRemoveChild(id string, child any)                    {}
