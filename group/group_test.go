package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/internal/zlog"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func onoffKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "onof", Leaf: "v"}
}

func nameKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.Metadata, Trait: "name", Leaf: "v"}
}

type onOffTrait struct{ on bool }

func (o *onOffTrait) ShortID() string { return "onof" }
func (o *onOffTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		onoffKey(): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Bool(o.on), nil },
			Set: func(v value.Value) error {
				b, err := v.Bool()
				if err != nil {
					return err
				}
				o.on = b
				return nil
			},
		},
	}
}
func (o *onOffTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (o *onOffTrait) Children() trait.ChildOps                       { return nil }

type nameTrait struct{ name string }

func (n *nameTrait) ShortID() string { return "name" }
func (n *nameTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		nameKey(): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Text(n.name), nil },
			Set: func(v value.Value) error {
				s, err := v.Text()
				if err != nil {
					return err
				}
				n.name = s
				return nil
			},
		},
	}
}
func (n *nameTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (n *nameTrait) Children() trait.ChildOps                       { return nil }

func newMember(on bool) *thing.Thing {
	th := thing.New(executor.Inline(), zlog.Nop())
	th.RegisterTrait(&onOffTrait{on: on})
	return th
}

func TestApplyPropertiesFansOutStateToMembers(t *testing.T) {
	ns := resource.NewNamespace(16)
	m1, m2 := newMember(false), newMember(false)
	ns.Host("1", m1)
	ns.Host("2", m2)

	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, g.Join("1"))
	require.NoError(t, g.Join("2"))

	_, err := g.ApplyProperties(map[trait.PropertyKey]value.Value{onoffKey(): value.Bool(true)}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)

	for _, m := range []*thing.Thing{m1, m2} {
		v, err := m.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
		require.NoError(t, err)
		b, _ := v.Bool()
		assert.True(t, b)
	}
}

func TestApplyPropertiesNonStateFallsBackToOwner(t *testing.T) {
	ns := resource.NewNamespace(16)
	owner := thing.New(executor.Inline(), zlog.Nop())
	owner.RegisterTrait(&nameTrait{})
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())

	_, err := g.ApplyProperties(map[trait.PropertyKey]value.Value{nameKey(): value.Text("kitchen")}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)

	v, err := owner.FetchProperty(nameKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	s, _ := v.Text()
	assert.Equal(t, "kitchen", s)
}

func TestFetchSectionAgreementAndDisagreement(t *testing.T) {
	ns := resource.NewNamespace(16)
	m1, m2 := newMember(true), newMember(false)
	ns.Host("1", m1)
	ns.Host("2", m2)

	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, g.Join("1"))
	require.NoError(t, g.Join("2"))

	sec, err := g.FetchSection(trait.State, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	v, ok := sec[onoffKey()]
	require.True(t, ok)
	assert.True(t, v.IsNull(), "disagreeing member values collapse to null")
}

func TestFetchSectionMissingKeyOmitted(t *testing.T) {
	ns := resource.NewNamespace(16)
	m1 := newMember(true)
	m2 := thing.New(executor.Inline(), zlog.Nop())
	ns.Host("1", m1)
	ns.Host("2", m2)

	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, g.Join("1"))
	require.NoError(t, g.Join("2"))

	sec, err := g.FetchSection(trait.State, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	_, ok := sec[onoffKey()]
	assert.False(t, ok, "a key missing from any member is omitted entirely")
}

func TestJoinNativeGroupRejected(t *testing.T) {
	ns := resource.NewNamespace(16)
	innerOwner := thing.New(executor.Inline(), zlog.Nop())
	New("inner", innerOwner, ns, executor.Inline(), zlog.Nop())
	ns.Host("1", innerOwner)

	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("outer", owner, ns, executor.Inline(), zlog.Nop())

	err := g.Join("1")
	require.Error(t, err)
	assert.True(t, trait.Is(err, trait.InvalidPropertyValue))
}

func TestJoinUnhostedMemberResolvesOnceHosted(t *testing.T) {
	ns := resource.NewNamespace(16)
	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())

	require.NoError(t, g.Join("1"))
	assert.Empty(t, g.Members())

	m := newMember(false)
	ns.Host("1", m)
	require.Len(t, g.Members(), 1)

	_, err := g.ApplyProperties(map[trait.PropertyKey]value.Value{onoffKey(): value.Bool(true)}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	v, err := m.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	b, _ := v.Bool()
	assert.True(t, b)
}

func TestSnapshotRoundTripPreservesMembership(t *testing.T) {
	ns := resource.NewNamespace(16)
	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, g.Join("1"))
	require.NoError(t, g.Join("2"))

	snap := owner.CopyPersistentState()

	owner2 := thing.New(executor.Inline(), zlog.Nop())
	g2 := New("G", owner2, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, owner2.InitWithPersistentState(snap))

	m1 := newMember(false)
	ns.Host("1", m1)
	require.Len(t, g2.Members(), 1)
}
