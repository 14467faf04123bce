package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/internal/zlog"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func levlKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "levl", Leaf: "v"}
}

type levlTrait struct{ level int64 }

func (l *levlTrait) ShortID() string { return "levl" }
func (l *levlTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		levlKey(): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Int(l.level), nil },
			Set: func(v value.Value) error {
				i, err := v.Int()
				if err != nil {
					return err
				}
				l.level = i
				return nil
			},
		},
	}
}
func (l *levlTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (l *levlTrait) Children() trait.ChildOps                       { return nil }

func TestParseURIBasic(t *testing.T) {
	p, err := ParseURI("/1/s/levl/v")
	require.NoError(t, err)
	assert.Equal(t, "1", p.Locator)
	assert.Equal(t, trait.State, p.Section)
	assert.Equal(t, "levl", p.Trait)
	assert.Equal(t, "v", p.Leaf)
}

func TestParseURIGroupLocator(t *testing.T) {
	p, err := ParseURI("/g/abc/s/levl/v")
	require.NoError(t, err)
	assert.Equal(t, "g/abc", p.Locator)
	gid, ok := p.GroupID()
	require.True(t, ok)
	assert.Equal(t, "abc", gid)
}

func TestParseURIModifiers(t *testing.T) {
	p, err := ParseURI("/1/s/levl/v?d=2.5&inc")
	require.NoError(t, err)
	require.NotNil(t, p.Mods.Duration)
	assert.InDelta(t, 2.5, *p.Mods.Duration, 1e-9)
	assert.True(t, p.Mods.Increment)
}

func TestParseURIChildTraversal(t *testing.T) {
	p, err := ParseURI("/1/f/scen/warm/s/lght/mire")
	require.NoError(t, err)
	require.Len(t, p.Children, 1)
	assert.Equal(t, "scen", p.Children[0].Trait)
	assert.Equal(t, "warm", p.Children[0].Child)
	assert.Equal(t, "lght", p.Trait)
	assert.Equal(t, "mire", p.Leaf)
}

func TestParseURIUnrecognizedModifierErrors(t *testing.T) {
	_, err := ParseURI("/1/s/levl/v?bogus")
	require.Error(t, err)
}

func newHostedThing() *thing.Thing {
	th := thing.New(executor.Inline(), zlog.Nop())
	th.RegisterTrait(&levlTrait{level: 42})
	return th
}

func TestResolveAndFetchValue(t *testing.T) {
	ns := NewNamespace(16)
	ns.Host("1", newHostedThing())

	link, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	v, err := link.FetchValue().Wait(context.Background())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.EqualValues(t, 42, i)
}

func TestResolveCachesByURI(t *testing.T) {
	ns := NewNamespace(16)
	ns.Host("1", newHostedThing())

	l1, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	l2, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	assert.Same(t, l1, l2)
}

func TestUnhostedReturnsLazyLinkNotError(t *testing.T) {
	ns := NewNamespace(16)
	link, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	_, isLazy := link.(*LazyLink)
	assert.True(t, isLazy)
}

func TestLazyLinkResolvesOnceThingIsHosted(t *testing.T) {
	ns := NewNamespace(16)
	link, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)

	_, err = link.FetchValue().Wait(context.Background())
	require.Error(t, err)

	ns.Host("1", newHostedThing())

	v, err := link.FetchValue().Wait(context.Background())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.EqualValues(t, 42, i)
}

func TestLazyLinkReplaysPendingInvokeOnceHosted(t *testing.T) {
	ns := NewNamespace(16)
	link, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)

	_, err = link.Invoke(value.Int(99)).Wait(context.Background())
	require.Error(t, err)

	th := newHostedThing()
	ns.Host("1", th)

	v, err := th.FetchProperty(levlKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.EqualValues(t, 99, i, "pending invoke should have replayed once the thing was hosted")
}

func TestUnhostPurgesCachedLinkForThatLocator(t *testing.T) {
	ns := NewNamespace(16)
	ns.Host("1", newHostedThing())

	l1, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	v, err := l1.FetchValue().Wait(context.Background())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.EqualValues(t, 42, i)

	ns.Unhost("1")
	th2 := thing.New(executor.Inline(), zlog.Nop())
	th2.RegisterTrait(&levlTrait{level: 100})
	ns.Host("1", th2)

	l2, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	assert.NotSame(t, l1, l2, "re-hosting the same locator must not keep serving the link cached against the old Thing")
	v, err = l2.FetchValue().Wait(context.Background())
	require.NoError(t, err)
	i, _ = v.Int()
	assert.EqualValues(t, 100, i, "the re-resolved link reads from the newly hosted Thing")
}

func TestUnhostPurgeLeavesOtherLocatorsCached(t *testing.T) {
	ns := NewNamespace(16)
	ns.Host("1", newHostedThing())
	ns.Host("2", newHostedThing())

	l1, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	l2, err := ns.Resolve("/2/s/levl/v")
	require.NoError(t, err)

	ns.Unhost("1")

	again, err := ns.Resolve("/2/s/levl/v")
	require.NoError(t, err)
	assert.Same(t, l2, again, "unhosting one locator must not evict another locator's cached link")
	_ = l1
}

func TestRepeatedResolveOfUnhostedURIReusesOneLazyLink(t *testing.T) {
	ns := NewNamespace(16)

	l1, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	l2, err := ns.Resolve("/1/s/levl/v")
	require.NoError(t, err)
	assert.Same(t, l1, l2, "repeated resolution of the same not-yet-hosted URI must not accumulate a fresh LazyLink per call")
	assert.Len(t, ns.lazies, 1)

	ns.Host("1", newHostedThing())
	assert.Empty(t, ns.lazies, "a LazyLink is dropped from the pending set once it resolves")
}

func TestPropertyLinkSubscribesOnlyWhileObserved(t *testing.T) {
	th := newHostedThing()
	link := &Link{uri: "/1/s/levl/v", th: th, key: levlKey()}
	pl := NewPropertyLink(link, executor.Inline())

	var seen []int64
	unregister := pl.AddObserver(func(v value.Value) {
		i, _ := v.Int()
		seen = append(seen, i)
	})
	require.Len(t, seen, 1)
	assert.EqualValues(t, 42, seen[0])

	_, err := th.ApplyProperties(map[trait.PropertyKey]value.Value{levlKey(): value.Int(7)}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.EqualValues(t, 7, seen[1])

	unregister()
	_, err = th.ApplyProperties(map[trait.PropertyKey]value.Value{levlKey(): value.Int(9)}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, seen, 2, "no further notifications after the last observer unregisters")
}
