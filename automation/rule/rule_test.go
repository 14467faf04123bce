package rule

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

func levlKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "levl", Leaf: "v"}
}

type levlTrait struct{ v float64 }

func (l *levlTrait) ShortID() string { return "levl" }
func (l *levlTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		levlKey(): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Real(l.v), nil },
			Set: func(v value.Value) error {
				f, err := v.Real()
				if err != nil {
					return err
				}
				l.v = f
				return nil
			},
		},
	}
}
func (l *levlTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (l *levlTrait) Children() trait.ChildOps                       { return nil }

func bellKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "bell", Leaf: "rings"}
}

type bellTrait struct{ rings int64 }

func (b *bellTrait) ShortID() string { return "bell" }
func (b *bellTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		bellKey(): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { return value.Int(b.rings), nil },
			Set: func(v value.Value) error {
				n, err := v.Int()
				if err != nil {
					return err
				}
				b.rings = n
				return nil
			},
		},
	}
}
func (b *bellTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (b *bellTrait) Children() trait.ChildOps                       { return nil }

func conditionValue(source, predicate string) value.Value {
	return value.Map(map[string]value.Value{
		"source":    value.Text(source),
		"predicate": value.Text(predicate),
	})
}

func actionValue(path string, body value.Value) value.Value {
	return value.Map(map[string]value.Value{
		"path":   value.Text(path),
		"method": value.Text("POST"),
		"body":   body,
	})
}

func TestAllMatchFiresOnceBothConditionsSatisfied(t *testing.T) {
	ns := resource.NewNamespace(16)
	s1, s1Trait := func() (*thing.Thing, *levlTrait) {
		lt := &levlTrait{v: 0}
		th := thing.New(executor.Inline(), zlog.Nop())
		th.RegisterTrait(lt)
		return th, lt
	}()
	s2 := &bellTrait{rings: 0}
	s2Thing := thing.New(executor.Inline(), zlog.Nop())
	s2Thing.RegisterTrait(s2)
	bell := &bellTrait{}
	bellThing := thing.New(executor.Inline(), zlog.Nop())
	bellThing.RegisterTrait(bell)
	ns.Host("1", s1)
	ns.Host("2", s2Thing)
	ns.Host("3", bellThing)

	r := New(executor.Inline(), ns, zlog.Nop())
	props := r.Properties()

	require.NoError(t, props[ruleKey("match")].Set(value.Text("all")))
	require.NoError(t, props[ruleKey("conditions")].Set(value.List(
		conditionValue("/1/s/levl/v", "v 5 >"),
		conditionValue("/2/s/bell/rings", "v 0 >"),
	)))
	require.NoError(t, props[ruleKey("actions")].Set(value.List(
		actionValue("/3/s/bell/rings", value.Int(1)),
	)))
	require.NoError(t, props[ruleKey("enabled")].Set(value.Bool(true)))

	s1Trait.v = 6
	r.handleConditionChange(0, value.Real(6))

	v, err := bellThing.FetchProperty(bellKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	n, _ := v.Int()
	assert.Equal(t, int64(0), n, "not yet satisfied: second condition still false")

	r.handleConditionChange(1, value.Int(1))

	v, err = bellThing.FetchProperty(bellKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	n, _ = v.Int()
	assert.Equal(t, int64(1), n, "both conditions satisfied: action fires")

	props2 := r.Properties()
	cv, err := props2[ruleKey("count")].Get()
	require.NoError(t, err)
	cn, _ := cv.Int()
	assert.Equal(t, int64(1), cn)
}

func TestEdgeTriggeredFiresOnceNotContinuously(t *testing.T) {
	ns := resource.NewNamespace(16)
	bell := &bellTrait{}
	bellThing := thing.New(executor.Inline(), zlog.Nop())
	bellThing.RegisterTrait(bell)
	ns.Host("1", bellThing)

	r := New(executor.Inline(), ns, zlog.Nop())
	props := r.Properties()
	require.NoError(t, props[ruleKey("match")].Set(value.Text("any")))
	require.NoError(t, props[ruleKey("conditions")].Set(value.List(
		conditionValue("/1/s/bell/rings", "v 0 >"),
	)))
	require.NoError(t, props[ruleKey("actions")].Set(value.List(
		actionValue("/1/s/bell/rings", value.Int(5)),
	)))
	require.NoError(t, props[ruleKey("enabled")].Set(value.Bool(true)))

	r.handleConditionChange(0, value.Int(1))
	r.handleConditionChange(0, value.Int(2))
	r.handleConditionChange(0, value.Int(3))

	cv, err := props[ruleKey("count")].Get()
	require.NoError(t, err)
	cn, _ := cv.Int()
	assert.Equal(t, int64(1), cn, "condition stays true across 3 updates but only the first edge fires")
}

func TestAnyMatchFiresWhenOneConditionTrue(t *testing.T) {
	ns := resource.NewNamespace(16)
	bell := &bellTrait{}
	bellThing := thing.New(executor.Inline(), zlog.Nop())
	bellThing.RegisterTrait(bell)
	ns.Host("1", bellThing)

	r := New(executor.Inline(), ns, zlog.Nop())
	props := r.Properties()
	require.NoError(t, props[ruleKey("match")].Set(value.Text("any")))
	require.NoError(t, props[ruleKey("conditions")].Set(value.List(
		conditionValue("/1/s/bell/rings", "v 100 >"),
		conditionValue("/1/s/bell/rings", "v 0 >"),
	)))
	require.NoError(t, props[ruleKey("actions")].Set(value.List(
		actionValue("/1/s/bell/rings", value.Int(9)),
	)))
	require.NoError(t, props[ruleKey("enabled")].Set(value.Bool(true)))

	r.handleConditionChange(1, value.Int(5))

	v, err := bellThing.FetchProperty(bellKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	n, _ := v.Int()
	assert.Equal(t, int64(9), n)
}

func TestDisabledRuleIgnoresConditionChanges(t *testing.T) {
	ns := resource.NewNamespace(16)
	bell := &bellTrait{}
	bellThing := thing.New(executor.Inline(), zlog.Nop())
	bellThing.RegisterTrait(bell)
	ns.Host("1", bellThing)

	r := New(executor.Inline(), ns, zlog.Nop())
	props := r.Properties()
	require.NoError(t, props[ruleKey("conditions")].Set(value.List(
		conditionValue("/1/s/bell/rings", "v 0 >"),
	)))
	require.NoError(t, props[ruleKey("actions")].Set(value.List(
		actionValue("/1/s/bell/rings", value.Int(7)),
	)))

	r.handleConditionChange(0, value.Int(1))

	v, err := bellThing.FetchProperty(bellKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	n, _ := v.Int()
	assert.Equal(t, int64(0), n, "a disabled Rule never dispatches")
}

func TestInvalidMatchModeRejected(t *testing.T) {
	ns := resource.NewNamespace(16)
	r := New(executor.Inline(), ns, zlog.Nop())
	props := r.Properties()
	err := props[ruleKey("match")].Set(value.Text("xor"))
	require.Error(t, err)
	assert.True(t, trait.Is(err, trait.InvalidPropertyValue))
}
