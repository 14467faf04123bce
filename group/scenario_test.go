package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/splot-local/automation/pairing"
	"github.com/google/splot-local/automation/timer"
	"github.com/google/splot-local/internal/config"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/internal/zlog"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func scenarioLevlKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "levl", Leaf: "v"}
}

// scenarioLevlTrait models s/levl/v as the percent-real spec.md's S5
// pairing scenario writes (0.5).
type scenarioLevlTrait struct{ v float64 }

func (l *scenarioLevlTrait) ShortID() string { return "levl" }
func (l *scenarioLevlTrait) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		scenarioLevlKey(): {
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
func (l *scenarioLevlTrait) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }
func (l *scenarioLevlTrait) Children() trait.ChildOps                       { return nil }

// TestScenarioS4GroupApplyPropertiesFansOutToMember covers spec.md's S4:
// creating a Group, hosting it, adding a light, then writing s/onof/v
// through the Group turns the light on.
func TestScenarioS4GroupApplyPropertiesFansOutToMember(t *testing.T) {
	ns := resource.NewNamespace(16)
	light := newMember(false)
	ns.Host("1", light)

	owner := thing.New(executor.Inline(), zlog.Nop())
	g := New("G", owner, ns, executor.Inline(), zlog.Nop())
	require.NoError(t, g.Join("1"))

	_, err := g.ApplyProperties(map[trait.PropertyKey]value.Value{
		onoffKey(): value.Bool(true),
	}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)

	v, err := light.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	b, _ := v.Bool()
	assert.True(t, b, "the light joined to the group turns on")
}

// TestScenarioS5PairingPushesSourceToDestinationOnceWithinEpsilon covers
// spec.md's S5: a push Pairing from light1.s/levl/v to light2.s/levl/v with
// an identity forward transform propagates a write, then suppresses a
// repeat write within epsilon of the last propagated value.
func TestScenarioS5PairingPushesSourceToDestinationOnceWithinEpsilon(t *testing.T) {
	ns := resource.NewNamespace(16)
	light1 := thing.New(executor.Inline(), zlog.Nop())
	light1.RegisterTrait(&scenarioLevlTrait{})
	light2 := thing.New(executor.Inline(), zlog.Nop())
	light2lvl := &scenarioLevlTrait{}
	light2.RegisterTrait(light2lvl)
	ns.Host("1", light1)
	ns.Host("2", light2)

	p := pairing.New(executor.Inline(), ns, zlog.Nop(), config.Default())
	props := p.Properties()
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "source_link"}].Set(value.Text("/1/s/levl/v")))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "destination_link"}].Set(value.Text("/2/s/levl/v")))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "forward"}].Set(value.Text("v")))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "push"}].Set(value.Bool(true)))

	_, err := light1.ApplyProperties(map[trait.PropertyKey]value.Value{
		scenarioLevlKey(): value.Real(0.5),
	}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)

	v, err := light2.FetchProperty(scenarioLevlKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	f, _ := v.Real()
	assert.Equal(t, 0.5, f, "the write propagates to the destination within one dispatch cycle")

	countBefore, err := props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "count"}].Get()
	require.NoError(t, err)

	_, err = light1.ApplyProperties(map[trait.PropertyKey]value.Value{
		scenarioLevlKey(): value.Real(0.5),
	}, thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)

	light2lvl.v = 0.9 // prove the repeat write never reaches the destination
	countAfter, err := props[trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: "count"}].Get()
	require.NoError(t, err)
	cb, _ := countBefore.Int()
	ca, _ := countAfter.Int()
	assert.Equal(t, cb, ca, "a write within epsilon of the last propagated value does not re-invoke the destination")
}

// TestScenarioS6TimerPredicateSkipsMiddleAttempt covers spec.md's S6: an
// auto-reset Timer firing on a constant schedule toggles its light on the
// 1st and 3rd attempts but not the 2nd, whose predicate evaluates false.
// Real seconds are compressed 10x (0.5s per attempt instead of 5s) so the
// test runs in under two seconds; the attempt/skip/attempt shape is
// unchanged.
func TestScenarioS6TimerPredicateSkipsMiddleAttempt(t *testing.T) {
	ns := resource.NewNamespace(16)
	light := newMember(false)
	ns.Host("1", light)

	tm := timer.New(executor.Inline(), ns, zlog.Nop(), nil)
	props := tm.Properties()
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "timr", Leaf: "schedule_program"}].Set(value.Text("0.5")))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "timr", Leaf: "predicate_program"}].Set(value.Text("c 2 !=")))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "timr", Leaf: "auto_reset"}].Set(value.Bool(true)))
	require.NoError(t, tm.SetActions([]timer.Action{{Path: "/1/s/onof/v?tog", Method: "POST", Body: value.Null}}))
	require.NoError(t, props[trait.PropertyKey{Section: trait.State, Trait: "timr", Leaf: "enabled"}].Set(value.Bool(true)))

	time.Sleep(800 * time.Millisecond)
	v, err := light.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	on, _ := v.Bool()
	assert.True(t, on, "attempt 1 toggles the light on")

	time.Sleep(500 * time.Millisecond)
	v, err = light.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	on, _ = v.Bool()
	assert.True(t, on, "attempt 2's predicate is false, so the light stays on (no toggle)")

	time.Sleep(500 * time.Millisecond)
	v, err = light.FetchProperty(onoffKey(), thing.Modifiers{}).Wait(context.Background())
	require.NoError(t, err)
	on, _ = v.Bool()
	assert.False(t, on, "attempt 3 toggles the light back off")
}
