// Package transition implements the Transition Layer: smooth interpolation
// of a Thing's transitionable state properties over a bounded tick
// schedule, including the OnOff/Level flicker-free coupling (spec section
// 4.6 — the hardest subsystem).
//
// A Controller interposes its own apply hook ahead of whatever hook was
// already installed on the owning Thing (the base Thing's, or a wrapped
// Scene Manager's if transition.NewController runs after scene.NewManager),
// the same chaining pattern the scene package uses. Tick scheduling is
// grounded on ap.configd's single-timer, recomputed-deadline expiration
// design (expirationHandler/nextExpiration): one Cancel per active
// transition, its next fire time recomputed rather than a queue of
// one-shot timers.
package transition

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/google/splot-local/internal/config"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func durationKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "tran", Leaf: "d"}
}

// speedKey (s/tran/sp) is the pause/resume control: writing true pauses the
// active transition, false resumes it. Spec.md names the key but does not
// define its semantics beyond exclusion from begin-snapshots and
// persistence; this is this package's documented interpretation.
func speedKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "tran", Leaf: "sp"}
}

func onoffKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "onof", Leaf: "v"}
}

func levelKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "levl", Leaf: "v"}
}

func sceneSidKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "scen", Leaf: "sid"}
}

// anim holds one in-flight transition's state.
type anim struct {
	begin, end, final map[trait.PropertyKey]value.Value
	tBegin, tEnd      time.Time
	period            time.Duration
	cancel            executor.Cancel
	paused            bool
	pauseRemaining    time.Duration
}

// Controller animates an owning Thing's writes. SetDefaultDuration supplies
// a per-trait fallback duration (spec's "a per-trait default applies");
// traits without one get no implicit animation (duration 0, immediate
// apply).
type Controller struct {
	mu      sync.Mutex
	owner   *thing.Thing
	ex      executor.Executor
	tunable config.Tunables
	active  *anim
	defDur  map[string]time.Duration
}

// NewController installs transition interposition on owner. ex is the
// Executor ticks are dispatched on; tunable supplies the tick-period bounds
// and target sample count (internal/config.Tunables.Transition).
func NewController(owner *thing.Thing, ex executor.Executor, tunable config.Tunables) *Controller {
	c := &Controller{
		owner:   owner,
		ex:      ex,
		tunable: tunable,
		defDur:  map[string]time.Duration{},
	}
	prev := owner.ApplyHook()
	owner.SetApplyHook(func(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers) error {
		return c.applyHook(writes, mods, prev)
	})
	owner.RegisterTrait(c)
	owner.RegisterSnapshotExtension(c)
	return c
}

// SetDefaultDuration registers the implicit animation duration applied when
// a write touches a transitionable property of traitShortID without an
// explicit Duration modifier or s/tran/d write.
func (c *Controller) SetDefaultDuration(traitShortID string, d time.Duration) {
	c.mu.Lock()
	c.defDur[traitShortID] = d
	c.mu.Unlock()
}

// ShortID implements trait.Trait.
func (c *Controller) ShortID() string { return "tran" }

// Properties implements trait.Trait: s/tran/d reports the remaining
// duration in seconds (0 when idle), s/tran/sp reports/accepts the pause
// state. Both are NoSave/NoTrans: transient control surfaces, never
// persisted, never themselves animated.
func (c *Controller) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		durationKey(): {
			Flags: trait.Get | trait.NoSave | trait.NoTrans,
			Get: func() (value.Value, error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.active == nil {
					return value.Real(0), nil
				}
				return value.Real(c.active.tEnd.Sub(time.Now()).Seconds()), nil
			},
		},
		speedKey(): {
			Flags: trait.Get | trait.Set | trait.NoSave | trait.NoTrans,
			Get: func() (value.Value, error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				return value.Bool(c.active != nil && c.active.paused), nil
			},
			Set: func(v value.Value) error {
				paused, err := v.Bool()
				if err != nil {
					return errors.Wrap(err, "set "+speedKey().String())
				}
				if paused {
					c.Pause()
				} else {
					c.Resume()
				}
				return nil
			},
		},
	}
}

// Methods implements trait.Trait.
func (c *Controller) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }

// Children implements trait.Trait.
func (c *Controller) Children() trait.ChildOps { return nil }

// ExtendSnapshot implements thing.SnapshotExtension: "copy_persistent_state
// replaces transitioning state with final so persistence snapshots always
// represent the post-transition steady state."
func (c *Controller) ExtendSnapshot(snap thing.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	for key, v := range c.active.final {
		snap[key.String()] = thing.ToAny(v)
	}
}

// RestoreSnapshot implements thing.SnapshotExtension. Transitions are
// runtime-only state; nothing is claimed on restore.
func (c *Controller) RestoreSnapshot(thing.Snapshot) []string { return nil }

// FetchProperty overrides the base Thing's fetch for TransitionTarget/
// Duration-modified reads: these return the in-flight transition's final
// value, falling back to the owner's plain cached value when no transition
// is touching the key.
func (c *Controller) FetchProperty(key trait.PropertyKey, mods thing.Modifiers) *executor.Future[value.Value] {
	if mods.TransitionTarget || mods.Duration != nil {
		c.mu.Lock()
		if c.active != nil {
			if v, ok := c.active.final[key]; ok {
				c.mu.Unlock()
				return executor.Resolved(v)
			}
		}
		c.mu.Unlock()
	}
	return c.owner.FetchProperty(key, mods)
}

// Pause cancels the active transition's tick while preserving its
// timestamps, per "pause cancels the tick but preserves timestamps."
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.paused {
		return
	}
	c.active.paused = true
	c.active.pauseRemaining = c.active.tEnd.Sub(time.Now())
	if c.active.cancel != nil {
		c.active.cancel()
		c.active.cancel = nil
	}
}

// Resume recomputes the tick period from the remaining interval and
// restarts the tick.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || !c.active.paused {
		return
	}
	a := c.active
	a.paused = false
	a.tEnd = time.Now().Add(a.pauseRemaining)
	a.period = tickPeriod(a.pauseRemaining, c.tunable)
	c.scheduleTickLocked(a)
}

// Stop clears begin/end/final and timestamps without applying final,
// cancelling any in-flight tick.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearActiveLocked()
}

func (c *Controller) clearActiveLocked() {
	if c.active != nil && c.active.cancel != nil {
		c.active.cancel()
	}
	c.active = nil
}

// applyHook is the installed ApplyHookFunc: it separates trans_state from
// other, decides whether to animate, and either schedules a transition or
// delegates everything to next (the hook that was installed before this
// Controller interposed).
func (c *Controller) applyHook(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers, next thing.ApplyHookFunc) error {
	c.mu.Lock()

	duration, explicit := c.effectiveDurationLocked(writes, mods)
	transState, other := c.splitTransitionableLocked(writes)

	if duration <= 0 || len(transState) == 0 {
		c.mu.Unlock()
		// Nothing to animate; the whole write (minus s/tran/d, which has
		// no Set; s/tran/sp is NoTrans and so travels in other to its own
		// Set) goes through as a plain immediate apply.
		merged := make(map[trait.PropertyKey]value.Value, len(other)+len(transState))
		for k, v := range other {
			merged[k] = v
		}
		for k, v := range transState {
			merged[k] = v
		}
		return next(merged, mods)
	}

	// The owner's lock is held by the apply_properties call running this
	// hook, so current values are read through each trait's Get hook.
	beginAll := map[trait.PropertyKey]value.Value{}
	reg := c.owner.Registry()
	for _, key := range reg.PropertiesInSection(trait.State) {
		hooks, ok := reg.Property(key)
		if !ok || !hooks.Flags.CanSave() || hooks.Get == nil {
			continue
		}
		if v, err := hooks.Get(); err == nil {
			beginAll[key] = v
		}
	}
	for _, special := range []trait.PropertyKey{durationKey(), speedKey(), sceneSidKey()} {
		delete(beginAll, special)
	}

	end := make(map[trait.PropertyKey]value.Value, len(transState))
	for k, v := range transState {
		end[k] = v
	}

	var finalBase map[trait.PropertyKey]value.Value
	if c.active != nil && !explicit {
		// A transition is already in progress and the new write carried no
		// explicit duration: keep the previous final, graft the new end on
		// top (spec 4.6, "Compute final").
		finalBase = make(map[trait.PropertyKey]value.Value, len(c.active.final))
		for k, v := range c.active.final {
			finalBase[k] = v
		}
	} else {
		finalBase = make(map[trait.PropertyKey]value.Value, len(end))
	}
	for k, v := range end {
		finalBase[k] = v
	}

	begin := make(map[trait.PropertyKey]value.Value, len(end))
	for k := range end {
		if v, ok := beginAll[k]; ok {
			begin[k] = v
		}
	}

	immediate := c.applyOnOffLevelCouplingLocked(beginAll, begin, end, finalBase)

	c.clearActiveLocked()

	tBegin := time.Now()
	tEnd := tBegin.Add(duration)
	a := &anim{
		begin:  begin,
		end:    end,
		final:  finalBase,
		tBegin: tBegin,
		tEnd:   tEnd,
		period: tickPeriod(duration, c.tunable),
	}

	var scheduleNeeded = len(end) > 0
	if scheduleNeeded {
		c.active = a
		c.scheduleTickLocked(a)
	}
	c.mu.Unlock()

	var firstErr error
	if len(immediate) > 0 {
		if err := c.owner.ApplyImmediately(immediate); err != nil {
			firstErr = err
		}
	}
	if len(other) > 0 {
		if err := next(other, mods); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyOnOffLevelCouplingLocked adjusts begin/end/final in place for the
// OnOff+Level flicker-free rule and returns any key/value pairs that should
// be applied immediately (not animated) because both begin and final are
// off.
func (c *Controller) applyOnOffLevelCouplingLocked(beginAll, begin, end, final map[trait.PropertyKey]value.Value) map[trait.PropertyKey]value.Value {
	onoffBeginV, hasOnoff := beginAll[onoffKey()]
	levelBeginV, hasLevel := beginAll[levelKey()]
	if !hasOnoff || !hasLevel {
		return nil
	}
	_, onoffInEnd := end[onoffKey()]
	_, levelInEnd := end[levelKey()]
	if !onoffInEnd && !levelInEnd {
		return nil
	}

	beginOnoff, _ := onoffBeginV.Bool()
	finalOnoff := beginOnoff
	if v, ok := end[onoffKey()]; ok {
		finalOnoff, _ = v.Bool()
	}

	switch {
	case !beginOnoff && !finalOnoff:
		// Both off: apply final immediately, do not animate.
		immediate := map[trait.PropertyKey]value.Value{}
		if onoffInEnd {
			immediate[onoffKey()] = value.Bool(false)
			delete(begin, onoffKey())
			delete(end, onoffKey())
			delete(final, onoffKey())
		}
		if levelInEnd {
			immediate[levelKey()] = end[levelKey()]
			delete(begin, levelKey())
			delete(end, levelKey())
			delete(final, levelKey())
		}
		return immediate

	case beginOnoff && !finalOnoff:
		// Turning off: hold onoff=true throughout, end level=0, restore the
		// pre-transition level in final so re-activation resumes at
		// brightness.
		begin[onoffKey()] = value.Bool(true)
		end[onoffKey()] = value.Bool(true)
		final[onoffKey()] = value.Bool(false)
		begin[levelKey()] = levelBeginV
		end[levelKey()] = value.Int(0)
		final[levelKey()] = levelBeginV

	case !beginOnoff && finalOnoff:
		// Turning on: pre-seed level=0 at begin to avoid flicker, animate
		// up to the target level.
		target := levelBeginV
		if v, ok := end[levelKey()]; ok {
			target = v
		}
		begin[onoffKey()] = value.Bool(true)
		end[onoffKey()] = value.Bool(true)
		final[onoffKey()] = value.Bool(true)
		begin[levelKey()] = value.Int(0)
		end[levelKey()] = target
		final[levelKey()] = target
	}
	return nil
}

// effectiveDurationLocked resolves the duration to animate with and
// whether it was explicitly requested (a Duration modifier or an explicit
// s/tran/d write) as opposed to falling back to a per-trait default.
func (c *Controller) effectiveDurationLocked(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers) (time.Duration, bool) {
	if mods.Duration != nil {
		return secondsToDuration(*mods.Duration), true
	}
	if v, ok := writes[durationKey()]; ok {
		if secs, err := v.Real(); err == nil {
			return secondsToDuration(secs), true
		}
	}
	var best time.Duration
	for key := range writes {
		if key == durationKey() || key == speedKey() {
			continue
		}
		if d, ok := c.defDur[key.Trait]; ok && d > best {
			best = d
		}
	}
	return best, false
}

// splitTransitionableLocked separates writes into trans_state (the keys a
// registered trait marks CanTransition) and other (passed through to
// immediate application untouched).
func (c *Controller) splitTransitionableLocked(writes map[trait.PropertyKey]value.Value) (trans, other map[trait.PropertyKey]value.Value) {
	trans = map[trait.PropertyKey]value.Value{}
	other = map[trait.PropertyKey]value.Value{}
	for k, v := range writes {
		if k == durationKey() {
			continue
		}
		hooks, ok := c.owner.Registry().Property(k)
		if ok && hooks.Flags.CanTransition() {
			trans[k] = v
		} else {
			other[k] = v
		}
	}
	return trans, other
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// tickPeriod targets config.Tunables.Transition.TargetSamples ticks over
// the animation's duration, clamped into [TickMinMillis, TickMaxMillis].
func tickPeriod(d time.Duration, t config.Tunables) time.Duration {
	samples := t.Transition.TargetSamples
	if samples <= 0 {
		samples = 1000
	}
	period := d / time.Duration(samples)
	tickMin := time.Duration(t.Transition.TickMinMillis) * time.Millisecond
	tickMax := time.Duration(t.Transition.TickMaxMillis) * time.Millisecond
	if period < tickMin {
		period = tickMin
	}
	if period > tickMax {
		period = tickMax
	}
	return period
}

func (c *Controller) scheduleTickLocked(a *anim) {
	a.cancel = c.ex.ScheduleAtFixedRate(a.period, func() { c.tick(a) })
}

// tick computes the interpolated value for each animated key at the
// current time and applies it through the owner's trait dispatch. When
// p >= 1 it applies final atomically and stops.
func (c *Controller) tick(a *anim) {
	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	span := a.tEnd.Sub(a.tBegin)
	var p float64
	if span > 0 {
		p = float64(now.Sub(a.tBegin)) / float64(span)
	} else {
		p = 1
	}
	p = math.Max(0, math.Min(1, p))

	if p >= 1 {
		final := a.final
		c.clearActiveLocked()
		c.mu.Unlock()
		_ = c.owner.ApplyImmediatelyLocking(final)
		return
	}

	writes := make(map[trait.PropertyKey]value.Value, len(a.end))
	for key, endV := range a.end {
		beginV, hasBegin := a.begin[key]
		writes[key] = interpolate(beginV, hasBegin, endV, p)
	}
	c.mu.Unlock()
	_ = c.owner.ApplyImmediatelyLocking(writes)
}

// interpolate implements the per-type intermediate-value rules of spec
// 4.6: linear for real/int, the flicker-avoiding rule for bool, elementwise
// linear for fixed-length real arrays, pass-through-at-p=1 for everything
// else.
func interpolate(beginV value.Value, hasBegin bool, endV value.Value, p float64) value.Value {
	switch endV.Kind() {
	case value.KindInt:
		var b float64
		if hasBegin {
			b, _ = beginV.Real()
		}
		e, _ := endV.Real()
		return value.Int(int64(math.Round(b + (e-b)*p)))
	case value.KindReal:
		var b float64
		if hasBegin {
			b, _ = beginV.Real()
		}
		e, _ := endV.Real()
		return value.Real(b + (e-b)*p)
	case value.KindBool:
		beginBool := false
		if hasBegin {
			beginBool, _ = beginV.Bool()
		}
		endBool, _ := endV.Bool()
		result := (endBool && !beginBool) || p < 1
		return value.Bool(result)
	case value.KindList:
		endList, _ := endV.List()
		var beginList []value.Value
		if hasBegin {
			beginList, _ = beginV.List()
		}
		n := len(endList)
		if hasBegin && len(beginList) < n {
			n = len(beginList)
		}
		out := make([]value.Value, len(endList))
		for i, ev := range endList {
			if i >= n {
				out[i] = ev
				continue
			}
			er, errE := ev.Real()
			br, errB := beginList[i].Real()
			if errE != nil || errB != nil {
				out[i] = ev
				continue
			}
			out[i] = value.Real(br + (er-br)*p)
		}
		return value.List(out...)
	default:
		if p >= 1 {
			return endV
		}
		if hasBegin {
			return beginV
		}
		return endV
	}
}
